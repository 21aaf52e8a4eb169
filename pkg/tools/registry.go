package tools

import (
	"fmt"

	"github.com/teslashibe/go-porter/pkg/conversation"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

// Registry is the fixed tool set. It is safe for concurrent use because it
// never changes after NewRegistry returns.
type Registry struct {
	tools     map[protocol.ToolName]Tool
	order     []protocol.ToolName
	validator *schemaValidator
}

// NewRegistry builds a registry. Only the enumerated tool names are
// accepted and each may appear once.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:     make(map[protocol.ToolName]Tool, len(tools)),
		validator: newSchemaValidator(),
	}

	for _, t := range tools {
		def := t.Definition()
		if !def.Name.Known() {
			return nil, fmt.Errorf("%w: %q is not in the tool set", ErrUnknownTool, def.Name)
		}
		if _, dup := r.tools[def.Name]; dup {
			return nil, fmt.Errorf("tools: %s registered twice", def.Name)
		}
		if err := r.validator.compile(string(def.Name), def.Parameters); err != nil {
			return nil, err
		}
		r.tools[def.Name] = t
		r.order = append(r.order, def.Name)
	}

	return r, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name protocol.ToolName) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []protocol.ToolName {
	return append([]protocol.ToolName(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Definitions returns every tool definition in registration order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// ConversationTools renders the registry for session.update.
func (r *Registry) ConversationTools() []conversation.Tool {
	out := make([]conversation.Tool, 0, len(r.order))
	for _, def := range r.Definitions() {
		params := def.Parameters
		if params == nil {
			params = emptyObject
		}
		out = append(out, conversation.Tool{
			Name:        string(def.Name),
			Description: def.Description,
			Parameters:  params,
		})
	}
	return out
}

// Validate checks args for the named tool.
func (r *Registry) Validate(name protocol.ToolName, args map[string]any) error {
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return r.validator.validate(string(name), args)
}
