package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolNameKnown(t *testing.T) {
	for _, n := range ToolNames {
		assert.True(t, n.Known(), n)
	}
	assert.False(t, ToolName("open_door").Known())
	assert.Len(t, ToolNames, 8)
}

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs("")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = ParseArgs(`{"resolution":"hd","save":true}`)
	require.NoError(t, err)
	assert.Equal(t, "hd", args["resolution"])
	assert.Equal(t, true, args["save"])

	_, err = ParseArgs(`{"resolution":`)
	assert.Error(t, err)
}

func TestToolResultPayload(t *testing.T) {
	req := ToolCallRequest{CallID: "c1", Name: ToolDisconnectVoice}

	res := NewToolResult(req, "Voice communication disconnected successfully - END")
	assert.Equal(t, "Voice communication disconnected successfully - END", res.Payload())
	assert.Equal(t, "c1", res.CallID)

	res = NewToolResult(ToolCallRequest{CallID: "c2", Name: ToolGetWeather}, map[string]int{"humidity": 40})
	assert.JSONEq(t, `{"humidity":40}`, res.Payload())

	res = NewToolErrorResult(ToolCallRequest{CallID: "c3", Name: "nope"}, CodeUnknownTool, "no such tool")
	assert.False(t, res.OK())
	assert.JSONEq(t, `{"error":{"code":"unknown_tool","message":"no such tool"}}`, res.Payload())
	assert.EqualError(t, res.Error, "unknown_tool: no such tool")
}

func TestToolResultUnencodable(t *testing.T) {
	res := NewToolResult(ToolCallRequest{CallID: "c4"}, func() {})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeToolFailed, res.Error.Code)
	assert.Equal(t, "c4", res.CallID)
}
