package web

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/session"
)

// DefaultRingMessage is used when the doorbell sends no alarm text.
const DefaultRingMessage = "Someone pressed the doorbell"

// alarmTimeLayouts are tried in order on alarm.alarmTime.
var alarmTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// AlarmPayload is the doorbell webhook body.
type AlarmPayload struct {
	Alarm *struct {
		Message     string `json:"message"`
		DeviceModel string `json:"deviceModel"`
		Device      string `json:"device"`
		AlarmTime   string `json:"alarmTime"`
	} `json:"alarm"`
}

// RingEvent converts the payload. now is used when no usable alarm time is
// present.
func (p AlarmPayload) RingEvent(now time.Time) session.RingEvent {
	ev := session.RingEvent{
		DeviceID:  "doorbell",
		Timestamp: now,
		Message:   DefaultRingMessage,
	}
	a := p.Alarm
	if a == nil {
		return ev
	}
	if a.Device != "" {
		ev.DeviceID = a.Device
	}
	if a.Message != "" {
		ev.Message = a.Message
	}
	ev.Model = a.DeviceModel
	for _, layout := range alarmTimeLayouts {
		if t, err := time.ParseInLocation(layout, a.AlarmTime, now.Location()); err == nil {
			ev.Timestamp = t
			break
		}
	}
	return ev
}

// RingResponse answers the webhook.
type RingResponse struct {
	Status    string `json:"status"` // accepted, busy, rate_limited
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleRing(c *fiber.Ctx) error {
	var payload AlarmPayload
	body := c.Body()
	if len(body) > 0 && strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEApplicationJSON) {
		if err := json.Unmarshal(body, &payload); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid alarm payload: "+err.Error())
		}
	}
	ev := payload.RingEvent(time.Now())

	if !s.rings.Allow() {
		metrics.RingsTotal.WithLabelValues("limited").Inc()
		s.logger.Warn("ring rate limited", "device", ev.DeviceID)
		if s.events != nil {
			if msg, err := protocol.NewRingMessage(protocol.RingData{
				DeviceID: ev.DeviceID,
				Model:    ev.Model,
				Message:  ev.Message,
				Reason:   "rate_limited",
			}); err == nil {
				s.events.Publish(msg)
			}
		}
		return c.Status(fiber.StatusTooManyRequests).JSON(RingResponse{Status: "rate_limited"})
	}

	s.logger.Info("doorbell event", "method", c.Method(), "device", ev.DeviceID, "model", ev.Model, "message", ev.Message)

	dec, err := s.backend.NotifyRing(c.UserContext(), ev)
	switch {
	case err == nil:
		return c.JSON(RingResponse{Status: "accepted", SessionID: dec.SessionID})
	case errors.Is(err, session.ErrSessionBusy):
		return c.Status(fiber.StatusConflict).JSON(RingResponse{Status: "busy", SessionID: dec.SessionID})
	case errors.Is(err, session.ErrShutdown):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// StatusResponse is the session status plus dashboard stats.
type StatusResponse struct {
	session.Status
	DashboardClients int `json:"dashboard_clients"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{Status: s.backend.Status()}
	if s.events != nil {
		resp.DashboardClients = s.events.ClientCount()
	}
	return c.JSON(resp)
}

// ToolInfo describes an available tool
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	EndsCall    bool           `json:"ends_call,omitempty"`
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	defs := s.backend.Tools()
	out := make([]ToolInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolInfo{
			Name:        string(d.Name),
			Description: d.Description,
			Parameters:  d.Parameters,
			EndsCall:    d.EndsCall,
		})
	}
	return c.JSON(out)
}

// TriggerToolRequest is the request body for triggering a tool
type TriggerToolRequest struct {
	Args map[string]any `json:"args"`
}

func (s *Server) handleTriggerTool(c *fiber.Ctx) error {
	name := protocol.ToolName(c.Params("name"))

	var req TriggerToolRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	call := protocol.ToolCallRequest{
		CallID:     "manual-" + uuid.NewString(),
		Name:       name,
		Args:       req.Args,
		ReceivedAt: time.Now(),
	}
	s.logger.Info("manual tool call", "tool", name, "call_id", call.CallID)

	res := s.backend.Dispatch(c.UserContext(), call)
	return c.Status(resultStatus(res)).JSON(res)
}

func resultStatus(res protocol.ToolCallResult) int {
	if res.OK() {
		return fiber.StatusOK
	}
	switch res.Error.Code {
	case protocol.CodeUnknownTool:
		return fiber.StatusNotFound
	case protocol.CodeInvalidArguments:
		return fiber.StatusBadRequest
	case protocol.CodeToolTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}
