package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/session"
	"github.com/teslashibe/go-porter/pkg/tools"
)

type fakeBackend struct {
	mu     sync.Mutex
	rings  []session.RingEvent
	calls  []protocol.ToolCallRequest
	ringFn func(session.RingEvent) (session.Decision, error)
	result func(protocol.ToolCallRequest) protocol.ToolCallResult
	status session.Status
}

func (b *fakeBackend) NotifyRing(ctx context.Context, ev session.RingEvent) (session.Decision, error) {
	b.mu.Lock()
	b.rings = append(b.rings, ev)
	b.mu.Unlock()
	if b.ringFn != nil {
		return b.ringFn(ev)
	}
	return session.Decision{Accepted: true, SessionID: "s-1"}, nil
}

func (b *fakeBackend) Status() session.Status { return b.status }

func (b *fakeBackend) Dispatch(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCallResult {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	if b.result != nil {
		return b.result(req)
	}
	return protocol.NewToolResult(req, "ok")
}

func (b *fakeBackend) Tools() []tools.Definition {
	return []tools.Definition{
		{Name: protocol.ToolConnectVoice, Description: "Open the voice channel"},
		{Name: protocol.ToolDisconnectVoice, Description: "End the call", EndsCall: true},
		{Name: protocol.ToolGetDatetime, Description: "Clock", Parameters: tools.Object(map[string]any{
			"format": tools.Enum("what to report", "time", "date", "full"),
		})},
	}
}

func newTestServer(t *testing.T, b *fakeBackend, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RingRateLimit = 0
	for _, m := range mutate {
		m(&cfg)
	}
	return NewServer(cfg, b, nil)
}

func do(t *testing.T, s *Server, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.App().Test(req, 2000)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRingAccepted(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b)

	resp, body := do(t, s, jsonRequest("POST", "/doorbell",
		`{"alarm":{"message":"Visitor","deviceModel":"Reolink Video Doorbell","device":"front-door","alarmTime":"2025-03-01 14:05:09"}}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got RingResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, RingResponse{Status: "accepted", SessionID: "s-1"}, got)

	require.Len(t, b.rings, 1)
	ev := b.rings[0]
	assert.Equal(t, "front-door", ev.DeviceID)
	assert.Equal(t, "Visitor", ev.Message)
	assert.Equal(t, "Reolink Video Doorbell", ev.Model)
	assert.Equal(t, "2025-03-01 14:05:09", ev.Timestamp.Format("2006-01-02 15:04:05"))
}

func TestRingWithoutPayload(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b)

	resp, _ := do(t, s, httptest.NewRequest("GET", "/doorbell", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, s, httptest.NewRequest("POST", "/doorbell", strings.NewReader("ding")))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, b.rings, 2)
	for _, ev := range b.rings {
		assert.Equal(t, "doorbell", ev.DeviceID)
		assert.Equal(t, DefaultRingMessage, ev.Message)
		assert.WithinDuration(t, time.Now(), ev.Timestamp, 5*time.Second)
	}
}

func TestRingBadJSON(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b)

	resp, body := do(t, s, jsonRequest("POST", "/doorbell", `{"alarm":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid alarm payload")
	assert.Empty(t, b.rings)
}

func TestRingBusy(t *testing.T) {
	b := &fakeBackend{ringFn: func(session.RingEvent) (session.Decision, error) {
		return session.Decision{SessionID: "s-live"}, session.ErrSessionBusy
	}}
	s := newTestServer(t, b)

	resp, body := do(t, s, jsonRequest("POST", "/doorbell", `{}`))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var got RingResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "busy", got.Status)
	assert.Equal(t, "s-live", got.SessionID)
}

func TestRingAfterShutdown(t *testing.T) {
	b := &fakeBackend{ringFn: func(session.RingEvent) (session.Decision, error) {
		return session.Decision{}, session.ErrShutdown
	}}
	s := newTestServer(t, b)

	resp, _ := do(t, s, jsonRequest("POST", "/doorbell", `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRingRateLimited(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b, func(c *Config) {
		c.RingRateLimit = 0.001
		c.RingBurst = 2
	})
	limited := testutil.ToFloat64(metrics.RingsTotal.WithLabelValues("limited"))

	for i := 0; i < 2; i++ {
		resp, _ := do(t, s, jsonRequest("POST", "/doorbell", `{}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, s, jsonRequest("POST", "/doorbell", `{}`))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `{"status":"rate_limited"}`, string(body))

	assert.Len(t, b.rings, 2)
	assert.Equal(t, limited+1, testutil.ToFloat64(metrics.RingsTotal.WithLabelValues("limited")))
}

func TestStatus(t *testing.T) {
	b := &fakeBackend{status: session.Status{SessionID: "s-9", State: "active", Turn: "ai_speaking", VoiceConnected: true}}
	s := newTestServer(t, b)

	resp, body := do(t, s, httptest.NewRequest("GET", "/api/status", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "s-9", got["session_id"])
	assert.Equal(t, "active", got["state"])
	assert.Equal(t, "ai_speaking", got["turn"])
	assert.Equal(t, true, got["voice_connected"])
	assert.EqualValues(t, 0, got["dashboard_clients"])
}

func TestListTools(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	resp, body := do(t, s, httptest.NewRequest("GET", "/api/tools", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []ToolInfo
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 3)
	assert.Equal(t, "connect_voice", got[0].Name)
	assert.True(t, got[1].EndsCall)
	assert.Equal(t, "object", got[2].Parameters["type"])
}

func TestTriggerTool(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b)

	resp, body := do(t, s, jsonRequest("POST", "/api/tools/get_datetime", `{"args":{"format":"time"}}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, b.calls, 1)
	call := b.calls[0]
	assert.Equal(t, protocol.ToolGetDatetime, call.Name)
	assert.Equal(t, "time", call.Args["format"])
	assert.True(t, strings.HasPrefix(call.CallID, "manual-"))

	var res protocol.ToolCallResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, call.CallID, res.CallID)
	assert.Equal(t, "ok", res.Payload())
}

func TestTriggerToolEmptyBody(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b)

	resp, _ := do(t, s, httptest.NewRequest("POST", "/api/tools/connect_voice", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, b.calls, 1)
	assert.NotNil(t, b.calls[0].Args)
	assert.Empty(t, b.calls[0].Args)
}

func TestTriggerToolErrorStatus(t *testing.T) {
	tests := map[string]int{
		protocol.CodeUnknownTool:      http.StatusNotFound,
		protocol.CodeInvalidArguments: http.StatusBadRequest,
		protocol.CodeToolTimeout:      http.StatusGatewayTimeout,
		protocol.CodeToolFailed:       http.StatusBadGateway,
	}
	for code, want := range tests {
		t.Run(code, func(t *testing.T) {
			b := &fakeBackend{result: func(req protocol.ToolCallRequest) protocol.ToolCallResult {
				return protocol.NewToolErrorResult(req, code, "nope")
			}}
			s := newTestServer(t, b)
			resp, body := do(t, s, jsonRequest("POST", "/api/tools/get_weather", `{}`))
			assert.Equal(t, want, resp.StatusCode)
			assert.Contains(t, string(body), code)
		})
	}
}

func TestTriggerToolBadBody(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(t, b)
	resp, _ := do(t, s, jsonRequest("POST", "/api/tools/get_weather", `{"args":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, b.calls)
}

func TestManualToolLimit(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, func(c *Config) { c.ManualToolsPerMinute = 1 })

	resp, _ := do(t, s, jsonRequest("POST", "/api/tools/get_datetime", `{}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, s, jsonRequest("POST", "/api/tools/get_datetime", `{}`))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	metrics.RingsTotal.WithLabelValues("accepted").Add(0)

	resp, body := do(t, s, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "porter_rings_total")
}

func TestHealthAndCORS(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://dashboard.local")

	resp, body := do(t, s, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAlarmPayloadTimestamps(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	var p AlarmPayload
	require.NoError(t, json.Unmarshal([]byte(`{"alarm":{"alarmTime":"2025-06-07T08:09:10Z"}}`), &p))
	assert.Equal(t, time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC), p.RingEvent(now).Timestamp.UTC())

	require.NoError(t, json.Unmarshal([]byte(`{"alarm":{"alarmTime":"yesterday"}}`), &p))
	assert.Equal(t, now, p.RingEvent(now).Timestamp)
}
