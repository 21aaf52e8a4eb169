package porter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-porter/internal/config"
	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/conversation"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/session"
	"github.com/teslashibe/go-porter/pkg/tools"
	"github.com/teslashibe/go-porter/pkg/vision"
)

type mockTransport struct {
	mu   sync.Mutex
	src  *audioio.MockSource
	sink *audioio.MockSink
}

func (t *mockTransport) Open(ctx context.Context) (audioio.Source, audioio.Sink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.src = audioio.NewMockSource(audioio.PCM16Mono24k, nil)
	t.sink = audioio.NewMockSink(audioio.PCM16Mono24k, nil)
	return t.src, t.sink, nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.src != nil {
		t.src.Close()
		t.sink.Close()
	}
	return nil
}

type linkRecorder struct {
	mu    sync.Mutex
	links []*conversation.Mock
}

func (r *linkRecorder) factory(ctx context.Context, ev session.RingEvent) (conversation.Provider, error) {
	m := conversation.NewMock()
	r.mu.Lock()
	r.links = append(r.links, m)
	r.mu.Unlock()
	return m, nil
}

func (r *linkRecorder) last() *conversation.Mock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.links) == 0 {
		return nil
	}
	return r.links[len(r.links)-1]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timezone = "UTC"
	cfg.Webhook.RingRateLimit = 0
	cfg.Tools.DisconnectGrace = 10 * time.Millisecond
	cfg.Tools.DrainTimeout = 100 * time.Millisecond
	cfg.Camera.SnapshotOnRing = true
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, cam Camera) (*App, *linkRecorder) {
	t.Helper()
	links := &linkRecorder{}
	opts := []Option{
		WithTransport(&mockTransport{}),
		WithLinkFactory(links.factory),
		WithVision(&vision.Mock{Description: "A courier holding a parcel."}),
		WithWeather(&fakeWeather{}),
		WithLight(&fakeLight{}),
	}
	if cam != nil {
		opts = append(opts, WithCamera(cam))
	}
	a, err := New(context.Background(), cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a, links
}

func ring(t *testing.T, a *App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("POST", "/doorbell", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.Server().App().Test(req, 2000)
	require.NoError(t, err)
	return resp
}

func TestRingStartsCallWithSnapshotPrompt(t *testing.T) {
	cam := &fakeCamera{path: "snapshots/snapshot_20250301_140509_640x480.jpg"}
	a, links := newTestApp(t, testConfig(), cam)

	resp := ring(t, a, `{"alarm":{"message":"Visitor","deviceModel":"Reolink Video Doorbell","device":"front","alarmTime":"2025-03-01T14:05:09Z"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		l := links.last()
		return l != nil && len(l.TextsSent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	prompt := links.last().TextsSent()[0]
	assert.Contains(t, prompt, "Event: Visitor (Reolink Video Doorbell) at 02:05 PM")
	assert.Contains(t, prompt, "A snapshot has been automatically taken: snapshots/snapshot_20250301_140509_640x480.jpg")
	assert.Len(t, cam.resolutions(), 1)

	st := a.Manager().Status()
	assert.Equal(t, "active", st.State)
	assert.Equal(t, "front", st.DeviceID)

	resp = ring(t, a, `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRingWithoutSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Camera.SnapshotOnRing = false
	cam := &fakeCamera{path: "unused.jpg"}
	a, links := newTestApp(t, cfg, cam)

	resp := ring(t, a, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		l := links.last()
		return l != nil && len(l.TextsSent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	prompt := links.last().TextsSent()[0]
	assert.Contains(t, prompt, "Event: Someone pressed the doorbell at ")
	assert.NotContains(t, prompt, "snapshot has been automatically taken")
	assert.Empty(t, cam.resolutions())
}

func TestVoiceToolsOverTheLink(t *testing.T) {
	a, links := newTestApp(t, testConfig(), nil)

	require.Equal(t, http.StatusOK, ring(t, a, `{}`).StatusCode)
	require.Eventually(t, func() bool { return a.Manager().Status().State == "active" }, 2*time.Second, 10*time.Millisecond)
	link := links.last()

	link.SimulateToolCall(protocol.ToolCallRequest{CallID: "c1", Name: protocol.ToolConnectVoice})
	require.Eventually(t, func() bool { return len(link.ToolResults()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.VoiceConnected, link.ToolResults()[0].Payload())
	assert.True(t, a.Manager().Status().VoiceConnected)

	link.SimulateToolCall(protocol.ToolCallRequest{CallID: "c2", Name: protocol.ToolGetDatetime, Args: map[string]any{"format": "date"}})
	require.Eventually(t, func() bool { return len(link.ToolResults()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, link.ToolResults()[1].Payload(), "Today's date is ")

	link.SimulateToolCall(protocol.ToolCallRequest{CallID: "c3", Name: protocol.ToolDisconnectVoice})
	require.Eventually(t, func() bool { return a.Manager().Current() == nil }, 3*time.Second, 10*time.Millisecond)

	results := link.ToolResults()
	require.Len(t, results, 3)
	assert.Equal(t, session.VoiceDisconnected, results[2].Payload())
	assert.True(t, results[2].EndCall)
}

func TestToolsEndpointListsPorterTools(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)

	resp, err := a.Server().App().Test(httptest.NewRequest("GET", "/api/tools", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, name := range protocol.ToolNames {
		assert.Contains(t, string(body), `"`+string(name)+`"`)
	}
	assert.Equal(t, len(protocol.ToolNames), a.Registry().Len())
}

func TestManualDispatchWithoutCall(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)

	res := a.Manager().Dispatch(context.Background(), protocol.ToolCallRequest{CallID: "m1", Name: protocol.ToolTurnLightOn})
	require.True(t, res.OK(), res.Payload())
	assert.Equal(t, "Light turned on", res.Payload())

	res = a.Manager().Dispatch(context.Background(), protocol.ToolCallRequest{CallID: "m2", Name: protocol.ToolConnectVoice})
	require.False(t, res.OK())
	assert.Contains(t, res.Error.Message, tools.ErrNoVoiceControl.Error())
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Timezone = "Mars/Olympus_Mons"
	_, err := New(context.Background(), cfg, nil, WithTransport(&mockTransport{}))
	assert.ErrorContains(t, err, "timezone")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.Host = "127.0.0.1"
	cfg.Webhook.Port = 0
	a, _ := newTestApp(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	require.Eventually(t, a.Events().IsRunning, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	<-a.Events().Done()
}
