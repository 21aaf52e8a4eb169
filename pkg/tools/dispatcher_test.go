package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

type fakeVoice struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	err         error
}

func (v *fakeVoice) ConnectVoice(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connects++
	return "Voice communication connected successfully", v.err
}

func (v *fakeVoice) DisconnectVoice(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disconnects++
	return "Voice communication disconnected successfully - END", v.err
}

func weatherTool(h func(ctx context.Context, call Call) (any, error)) Tool {
	return &Func{
		Name:        protocol.ToolGetWeather,
		Description: "Current weather",
		Parameters: Object(map[string]any{
			"units": Enum("Unit system", "metric", "imperial"),
		}),
		Handler: h,
	}
}

func newTestDispatcher(t *testing.T, timeout time.Duration, tools ...Tool) (*Dispatcher, *tracetest.InMemoryExporter) {
	t.Helper()
	reg, err := NewRegistry(tools...)
	require.NoError(t, err)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return NewDispatcher(reg, DispatcherConfig{Timeout: timeout, Tracer: tp.Tracer("test")}), exp
}

func request(name protocol.ToolName, args map[string]any) protocol.ToolCallRequest {
	return protocol.ToolCallRequest{
		CallID:     "call_" + string(name),
		Name:       name,
		Args:       args,
		ReceivedAt: time.Now(),
	}
}

func TestDispatchSuccess(t *testing.T) {
	d, exp := newTestDispatcher(t, time.Second, weatherTool(func(ctx context.Context, call Call) (any, error) {
		return "Sunny, 21C in " + call.String("units", "metric"), nil
	}))

	before := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("get_weather", "ok"))

	res := d.Dispatch(context.Background(), request(protocol.ToolGetWeather, map[string]any{"units": "metric"}), nil)
	require.True(t, res.OK(), "unexpected error: %+v", res.Error)
	assert.Equal(t, "call_get_weather", res.CallID)
	assert.Equal(t, protocol.ToolGetWeather, res.Name)
	assert.Equal(t, "Sunny, 21C in metric", res.Payload())
	assert.False(t, res.EndCall)
	assert.False(t, res.CompletedAt.IsZero())

	after := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("get_weather", "ok"))
	assert.Equal(t, before+1, after)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "porter.tool.get_weather", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestDispatchUnknownTool(t *testing.T) {
	d, exp := newTestDispatcher(t, time.Second)

	res := d.Dispatch(context.Background(), request("open_garage", nil), nil)
	require.False(t, res.OK())
	assert.Equal(t, "call_open_garage", res.CallID)
	assert.Equal(t, protocol.CodeUnknownTool, res.Error.Code)

	// Known name, but not registered in this registry.
	res = d.Dispatch(context.Background(), request(protocol.ToolTurnLightOn, nil), nil)
	assert.Equal(t, protocol.CodeUnknownTool, res.Error.Code)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestDispatchInvalidArguments(t *testing.T) {
	called := false
	d, _ := newTestDispatcher(t, time.Second, weatherTool(func(ctx context.Context, call Call) (any, error) {
		called = true
		return "ok", nil
	}))

	res := d.Dispatch(context.Background(), request(protocol.ToolGetWeather, map[string]any{"units": "kelvin"}), nil)
	require.False(t, res.OK())
	assert.Equal(t, protocol.CodeInvalidArguments, res.Error.Code)
	assert.False(t, called, "handler must not run with invalid arguments")
}

func TestDispatchUndecodableArguments(t *testing.T) {
	called := false
	d, _ := newTestDispatcher(t, time.Second, weatherTool(func(ctx context.Context, call Call) (any, error) {
		called = true
		return "ok", nil
	}))

	req := request(protocol.ToolGetWeather, nil)
	req.ArgsError = "unexpected end of JSON input"
	res := d.Dispatch(context.Background(), req, nil)

	require.False(t, res.OK())
	assert.Equal(t, req.CallID, res.CallID)
	assert.Equal(t, protocol.CodeInvalidArguments, res.Error.Code)
	assert.Contains(t, res.Error.Message, "unexpected end of JSON input")
	assert.False(t, called, "handler must not run with default arguments")
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	d, _ := newTestDispatcher(t, 50*time.Millisecond, weatherTool(func(ctx context.Context, call Call) (any, error) {
		<-release
		return "too late", nil
	}))

	start := time.Now()
	res := d.Dispatch(context.Background(), request(protocol.ToolGetWeather, nil), nil)
	assert.Less(t, time.Since(start), time.Second)

	require.False(t, res.OK())
	assert.Equal(t, "call_get_weather", res.CallID)
	assert.Equal(t, protocol.CodeToolTimeout, res.Error.Code)
}

func TestDispatchHandlerErrorAndPanic(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second,
		weatherTool(func(ctx context.Context, call Call) (any, error) {
			return nil, errors.New("weather service unavailable")
		}),
		&Func{
			Name: protocol.ToolGetDatetime,
			Handler: func(ctx context.Context, call Call) (any, error) {
				panic("clock exploded")
			},
		},
	)

	res := d.Dispatch(context.Background(), request(protocol.ToolGetWeather, nil), nil)
	require.False(t, res.OK())
	assert.Equal(t, protocol.CodeToolFailed, res.Error.Code)
	assert.Contains(t, res.Error.Message, "unavailable")

	res = d.Dispatch(context.Background(), request(protocol.ToolGetDatetime, nil), nil)
	require.False(t, res.OK())
	assert.Equal(t, protocol.CodeToolFailed, res.Error.Code)
	assert.Contains(t, res.Error.Message, "clock exploded")
}

func TestDispatchCancelledContext(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second, weatherTool(func(ctx context.Context, call Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Dispatch(ctx, request(protocol.ToolGetWeather, nil), nil)
	require.False(t, res.OK())
	assert.Equal(t, protocol.CodeToolFailed, res.Error.Code, "cancellation is not a timeout")
}

func TestVoiceTools(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second, ConnectVoice(), DisconnectVoice())
	voice := &fakeVoice{}

	res := d.Dispatch(context.Background(), request(protocol.ToolConnectVoice, nil), voice)
	require.True(t, res.OK())
	assert.False(t, res.EndCall)
	assert.Equal(t, 1, voice.connects)

	res = d.Dispatch(context.Background(), request(protocol.ToolDisconnectVoice, nil), voice)
	require.True(t, res.OK())
	assert.True(t, res.EndCall)
	assert.Equal(t, "Voice communication disconnected successfully - END", res.Payload())

	// Outside a call there is nothing to connect.
	res = d.Dispatch(context.Background(), request(protocol.ToolConnectVoice, nil), nil)
	require.False(t, res.OK())
	assert.Equal(t, protocol.CodeToolFailed, res.Error.Code)

	// A failed disconnect does not end the call.
	voice.err = errors.New("playback stuck")
	res = d.Dispatch(context.Background(), request(protocol.ToolDisconnectVoice, nil), voice)
	require.False(t, res.OK())
	assert.False(t, res.EndCall)
}

func TestDispatchConcurrent(t *testing.T) {
	d, _ := newTestDispatcher(t, time.Second, weatherTool(func(ctx context.Context, call Call) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return call.ID, nil
	}))

	var wg sync.WaitGroup
	results := make([]protocol.ToolCallResult, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request(protocol.ToolGetWeather, nil)
			req.CallID = "call_" + string(rune('a'+i))
			results[i] = d.Dispatch(context.Background(), req, nil)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.True(t, res.OK())
		assert.Equal(t, "call_"+string(rune('a'+i)), res.CallID)
		assert.Equal(t, res.CallID, res.Payload())
	}
}
