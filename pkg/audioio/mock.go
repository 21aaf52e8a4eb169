package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a scripted audio source for tests.
// Frames are queued with Push or generated with PushTone/PushSilence and
// handed out by Read in order.
type MockSource struct {
	format Format
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	frames  chan Frame
	errs    chan error
	done    chan struct{}
	nextSeq uint64
	phase   float64
	// clock advances by the audio duration of each generated frame
	clock time.Time

	// Stats
	framesRead atomic.Int64
	bytesRead  atomic.Int64

	// StartFunc overrides Start when set.
	StartFunc func(ctx context.Context) error
}

// NewMockSource creates a mock source producing frames in format f.
func NewMockSource(f Format, logger *slog.Logger) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSource{
		format:  f,
		logger:  logger,
		frames:  make(chan Frame, 1024),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		nextSeq: 1,
		clock:   time.Now(),
	}
}

// Start marks the source running.
func (m *MockSource) Start(ctx context.Context) error {
	if m.StartFunc != nil {
		if err := m.StartFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	m.running = true
	m.logger.Debug("mock audio source started", "format", m.format.String())
	return nil
}

// Push queues a frame exactly as given (including its Seq).
func (m *MockSource) Push(f Frame) {
	m.frames <- f
}

// PushTone queues n frames of a sine wave with auto-assigned sequence numbers.
// amplitude is 0.0–1.0 of full scale; samplesPerFrame is per channel.
func (m *MockSource) PushTone(n, samplesPerFrame int, frequency, amplitude float64) {
	for i := 0; i < n; i++ {
		samples := make([]int16, samplesPerFrame*m.format.Channels)
		for s := 0; s < samplesPerFrame; s++ {
			v := int16(amplitude * 32767 * math.Sin(2*math.Pi*frequency*m.phase/float64(m.format.SampleRate)))
			for ch := 0; ch < m.format.Channels; ch++ {
				samples[s*m.format.Channels+ch] = v
			}
			m.phase++
		}
		m.pushSamples(samples)
	}
}

// PushSilence queues n frames of digital silence.
func (m *MockSource) PushSilence(n, samplesPerFrame int) {
	for i := 0; i < n; i++ {
		m.pushSamples(make([]int16, samplesPerFrame*m.format.Channels))
	}
}

func (m *MockSource) pushSamples(samples []int16) {
	data := encode(samples, m.format.Encoding)

	m.mu.Lock()
	seq := m.nextSeq
	m.nextSeq++
	ts := m.clock
	m.clock = m.clock.Add(m.format.Duration(len(data)))
	m.mu.Unlock()

	m.frames <- Frame{
		Seq:       seq,
		Direction: Inbound,
		Format:    m.format,
		Data:      data,
		Timestamp: ts,
	}
}

// Fail makes the next Read (after queued frames are drained) return err.
func (m *MockSource) Fail(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

// Read returns the next queued frame.
func (m *MockSource) Read(ctx context.Context) (Frame, error) {
	select {
	case f := <-m.frames:
		m.framesRead.Add(1)
		m.bytesRead.Add(int64(len(f.Data)))
		return f, nil
	default:
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-m.done:
		return Frame{}, io.EOF
	case f := <-m.frames:
		m.framesRead.Add(1)
		m.bytesRead.Add(int64(len(f.Data)))
		return f, nil
	case err := <-m.errs:
		return Frame{}, err
	}
}

// Format returns the frame format.
func (m *MockSource) Format() Format {
	return m.format
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources. Pending and future Reads return io.EOF.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.running = false
	close(m.done)
	return nil
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		FramesRead: m.framesRead.Load(),
		BytesRead:  m.bytesRead.Load(),
		Running:    running,
		Backend:    "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink records written frames for assertions.
type MockSink struct {
	format Format
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	frames  []Frame
	clears  int

	// Stats
	framesWritten atomic.Int64
	bytesWritten  atomic.Int64

	// WriteFunc, when set, runs before a frame is recorded; a non-nil error
	// rejects the write.
	WriteFunc func(ctx context.Context, f Frame) error

	// StartFunc overrides Start when set.
	StartFunc func(ctx context.Context) error
}

// NewMockSink creates a mock sink accepting frames in format f.
func NewMockSink(f Format, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSink{
		format: f,
		logger: logger,
	}
}

// Start begins accepting frames.
func (m *MockSink) Start(ctx context.Context) error {
	if m.StartFunc != nil {
		if err := m.StartFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	m.running = true
	m.logger.Debug("mock audio sink started")
	return nil
}

// Write records a frame.
func (m *MockSink) Write(ctx context.Context, f Frame) error {
	if m.WriteFunc != nil {
		if err := m.WriteFunc(ctx, f); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.running {
		return io.ErrClosedPipe
	}

	m.frames = append(m.frames, f)
	m.framesWritten.Add(1)
	m.bytesWritten.Add(int64(len(f.Data)))
	return nil
}

// Clear counts the interruption.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

// Frames returns a copy of everything written so far.
func (m *MockSink) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// Clears returns how many times Clear was called.
func (m *MockSink) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Format returns the expected frame format.
func (m *MockSink) Format() Format {
	return m.format
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.running = false
	return nil
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SinkStats{
		FramesWritten: m.framesWritten.Load(),
		BytesWritten:  m.bytesWritten.Load(),
		Running:       running,
		Backend:       "mock",
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
