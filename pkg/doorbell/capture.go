package doorbell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-porter/pkg/audioio"
)

// FFmpegConfig configures the capture subprocess.
type FFmpegConfig struct {
	Path   string
	URL    string // including credentials
	// Audio.ChunkSize is the byte length of each frame.
	Audio  audioio.Config
	Logger *slog.Logger
}

// FFmpegSource captures doorbell audio by running ffmpeg against the RTSP
// stream and reading raw s16le from its stdout.
type FFmpegSource struct {
	cfg    FFmpegConfig
	format audioio.Format
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	closed  bool
	stderr  bytes.Buffer

	frames chan audioio.Frame
	errCh  chan error
	done   chan struct{}

	framesRead atomic.Int64
	bytesRead  atomic.Int64
	overruns   atomic.Int64
}

// NewFFmpegSource creates a capture source. Start launches ffmpeg.
func NewFFmpegSource(cfg FFmpegConfig) *FFmpegSource {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	def := audioio.DefaultConfig()
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = def.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = def.Channels
	}
	if cfg.Audio.ChunkSize <= 0 {
		cfg.Audio.ChunkSize = def.ChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FFmpegSource{
		cfg:    cfg,
		format: cfg.Audio.Format(),
		logger: cfg.Logger.With("component", "doorbell.capture"),
		frames: make(chan audioio.Frame, 64),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Args returns the ffmpeg command line (without the binary).
func (s *FFmpegSource) Args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", s.cfg.URL,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(s.cfg.Audio.SampleRate),
		"-ac", strconv.Itoa(s.cfg.Audio.Channels),
		"-f", "s16le",
		"pipe:1",
	}
}

// Start launches ffmpeg. The process lives until Close.
func (s *FFmpegSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	cmd := exec.Command(s.cfg.Path, s.Args()...)
	cmd.Stderr = &lockedWriter{mu: &s.mu, buf: &s.stderr}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("doorbell: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("doorbell: start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.running = true
	go s.readLoop(stdout)

	s.logger.Info("capture started",
		"rate", s.cfg.Audio.SampleRate,
		"channels", s.cfg.Audio.Channels,
		"chunk_bytes", s.cfg.Audio.ChunkSize,
		"chunk", s.cfg.Audio.ChunkDuration())
	return nil
}

// readLoop cuts r into fixed-size frames sequenced from 1.
func (s *FFmpegSource) readLoop(r io.Reader) {
	size := s.cfg.Audio.ChunkSize
	var seq uint64

	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			s.fail(err)
			return
		}
		seq++
		f := audioio.Frame{
			Seq:       seq,
			Direction: audioio.Inbound,
			Format:    s.format,
			Data:      buf,
			Timestamp: time.Now(),
		}

		select {
		case s.frames <- f:
		case <-s.done:
			return
		default:
			// reader is behind; keep the newest audio
			select {
			case <-s.frames:
				s.overruns.Add(1)
			default:
			}
			select {
			case s.frames <- f:
			case <-s.done:
				return
			}
		}
	}
}

func (s *FFmpegSource) fail(err error) {
	s.mu.Lock()
	closed := s.closed
	tail := strings.TrimSpace(s.stderr.String())
	s.mu.Unlock()
	if closed {
		return
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		err = errors.New("ffmpeg exited")
	}
	if tail != "" {
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		err = fmt.Errorf("%w: %s", err, tail)
	}
	s.logger.Warn("capture stream ended", "error", err)

	select {
	case s.errCh <- err:
	default:
	}
}

// Read returns the next frame. Frames still buffered are returned before a
// stream error.
func (s *FFmpegSource) Read(ctx context.Context) (audioio.Frame, error) {
	select {
	case f := <-s.frames:
		s.count(f)
		return f, nil
	default:
	}

	select {
	case <-ctx.Done():
		return audioio.Frame{}, ctx.Err()
	case <-s.done:
		return audioio.Frame{}, io.EOF
	case f := <-s.frames:
		s.count(f)
		return f, nil
	case err := <-s.errCh:
		// a frame may have landed just before the error
		select {
		case f := <-s.frames:
			s.errCh <- err
			s.count(f)
			return f, nil
		default:
		}
		return audioio.Frame{}, err
	}
}

func (s *FFmpegSource) count(f audioio.Frame) {
	s.framesRead.Add(1)
	s.bytesRead.Add(int64(len(f.Data)))
}

// Format returns the capture format.
func (s *FFmpegSource) Format() audioio.Format {
	return s.format
}

// Name returns "ffmpeg".
func (s *FFmpegSource) Name() string {
	return "ffmpeg"
}

// Close kills ffmpeg. Pending Reads return io.EOF.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	cmd := s.cmd
	close(s.done)
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	s.logger.Info("capture closed", "frames", s.framesRead.Load(), "overruns", s.overruns.Load())
	return nil
}

// Stats returns source statistics.
func (s *FFmpegSource) Stats() audioio.SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return audioio.SourceStats{
		FramesRead: s.framesRead.Load(),
		BytesRead:  s.bytesRead.Load(),
		Overruns:   s.overruns.Load(),
		Running:    running,
		Backend:    "ffmpeg",
	}
}

var _ audioio.SourceWithStats = (*FFmpegSource)(nil)

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 8<<10 {
		w.buf.Reset()
	}
	return w.buf.Write(p)
}
