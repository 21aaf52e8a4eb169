package doorbell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/teslashibe/go-porter/pkg/audioio"
)

// Strategy selects the backchannel implementation.
type Strategy string

const (
	// BackchannelPrimary sends G.711 mu-law over RTP/UDP to the port
	// negotiated by SETUP.
	BackchannelPrimary Strategy = "primary"

	// BackchannelFallback is a placeholder for devices without an RTP
	// backchannel. It refuses to start.
	BackchannelFallback Strategy = "fallback"
)

// ParseStrategy maps a config value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case BackchannelPrimary, "":
		return BackchannelPrimary, nil
	case BackchannelFallback:
		return BackchannelFallback, nil
	}
	return "", fmt.Errorf("doorbell: unknown backchannel %q", s)
}

// BackchannelFormat is what the backchannel sinks accept: linear PCM at the
// G.711 rate, so volume shaping runs before mu-law encoding.
var BackchannelFormat = audioio.Format{Encoding: audioio.EncodingPCM16, SampleRate: 8000, Channels: 1}

const (
	// packetSamples is 20 ms at 8 kHz.
	packetSamples = 160
	packetPacing  = 20 * time.Millisecond
)

// RTPSink is the primary backchannel. Each Write is cut into 20 ms blocks,
// shaped, mu-law encoded and sent as one RTP packet per block, paced in
// real time.
type RTPSink struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	pt     uint8
	shape  audioio.ShapeConfig
	pace   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	pending  []int16
	seq      uint16
	ts       uint32
	ssrc     uint32
	lastSend time.Time

	// bumped by Clear so an in-progress Write abandons its remaining blocks
	generation atomic.Uint64

	framesWritten atomic.Int64
	bytesWritten  atomic.Int64
	packetsSent   atomic.Int64
}

// ListenRTP binds the local RTP port. port 0 picks an ephemeral port.
func ListenRTP(port int, logger *slog.Logger) (*RTPSink, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("doorbell: bind rtp port %d: %w", port, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RTPSink{
		conn:   conn,
		shape:  audioio.DefaultShape(),
		pace:   packetPacing,
		logger: logger.With("component", "doorbell.backchannel"),
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
	}, nil
}

// LocalPort returns the bound RTP port.
func (s *RTPSink) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Connect sets the destination and payload type negotiated by SETUP.
func (s *RTPSink) Connect(remote *net.UDPAddr, payloadType uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = remote
	s.pt = payloadType
}

// SetShape replaces the volume chain.
func (s *RTPSink) SetShape(cfg audioio.ShapeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shape = cfg
}

// Start marks the sink ready. Connect must have been called.
func (s *RTPSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if s.remote == nil {
		return errors.New("doorbell: backchannel not connected")
	}
	s.running = true
	s.logger.Info("backchannel started", "remote", s.remote.String(), "payload_type", s.pt, "ssrc", s.ssrc)
	return nil
}

// Write sends f as RTP. It blocks for the real-time duration of the audio.
func (s *RTPSink) Write(ctx context.Context, f audioio.Frame) error {
	if f.Format != BackchannelFormat {
		return &audioio.FormatError{Format: f.Format, Reason: "backchannel expects " + BackchannelFormat.String()}
	}

	gen := s.generation.Load()

	s.mu.Lock()
	if s.closed || !s.running {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.pending = append(s.pending, audioio.BytesToSamples(f.Data)...)
	s.mu.Unlock()

	s.framesWritten.Add(1)
	s.bytesWritten.Add(int64(len(f.Data)))

	for {
		if s.generation.Load() != gen {
			return nil
		}
		pkt, wait, ok := s.nextPacket()
		if !ok {
			return nil
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if s.generation.Load() != gen {
			return nil
		}
		if err := s.send(pkt); err != nil {
			return err
		}
	}
}

// nextPacket cuts one block off pending and builds its packet.
func (s *RTPSink) nextPacket() (*rtp.Packet, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) < packetSamples {
		return nil, 0, false
	}
	block := s.pending[:packetSamples]
	s.pending = s.pending[packetSamples:]

	shaped := audioio.Shape(block, s.shape)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.pt,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: audioio.MuLawEncode(shaped),
	}
	s.seq++
	s.ts += packetSamples

	var wait time.Duration
	if !s.lastSend.IsZero() {
		wait = s.pace - time.Since(s.lastSend)
	}
	return pkt, wait, true
}

func (s *RTPSink) send(pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("doorbell: marshal rtp: %w", err)
	}

	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()

	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("doorbell: send rtp to %s: %w", remote, err)
	}

	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	s.packetsSent.Add(1)
	return nil
}

// Clear drops buffered samples and aborts the block loop of any Write in
// progress.
func (s *RTPSink) Clear() error {
	s.generation.Add(1)
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return nil
}

// Format returns BackchannelFormat.
func (s *RTPSink) Format() audioio.Format {
	return BackchannelFormat
}

// Name returns "rtp".
func (s *RTPSink) Name() string {
	return "rtp"
}

// Close releases the UDP socket.
func (s *RTPSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	s.mu.Unlock()

	s.logger.Info("backchannel closed", "packets", s.packetsSent.Load())
	return s.conn.Close()
}

// Stats returns sink statistics.
func (s *RTPSink) Stats() audioio.SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return audioio.SinkStats{
		FramesWritten: s.framesWritten.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		PacketsSent:   s.packetsSent.Load(),
		Running:       running,
		Backend:       "rtp",
	}
}

var _ audioio.SinkWithStats = (*RTPSink)(nil)
