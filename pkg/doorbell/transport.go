// Package doorbell is the audio transport to an ONVIF doorbell.
//
// Inbound audio is captured by an ffmpeg subprocess reading the RTSP
// stream. Outbound audio goes through the ONVIF backchannel: an RTSP
// session negotiates a sendonly audio track and the RTPSink streams
// G.711 mu-law to it over UDP.
package doorbell

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/teslashibe/go-porter/pkg/audioio"
)

// Config configures a Transport.
type Config struct {
	URL      string
	Username string
	Password string

	// ClientPort is the local RTP port offered in SETUP. 0 picks one.
	ClientPort int

	// Keepalive is the GET_PARAMETER interval.
	Keepalive time.Duration

	Backchannel Strategy
	Shape       audioio.ShapeConfig

	FFmpegPath string
	Audio      audioio.Config

	Logger *slog.Logger
}

// DefaultConfig returns the settings used for Reolink doorbells.
func DefaultConfig() Config {
	return Config{
		ClientPort:  49154,
		Keepalive:   15 * time.Second,
		Backchannel: BackchannelPrimary,
		Shape:       audioio.DefaultShape(),
		FFmpegPath:  "ffmpeg",
		Audio:       audioio.DefaultConfig(),
	}
}

// Transport owns the RTSP session, the backchannel and the capture source
// of one call.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	rtsp   *RTSPClient
	sink   audioio.Sink
	source *FFmpegSource
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport. Nothing is dialled until Open.
func New(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = def.Keepalive
	}
	if cfg.Backchannel == "" {
		cfg.Backchannel = def.Backchannel
	}
	if cfg.Shape == (audioio.ShapeConfig{}) {
		cfg.Shape = def.Shape
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "doorbell"),
	}
}

// Open negotiates the backchannel and prepares capture. The returned
// source and sink are not started.
func (t *Transport) Open(ctx context.Context) (audioio.Source, audioio.Sink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sink != nil {
		return nil, nil, fmt.Errorf("doorbell: transport already open")
	}

	var sink audioio.Sink
	switch t.cfg.Backchannel {
	case BackchannelFallback:
		sink = NewFallbackSink()
	default:
		rtpSink, client, err := t.openBackchannel(ctx)
		if err != nil {
			return nil, nil, err
		}
		t.rtsp = client
		sink = rtpSink

		kctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go t.keepalive(kctx, client)
	}

	t.sink = sink
	t.source = NewFFmpegSource(FFmpegConfig{
		Path:       t.cfg.FFmpegPath,
		URL:        t.captureURL(),
		Audio:  t.cfg.Audio,
		Logger: t.cfg.Logger,
	})

	t.logger.Info("doorbell transport open", "backchannel", sink.Name())
	return t.source, sink, nil
}

func (t *Transport) openBackchannel(ctx context.Context) (*RTPSink, *RTSPClient, error) {
	client, err := DialRTSP(ctx, t.cfg.URL, t.cfg.Username, t.cfg.Password, t.cfg.Logger)
	if err != nil {
		return nil, nil, err
	}

	sink, err := t.negotiate(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return sink, client, nil
}

func (t *Transport) negotiate(ctx context.Context, client *RTSPClient) (*RTPSink, error) {
	if err := client.Options(ctx); err != nil {
		return nil, err
	}

	desc, err := client.Describe(ctx)
	if err != nil {
		return nil, err
	}
	t.logger.Info("backchannel track found", "track", desc.Backchannel.String())

	sink, err := ListenRTP(t.cfg.ClientPort, t.cfg.Logger)
	if err != nil {
		return nil, err
	}
	sink.SetShape(t.cfg.Shape)

	serverPort, err := client.Setup(ctx, desc, sink.LocalPort())
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	if err := client.Play(ctx, desc); err != nil {
		_ = sink.Close()
		return nil, err
	}

	ip, err := net.DefaultResolver.LookupIPAddr(ctx, client.Host())
	if err != nil || len(ip) == 0 {
		_ = sink.Close()
		return nil, fmt.Errorf("doorbell: resolve %s: %w", client.Host(), err)
	}
	sink.Connect(&net.UDPAddr{IP: ip[0].IP, Port: serverPort}, desc.Backchannel.PayloadType)
	return sink, nil
}

func (t *Transport) keepalive(ctx context.Context, client *RTSPClient) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Keepalive(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("rtsp keepalive failed", "error", err)
			}
		}
	}
}

// captureURL puts the credentials into the stream URL for ffmpeg.
func (t *Transport) captureURL() string {
	if t.cfg.Username == "" {
		return t.cfg.URL
	}
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return t.cfg.URL
	}
	u.User = url.UserPassword(t.cfg.Username, t.cfg.Password)
	return u.String()
}

// Close stops the keepalive, tears the RTSP session down and releases the
// source and sink. TEARDOWN is best effort.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.wg.Wait()
		t.cancel = nil
	}

	if t.source != nil {
		_ = t.source.Close()
		t.source = nil
	}
	if t.sink != nil {
		_ = t.sink.Close()
		t.sink = nil
	}

	if t.rtsp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := t.rtsp.Teardown(ctx); err != nil {
			t.logger.Debug("rtsp teardown failed", "error", err)
		}
		cancel()
		err := t.rtsp.Close()
		t.rtsp = nil
		t.logger.Info("doorbell transport closed")
		return err
	}
	return nil
}
