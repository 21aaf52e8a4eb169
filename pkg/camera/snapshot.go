package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-porter/internal/httpc"
)

const (
	apiEndpoint = "/cgi-bin/api.cgi"
	rsLength    = 16
	rsChars     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	timestampFormat = "20060102_150405"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

var (
	// ErrNotJPEG is returned when the camera answers with something other
	// than a JPEG, typically a JSON error body.
	ErrNotJPEG = errors.New("camera: response is not a JPEG image")

	// ErrNoSnapshot is returned by Latest before any snapshot was taken.
	ErrNoSnapshot = errors.New("camera: no snapshot taken yet")
)

// Snapshot is one captured still.
type Snapshot struct {
	Data       []byte     `json:"-"`
	Resolution Resolution `json:"resolution"`
	TakenAt    time.Time  `json:"taken_at"`
	// Path is where the image was saved, if anywhere.
	Path string `json:"path,omitempty"`
}

// Snapshotter captures stills.
type Snapshotter interface {
	Snapshot(ctx context.Context, res Resolution) (Snapshot, error)
}

// Client captures snapshots through the Reolink HTTP API and remembers the
// most recent one.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	latest *Snapshot

	// OnSnapshot is called after each successful capture.
	OnSnapshot func(s Snapshot)
}

// NewClient creates a snapshot client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.Resolution == (Resolution{}) {
		cfg.Resolution = def.Resolution
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("camera: invalid config: %s", strings.Join(errs, "; "))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   httpc.NewClient(cfg.Timeout),
		logger: logger.With("component", "camera"),
	}, nil
}

// DefaultResolution returns the configured resolution.
func (c *Client) DefaultResolution() Resolution {
	return c.cfg.Resolution
}

// SnapURL builds the Snap command URL.
func (c *Client) SnapURL(res Resolution) string {
	q := url.Values{}
	q.Set("cmd", "Snap")
	q.Set("channel", strconv.Itoa(c.cfg.Channel))
	q.Set("rs", randomString(rsLength))
	q.Set("user", c.cfg.Username)
	q.Set("password", c.cfg.Password)
	q.Set("width", strconv.Itoa(res.Width))
	q.Set("height", strconv.Itoa(res.Height))
	return strings.TrimRight(c.cfg.BaseURL, "/") + apiEndpoint + "?" + q.Encode()
}

// Snapshot captures a still. A zero res uses the configured resolution.
func (c *Client) Snapshot(ctx context.Context, res Resolution) (Snapshot, error) {
	if res == (Resolution{}) {
		res = c.cfg.Resolution
	}
	if errs := res.Validate(); len(errs) > 0 {
		return Snapshot{}, fmt.Errorf("camera: invalid resolution %s: %s", res, strings.Join(errs, "; "))
	}

	c.logger.Info("taking snapshot", "resolution", res.String())

	data, _, err := httpc.GetBytes(ctx, c.http, c.SnapURL(res))
	if err != nil {
		return Snapshot{}, fmt.Errorf("camera: snap request: %w", err)
	}
	if !bytes.HasPrefix(data, jpegMagic) {
		return Snapshot{}, ErrNotJPEG
	}

	snap := Snapshot{Data: data, Resolution: res, TakenAt: time.Now()}

	if c.cfg.SnapshotDir != "" {
		path, err := c.save(snap)
		if err != nil {
			// the image is still usable for analysis
			c.logger.Warn("failed to save snapshot", "error", err)
		} else {
			snap.Path = path
		}
	}

	c.mu.Lock()
	c.latest = &snap
	callback := c.OnSnapshot
	c.mu.Unlock()

	c.logger.Info("snapshot taken", "bytes", len(data), "path", snap.Path)
	if callback != nil {
		callback(snap)
	}
	return snap, nil
}

// Latest returns the most recent snapshot.
func (c *Client) Latest() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	return *c.latest, nil
}

func (c *Client) save(s Snapshot) (string, error) {
	if err := os.MkdirAll(c.cfg.SnapshotDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("snapshot_%s_%s.jpg", s.TakenAt.Format(timestampFormat), s.Resolution)
	path := filepath.Join(c.cfg.SnapshotDir, name)
	if err := os.WriteFile(path, s.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = rsChars[rand.IntN(len(rsChars))]
	}
	return string(b)
}

var _ Snapshotter = (*Client)(nil)
