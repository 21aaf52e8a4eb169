package doorbell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/auth"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
)

const (
	userAgent = "go-porter/1.0"

	// backchannelRequire asks the device to expose its ONVIF audio backchannel.
	backchannelRequire = "www.onvif.org/ver20/backchannel"

	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrUnauthorized is returned when the device rejects our credentials.
	ErrUnauthorized = errors.New("doorbell: unauthorized")

	// ErrNoBackchannel is returned when DESCRIBE lists no usable backchannel track.
	ErrNoBackchannel = errors.New("doorbell: no backchannel track")
)

// StatusError is an RTSP reply outside the 2xx range.
type StatusError struct {
	Method string
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("doorbell: %s failed: %d %s", e.Method, e.Code, e.Reason)
}

// RTSPClient speaks RTSP/1.0 over a single TCP connection. Requests are
// serialised; the keepalive loop and the session share one client.
//
// The session is driven by hand rather than through gortsplib.Client: the
// backchannel is sent from our own UDP socket so the port offered in SETUP
// is the one the RTP sink is bound to.
type RTSPClient struct {
	url      *url.URL
	base     string // URL without credentials
	username string
	password string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	br      *bufio.Reader
	cseq    int
	session string
	timeout time.Duration

	// set once the device has challenged us
	sender *auth.Sender
}

// DialRTSP connects to the device named by rawURL. Credentials in the URL
// are used unless username is set.
func DialRTSP(ctx context.Context, rawURL, username, password string, logger *slog.Logger) (*RTSPClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("doorbell: parse url: %w", err)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("doorbell: unsupported scheme %q", u.Scheme)
	}
	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if logger == nil {
		logger = slog.Default()
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("doorbell: dial %s: %w", host, err)
	}

	stripped := *u
	stripped.User = nil

	return &RTSPClient{
		url:      u,
		base:     stripped.String(),
		username: username,
		password: password,
		logger:   logger.With("component", "doorbell.rtsp", "host", u.Hostname()),
		conn:     conn,
		br:       bufio.NewReader(conn),
		timeout:  defaultRequestTimeout,
	}, nil
}

// URL returns the stream URL without credentials.
func (c *RTSPClient) URL() string {
	return c.base
}

// Host returns the device host name.
func (c *RTSPClient) Host() string {
	return c.url.Hostname()
}

// Session returns the session id assigned by SETUP.
func (c *RTSPClient) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Options sends OPTIONS to the server root.
func (c *RTSPClient) Options(ctx context.Context) error {
	root := fmt.Sprintf("rtsp://%s/", c.url.Host)
	_, err := c.Do(ctx, base.Options, root, nil)
	return err
}

// Describe fetches the SDP and picks the backchannel track.
func (c *RTSPClient) Describe(ctx context.Context) (*Description, error) {
	resp, err := c.Do(ctx, base.Describe, c.base, base.Header{"Accept": base.HeaderValue{"application/sdp"}})
	if err != nil {
		return nil, err
	}

	contentBase := c.base
	if v := resp.Header["Content-Base"]; len(v) == 1 && v[0] != "" {
		contentBase = v[0]
	}
	if !strings.HasSuffix(contentBase, "/") {
		contentBase += "/"
	}

	track, err := ParseBackchannel(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Description{ContentBase: contentBase, Backchannel: track, SDP: string(resp.Body)}, nil
}

// Setup negotiates the backchannel track and returns the server RTP port.
func (c *RTSPClient) Setup(ctx context.Context, d *Description, clientPort int) (int, error) {
	delivery := headers.TransportDeliveryUnicast
	th := headers.Transport{
		Protocol:    headers.TransportProtocolUDP,
		Delivery:    &delivery,
		ClientPorts: &[2]int{clientPort, clientPort + 1},
	}
	resp, err := c.Do(ctx, base.Setup, d.ControlURL(), base.Header{"Transport": th.Marshal()})
	if err != nil {
		return 0, err
	}

	var sh headers.Session
	if err := sh.Unmarshal(resp.Header["Session"]); err != nil {
		return 0, fmt.Errorf("doorbell: SETUP reply has no usable Session: %w", err)
	}

	port, err := serverPort(resp.Header["Transport"])
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.session = sh.Session
	c.mu.Unlock()

	c.logger.Info("backchannel set up", "session", sh.Session, "server_port", port, "client_port", clientPort)
	return port, nil
}

// Play starts the session.
func (c *RTSPClient) Play(ctx context.Context, d *Description) error {
	_, err := c.Do(ctx, base.Play, d.ContentBase, base.Header{"Range": base.HeaderValue{"npt=0.000-"}})
	return err
}

// Keepalive refreshes the session with GET_PARAMETER.
func (c *RTSPClient) Keepalive(ctx context.Context) error {
	_, err := c.Do(ctx, base.GetParameter, c.base, nil)
	return err
}

// Teardown ends the session.
func (c *RTSPClient) Teardown(ctx context.Context) error {
	_, err := c.Do(ctx, base.Teardown, c.base, nil)
	return err
}

// Close closes the TCP connection.
func (c *RTSPClient) Close() error {
	return c.conn.Close()
}

// Do sends one request and reads its reply. A 401 is answered once with
// credentials built from the challenge.
func (c *RTSPClient) Do(ctx context.Context, method base.Method, uri string, header base.Header) (*base.Response, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("doorbell: %s: parse %q: %w", method, uri, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(ctx, method, (*base.URL)(u), header)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == base.StatusUnauthorized && c.username != "" && c.sender == nil {
		sender := &auth.Sender{
			WWWAuth: resp.Header["WWW-Authenticate"],
			User:    c.username,
			Pass:    c.password,
		}
		if err := sender.Initialize(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		c.sender = sender
		c.logger.Debug("rtsp auth challenge accepted")

		resp, err = c.roundTrip(ctx, method, (*base.URL)(u), header)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode == base.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, uri)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Method: string(method), Code: int(resp.StatusCode), Reason: resp.StatusMessage}
	}
	return resp, nil
}

func (c *RTSPClient) roundTrip(ctx context.Context, method base.Method, u *base.URL, header base.Header) (*base.Response, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock the connection if ctx ends mid-request
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.cseq++
	req := &base.Request{
		Method: method,
		URL:    u,
		Header: base.Header{
			"CSeq":       base.HeaderValue{strconv.Itoa(c.cseq)},
			"User-Agent": base.HeaderValue{userAgent},
			"Require":    base.HeaderValue{backchannelRequire},
		},
	}
	if c.session != "" && method != base.Options && method != base.Describe {
		req.Header["Session"] = base.HeaderValue{c.session}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.sender != nil {
		c.sender.AddAuthorization(req)
	}

	buf, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("doorbell: %s: %w", method, err)
	}

	c.logger.Debug("rtsp request", "method", method, "uri", u.String(), "cseq", c.cseq)

	if _, err := c.conn.Write(buf); err != nil {
		return nil, c.wrapErr(ctx, method, err)
	}

	var resp base.Response
	if err := resp.Unmarshal(c.br); err != nil {
		return nil, c.wrapErr(ctx, method, err)
	}
	c.logger.Debug("rtsp response", "method", method, "status", int(resp.StatusCode))
	return &resp, nil
}

func (c *RTSPClient) wrapErr(ctx context.Context, method base.Method, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("doorbell: %s: %w", method, ctx.Err())
	}
	return fmt.Errorf("doorbell: %s: %w", method, err)
}

// serverPort extracts the first server_port from a SETUP Transport reply.
func serverPort(v base.HeaderValue) (int, error) {
	var th headers.Transport
	if err := th.Unmarshal(v); err != nil {
		return 0, fmt.Errorf("doorbell: invalid Transport %q: %w", v, err)
	}
	if th.ServerPorts == nil {
		return 0, fmt.Errorf("doorbell: no server_port in Transport %q", v)
	}
	port := th.ServerPorts[0]
	if port < 1024 || port > 65535 {
		return 0, fmt.Errorf("doorbell: invalid server_port %d", port)
	}
	return port, nil
}
