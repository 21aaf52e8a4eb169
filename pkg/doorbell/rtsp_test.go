package doorbell

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, dev *fakeDevice, user, pass string) *RTSPClient {
	t.Helper()
	c, err := DialRTSP(context.Background(), dev.URL(), user, pass, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRTSPSessionFlow(t *testing.T) {
	dev := newFakeDevice(t)
	c := dial(t, dev, "", "")
	ctx := context.Background()

	require.NoError(t, c.Options(ctx))

	desc, err := c.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rtsp://"+dev.ln.Addr().String()+"/Preview_01_main/", desc.ContentBase)
	assert.Equal(t, Track{Control: "track3", PayloadType: 0, Codec: "PCMU", ClockRate: 8000}, desc.Backchannel)

	port, err := c.Setup(ctx, desc, 49154)
	require.NoError(t, err)
	assert.Equal(t, dev.RTPPort(), port)
	assert.Equal(t, "2A8F31C0", c.Session())

	require.NoError(t, c.Play(ctx, desc))
	require.NoError(t, c.Keepalive(ctx))
	require.NoError(t, c.Teardown(ctx))

	reqs := dev.Requests()
	require.Len(t, reqs, 6)
	assert.Equal(t, []string{"OPTIONS", "DESCRIBE", "SETUP", "PLAY", "GET_PARAMETER", "TEARDOWN"}, dev.Methods())

	for i, r := range reqs {
		assert.Equal(t, backchannelRequire, r.Header.Get("Require"), r.Method)
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"), r.Method)
		assert.Equal(t, strconv.Itoa(i+1), r.Header.Get("CSeq"), r.Method)
	}

	assert.Equal(t, "rtsp://"+dev.ln.Addr().String()+"/", reqs[0].URI)
	assert.Equal(t, "application/sdp", reqs[1].Header.Get("Accept"))
	assert.Equal(t, desc.ContentBase+"track3", reqs[2].URI)
	var th headers.Transport
	require.NoError(t, th.Unmarshal(base.HeaderValue{reqs[2].Header.Get("Transport")}))
	assert.Equal(t, headers.TransportProtocolUDP, th.Protocol)
	require.NotNil(t, th.Delivery)
	assert.Equal(t, headers.TransportDeliveryUnicast, *th.Delivery)
	require.NotNil(t, th.ClientPorts)
	assert.Equal(t, [2]int{49154, 49155}, *th.ClientPorts)
	assert.Equal(t, "npt=0.000-", reqs[3].Header.Get("Range"))
	assert.Equal(t, desc.ContentBase, reqs[3].URI)

	// Session only once SETUP assigned it, never on OPTIONS/DESCRIBE
	assert.Empty(t, reqs[0].Header.Get("Session"))
	assert.Empty(t, reqs[1].Header.Get("Session"))
	assert.Empty(t, reqs[2].Header.Get("Session"))
	for _, r := range reqs[3:] {
		assert.Equal(t, "2A8F31C0", r.Header.Get("Session"), r.Method)
	}
}

func TestRTSPDigestAuth(t *testing.T) {
	dev := newFakeDevice(t)
	dev.username, dev.password = "admin", "hunter2"

	c := dial(t, dev, "admin", "hunter2")
	ctx := context.Background()

	require.NoError(t, c.Options(ctx))
	_, err := c.Describe(ctx)
	require.NoError(t, err)

	// one challenge, then every request carries credentials
	assert.Equal(t, []string{"OPTIONS", "OPTIONS", "DESCRIBE"}, dev.Methods())
	reqs := dev.Requests()
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
	authz := reqs[2].Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(authz, "Digest "), authz)
	assert.Equal(t, "admin", parseAuthParams(strings.TrimPrefix(authz, "Digest "))["username"])
}

func TestRTSPCredentialsFromURL(t *testing.T) {
	dev := newFakeDevice(t)
	dev.username, dev.password = "admin", "hunter2"

	url := strings.Replace(dev.URL(), "rtsp://", "rtsp://admin:hunter2@", 1)
	c, err := DialRTSP(context.Background(), url, "", "", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Options(context.Background()))
	assert.NotContains(t, c.URL(), "hunter2")
}

func TestRTSPUnauthorized(t *testing.T) {
	dev := newFakeDevice(t)
	dev.rejectAll = true

	c := dial(t, dev, "admin", "wrong")
	err := c.Options(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	// no credentials: no retry
	c2 := dial(t, dev, "", "")
	err = c2.Options(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRTSPContextDeadline(t *testing.T) {
	ln := newSilentListener(t)
	c, err := DialRTSP(context.Background(), "rtsp://"+ln.Addr().String()+"/stream", "", "", nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.Error(t, c.Options(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

// newSilentListener accepts connections and never answers.
func newSilentListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln
}

func TestDialRTSPRejectsScheme(t *testing.T) {
	_, err := DialRTSP(context.Background(), "http://127.0.0.1/stream", "", "", nil)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestServerPort(t *testing.T) {
	tests := []struct {
		transport string
		want      int
		wantErr   bool
	}{
		{"RTP/AVP;unicast;client_port=49154-49155;server_port=6970-6971", 6970, false},
		{"RTP/AVP;unicast;server_port=50000", 50000, false},
		{"RTP/AVP;unicast;client_port=49154-49155", 0, true},
		{"RTP/AVP;unicast;server_port=80-81", 0, true},
		{"RTP/AVP;unicast;server_port=abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			got, err := serverPort(base.HeaderValue{tt.transport})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
