package doorbell

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const reolinkSDP = "v=0\r\n" +
	"o=- 1700000000 1 IN IP4 127.0.0.1\r\n" +
	"s=Session streamed by \"preview\"\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=control:track1\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=recvonly\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=control:track2\r\n" +
	"a=rtpmap:97 MPEG4-GENERIC/16000\r\n" +
	"a=recvonly\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=control:track3\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendonly\r\n"

type rtspRequest struct {
	Method string
	URI    string
	Header textproto.MIMEHeader
}

// fakeDevice is a minimal RTSP server with an ONVIF backchannel and a UDP
// socket standing in for the speaker.
type fakeDevice struct {
	t    *testing.T
	ln   net.Listener
	udp  *net.UDPConn
	path string

	// digest credentials; empty means no auth
	username, password string
	realm, nonce       string
	// rejectAll answers every request with 401
	rejectAll bool

	mu       sync.Mutex
	requests []rtspRequest
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	d := &fakeDevice{t: t, ln: ln, udp: udp, path: "/Preview_01_main", realm: "BC Streaming Media", nonce: "0a4f113b"}
	t.Cleanup(func() {
		ln.Close()
		udp.Close()
	})
	go d.serve()
	return d
}

func (d *fakeDevice) URL() string {
	return "rtsp://" + d.ln.Addr().String() + d.path
}

func (d *fakeDevice) RTPPort() int {
	return d.udp.LocalAddr().(*net.UDPAddr).Port
}

func (d *fakeDevice) Requests() []rtspRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]rtspRequest(nil), d.requests...)
}

func (d *fakeDevice) Methods() []string {
	var out []string
	for _, r := range d.Requests() {
		out = append(out, r.Method)
	}
	return out
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	rd := textproto.NewReader(bufio.NewReader(conn))

	for {
		line, err := rd.ReadLine()
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return
		}
		hdr, err := rd.ReadMIMEHeader()
		if err != nil {
			return
		}
		req := rtspRequest{Method: parts[0], URI: parts[1], Header: hdr}
		d.mu.Lock()
		d.requests = append(d.requests, req)
		d.mu.Unlock()

		fmt.Fprint(conn, d.reply(req))
	}
}

func (d *fakeDevice) reply(req rtspRequest) string {
	cseq := req.Header.Get("CSeq")

	if d.rejectAll || (d.username != "" && !d.authorized(req)) {
		return fmt.Sprintf("RTSP/1.0 401 Unauthorized\r\nCSeq: %s\r\nWWW-Authenticate: Digest realm=\"%s\", nonce=\"%s\"\r\n\r\n",
			cseq, d.realm, d.nonce)
	}

	switch req.Method {
	case "DESCRIBE":
		base := "rtsp://" + d.ln.Addr().String() + d.path + "/"
		return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nContent-Base: %s\r\nContent-Type: application/sdp\r\nContent-Length: %d\r\n\r\n%s",
			cseq, base, len(reolinkSDP), reolinkSDP)
	case "SETUP":
		port := d.RTPPort()
		return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nTransport: %s;server_port=%d-%d;ssrc=1234\r\nSession: 2A8F31C0;timeout=60\r\n\r\n",
			cseq, req.Header.Get("Transport"), port, port+1)
	case "OPTIONS":
		return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nPublic: OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER\r\n\r\n", cseq)
	default:
		return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nSession: 2A8F31C0\r\n\r\n", cseq)
	}
}

func (d *fakeDevice) authorized(req rtspRequest) bool {
	auth := req.Header.Get("Authorization")
	params, ok := strings.CutPrefix(auth, "Digest ")
	if !ok {
		return false
	}
	kv := parseAuthParams(params)

	h := func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	want := h(h(d.username+":"+d.realm+":"+d.password) + ":" + d.nonce + ":" + h(req.Method+":"+kv["uri"]))
	return kv["username"] == d.username && kv["uri"] == req.URI && kv["response"] == want
}

func parseAuthParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}
