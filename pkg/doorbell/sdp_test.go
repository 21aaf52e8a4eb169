package doorbell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackchannel(t *testing.T) {
	track, err := ParseBackchannel([]byte(reolinkSDP))
	require.NoError(t, err)
	assert.Equal(t, Track{Control: "track3", PayloadType: 0, Codec: "PCMU", ClockRate: 8000}, track)
}

func TestParseBackchannelLenientSDP(t *testing.T) {
	// no v= line and bare \n endings; strict parsing fails
	body := "o=- 0 0 IN IP4 192.168.1.40\n" +
		"s=stream\n" +
		"m=audio 0 RTP/AVP 8\n" +
		"a=control:trackID=2\n" +
		"a=rtpmap:8 PCMA/8000\n" +
		"a=recvonly\n" +
		"m=audio 0 RTP/AVP 0\n" +
		"a=rtpmap:0 PCMU/8000\n" +
		"a=control:trackID=3\n" +
		"a=sendonly\n"

	track, err := ParseBackchannel([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "trackID=3", track.Control)
	assert.Equal(t, uint8(0), track.PayloadType)
}

func TestParseBackchannelStaticPayloadType(t *testing.T) {
	body := "m=audio 0 RTP/AVP 0\na=control:back\na=sendonly\n"
	track, err := ParseBackchannel([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, Track{Control: "back", PayloadType: 0, Codec: "PCMU", ClockRate: 8000}, track)
}

func TestParseBackchannelNone(t *testing.T) {
	tests := map[string]string{
		"no sendonly": "m=audio 0 RTP/AVP 0\na=control:track3\na=recvonly\n",
		"no control":  "m=audio 0 RTP/AVP 0\na=sendonly\n",
		"not pcmu":    "m=audio 0 RTP/AVP 8\na=rtpmap:8 PCMA/8000\na=control:track3\na=sendonly\n",
		"video only":  "m=video 0 RTP/AVP 96\na=control:track1\na=sendonly\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBackchannel([]byte(body))
			assert.ErrorIs(t, err, ErrNoBackchannel)
		})
	}
}

func TestControlURL(t *testing.T) {
	tests := []struct {
		base, control, want string
	}{
		{"rtsp://cam/Preview_01_main/", "track3", "rtsp://cam/Preview_01_main/track3"},
		{"rtsp://cam/Preview_01_main", "track3", "rtsp://cam/Preview_01_main/track3"},
		{"rtsp://cam/", "/trackID=3", "rtsp://cam/trackID=3"},
		{"rtsp://cam/a/", "rtsp://cam/b/track3", "rtsp://cam/b/track3"},
	}
	for _, tt := range tests {
		d := &Description{ContentBase: tt.base, Backchannel: Track{Control: tt.control}}
		assert.Equal(t, tt.want, d.ControlURL())
	}
}
