package doorbell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Track is the audio backchannel the device accepts.
type Track struct {
	Control     string
	PayloadType uint8
	Codec       string
	ClockRate   int
}

// Description is what DESCRIBE tells us about the stream.
type Description struct {
	ContentBase string
	Backchannel Track
	SDP         string
}

// ControlURL resolves the backchannel control attribute against ContentBase.
func (d *Description) ControlURL() string {
	ctl := d.Backchannel.Control
	if strings.HasPrefix(ctl, "rtsp://") {
		return ctl
	}
	base := d.ContentBase
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(ctl, "/")
}

// ParseBackchannel picks the sendonly mu-law audio section out of an SDP body.
// Devices emit SDP that strict parsers reject often enough that a line scan
// is used when pion/sdp gives up.
func ParseBackchannel(body []byte) (Track, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err == nil {
		return backchannelFromSession(&sd)
	}
	return backchannelFromLines(string(body))
}

func backchannelFromSession(sd *sdp.SessionDescription) (Track, error) {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		if _, ok := md.Attribute("sendonly"); !ok {
			continue
		}
		control, ok := md.Attribute("control")
		if !ok || control == "" {
			continue
		}

		var rtpmaps []string
		for _, a := range md.Attributes {
			if a.Key == "rtpmap" {
				rtpmaps = append(rtpmaps, a.Value)
			}
		}
		if t, ok := pickPCMU(md.MediaName.Formats, rtpmaps); ok {
			t.Control = control
			return t, nil
		}
	}
	return Track{}, ErrNoBackchannel
}

// backchannelFromLines does the same selection over raw SDP lines.
func backchannelFromLines(body string) (Track, error) {
	type section struct {
		formats  []string
		sendonly bool
		control  string
		rtpmaps  []string
	}

	var sections []*section
	var cur *section
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "m="):
			cur = nil
			fields := strings.Fields(strings.TrimPrefix(line, "m="))
			if len(fields) >= 4 && fields[0] == "audio" {
				cur = &section{formats: fields[3:]}
				sections = append(sections, cur)
			}
		case cur == nil:
		case line == "a=sendonly":
			cur.sendonly = true
		case strings.HasPrefix(line, "a=control:"):
			cur.control = strings.TrimPrefix(line, "a=control:")
		case strings.HasPrefix(line, "a=rtpmap:"):
			cur.rtpmaps = append(cur.rtpmaps, strings.TrimPrefix(line, "a=rtpmap:"))
		}
	}

	for _, s := range sections {
		if !s.sendonly || s.control == "" {
			continue
		}
		if t, ok := pickPCMU(s.formats, s.rtpmaps); ok {
			t.Control = s.control
			return t, nil
		}
	}
	return Track{}, ErrNoBackchannel
}

// pickPCMU finds the mu-law payload type. Static type 0 needs no rtpmap.
func pickPCMU(formats, rtpmaps []string) (Track, bool) {
	codecs := make(map[uint8]Track)
	for _, m := range rtpmaps {
		ptStr, enc, ok := strings.Cut(m, " ")
		if !ok {
			continue
		}
		pt, err := strconv.ParseUint(ptStr, 10, 8)
		if err != nil {
			continue
		}
		name, rate, _ := strings.Cut(enc, "/")
		rateHz, _ := strconv.Atoi(strings.SplitN(rate, "/", 2)[0])
		codecs[uint8(pt)] = Track{PayloadType: uint8(pt), Codec: strings.ToUpper(name), ClockRate: rateHz}
	}

	for _, f := range formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		t, ok := codecs[uint8(pt)]
		if !ok && pt == 0 {
			t = Track{PayloadType: 0, Codec: "PCMU", ClockRate: 8000}
		}
		if t.Codec == "PCMU" {
			return t, true
		}
	}
	return Track{}, false
}

func (t Track) String() string {
	return fmt.Sprintf("%s/%d pt=%d control=%s", t.Codec, t.ClockRate, t.PayloadType, t.Control)
}
