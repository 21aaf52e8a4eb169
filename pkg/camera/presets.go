package camera

import (
	"fmt"
	"strconv"
	"strings"
)

// Preset names for snapshot resolutions.
const (
	PresetLow  = "low"
	PresetHD   = "hd"
	PresetFull = "full"
)

// Sensor limits for Reolink doorbells.
const (
	SensorMaxWidth  = 2560
	SensorMaxHeight = 1920
)

// Resolution is a snapshot size.
type Resolution struct {
	Name   string `json:"name,omitempty"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Validate returns a list of problems, or nil if r is usable.
func (r Resolution) Validate() []string {
	var errs []string
	if r.Width < 160 || r.Width > SensorMaxWidth {
		errs = append(errs, fmt.Sprintf("width must be between 160 and %d", SensorMaxWidth))
	}
	if r.Height < 120 || r.Height > SensorMaxHeight {
		errs = append(errs, fmt.Sprintf("height must be between 120 and %d", SensorMaxHeight))
	}
	return errs
}

// Presets returns all available resolutions.
func Presets() map[string]Resolution {
	return map[string]Resolution{
		// fast to fetch and plenty for describing a visitor
		PresetLow:  {Name: PresetLow, Width: 640, Height: 480},
		PresetHD:   {Name: PresetHD, Width: 1280, Height: 720},
		PresetFull: {Name: PresetFull, Width: SensorMaxWidth, Height: SensorMaxHeight},
	}
}

// PresetNames returns the preset names in ascending size.
func PresetNames() []string {
	return []string{PresetLow, PresetHD, PresetFull}
}

// ParseResolution accepts a preset name or "WIDTHxHEIGHT". An empty string
// is the low preset.
func ParseResolution(s string) (Resolution, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		s = PresetLow
	}
	if r, ok := Presets()[s]; ok {
		return r, nil
	}

	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return Resolution{}, fmt.Errorf("camera: unknown resolution %q (want %s or WIDTHxHEIGHT)", s, strings.Join(PresetNames(), ", "))
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return Resolution{}, fmt.Errorf("camera: malformed resolution %q", s)
	}

	r := Resolution{Width: width, Height: height}
	if errs := r.Validate(); len(errs) > 0 {
		return Resolution{}, fmt.Errorf("camera: invalid resolution %s: %s", r, strings.Join(errs, "; "))
	}
	return r, nil
}
