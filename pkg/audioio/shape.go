package audioio

// ShapeConfig is the outbound volume chain applied before the backchannel
// encodes to mu-law. Doorbell speakers distort badly near full scale.
type ShapeConfig struct {
	// TargetRatio scales each block so its peak sits at this fraction of full scale.
	// Blocks are only ever attenuated, never boosted.
	TargetRatio float64 `yaml:"target_ratio" json:"target_ratio"`

	// NoiseGate is the RMS (raw units) under which a block is faded down.
	NoiseGate float64 `yaml:"noise_gate" json:"noise_gate"`

	// PeakLimit is the hard ceiling for any sample after scaling.
	PeakLimit int `yaml:"peak_limit" json:"peak_limit"`
}

// DefaultShape returns the tuning used with Reolink doorbells.
func DefaultShape() ShapeConfig {
	return ShapeConfig{
		TargetRatio: 0.1,
		NoiseGate:   1000,
		PeakLimit:   2000,
	}
}

// Shape runs one block through volume normalisation, a soft noise gate and
// a peak limiter. A zero field disables that stage.
func Shape(block []int16, cfg ShapeConfig) []int16 {
	out := block

	if cfg.TargetRatio > 0 {
		if peak := Peak(out); peak > 0 {
			scale := 32767 * cfg.TargetRatio / float64(peak)
			if scale < 1 {
				out = Scale(out, scale)
			}
		}
	}

	if cfg.NoiseGate > 0 {
		if rms := RMS(out); rms < cfg.NoiseGate {
			// fade instead of hard mute
			out = Scale(out, max(0.01, rms/cfg.NoiseGate))
		}
	}

	if cfg.PeakLimit > 0 {
		if peak := Peak(out); peak > cfg.PeakLimit {
			out = Scale(out, float64(cfg.PeakLimit)/float64(peak))
		}
	}

	return out
}
