package audioio

// G.711 mu-law companding (ITU-T G.711, segment/mantissa form).

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawEncodeSample compresses one linear sample to mu-law.
func MuLawEncodeSample(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawDecodeSample expands one mu-law byte to a linear sample.
func MuLawDecodeSample(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)

	sample := ((mantissa << 3) + muLawBias) << exponent
	sample -= muLawBias

	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// MuLawEncode compresses linear samples to mu-law bytes.
func MuLawEncode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = MuLawEncodeSample(s)
	}
	return out
}

// MuLawDecode expands mu-law bytes to linear samples.
func MuLawDecode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, u := range data {
		out[i] = MuLawDecodeSample(u)
	}
	return out
}
