package audioio

import "fmt"

// Convert re-encodes f into target: decode, channel mix, resample, encode.
// It is pure and deterministic. Seq, Direction and Timestamp are preserved.
// A frame already in target is returned unchanged.
func Convert(f Frame, target Format) (Frame, error) {
	if err := f.Format.Validate(); err != nil {
		return Frame{}, err
	}
	if err := target.Validate(); err != nil {
		return Frame{}, err
	}
	if f.Format == target {
		return f, nil
	}

	samples, err := decode(f.Data, f.Format)
	if err != nil {
		return Frame{}, err
	}

	switch {
	case f.Format.Channels == 2 && target.Channels == 1:
		samples = StereoToMono(samples)
	case f.Format.Channels == 1 && target.Channels == 2:
		samples = MonoToStereo(samples)
	}

	samples = resampleInterleaved(samples, target.Channels, f.Format.SampleRate, target.SampleRate)

	out := f
	out.Format = target
	out.Data = encode(samples, target.Encoding)
	return out, nil
}

func decode(data []byte, f Format) ([]int16, error) {
	frameBytes := f.BytesPerSample() * f.Channels
	if frameBytes == 0 {
		return nil, &FormatError{Format: f, Reason: "unknown encoding"}
	}
	if len(data)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s samples", ErrMalformedFrame, len(data), f)
	}

	switch f.Encoding {
	case EncodingPCM16:
		return BytesToSamples(data), nil
	case EncodingMuLaw:
		return MuLawDecode(data), nil
	default:
		return nil, &FormatError{Format: f, Reason: "unknown encoding"}
	}
}

func encode(samples []int16, enc Encoding) []byte {
	if enc == EncodingMuLaw {
		return MuLawEncode(samples)
	}
	return SamplesToBytes(samples)
}

func resampleInterleaved(samples []int16, channels, from, to int) []int16 {
	if from == to || channels == 1 {
		return Resample(samples, from, to)
	}

	left := make([]int16, len(samples)/2)
	right := make([]int16, len(samples)/2)
	for i := range left {
		left[i] = samples[i*2]
		right[i] = samples[i*2+1]
	}
	left = Resample(left, from, to)
	right = Resample(right, from, to)

	out := make([]int16, len(left)*2)
	for i := range left {
		out[i*2] = left[i]
		out[i*2+1] = right[i]
	}
	return out
}
