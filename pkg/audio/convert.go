// Package audio provides stateless PCM format conversion for the voice
// bridge: channel downmixing, cheap linear resampling, mono duplication,
// and ffmpeg argument construction for compressed containers.
//
// All buffer operations assume 16-bit signed little-endian samples.
package audio

import (
	"fmt"
)

// DownmixToMono averages all channel samples of each frame into a single
// mono sample. Output length is len(buf)/channels. For channels == 1 the
// input is returned unchanged.
func DownmixToMono(buf []byte, channels int) ([]byte, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if channels == 1 {
		return buf, nil
	}

	src := LEToPCMInt16(buf)
	frames := len(src) / channels
	dst := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(src[i*channels+c])
		}
		// Round toward nearest, matching the averaging downmixer.
		if sum >= 0 {
			dst[i] = int16((sum + int32(channels)/2) / int32(channels))
		} else {
			dst[i] = int16((sum - int32(channels)/2) / int32(channels))
		}
	}
	return PCMInt16ToLE(dst), nil
}

// Resample converts mono PCM from one sample rate to another using linear
// interpolation between the nearest input samples. It is intentionally a
// cheap approximation acceptable for voice bandwidths, not a band-limited
// resampler. When the rates are equal the input is returned unchanged.
func Resample(buf []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate {
		return buf, nil
	}

	src := LEToPCMInt16(buf)
	if len(src) == 0 {
		return []byte{}, nil
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(float64(len(src)) * ratio)
	dst := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(src)-1 {
			dst[i] = src[len(src)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(src[idx])
		b := float64(src[idx+1])
		dst[i] = int16(a + (b-a)*frac)
	}
	return PCMInt16ToLE(dst), nil
}

// DuplicateMonoToStereo writes each mono sample to both channel slots,
// doubling the buffer length and preserving center panning.
func DuplicateMonoToStereo(buf []byte) []byte {
	src := LEToPCMInt16(buf)
	dst := make([]int16, len(src)*2)
	for i, v := range src {
		dst[2*i], dst[2*i+1] = v, v
	}
	return PCMInt16ToLE(dst)
}

// EnsurePlaybackFormat converts arbitrary PCM to the fixed playback
// contract: 48 kHz, 2 channels, 16-bit. Multi-channel input is downmixed
// before resampling so the interpolation operates on a single stream.
func EnsurePlaybackFormat(buf []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate == PlaybackSampleRate && channels == PlaybackChannels {
		return buf, nil
	}
	mono, err := DownmixToMono(buf, channels)
	if err != nil {
		return nil, err
	}
	mono, err = Resample(mono, sampleRate, PlaybackSampleRate)
	if err != nil {
		return nil, err
	}
	return DuplicateMonoToStereo(mono), nil
}
