package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonia-bot/harmonia/pkg/audio"
)

func sineWave(freq float64, sampleRate int, duration time.Duration) []int16 {
	n := int(duration.Seconds() * float64(sampleRate))
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

func TestDownmixToMono(t *testing.T) {
	t.Run("mono is identity", func(t *testing.T) {
		buf := audio.PCMInt16ToLE([]int16{1, 2, 3, -4})
		out, err := audio.DownmixToMono(buf, 1)
		require.NoError(t, err)
		assert.Equal(t, buf, out)
	})

	t.Run("output length is input over channels", func(t *testing.T) {
		for _, channels := range []int{2, 3, 4, 6} {
			samples := make([]int16, 960*channels)
			buf := audio.PCMInt16ToLE(samples)
			out, err := audio.DownmixToMono(buf, channels)
			require.NoError(t, err)
			assert.Len(t, out, len(buf)/channels, "channels=%d", channels)
		}
	})

	t.Run("averages channel samples", func(t *testing.T) {
		// Two frames of stereo: (100, 200), (-100, -301).
		buf := audio.PCMInt16ToLE([]int16{100, 200, -100, -301})
		out, err := audio.DownmixToMono(buf, 2)
		require.NoError(t, err)
		mono := audio.LEToPCMInt16(out)
		require.Len(t, mono, 2)
		assert.Equal(t, int16(150), mono[0])
		// -401/2 rounds away from zero to -201.
		assert.Equal(t, int16(-201), mono[1])
	})

	t.Run("rejects non-positive channel counts", func(t *testing.T) {
		_, err := audio.DownmixToMono([]byte{0, 0}, 0)
		assert.Error(t, err)
	})
}

func TestResample(t *testing.T) {
	t.Run("equal rates is byte identical", func(t *testing.T) {
		buf := audio.PCMInt16ToLE(sineWave(440, 24000, 40*time.Millisecond))
		out, err := audio.Resample(buf, 24000, 24000)
		require.NoError(t, err)
		assert.Equal(t, buf, out)
	})

	t.Run("upsample doubles length", func(t *testing.T) {
		buf := audio.PCMInt16ToLE(sineWave(440, 24000, 20*time.Millisecond))
		out, err := audio.Resample(buf, 24000, 48000)
		require.NoError(t, err)
		assert.Len(t, out, len(buf)*2)
	})

	t.Run("downsample halves length", func(t *testing.T) {
		buf := audio.PCMInt16ToLE(sineWave(440, 48000, 20*time.Millisecond))
		out, err := audio.Resample(buf, 48000, 24000)
		require.NoError(t, err)
		assert.Len(t, out, len(buf)/2)
	})

	t.Run("preserves a constant signal", func(t *testing.T) {
		src := make([]int16, 480)
		for i := range src {
			src[i] = 1000
		}
		out, err := audio.Resample(audio.PCMInt16ToLE(src), 24000, 48000)
		require.NoError(t, err)
		for _, s := range audio.LEToPCMInt16(out) {
			assert.Equal(t, int16(1000), s)
		}
	})

	t.Run("interpolated points stay within neighbor range", func(t *testing.T) {
		src := sineWave(300, 24000, 20*time.Millisecond)
		out, err := audio.Resample(audio.PCMInt16ToLE(src), 24000, 48000)
		require.NoError(t, err)
		up := audio.LEToPCMInt16(out)
		for i := 0; i+1 < len(src); i++ {
			lo, hi := src[i], src[i+1]
			if lo > hi {
				lo, hi = hi, lo
			}
			mid := up[2*i+1]
			assert.GreaterOrEqual(t, mid, lo)
			assert.LessOrEqual(t, mid, hi)
		}
	})

	t.Run("rejects invalid rates", func(t *testing.T) {
		_, err := audio.Resample([]byte{0, 0}, 0, 48000)
		assert.Error(t, err)
	})
}

func TestDuplicateMonoToStereo(t *testing.T) {
	src := sineWave(440, 48000, 20*time.Millisecond)
	out := audio.DuplicateMonoToStereo(audio.PCMInt16ToLE(src))

	assert.Len(t, out, len(src)*4) // 2 bytes per sample, 2 channels

	stereo := audio.LEToPCMInt16(out)
	for i, v := range src {
		assert.Equal(t, v, stereo[2*i], "left channel frame %d", i)
		assert.Equal(t, v, stereo[2*i+1], "right channel frame %d", i)
	}
}

func TestEnsurePlaybackFormat(t *testing.T) {
	t.Run("already playback format is identity", func(t *testing.T) {
		buf := audio.PCMInt16ToLE(sineWave(440, 48000, 20*time.Millisecond))
		out, err := audio.EnsurePlaybackFormat(buf, 48000, 2)
		require.NoError(t, err)
		assert.Equal(t, buf, out)
	})

	t.Run("service format produces 48k stereo length", func(t *testing.T) {
		// 20 ms at 24 kHz mono = 480 samples. Expect 960 frames * 2 channels.
		buf := audio.PCMInt16ToLE(sineWave(440, 24000, 20*time.Millisecond))
		out, err := audio.EnsurePlaybackFormat(buf, 24000, 1)
		require.NoError(t, err)
		assert.Len(t, out, 960*2*2)
	})
}
