package audio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harmonia-bot/harmonia/pkg/audio"
)

func TestSanitizeMimeType(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean type untouched", "audio/pcm;rate=24000", "audio/pcm;rate=24000"},
		{"shell metacharacters stripped", "audio/pcm;rate=24000 $(rm -rf /)", "audio/pcm;rate=24000rm-rf/"},
		{"quotes and spaces stripped", `audio/wav" && echo pwned`, "audio/wavechopwned"},
		{"empty stays empty", "", ""},
		{"unicode stripped", "audio/огг", "audio/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, audio.SanitizeMimeType(tt.input))
		})
	}
}

func TestIsRawPCM(t *testing.T) {
	assert.True(t, audio.IsRawPCM("audio/pcm;rate=24000"))
	assert.True(t, audio.IsRawPCM("audio/L16;rate=16000"))
	assert.False(t, audio.IsRawPCM("audio/mpeg"))
	assert.False(t, audio.IsRawPCM("audio/ogg"))
}

func TestPCMParams(t *testing.T) {
	rate, channels := audio.PCMParams("audio/pcm;rate=16000;channels=2")
	assert.Equal(t, 16000, rate)
	assert.Equal(t, 2, channels)

	// Missing parameters fall back to the service output format.
	rate, channels = audio.PCMParams("audio/pcm")
	assert.Equal(t, audio.ServiceSampleRate, rate)
	assert.Equal(t, audio.ServiceChannels, channels)

	// Garbage values are ignored.
	rate, _ = audio.PCMParams("audio/pcm;rate=banana")
	assert.Equal(t, audio.ServiceSampleRate, rate)
}

func TestBuildTranscoderArgs(t *testing.T) {
	t.Run("raw pcm extracts rate and channels", func(t *testing.T) {
		args := audio.BuildTranscoderArgs("audio/pcm;rate=16000;channels=1")
		assert.Equal(t, []string{
			"-f", "s16le", "-ar", "16000", "-ac", "1",
			"-i", "pipe:0",
			"-f", "s16le", "-ac", "2", "-ar", "48000", "pipe:1",
		}, args)
	})

	t.Run("named container formats", func(t *testing.T) {
		for mime, format := range map[string]string{
			"audio/wav":  "wav",
			"audio/mpeg": "mp3",
			"audio/ogg":  "ogg",
		} {
			args := audio.BuildTranscoderArgs(mime)
			assert.Equal(t, format, args[1], "mime=%s", mime)
		}
	})

	t.Run("always appends fixed output contract", func(t *testing.T) {
		args := audio.BuildTranscoderArgs("audio/mpeg")
		n := len(args)
		assert.Equal(t, []string{"-f", "s16le", "-ac", "2", "-ar", "48000", "pipe:1"}, args[n-7:])
	})

	t.Run("sanitizes before parsing", func(t *testing.T) {
		args := audio.BuildTranscoderArgs("audio/pcm;rate=24000`id`")
		for _, a := range args {
			assert.NotContains(t, a, "`")
		}
	})
}
