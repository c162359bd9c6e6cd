package audio

import (
	"strconv"
	"strings"
)

// SanitizeMimeType strips every character outside [A-Za-z0-9/;=.-] from
// the input. MIME strings arrive from untrusted remote metadata and are
// later interpolated into a transcoder command line, so this is a
// mandatory boundary, not cosmetics.
func SanitizeMimeType(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r == ';' || r == '=' || r == '.' || r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsRawPCM reports whether the MIME type describes uncompressed PCM that
// the converter can handle directly, without a transcoder subprocess.
func IsRawPCM(mimeType string) bool {
	base := strings.ToLower(strings.SplitN(mimeType, ";", 2)[0])
	return base == "audio/pcm" || base == "audio/l16" || base == "audio/x-raw"
}

// PCMParams extracts the sample rate and channel count from a raw-PCM
// MIME type (e.g. "audio/pcm;rate=24000;channels=1"). Missing parameters
// default to the speech service's output format.
func PCMParams(mimeType string) (sampleRate, channels int) {
	sampleRate = ServiceSampleRate
	channels = ServiceChannels
	for _, part := range strings.Split(mimeType, ";")[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			continue
		}
		switch strings.ToLower(key) {
		case "rate":
			sampleRate = n
		case "channels":
			channels = n
		}
	}
	return sampleRate, channels
}

// BuildTranscoderArgs derives ffmpeg arguments for the given (sanitized)
// MIME type. Raw PCM inputs get explicit format flags from the MIME
// parameters; known containers are named directly. The output contract is
// fixed: raw 16-bit PCM, 2 channels, 48 kHz, written to stdout.
func BuildTranscoderArgs(mimeType string) []string {
	mimeType = SanitizeMimeType(mimeType)
	base := strings.ToLower(strings.SplitN(mimeType, ";", 2)[0])

	var args []string
	switch base {
	case "audio/wav", "audio/x-wav", "audio/wave":
		args = append(args, "-f", "wav")
	case "audio/mpeg", "audio/mp3":
		args = append(args, "-f", "mp3")
	case "audio/ogg", "audio/opus":
		args = append(args, "-f", "ogg")
	default:
		// Treat anything unrecognized as raw PCM described by its
		// MIME parameters.
		rate, channels := PCMParams(mimeType)
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(rate),
			"-ac", strconv.Itoa(channels),
		)
	}

	args = append(args, "-i", "pipe:0")

	// Fixed playback contract.
	args = append(args,
		"-f", "s16le",
		"-ac", strconv.Itoa(PlaybackChannels),
		"-ar", strconv.Itoa(PlaybackSampleRate),
		"pipe:1",
	)
	return args
}
