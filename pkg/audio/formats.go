package audio

import "time"

// Format constants shared by the converter, voice transport, and bridge.
const (
	// FrameDuration is the wall-clock length of one voice frame.
	FrameDuration = 20 * time.Millisecond

	// Discord playback contract: everything written to the playback sink
	// must already be in this format.
	PlaybackSampleRate = 48_000 // Hz
	PlaybackChannels   = 2      // interleaved stereo
	PlaybackFrameSize  = 960    // samples per channel (20 ms)

	// Realtime speech service input.
	ServiceSampleRate = 24_000 // Hz
	ServiceChannels   = 1
	ServiceFrameSize  = 480                  // samples (20 ms)
	ServiceFrameBytes = ServiceFrameSize * 2 // 16-bit PCM

	bytesPerSample = 2
)
