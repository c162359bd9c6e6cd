package voice

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/pkg/audio"
)

const debugAudioDir = "debug_audio"

// collectDebugAudio buffers forwarded PCM while audio dumping is
// enabled.
func (o *Orchestrator) collectDebugAudio(pcm []byte) {
	if !o.cfg.Voice.DebugAudioDump {
		return
	}

	o.debugMu.Lock()
	o.debugBuf = append(o.debugBuf, pcm...)
	o.debugMu.Unlock()
}

// dumpDebugAudio writes the buffered utterance to a WAV file and
// resets the buffer. Called at end of utterance.
func (o *Orchestrator) dumpDebugAudio(userID discord.UserID) {
	if !o.cfg.Voice.DebugAudioDump {
		return
	}

	o.debugMu.Lock()
	buf := o.debugBuf
	o.debugBuf = nil
	o.debugMu.Unlock()

	if len(buf) == 0 {
		return
	}

	go func() {
		path, err := writeDebugWAV(buf, audio.ServiceSampleRate, userID)
		if err != nil {
			o.logger.Warn("Failed to write debug WAV", zap.Error(err))

			return
		}

		o.logger.Info("Saved debug WAV",
			zap.String("file", path),
			zap.Int("bytes", len(buf)),
			zap.Float64("duration_sec",
				float64(len(buf))/2/float64(audio.ServiceSampleRate)))
	}()
}

// writeDebugWAV writes mono 16-bit PCM bytes as a WAV file and returns
// the path.
func writeDebugWAV(pcm []byte, sampleRate int, userID discord.UserID) (string, error) {
	if err := os.MkdirAll(debugAudioDir, 0o755); err != nil {
		return "", fmt.Errorf("debug dir: %w", err)
	}

	path := filepath.Join(debugAudioDir,
		fmt.Sprintf("utterance_%s_%s.wav",
			userID.String(), time.Now().Format("20060102_150405")))

	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	dataSize := uint32(len(pcm))

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	write := func(v any) error {
		return binary.Write(file, binary.LittleEndian, v)
	}

	if _, err = file.WriteString("RIFF"); err != nil {
		return "", err
	}
	if err = write(dataSize + 36); err != nil {
		return "", err
	}
	if _, err = file.WriteString("WAVE"); err != nil {
		return "", err
	}

	if _, err = file.WriteString("fmt "); err != nil {
		return "", err
	}
	if err = write(uint32(16)); err != nil {
		return "", err
	}
	if err = write(uint16(1)); err != nil {
		return "", err
	}
	if err = write(uint16(numChannels)); err != nil {
		return "", err
	}
	if err = write(uint32(sampleRate)); err != nil {
		return "", err
	}
	if err = write(uint32(byteRate)); err != nil {
		return "", err
	}
	if err = write(uint16(blockAlign)); err != nil {
		return "", err
	}
	if err = write(uint16(bitsPerSample)); err != nil {
		return "", err
	}

	if _, err = file.WriteString("data"); err != nil {
		return "", err
	}
	if err = write(dataSize); err != nil {
		return "", err
	}
	if _, err = file.Write(pcm); err != nil {
		return "", err
	}

	return path, nil
}
