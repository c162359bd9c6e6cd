package voice

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/pkg/audio"
)

const (
	// Duplicate suppression: digest over at most dedupPrefixBytes of a
	// chunk, last dedupRingSize digests remembered.
	dedupRingSize    = 10
	dedupPrefixBytes = 1024

	// Adaptive backpressure: rolling average over the last
	// latencyRingSize write latencies, with hysteresis between the
	// enable and disable thresholds.
	latencyRingSize       = 20
	backpressureEnableAvg = 50 * time.Millisecond
	backpressureDisable   = 20 * time.Millisecond

	// Writes wait for a sink drain signal when more than sinkHighWater
	// bytes are pending and backpressure is enabled, bounded by
	// drainWaitTimeout.
	sinkHighWater    = 32 * 1024
	drainWaitTimeout = 500 * time.Millisecond
)

// transcodeFunc converts a compressed audio chunk to 48kHz stereo PCM.
type transcodeFunc func(ctx context.Context, mimeType string, data []byte) ([]byte, error)

// playbackStream is one response turn's output stream.
type playbackStream struct {
	id string

	recentChunkHashes [][sha256.Size]byte
	hashNext          int

	latencyHistory []time.Duration
	latencyNext    int
	backpressure   bool
}

// seenOrRecord reports whether the chunk digest was seen recently and
// records it if not. The ring evicts oldest first.
func (ps *playbackStream) seenOrRecord(chunk []byte) bool {
	prefix := chunk
	if len(prefix) > dedupPrefixBytes {
		prefix = prefix[:dedupPrefixBytes]
	}
	digest := sha256.Sum256(prefix)

	for _, h := range ps.recentChunkHashes {
		if h == digest {
			return true
		}
	}

	if len(ps.recentChunkHashes) < dedupRingSize {
		ps.recentChunkHashes = append(ps.recentChunkHashes, digest)
	} else {
		ps.recentChunkHashes[ps.hashNext] = digest
		ps.hashNext = (ps.hashNext + 1) % dedupRingSize
	}

	return false
}

// recordLatency adds one write latency and returns whether the
// backpressure flag flipped.
func (ps *playbackStream) recordLatency(d time.Duration) (changed, enabled bool) {
	if len(ps.latencyHistory) < latencyRingSize {
		ps.latencyHistory = append(ps.latencyHistory, d)
	} else {
		ps.latencyHistory[ps.latencyNext] = d
		ps.latencyNext = (ps.latencyNext + 1) % latencyRingSize
	}

	var sum time.Duration
	for _, l := range ps.latencyHistory {
		sum += l
	}
	avg := sum / time.Duration(len(ps.latencyHistory))

	switch {
	case !ps.backpressure && avg > backpressureEnableAvg:
		ps.backpressure = true

		return true, true
	case ps.backpressure && avg < backpressureDisable:
		ps.backpressure = false

		return true, false
	}

	return false, ps.backpressure
}

// OutboundAudioStreamManager owns the single active playback stream
// for a session turn: duplicate suppression, adaptive backpressure,
// and format conversion before the sink write.
type OutboundAudioStreamManager struct {
	logger    *zap.Logger
	sink      PlaybackSink
	transcode transcodeFunc

	mu     sync.Mutex
	stream *playbackStream
}

func NewOutboundAudioStreamManager(logger *zap.Logger, sink PlaybackSink) *OutboundAudioStreamManager {
	return &OutboundAudioStreamManager{
		logger:    logger,
		sink:      sink,
		transcode: runTranscoder,
	}
}

// WriteChunk delivers one synthesized audio chunk. It reports whether
// the chunk was actually written; duplicates report false with no
// error.
func (m *OutboundAudioStreamManager) WriteChunk(ctx context.Context, chunk []byte, mimeType string) (bool, error) {
	if len(chunk) == 0 {
		return false, nil
	}

	m.mu.Lock()
	if m.stream == nil {
		m.stream = &playbackStream{id: uuid.NewString()}
		m.logger.Debug("Opened playback stream", zap.String("stream_id", m.stream.id))
	}
	stream := m.stream

	if stream.seenOrRecord(chunk) {
		m.mu.Unlock()
		m.logger.Debug("Dropped duplicate playback chunk",
			zap.String("stream_id", stream.id),
			zap.Int("size", len(chunk)))

		return false, nil
	}
	backpressure := stream.backpressure
	m.mu.Unlock()

	pcm, err := m.convert(ctx, chunk, mimeType)
	if err != nil {
		return false, err
	}

	if backpressure && m.sink.BufferedBytes() > sinkHighWater {
		m.waitForDrain(ctx)
	}

	start := time.Now()
	if _, err := m.sink.Write(pcm); err != nil {
		return false, fmt.Errorf("playback write failed: %w", err)
	}

	m.mu.Lock()
	if m.stream == stream {
		if changed, enabled := stream.recordLatency(time.Since(start)); changed {
			m.logger.Info("Playback backpressure changed",
				zap.String("stream_id", stream.id),
				zap.Bool("enabled", enabled))
		}
	}
	m.mu.Unlock()

	return true, nil
}

// CloseStream detaches the current playback stream. Idempotent. The
// reference is cleared before any release so a re-entrant close cannot
// double-free.
func (m *OutboundAudioStreamManager) CloseStream() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream != nil {
		m.logger.Debug("Closed playback stream", zap.String("stream_id", stream.id))
	}
}

// Flush is the emergency stop: close the stream and discard anything
// the sink has queued.
func (m *OutboundAudioStreamManager) Flush() {
	m.CloseStream()
	m.sink.Stop()
}

// Idle reports whether nothing is playing or queued.
func (m *OutboundAudioStreamManager) Idle() bool {
	m.mu.Lock()
	open := m.stream != nil
	m.mu.Unlock()

	return !open && m.sink.Idle()
}

func (m *OutboundAudioStreamManager) waitForDrain(ctx context.Context) {
	timer := time.NewTimer(drainWaitTimeout)
	defer timer.Stop()

	select {
	case <-m.sink.Drained():
	case <-timer.C:
	case <-ctx.Done():
	}
}

// convert produces playback-format PCM: raw PCM goes through the
// in-process converter, compressed containers through the external
// transcoder.
func (m *OutboundAudioStreamManager) convert(ctx context.Context, chunk []byte, mimeType string) ([]byte, error) {
	sanitized := audio.SanitizeMimeType(mimeType)

	if audio.IsRawPCM(sanitized) {
		rate, channels := audio.PCMParams(sanitized)

		pcm, err := audio.EnsurePlaybackFormat(chunk, rate, channels)
		if err != nil {
			return nil, fmt.Errorf("playback conversion failed: %w", err)
		}

		return pcm, nil
	}

	pcm, err := m.transcode(ctx, sanitized, chunk)
	if err != nil {
		return nil, fmt.Errorf("transcoding failed: %w", err)
	}

	return pcm, nil
}

// runTranscoder pipes a compressed chunk through ffmpeg with sanitized
// arguments and a fixed playback-format output contract.
func runTranscoder(ctx context.Context, mimeType string, data []byte) ([]byte, error) {
	args := audio.BuildTranscoderArgs(mimeType)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdin = bytes.NewReader(data)

	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}

	return out.Bytes(), nil
}
