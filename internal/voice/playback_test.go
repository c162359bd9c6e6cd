package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/pkg/audio"
)

// fakeSink records writes and lets tests control buffering and drain
// signalling.
type fakeSink struct {
	mu       sync.Mutex
	writes   [][]byte
	buffered int
	stopped  bool
	drained  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{drained: make(chan struct{}, 1)}
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))

	return len(p), nil
}

func (s *fakeSink) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffered
}

func (s *fakeSink) Drained() <-chan struct{} { return s.drained }

func (s *fakeSink) Idle() bool { return s.BufferedBytes() == 0 }

func (s *fakeSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.buffered = 0
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.writes)
}

func (s *fakeSink) setBuffered(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = n
}

func servicePCMChunk(fill byte, n int) []byte {
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = fill
	}

	return chunk
}

func TestWriteChunkDuplicateSuppression(t *testing.T) {
	sink := newFakeSink()
	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)

	chunk := servicePCMChunk(0x42, 480)

	written, err := m.WriteChunk(context.Background(), chunk, servicePCMMimeType)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = m.WriteChunk(context.Background(), chunk, servicePCMMimeType)
	require.NoError(t, err)
	assert.False(t, written, "duplicate chunk must be dropped")

	assert.Equal(t, 1, sink.writeCount())
}

func TestWriteChunkDedupEvictsOldest(t *testing.T) {
	sink := newFakeSink()
	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)
	ctx := context.Background()

	first := servicePCMChunk(0x01, 480)
	_, err := m.WriteChunk(ctx, first, servicePCMMimeType)
	require.NoError(t, err)

	// Ten distinct chunks push the first digest out of the ring.
	for i := byte(2); i < 12; i++ {
		_, err := m.WriteChunk(ctx, servicePCMChunk(i, 480), servicePCMMimeType)
		require.NoError(t, err)
	}

	written, err := m.WriteChunk(ctx, first, servicePCMMimeType)
	require.NoError(t, err)
	assert.True(t, written, "digest evicted from ring, chunk writes again")
}

func TestWriteChunkDigestUsesBoundedPrefix(t *testing.T) {
	sink := newFakeSink()
	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)
	ctx := context.Background()

	// Two chunks identical in the first 1KB differ past it; they still
	// count as duplicates.
	a := servicePCMChunk(0x10, 2048)
	b := servicePCMChunk(0x10, 2048)
	b[2000] = 0xFF

	written, err := m.WriteChunk(ctx, a, servicePCMMimeType)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = m.WriteChunk(ctx, b, servicePCMMimeType)
	require.NoError(t, err)
	assert.False(t, written)
}

func TestWriteChunkConvertsToPlaybackFormat(t *testing.T) {
	sink := newFakeSink()
	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)

	// 480 service-rate mono samples = 960 bytes in, upsampled to 48kHz
	// stereo = 3840 bytes out.
	chunk := servicePCMChunk(0x01, audio.ServiceFrameBytes)
	written, err := m.WriteChunk(context.Background(), chunk, servicePCMMimeType)
	require.NoError(t, err)
	require.True(t, written)

	require.Equal(t, 1, sink.writeCount())
	assert.Len(t, sink.writes[0],
		audio.ServiceFrameBytes*2*audio.PlaybackChannels)
}

func TestBackpressureHysteresis(t *testing.T) {
	ps := &playbackStream{}

	// 20 slow writes enable backpressure, exactly one state change.
	changes := 0
	for i := 0; i < latencyRingSize; i++ {
		if changed, enabled := ps.recordLatency(60 * time.Millisecond); changed {
			changes++
			assert.True(t, enabled)
		}
	}
	assert.Equal(t, 1, changes)
	assert.True(t, ps.backpressure)

	// 20 fast writes disable it again.
	changes = 0
	for i := 0; i < latencyRingSize; i++ {
		if changed, enabled := ps.recordLatency(10 * time.Millisecond); changed {
			changes++
			assert.False(t, enabled)
		}
	}
	assert.Equal(t, 1, changes)
	assert.False(t, ps.backpressure)

	// Latencies between the thresholds never toggle the state.
	for i := 0; i < 2*latencyRingSize; i++ {
		changed, _ := ps.recordLatency(30 * time.Millisecond)
		assert.False(t, changed)
	}
	assert.False(t, ps.backpressure)
}

func TestWriteChunkWaitsForDrainUnderBackpressure(t *testing.T) {
	sink := newFakeSink()
	sink.setBuffered(sinkHighWater + 1)

	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)
	ctx := context.Background()

	// Force backpressure on by feeding slow latencies first.
	_, err := m.WriteChunk(ctx, servicePCMChunk(0x01, 480), servicePCMMimeType)
	require.NoError(t, err)
	m.mu.Lock()
	for i := 0; i < latencyRingSize; i++ {
		m.stream.recordLatency(60 * time.Millisecond)
	}
	m.mu.Unlock()

	// Drain signal arrives promptly; the write should not wait the
	// full timeout.
	sink.drained <- struct{}{}

	start := time.Now()
	written, err := m.WriteChunk(ctx, servicePCMChunk(0x02, 480), servicePCMMimeType)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Less(t, time.Since(start), drainWaitTimeout)
}

func TestCloseStreamIdempotentAndResetsDedup(t *testing.T) {
	sink := newFakeSink()
	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)
	ctx := context.Background()

	chunk := servicePCMChunk(0x42, 480)
	_, err := m.WriteChunk(ctx, chunk, servicePCMMimeType)
	require.NoError(t, err)

	m.CloseStream()
	m.CloseStream()

	// A new turn starts a fresh stream with fresh dedup state.
	written, err := m.WriteChunk(ctx, chunk, servicePCMMimeType)
	require.NoError(t, err)
	assert.True(t, written)
}

func TestFlushStopsSink(t *testing.T) {
	sink := newFakeSink()
	sink.setBuffered(100)

	m := NewOutboundAudioStreamManager(zap.NewNop(), sink)
	_, err := m.WriteChunk(context.Background(), servicePCMChunk(0x01, 480), servicePCMMimeType)
	require.NoError(t, err)

	assert.False(t, m.Idle())

	m.Flush()

	assert.True(t, sink.stopped)
	assert.True(t, m.Idle())
}
