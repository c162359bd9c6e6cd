package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDecoder returns a fixed 20ms frame regardless of input.
type fakeDecoder struct{}

func (fakeDecoder) Decode(_ []byte, frameSize int, _ bool) ([]int16, error) {
	samples := make([]int16, frameSize*2)
	for i := range samples {
		samples[i] = 100
	}

	return samples, nil
}

type receiverRecorder struct {
	mu            sync.Mutex
	chunks        []discord.UserID
	utteranceEnds []discord.UserID
}

func (rec *receiverRecorder) events() ReceiverEvents {
	return ReceiverEvents{
		OnChunk: func(userID discord.UserID, _ []byte) {
			rec.mu.Lock()
			rec.chunks = append(rec.chunks, userID)
			rec.mu.Unlock()
		},
		OnUtteranceEnd: func(userID discord.UserID) {
			rec.mu.Lock()
			rec.utteranceEnds = append(rec.utteranceEnds, userID)
			rec.mu.Unlock()
		},
	}
}

func (rec *receiverRecorder) snapshot() (chunks, ends []discord.UserID) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return append([]discord.UserID(nil), rec.chunks...),
		append([]discord.UserID(nil), rec.utteranceEnds...)
}

func newTestReceiver(t *testing.T, rec *receiverRecorder) *InboundAudioReceiver {
	t.Helper()

	r := NewInboundAudioReceiver(zap.NewNop(), rec.events())
	r.newDecoder = func() (pcmDecoder, error) { return fakeDecoder{}, nil }
	t.Cleanup(r.Close)

	return r
}

func packetFrom(userID discord.UserID) *OpusPacket {
	return &OpusPacket{
		UserID: userID,
		SSRC:   uint32(userID),
		Opus:   []byte{0x01, 0x02, 0x03},
	}
}

// speak pushes one packet and, on first call for a user, waits out the
// subscription debounce so the decoder binds.
func speak(r *InboundAudioReceiver, userID discord.UserID) {
	r.HandlePacket(packetFrom(userID))
	time.Sleep(SubscribeDebounce + 50*time.Millisecond)
	r.HandlePacket(packetFrom(userID))
}

func TestReceiverForwardsActiveSpeaker(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	speak(r, userA)

	chunks, ends := rec.snapshot()
	require.NotEmpty(t, chunks)
	assert.Equal(t, userA, chunks[0])
	assert.Empty(t, ends)

	active, ok := r.ActiveSpeaker()
	require.True(t, ok)
	assert.Equal(t, userA, active)
}

func TestReceiverSpeakerSwitch(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	userB := discord.UserID(2)

	speak(r, userA)

	// B starts while A is still active: exactly one utterance end for
	// A, then B's audio flows.
	speak(r, userB)

	// Stray packets from A after the switch are discarded.
	r.HandlePacket(packetFrom(userA))

	chunks, ends := rec.snapshot()
	require.Equal(t, []discord.UserID{userA}, ends)

	sawB := false
	for _, c := range chunks {
		if c == userB {
			sawB = true
		}
		if sawB {
			assert.Equal(t, userB, c, "A's audio accepted after switch")
		}
	}
	assert.True(t, sawB)
}

func TestReceiverSilenceEmitsOnce(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	speak(r, userA)

	// Let the silence window elapse with margin; only one end event
	// may fire for the whole quiet period.
	time.Sleep(SilenceWindow + 300*time.Millisecond)

	_, ends := rec.snapshot()
	assert.Equal(t, []discord.UserID{userA}, ends)

	_, ok := r.ActiveSpeaker()
	assert.False(t, ok)
}

func TestReceiverSpeakingEndCommitsImmediately(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	speak(r, userA)

	// An authoritative speaking-stopped signal ends the utterance
	// without waiting out the silence window.
	r.NotifySpeakingEnd(userA)

	_, ends := rec.snapshot()
	assert.Equal(t, []discord.UserID{userA}, ends)

	_, ok := r.ActiveSpeaker()
	assert.False(t, ok)

	// The silence timer firing afterwards adds nothing.
	time.Sleep(SilenceWindow + 300*time.Millisecond)
	_, ends = rec.snapshot()
	assert.Equal(t, []discord.UserID{userA}, ends)
}

func TestReceiverSpeakingEndForInactiveSpeaker(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	userB := discord.UserID(2)
	speak(r, userA)

	// A stop signal for someone who is not the active speaker must not
	// cut off the active utterance.
	r.NotifySpeakingEnd(userB)

	_, ends := rec.snapshot()
	assert.Empty(t, ends)

	active, ok := r.ActiveSpeaker()
	require.True(t, ok)
	assert.Equal(t, userA, active)
}

func TestReceiverResumeAfterSilence(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	speak(r, userA)
	time.Sleep(SilenceWindow + 200*time.Millisecond)

	// Same speaker resumes: no new debounce needed, audio flows again.
	r.HandlePacket(packetFrom(userA))
	r.HandlePacket(packetFrom(userA))

	chunks, ends := rec.snapshot()
	assert.Equal(t, []discord.UserID{userA}, ends)
	assert.GreaterOrEqual(t, len(chunks), 3)
}

func TestReceiverDiscardsBeforeDebounce(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	// Packet arrives but the subscription has not bound yet.
	r.HandlePacket(packetFrom(discord.UserID(1)))

	chunks, _ := rec.snapshot()
	assert.Empty(t, chunks)

	// Speaking is tracked immediately even without a decoder.
	active, ok := r.ActiveSpeaker()
	require.True(t, ok)
	assert.Equal(t, discord.UserID(1), active)
}

func TestReceiverRemoveSubscriptionIdempotent(t *testing.T) {
	rec := &receiverRecorder{}
	r := newTestReceiver(t, rec)

	userA := discord.UserID(1)
	speak(r, userA)
	require.Equal(t, 1, r.Participants())

	r.RemoveSubscription(userA)
	r.RemoveSubscription(userA)
	r.RemoveSubscription(discord.UserID(99))

	assert.Equal(t, 0, r.Participants())
	_, ok := r.ActiveSpeaker()
	assert.False(t, ok)
}

func TestReceiverCloseIdempotent(t *testing.T) {
	rec := &receiverRecorder{}
	r := NewInboundAudioReceiver(zap.NewNop(), rec.events())
	r.newDecoder = func() (pcmDecoder, error) { return fakeDecoder{}, nil }

	r.HandlePacket(packetFrom(discord.UserID(1)))

	r.Close()
	r.Close()

	// Packets after close are ignored.
	r.HandlePacket(packetFrom(discord.UserID(2)))
	chunks, _ := rec.snapshot()
	assert.Empty(t, chunks)
}
