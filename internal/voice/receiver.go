package voice

import (
	"sync"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"go.uber.org/zap"
	"layeh.com/gopus"

	"github.com/harmonia-bot/harmonia/pkg/audio"
	"github.com/harmonia-bot/harmonia/pkg/util"
)

// decodeErrorLogEvery rate-limits decode error logging; packet loss
// makes these routine.
const decodeErrorLogEvery = 50

// ReceiverEvents are emitted by the receiver. OnChunk fires on the
// caller's goroutine, synchronously from HandlePacket. OnUtteranceEnd
// fires either synchronously (speaker switch) or from the silence
// watcher goroutine.
type ReceiverEvents struct {
	// OnChunk delivers decoded service-format PCM from the active
	// speaker, in arrival order.
	OnChunk func(userID discord.UserID, pcm []byte)

	// OnUtteranceEnd fires exactly once per utterance, strictly after
	// the last chunk of that utterance.
	OnUtteranceEnd func(userID discord.UserID)
}

// pcmDecoder decodes one compressed packet into PCM samples. Satisfied
// by gopus.Decoder.
type pcmDecoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

func newOpusDecoder() (pcmDecoder, error) {
	return gopus.NewDecoder(audio.PlaybackSampleRate, audio.PlaybackChannels)
}

// speakerSubscription tracks one participant's decoder and speaking
// state.
type speakerSubscription struct {
	userID     discord.UserID
	decoder    pcmDecoder
	speaking   bool
	createdAt  time.Time
	lastPacket time.Time

	decodeErrors uint64
}

// InboundAudioReceiver turns the raw per-participant packet stream
// into a single exclusive stream of decoded PCM with end-of-utterance
// signaling.
type InboundAudioReceiver struct {
	logger *zap.Logger
	events ReceiverEvents

	mu            sync.Mutex
	subs          map[discord.UserID]*speakerSubscription
	pending       map[discord.UserID]*time.Timer
	activeSpeaker discord.UserID
	closed        bool

	// silence fires SilenceWindow after the last forwarded chunk.
	// silenceArmed makes the end-of-utterance emission exactly-once
	// per silence period.
	silence      *util.Debouncer
	silenceArmed bool
	done         chan struct{}

	newDecoder func() (pcmDecoder, error)
}

func NewInboundAudioReceiver(logger *zap.Logger, events ReceiverEvents) *InboundAudioReceiver {
	r := &InboundAudioReceiver{
		logger:     logger,
		events:     events,
		subs:       make(map[discord.UserID]*speakerSubscription),
		pending:    make(map[discord.UserID]*time.Timer),
		silence:    util.NewDebouncer(SilenceWindow),
		done:       make(chan struct{}),
		newDecoder: newOpusDecoder,
	}

	go r.watchSilence()

	return r
}

// HandlePacket processes one inbound packet. Audio from anyone but the
// active speaker is discarded; audio from the active speaker is
// decoded, converted to the service format, and forwarded.
func (r *InboundAudioReceiver) HandlePacket(pkt *OpusPacket) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return
	}

	sub, exists := r.subs[pkt.UserID]
	if !exists {
		r.onSpeechStartLocked(pkt.UserID)
		r.mu.Unlock()

		return
	}

	sinceLast := time.Since(sub.lastPacket)
	sub.lastPacket = time.Now()

	if !sub.speaking {
		// Packets trailing a forced turn end are leftovers of the old
		// utterance, not a new speech start; a real new utterance
		// follows a silence gap.
		trailing := sinceLast < SilenceWindow &&
			r.activeSpeaker.IsValid() && r.activeSpeaker != pkt.UserID
		if trailing {
			r.mu.Unlock()

			return
		}

		// Participant resumed after silence.
		r.onSpeechStartLocked(pkt.UserID)
	}

	if r.activeSpeaker != pkt.UserID {
		// Not the active speaker, discard to prevent cross-talk.
		r.mu.Unlock()

		return
	}

	decoder := sub.decoder
	r.mu.Unlock()

	pcm48Stereo, err := decoder.Decode(pkt.Opus, audio.PlaybackFrameSize, false)
	if err != nil {
		r.countDecodeError(pkt.UserID, err)

		return
	}

	pcm, err := toServiceFormat(pcm48Stereo)
	if err != nil {
		r.logger.Error("Failed to convert inbound audio", zap.Error(err))

		return
	}

	r.mu.Lock()
	if r.closed || r.activeSpeaker != pkt.UserID {
		r.mu.Unlock()

		return
	}
	r.silenceArmed = true
	r.silence.Reset()
	r.mu.Unlock()

	if r.events.OnChunk != nil {
		r.events.OnChunk(pkt.UserID, pcm)
	}
}

// onSpeechStartLocked handles a speech-start for userID. Caller holds
// r.mu.
func (r *InboundAudioReceiver) onSpeechStartLocked(userID discord.UserID) {
	// Speaker switch: flush the previous speaker's turn before this
	// one becomes active.
	if r.activeSpeaker.IsValid() && r.activeSpeaker != userID {
		r.endUtteranceLocked(r.activeSpeaker)
	}

	r.activeSpeaker = userID

	if sub, exists := r.subs[userID]; exists {
		sub.speaking = true

		return
	}

	if _, isPending := r.pending[userID]; isPending {
		return
	}

	// Debounce subscription creation so the transport packet stream
	// stabilizes first. The participant counts as speaking already;
	// audio flows once the decoder binds.
	r.pending[userID] = time.AfterFunc(SubscribeDebounce, func() {
		r.bindSubscription(userID)
	})
}

func (r *InboundAudioReceiver) bindSubscription(userID discord.UserID) {
	decoder, err := r.newDecoder()
	if err != nil {
		r.logger.Error("Failed to create opus decoder",
			zap.Error(err),
			zap.String("user_id", userID.String()))

		r.mu.Lock()
		delete(r.pending, userID)
		r.mu.Unlock()

		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, userID)

	if r.closed {
		return
	}

	r.subs[userID] = &speakerSubscription{
		userID:     userID,
		decoder:    decoder,
		speaking:   true,
		createdAt:  time.Now(),
		lastPacket: time.Now(),
	}

	r.logger.Debug("Speaker subscription bound",
		zap.String("user_id", userID.String()))
}

// NotifySpeakingEnd handles an authoritative speaking-stopped signal
// from the voice gateway. For the active speaker this commits the
// utterance right away instead of waiting out the silence window.
func (r *InboundAudioReceiver) NotifySpeakingEnd(userID discord.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if r.activeSpeaker == userID {
		r.endUtteranceLocked(userID)

		return
	}

	if sub, exists := r.subs[userID]; exists {
		sub.speaking = false
	}
}

// RemoveSubscription tears down a participant's subscription. Safe to
// call for unknown participants and multiple times.
func (r *InboundAudioReceiver) RemoveSubscription(userID discord.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeSubscriptionLocked(userID)
}

func (r *InboundAudioReceiver) removeSubscriptionLocked(userID discord.UserID) {
	if timer, exists := r.pending[userID]; exists {
		timer.Stop()
		delete(r.pending, userID)
	}

	sub, exists := r.subs[userID]
	if !exists {
		return
	}

	sub.decoder = nil
	delete(r.subs, userID)

	if r.activeSpeaker == userID {
		r.activeSpeaker = discord.NullUserID
	}
}

// ActiveSpeaker reports the current active speaker, if any.
func (r *InboundAudioReceiver) ActiveSpeaker() (discord.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.activeSpeaker, r.activeSpeaker.IsValid()
}

// Participants is the number of tracked speakers.
func (r *InboundAudioReceiver) Participants() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}

// Close tears down all subscriptions and stops the silence watcher.
// Idempotent.
func (r *InboundAudioReceiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}
	r.closed = true

	for userID := range r.subs {
		r.removeSubscriptionLocked(userID)
	}
	for userID, timer := range r.pending {
		timer.Stop()
		delete(r.pending, userID)
	}
	r.activeSpeaker = discord.NullUserID
	r.mu.Unlock()

	r.silence.Stop()
	close(r.done)
}

func (r *InboundAudioReceiver) watchSilence() {
	for {
		select {
		case <-r.silence.C():
			r.mu.Lock()
			if r.closed || !r.silenceArmed {
				r.mu.Unlock()

				continue
			}
			r.endUtteranceLocked(r.activeSpeaker)
			r.mu.Unlock()

		case <-r.done:
			return
		}
	}
}

// endUtteranceLocked emits end-of-utterance for userID once and clears
// the active speaker. Caller holds r.mu; the callback is invoked with
// the lock released.
func (r *InboundAudioReceiver) endUtteranceLocked(userID discord.UserID) {
	if !r.silenceArmed || !userID.IsValid() {
		return
	}
	r.silenceArmed = false

	if sub, exists := r.subs[userID]; exists {
		sub.speaking = false
	}
	if r.activeSpeaker == userID {
		r.activeSpeaker = discord.NullUserID
	}

	if r.events.OnUtteranceEnd != nil {
		r.mu.Unlock()
		r.events.OnUtteranceEnd(userID)
		r.mu.Lock()
	}
}

func (r *InboundAudioReceiver) countDecodeError(userID discord.UserID, err error) {
	r.mu.Lock()
	sub, exists := r.subs[userID]
	if !exists {
		r.mu.Unlock()

		return
	}
	sub.decodeErrors++
	count := sub.decodeErrors
	r.mu.Unlock()

	if count%decodeErrorLogEvery == 1 {
		r.logger.Debug("Opus decode error",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.Uint64("total_errors", count))
	}
}

// toServiceFormat converts decoded 48kHz stereo samples to the
// service's 24kHz mono PCM bytes.
func toServiceFormat(samples []int16) ([]byte, error) {
	stereo := audio.PCMInt16ToLE(samples)

	mono, err := audio.DownmixToMono(stereo, audio.PlaybackChannels)
	if err != nil {
		return nil, err
	}

	return audio.Resample(mono, audio.PlaybackSampleRate, audio.ServiceSampleRate)
}
