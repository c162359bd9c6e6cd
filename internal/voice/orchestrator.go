package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/diamondburned/arikawa/v3/discord"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/internal/config"
	"github.com/harmonia-bot/harmonia/internal/mood"
	"github.com/harmonia-bot/harmonia/pkg/util"
)

// Notifier posts short human-readable messages to a text channel.
type Notifier interface {
	Notify(channelID discord.ChannelID, message string)
}

// MoodSink receives cross-modal signals from voice sessions and
// supplies recent text context. Satisfied by the mood store.
type MoodSink interface {
	ObserveVoice(channelID discord.ChannelID, userID discord.UserID, transcript string)
	ContextFor(channelID discord.ChannelID) []string
	PushMarker(channelID discord.ChannelID, userID discord.UserID, markerType, topic string, confidence float64, ttl time.Duration)
	MarkersFor(channelID discord.ChannelID) []mood.ContextMarker
	ForgetChannel(channelID discord.ChannelID)
}

// hangupMarker is the exact phrase the assistant is instructed to emit
// when it wants to end the call. hangupParaphrases catch the model
// saying it in its own words.
const hangupMarker = "[END CALL]"

var hangupParaphrases = []string{
	"goodbye for now",
	"i'll hang up now",
	"ending the call",
	"talk to you later",
}

// deEscalationStreak is how many consecutive negative transcript
// deltas trigger a spoken de-escalation attempt.
const deEscalationStreak = 3

const deEscalationPrompt = "The conversation is getting heated. Calmly and briefly say something to de-escalate and steer toward common ground."

type historySnippet struct {
	text string
	at   time.Time
}

// Orchestrator event inbox messages.
type (
	inboundPacketEvent struct{ pkt *OpusPacket }

	speakingUpdateEvent struct{ update SpeakingUpdate }

	audioDeltaEvent struct {
		gen  uint64
		mime string
		pcm  []byte
	}

	textDeltaEvent struct {
		gen  uint64
		text string
	}

	turnCompleteEvent struct{ gen uint64 }

	goAwayEvent struct{ gen uint64 }

	speechErrorEvent struct {
		gen uint64
		err error
	}

	speechClosedEvent struct {
		gen      uint64
		code     int
		reason   string
		wasClean bool
	}
)

// OrchestratorParams collects everything one session needs.
type OrchestratorParams struct {
	Logger    *zap.Logger
	Config    *config.Config
	Transport VoiceTransport
	Provider  SpeechProvider
	Mood      MoodSink
	Notifier  Notifier

	// Summarizer may be nil, which disables the end-of-session recap.
	Summarizer Summarizer

	GuildID       discord.GuildID
	ChannelID     discord.ChannelID
	TextChannelID discord.ChannelID
	InitiatorID   discord.UserID
	SelfID        discord.UserID
	VoicePreset   string

	// OnDestroyed runs once after teardown completes.
	OnDestroyed func(*Orchestrator)
}

// Orchestrator is the per-channel session state machine. It owns the
// receiver, the playback manager, the voice transport connection, and
// the speech service connection. All state transitions happen on its
// run loop; callbacks from other goroutines only post events or touch
// explicitly guarded state.
type Orchestrator struct {
	logger     *zap.Logger
	cfg        *config.Config
	transport  VoiceTransport
	provider   SpeechProvider
	moodStore  MoodSink
	summarizer Summarizer
	notifier   Notifier

	guildID       discord.GuildID
	channelID     discord.ChannelID
	textChannelID discord.ChannelID
	initiatorID   discord.UserID
	selfID        discord.UserID
	voicePreset   string
	startedAt     time.Time
	onDestroyed   func(*Orchestrator)

	state     atomic.Int32
	destroyed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	conn     VoiceConn
	receiver *InboundAudioReceiver
	playback *OutboundAudioStreamManager

	// speechMu guards the speech connection reference and serializes
	// sends across the run loop and the silence watcher.
	speechMu  sync.Mutex
	speech    SpeechConn
	speechGen atomic.Uint64

	inbox chan any
	idle  *util.Debouncer
	done  chan struct{}

	// transcriptMu guards the rolling transcript; destroy reads it off
	// the run loop for the end-of-session recap.
	transcriptMu sync.Mutex
	transcript   []byte

	// Run-loop-owned state, never touched off the loop.
	currentTurn       strings.Builder
	history           []historySnippet
	endRequested      bool
	hangupFinishing   bool
	negativeStreak    int
	reconnectAttempts int

	// debugBuf accumulates one utterance of forwarded PCM when audio
	// dumping is enabled.
	debugMu  sync.Mutex
	debugBuf []byte
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	o := &Orchestrator{
		logger:        p.Logger,
		cfg:           p.Config,
		transport:     p.Transport,
		provider:      p.Provider,
		moodStore:     p.Mood,
		summarizer:    p.Summarizer,
		notifier:      p.Notifier,
		guildID:       p.GuildID,
		channelID:     p.ChannelID,
		textChannelID: p.TextChannelID,
		initiatorID:   p.InitiatorID,
		selfID:        p.SelfID,
		voicePreset:   p.VoicePreset,
		onDestroyed:   p.OnDestroyed,
		inbox:         make(chan any, inboxSize),
		idle:          util.NewDebouncer(IdleTimeout),
		done:          make(chan struct{}),
	}
	o.state.Store(int32(StateConnecting))
	o.ctx, o.cancel = context.WithCancel(context.Background())

	return o
}

// Start joins the voice channel, opens the speech connection, and
// launches the session loops. On error nothing keeps running and the
// session was never active.
func (o *Orchestrator) Start(ctx context.Context) error {
	joinCtx, cancelJoin := context.WithTimeout(ctx, JoinTimeout)
	defer cancelJoin()

	conn, err := o.transport.Join(joinCtx, o.channelID)
	if err != nil {
		if errors.Is(joinCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrJoinTimeout, err)
		}

		return fmt.Errorf("failed to join voice channel: %w", err)
	}
	o.conn = conn

	o.receiver = NewInboundAudioReceiver(o.logger, ReceiverEvents{
		OnChunk:        o.forwardAudio,
		OnUtteranceEnd: o.commitUtterance,
	})
	o.playback = NewOutboundAudioStreamManager(o.logger, conn.Sink())

	speech, err := o.openSpeech(ctx, o.seedContext())
	if err != nil {
		o.destroyed.Store(true)
		o.state.Store(int32(StateDestroyed))
		o.receiver.Close()
		o.teardownTransport()
		o.cancel()
		o.idle.Stop()
		close(o.done)

		return fmt.Errorf("failed to open speech connection: %w", err)
	}
	o.setSpeech(speech)

	o.state.Store(int32(StateActive))
	o.startedAt = time.Now()

	go o.pumpPackets()
	go o.pumpSpeaking()
	go o.run()

	o.logger.Info("Voice session started",
		zap.String("guild_id", o.guildID.String()),
		zap.String("channel_id", o.channelID.String()),
		zap.String("voice", o.voicePreset))

	return nil
}

// State is the current lifecycle state.
func (o *Orchestrator) State() SessionState {
	return SessionState(o.state.Load())
}

// Status snapshots the session for the status command.
func (o *Orchestrator) Status() SessionStatus {
	participants := 0
	if o.receiver != nil {
		participants = o.receiver.Participants()
	}

	return SessionStatus{
		Active:       !o.destroyed.Load(),
		GuildID:      o.guildID,
		ChannelID:    o.channelID,
		InitiatorID:  o.initiatorID,
		State:        o.State(),
		VoicePreset:  o.voicePreset,
		StartedAt:    o.startedAt,
		Participants: participants,
	}
}

// InitiatorID is the participant who started the session.
func (o *Orchestrator) InitiatorID() discord.UserID {
	return o.initiatorID
}

// ChannelID is the voice channel this session is bound to.
func (o *Orchestrator) ChannelID() discord.ChannelID {
	return o.channelID
}

// Destroy tears the session down. Safe to call from any goroutine and
// any number of times.
func (o *Orchestrator) Destroy(reason string) {
	o.destroy(reason, "")
}

// Done closes when teardown has completed.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) pumpPackets() {
	for pkt := range o.conn.Packets(o.ctx) {
		select {
		case o.inbox <- inboundPacketEvent{pkt: pkt}:
		default:
			// Inbox full; dropping audio beats stalling the transport.
		}
	}
}

func (o *Orchestrator) pumpSpeaking() {
	for {
		select {
		case update, ok := <-o.conn.SpeakingUpdates():
			if !ok {
				return
			}
			o.post(speakingUpdateEvent{update: update})

		case <-o.ctx.Done():
			return
		}
	}
}

// seedContext gathers recent text snippets plus any live context
// markers for the bound text channel.
func (o *Orchestrator) seedContext() []string {
	seed := o.moodStore.ContextFor(o.textChannelID)

	for _, m := range o.moodStore.MarkersFor(o.channelID) {
		line := fmt.Sprintf("(earlier signal: %s", m.Type)
		if m.Topic != "" {
			line += " about " + m.Topic
		}
		seed = append(seed, line+")")
	}

	return seed
}

func (o *Orchestrator) run() {
	for {
		select {
		case ev := <-o.inbox:
			o.handleEvent(ev)

		case <-o.idle.C():
			o.destroy("idle timeout",
				"No one has said anything for a while, so I'm leaving the voice channel.")

			return

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ev any) {
	if o.destroyed.Load() {
		return
	}

	switch ev := ev.(type) {
	case inboundPacketEvent:
		o.idle.Reset()
		o.receiver.HandlePacket(ev.pkt)

	case speakingUpdateEvent:
		o.handleSpeakingUpdate(ev.update)

	case audioDeltaEvent:
		if ev.gen != o.speechGen.Load() {
			return
		}
		o.idle.Reset()
		if _, err := o.playback.WriteChunk(o.ctx, ev.pcm, ev.mime); err != nil {
			o.logger.Warn("Playback write failed", zap.Error(err))
		}

	case textDeltaEvent:
		if ev.gen != o.speechGen.Load() {
			return
		}
		o.idle.Reset()
		o.handleTextDelta(ev.text)

	case turnCompleteEvent:
		if ev.gen != o.speechGen.Load() {
			return
		}
		o.finishTurn()

	case goAwayEvent:
		if ev.gen != o.speechGen.Load() {
			return
		}
		o.logger.Info("Speech service requested reconnect",
			zap.String("channel_id", o.channelID.String()))
		o.reconnect()

	case speechErrorEvent:
		if ev.gen != o.speechGen.Load() {
			return
		}
		o.logger.Warn("Speech service error", zap.Error(ev.err))

	case speechClosedEvent:
		if ev.gen != o.speechGen.Load() {
			return
		}
		o.handleSpeechClosed(ev)
	}
}

func (o *Orchestrator) handleSpeakingUpdate(update SpeakingUpdate) {
	if !update.UserID.IsValid() {
		return
	}

	switch {
	case update.Left:
		o.receiver.RemoveSubscription(update.UserID)
		o.logger.Debug("Participant left voice channel",
			zap.String("user_id", update.UserID.String()))

	case !update.Speaking:
		o.receiver.NotifySpeakingEnd(update.UserID)
	}
}

func (o *Orchestrator) handleTextDelta(text string) {
	o.appendTranscript(text)
	o.currentTurn.WriteString(text)

	// The farewell audio for this turn may still be in flight, so the
	// hangup only starts once the turn completes.
	if !o.endRequested && o.detectHangup() {
		o.endRequested = true
		o.logger.Info("Hangup requested by assistant",
			zap.String("channel_id", o.channelID.String()))
	}

	// Cross-modal emission never blocks the audio path.
	go o.moodStore.ObserveVoice(o.channelID, o.selfID, text)

	o.trackSentiment(text)
}

func (o *Orchestrator) trackSentiment(text string) {
	score := mood.EstimateSentiment(text)

	switch {
	case score < o.cfg.Mood.NegativeThreshold:
		o.negativeStreak++
		o.pushTensionMarker(score, text)
	case score > 0:
		o.negativeStreak = 0
	}

	if o.negativeStreak < deEscalationStreak {
		return
	}

	// Only interject when another human is around to hear it and no
	// one is mid-sentence.
	_, someoneSpeaking := o.receiver.ActiveSpeaker()
	if o.receiver.Participants() < 2 || someoneSpeaking {
		return
	}

	o.negativeStreak = 0

	go func() {
		o.speechMu.Lock()
		speech := o.speech
		o.speechMu.Unlock()
		if speech == nil || o.destroyed.Load() {
			return
		}
		if err := speech.SendSystemText(o.ctx, deEscalationPrompt); err != nil {
			o.logger.Warn("Failed to send de-escalation prompt", zap.Error(err))
		}
	}()
}

// pushTensionMarker records a typed context marker when a transcript
// delta trips the negative threshold. Markers outlive the session and
// seed the next one in the same channel.
func (o *Orchestrator) pushTensionMarker(score float64, text string) {
	confidence := -score
	if confidence > 1 {
		confidence = 1
	}

	topic := util.TruncateUTF8(strings.TrimSpace(text), SnippetMaxLen)

	go o.moodStore.PushMarker(o.channelID, o.selfID, "tension", topic, confidence, ContextMaxAge)
}

func (o *Orchestrator) detectHangup() bool {
	turn := strings.ToLower(o.currentTurn.String())
	if strings.Contains(turn, strings.ToLower(hangupMarker)) {
		return true
	}

	for _, phrase := range hangupParaphrases {
		if strings.Contains(turn, phrase) {
			return true
		}
	}

	return false
}

func (o *Orchestrator) finishTurn() {
	turn := strings.TrimSpace(o.currentTurn.String())
	o.currentTurn.Reset()

	if turn != "" {
		turn = util.TruncateUTF8(turn, SnippetMaxLen)
		o.history = append(o.history, historySnippet{text: turn, at: time.Now()})
		if len(o.history) > HistoryDepth {
			o.history = o.history[len(o.history)-HistoryDepth:]
		}
	}

	o.playback.CloseStream()

	// The goodbye turn is fully buffered by now; wait for playback to
	// drain before tearing the session down.
	if o.endRequested && !o.hangupFinishing {
		o.hangupFinishing = true
		go o.finishHangup()
	}
}

// finishHangup waits for the farewell to finish playing, then destroys
// the session. The playback-idle poll interval is PlaybackIdlePoll.
func (o *Orchestrator) finishHangup() {
	ticker := time.NewTicker(PlaybackIdlePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if o.destroyed.Load() {
				return
			}
			if o.playback.Idle() {
				o.destroy("assistant ended the call", "Call ended. Thanks for chatting!")

				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleSpeechClosed(ev speechClosedEvent) {
	switch {
	case ev.wasClean:
		o.destroy("speech connection closed cleanly", "")

	case strings.Contains(strings.ToLower(ev.reason), "policy"):
		o.logger.Warn("Speech connection closed for policy violation",
			zap.Int("code", ev.code),
			zap.String("reason", ev.reason))
		o.destroy("policy violation", "The voice session was terminated by the speech service.")

	default:
		o.logger.Warn("Speech connection closed unexpectedly",
			zap.Int("code", ev.code),
			zap.String("reason", ev.reason))
		o.reconnect()
	}
}

// reconnect retries the speech connection with exponential backoff.
// Runs on the run loop; the backoff wait aborts on destruction.
func (o *Orchestrator) reconnect() {
	o.state.Store(int32(StateReconnecting))
	o.closeSpeech()

	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		delay := backoffDelay(attempt)

		o.notify(fmt.Sprintf("Connection lost, reconnecting (attempt %d/%d)...",
			attempt+1, MaxReconnectAttempts))

		select {
		case <-time.After(delay):
		case <-o.ctx.Done():
			return
		}

		if o.destroyed.Load() {
			return
		}

		speech, err := o.openSpeech(o.ctx, o.reconnectSeed())
		if err != nil {
			o.logger.Warn("Reconnect attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			continue
		}

		o.setSpeech(speech)
		o.state.Store(int32(StateActive))
		o.logger.Info("Speech connection re-established",
			zap.Int("attempt", attempt+1),
			zap.String("channel_id", o.channelID.String()))

		return
	}

	o.destroy("reconnect attempts exhausted",
		"I couldn't re-establish the voice connection. Ending the session.")
}

// reconnectSeed returns recent transcript snippets for reseeding, or
// nothing when the newest snippet has gone stale.
func (o *Orchestrator) reconnectSeed() []string {
	if len(o.history) == 0 {
		return nil
	}

	newest := o.history[len(o.history)-1]
	if time.Since(newest.at) >= ContextMaxAge {
		return nil
	}

	seed := make([]string, 0, len(o.history))
	for _, s := range o.history {
		seed = append(seed, s.text)
	}

	return seed
}

func (o *Orchestrator) openSpeech(ctx context.Context, seed []string) (SpeechConn, error) {
	gen := o.speechGen.Add(1)

	events := SpeechEvents{
		OnAudioDelta: func(mimeType string, pcm []byte) {
			o.post(audioDeltaEvent{gen: gen, mime: mimeType, pcm: pcm})
		},
		OnTextDelta: func(text string) {
			o.post(textDeltaEvent{gen: gen, text: text})
		},
		OnTurnComplete: func() {
			o.post(turnCompleteEvent{gen: gen})
		},
		OnGoAway: func() {
			o.post(goAwayEvent{gen: gen})
		},
		OnError: func(err error) {
			o.post(speechErrorEvent{gen: gen, err: err})
		},
		OnClose: func(code int, reason string, wasClean bool) {
			o.post(speechClosedEvent{gen: gen, code: code, reason: reason, wasClean: wasClean})
		},
	}

	return o.provider.Open(ctx, SpeechSessionConfig{
		Model:        o.cfg.Voice.Model,
		Voice:        o.voicePreset,
		Instructions: o.instructions(),
		SeedContext:  seed,
	}, events)
}

func (o *Orchestrator) instructions() string {
	base := o.cfg.Voice.Instructions
	if base == "" {
		base = "You are a friendly voice companion in a group voice chat. Keep replies short and conversational."
	}

	return base + "\n\nWhen you decide the conversation is over, say a brief goodbye that includes the exact text " + hangupMarker + "."
}

// post delivers an event to the run loop, dropping it when the inbox
// is full.
func (o *Orchestrator) post(ev any) {
	select {
	case o.inbox <- ev:
	default:
		o.logger.Debug("Session inbox full, dropping event")
	}
}

// forwardAudio ships one decoded chunk from the active speaker to the
// speech service.
func (o *Orchestrator) forwardAudio(userID discord.UserID, pcm []byte) {
	if o.destroyed.Load() {
		return
	}

	o.idle.Reset()
	o.collectDebugAudio(pcm)

	o.speechMu.Lock()
	defer o.speechMu.Unlock()

	if o.speech == nil {
		return
	}

	if err := o.speech.SendAudio(o.ctx, pcm); err != nil {
		o.logger.Warn("Failed to forward audio",
			zap.Error(err),
			zap.String("user_id", userID.String()))
	}
}

// commitUtterance signals end-of-utterance to the speech service. May
// run on the run loop (speaker switch) or the silence watcher.
func (o *Orchestrator) commitUtterance(userID discord.UserID) {
	if o.destroyed.Load() {
		return
	}

	o.idle.Reset()
	o.dumpDebugAudio(userID)

	o.speechMu.Lock()
	defer o.speechMu.Unlock()

	if o.speech == nil {
		return
	}

	if err := o.speech.CommitUtterance(o.ctx); err != nil {
		o.logger.Warn("Failed to commit utterance",
			zap.Error(err),
			zap.String("user_id", userID.String()))
	}
}

func (o *Orchestrator) setSpeech(conn SpeechConn) {
	o.speechMu.Lock()
	o.speech = conn
	o.speechMu.Unlock()
}

func (o *Orchestrator) closeSpeech() {
	o.speechMu.Lock()
	speech := o.speech
	o.speech = nil
	o.speechMu.Unlock()

	if speech != nil {
		_ = speech.Close()
	}
}

func (o *Orchestrator) appendTranscript(text string) {
	o.transcriptMu.Lock()
	defer o.transcriptMu.Unlock()

	o.transcript = append(o.transcript, text...)
	if len(o.transcript) > TranscriptCap {
		cut := len(o.transcript) - TranscriptCap
		for cut < len(o.transcript) && !utf8.RuneStart(o.transcript[cut]) {
			cut++
		}
		o.transcript = o.transcript[cut:]
	}
}

func (o *Orchestrator) transcriptSnapshot() string {
	o.transcriptMu.Lock()
	defer o.transcriptMu.Unlock()

	return string(o.transcript)
}

func (o *Orchestrator) notify(message string) {
	if o.notifier == nil || message == "" {
		return
	}

	o.notifier.Notify(o.textChannelID, message)
}

// destroy performs teardown exactly once. The destroyed flag flips
// before any other step so every concurrent callback bails out.
func (o *Orchestrator) destroy(reason, message string) {
	if !o.destroyed.CompareAndSwap(false, true) {
		return
	}

	o.state.Store(int32(StateDestroyed))
	o.cancel()
	o.idle.Stop()

	o.closeSpeech()

	if o.receiver != nil {
		o.receiver.Close()
	}
	if o.playback != nil {
		o.playback.Flush()
	}

	o.teardownTransport()
	o.moodStore.ForgetChannel(o.channelID)

	if message != "" {
		o.notify(message)
	}

	if o.summarizer != nil {
		if transcript := o.transcriptSnapshot(); transcript != "" {
			go o.postSummary(transcript)
		}
	}

	o.logger.Info("Voice session destroyed",
		zap.String("guild_id", o.guildID.String()),
		zap.String("channel_id", o.channelID.String()),
		zap.String("reason", reason))

	if o.onDestroyed != nil {
		o.onDestroyed(o)
	}

	close(o.done)
}

// postSummary runs detached from the session teardown; a slow or
// failed completion never blocks destroy.
func (o *Orchestrator) postSummary(transcript string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	summary, err := o.summarizer.Summarize(ctx, transcript)
	if err != nil {
		o.logger.Warn("Failed to summarize session transcript", zap.Error(err))

		return
	}
	if summary == "" {
		return
	}

	o.notify("📝 " + summary)
}

func (o *Orchestrator) teardownTransport() {
	if o.conn == nil {
		return
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.conn.Leave(leaveCtx); err != nil {
		o.logger.Warn("Failed to leave voice channel cleanly", zap.Error(err))
	}
}
