package voice

import (
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
)

// Timing and sizing constants for the voice bridge.
const (
	// SubscribeDebounce delays decoder subscription after the first
	// packet from a participant so the transport stream stabilizes.
	SubscribeDebounce = 150 * time.Millisecond

	// SilenceWindow is how long without forwarded audio counts as
	// end of utterance.
	SilenceWindow = 750 * time.Millisecond

	// JoinTimeout bounds the voice channel join during session setup.
	JoinTimeout = 15 * time.Second

	// IdleTimeout destroys a session with no audio activity.
	IdleTimeout = 60 * time.Second

	// Reconnection backoff: min(base << attempt, max), at most
	// MaxReconnectAttempts tries.
	MaxReconnectAttempts = 3
	ReconnectBaseDelay   = 1000 * time.Millisecond
	ReconnectMaxDelay    = 30000 * time.Millisecond

	// PlaybackIdlePoll is how often the hangup path checks whether the
	// farewell has finished playing.
	PlaybackIdlePoll = 250 * time.Millisecond

	// TranscriptCap bounds the rolling session transcript; overflow is
	// trimmed from the front.
	TranscriptCap = 5000

	// HistoryDepth transcript snippets (SnippetMaxLen chars each) are
	// kept to reseed the remote connection after a reconnect, but only
	// while the newest one is younger than ContextMaxAge.
	HistoryDepth  = 3
	SnippetMaxLen = 100
	ContextMaxAge = 5 * time.Minute

	// inboxSize bounds the orchestrator event queue; audio events are
	// dropped when it is full.
	inboxSize = 256
)

// SessionState is the orchestrator lifecycle state.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateReconnecting
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// backoffDelay returns the reconnect wait before retry attempt
// (0-based): 1s, 2s, 4s, ... capped at ReconnectMaxDelay.
func backoffDelay(attempt int) time.Duration {
	delay := ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ReconnectMaxDelay {
			return ReconnectMaxDelay
		}
	}
	return delay
}

// OpusPacket is one compressed audio packet from a voice participant.
type OpusPacket struct {
	UserID       discord.UserID
	SSRC         uint32
	Opus         []byte
	RTPTimestamp uint32
	Sequence     uint16
}

// SessionStatus is the externally visible snapshot of a session.
type SessionStatus struct {
	Active       bool
	GuildID      discord.GuildID
	ChannelID    discord.ChannelID
	InitiatorID  discord.UserID
	State        SessionState
	VoicePreset  string
	StartedAt    time.Time
	Participants int
}

// VoiceError represents errors specific to voice operations.
type VoiceError struct {
	message string
}

func NewVoiceError(message string) *VoiceError {
	return &VoiceError{message: message}
}

func (e *VoiceError) Error() string {
	return e.message
}

var (
	ErrSessionAlreadyExists = NewVoiceError("session already active in this channel")
	ErrSessionNotFound      = NewVoiceError("no active session in this channel")
	ErrMaxSessionsReached   = NewVoiceError("maximum concurrent sessions reached")
	ErrJoinTimeout          = NewVoiceError("timed out joining the voice channel")
	ErrPresetNotAllowed     = NewVoiceError("voice preset is not allowed")
	ErrNotInitiator         = NewVoiceError("only the session initiator can stop it")
	ErrSessionDestroyed     = NewVoiceError("session is destroyed")
)
