package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/session"
	arikawavoice "github.com/diamondburned/arikawa/v3/voice"
	"github.com/diamondburned/arikawa/v3/voice/voicegateway"
	"go.uber.org/zap"
	"layeh.com/gopus"

	"github.com/harmonia-bot/harmonia/pkg/audio"
)

// VoiceTransport joins voice channels and hands back live connections.
type VoiceTransport interface {
	Join(ctx context.Context, channelID discord.ChannelID) (VoiceConn, error)
}

// VoiceConn is one live voice channel connection.
type VoiceConn interface {
	GuildID() discord.GuildID

	// Packets starts delivering per-participant compressed audio. The
	// returned channel is closed when ctx is cancelled or the
	// underlying stream ends.
	Packets(ctx context.Context) <-chan *OpusPacket

	// Sink is the playback output for this connection.
	Sink() PlaybackSink

	// SpeakingUpdates delivers voice gateway speaking transitions and
	// participant departures for this channel.
	SpeakingUpdates() <-chan SpeakingUpdate

	Leave(ctx context.Context) error
}

// SpeakingUpdate is a participant state change on a voice connection.
// Left means the participant is no longer in the channel.
type SpeakingUpdate struct {
	UserID   discord.UserID
	SSRC     uint32
	Speaking bool
	Left     bool
}

// PlaybackSink accepts 48kHz stereo 16-bit PCM and plays it out,
// pacing and encoding internally.
type PlaybackSink interface {
	Write(p []byte) (int, error)

	// BufferedBytes is the amount of PCM queued but not yet played.
	BufferedBytes() int

	// Drained signals after each playback frame leaves the buffer.
	Drained() <-chan struct{}

	// Idle reports whether no queued audio remains.
	Idle() bool

	// Stop discards all queued audio immediately.
	Stop()

	Close() error
}

const packetChannelSize = 100

type discordTransport struct {
	logger  *zap.Logger
	session *session.Session
}

// NewDiscordTransport builds the arikawa-backed voice transport.
func NewDiscordTransport(logger *zap.Logger, session *session.Session) VoiceTransport {
	return &discordTransport{
		logger:  logger,
		session: session,
	}
}

func (t *discordTransport) Join(ctx context.Context, channelID discord.ChannelID) (VoiceConn, error) {
	channel, err := t.session.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}

	if channel.Type != discord.GuildVoice {
		return nil, fmt.Errorf("channel %s is not a voice channel", channelID)
	}

	voiceSession, err := arikawavoice.NewSession(t.session)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice session: %w", err)
	}

	if err := voiceSession.JoinChannel(ctx, channelID, false, false); err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}

	if err := voiceSession.Speaking(ctx, voicegateway.Microphone); err != nil {
		return nil, fmt.Errorf("failed to set speaking mode: %w", err)
	}

	// arikawa does not fully establish the UDP socket until the first
	// Write; without it ReadPacket blocks forever. The empty write
	// triggers the UDP handshake so reception works too.
	_, _ = voiceSession.Write(nil)

	sink, err := newDiscordSink(t.logger, voiceSession)
	if err != nil {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = voiceSession.Leave(leaveCtx)

		return nil, fmt.Errorf("failed to create playback sink: %w", err)
	}

	t.logger.Info("Joined voice channel",
		zap.String("channel_id", channelID.String()),
		zap.String("guild_id", channel.GuildID.String()))

	conn := &discordConn{
		logger:       t.logger,
		voiceSession: voiceSession,
		channelID:    channelID,
		guildID:      channel.GuildID,
		sink:         sink,
		speaking:     make(chan SpeakingUpdate, speakingChannelSize),
		ssrcToUser:   make(map[uint32]discord.UserID),
	}

	// Speaking events arrive on the voice gateway and carry the
	// SSRC-to-user mapping; voice state updates on the main gateway
	// tell us when a participant leaves the channel.
	conn.rmHandlers = append(conn.rmHandlers,
		voiceSession.AddHandler(conn.onSpeaking),
		t.session.AddHandler(conn.onVoiceState),
	)

	return conn, nil
}

const speakingChannelSize = 16

type discordConn struct {
	logger       *zap.Logger
	voiceSession *arikawavoice.Session
	channelID    discord.ChannelID
	guildID      discord.GuildID
	sink         *discordSink

	speaking   chan SpeakingUpdate
	rmHandlers []func()

	ssrcMu     sync.Mutex
	ssrcToUser map[uint32]discord.UserID

	leaveOnce sync.Once
}

func (c *discordConn) onSpeaking(ev *voicegateway.SpeakingEvent) {
	if ev.UserID.IsValid() {
		c.ssrcMu.Lock()
		c.ssrcToUser[ev.SSRC] = ev.UserID
		c.ssrcMu.Unlock()
	}

	c.pushUpdate(SpeakingUpdate{
		UserID:   ev.UserID,
		SSRC:     ev.SSRC,
		Speaking: ev.Speaking != voicegateway.NotSpeaking,
	})
}

func (c *discordConn) onVoiceState(ev *gateway.VoiceStateUpdateEvent) {
	if ev.GuildID != c.guildID || !ev.UserID.IsValid() {
		return
	}
	if ev.ChannelID == c.channelID {
		return
	}

	c.pushUpdate(SpeakingUpdate{UserID: ev.UserID, Left: true})
}

func (c *discordConn) pushUpdate(u SpeakingUpdate) {
	select {
	case c.speaking <- u:
	default:
		// Consumer is behind, drop rather than stall the gateway.
	}
}

func (c *discordConn) userForSSRC(ssrc uint32) discord.UserID {
	c.ssrcMu.Lock()
	defer c.ssrcMu.Unlock()

	if userID, ok := c.ssrcToUser[ssrc]; ok {
		return userID
	}

	// No speaking event seen yet for this SSRC; use it as a stand-in
	// identity until the mapping arrives.
	return discord.UserID(ssrc)
}

func (c *discordConn) SpeakingUpdates() <-chan SpeakingUpdate {
	return c.speaking
}

func (c *discordConn) GuildID() discord.GuildID {
	return c.guildID
}

func (c *discordConn) Sink() PlaybackSink {
	return c.sink
}

func (c *discordConn) Packets(ctx context.Context) <-chan *OpusPacket {
	out := make(chan *OpusPacket, packetChannelSize)

	go func() {
		defer close(out)

		for {
			if ctx.Err() != nil {
				return
			}

			packet, err := c.voiceSession.ReadPacket()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Debug("Failed to read voice packet",
					zap.Error(err),
					zap.String("channel_id", c.channelID.String()))

				continue
			}

			pkt := &OpusPacket{
				UserID:       c.userForSSRC(packet.SSRC()),
				SSRC:         packet.SSRC(),
				Opus:         packet.Opus,
				RTPTimestamp: packet.Timestamp(),
				Sequence:     packet.Sequence(),
			}

			select {
			case out <- pkt:
			case <-ctx.Done():
				return
			default:
				// Receiver is behind, drop rather than stall reads.
			}
		}
	}()

	return out
}

func (c *discordConn) Leave(ctx context.Context) error {
	var err error
	c.leaveOnce.Do(func() {
		for _, rm := range c.rmHandlers {
			rm()
		}
		c.sink.Stop()
		_ = c.sink.Close()
		err = c.voiceSession.Leave(ctx)
	})

	return err
}

// playbackFrameBytes is 20ms of 48kHz stereo 16-bit PCM.
const playbackFrameBytes = audio.PlaybackFrameSize * audio.PlaybackChannels * 2

const (
	playbackBitrate  = 64000
	maxOpusFrameSize = 4000
)

// discordSink buffers playback PCM and feeds it to the voice session
// as opus frames at a steady 20ms cadence.
type discordSink struct {
	logger       *zap.Logger
	voiceSession *arikawavoice.Session
	encoder      *gopus.Encoder

	mu     sync.Mutex
	buf    []byte
	closed bool

	drained chan struct{}
	done    chan struct{}
}

func newDiscordSink(logger *zap.Logger, voiceSession *arikawavoice.Session) (*discordSink, error) {
	encoder, err := gopus.NewEncoder(audio.PlaybackSampleRate, audio.PlaybackChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	encoder.SetBitrate(playbackBitrate)

	s := &discordSink{
		logger:       logger,
		voiceSession: voiceSession,
		encoder:      encoder,
		drained:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	go s.pace()

	return s, nil
}

func (s *discordSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionDestroyed
	}

	s.buf = append(s.buf, p...)

	return len(p), nil
}

func (s *discordSink) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buf)
}

func (s *discordSink) Drained() <-chan struct{} {
	return s.drained
}

func (s *discordSink) Idle() bool {
	return s.BufferedBytes() == 0
}

func (s *discordSink) Stop() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

func (s *discordSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()

	close(s.done)

	return nil
}

func (s *discordSink) pace() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, ok := s.popFrame()
			if !ok {
				continue
			}
			s.playFrame(frame)

		case <-s.done:
			return
		}
	}
}

func (s *discordSink) popFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return nil, false
	}

	n := playbackFrameBytes
	if n > len(s.buf) {
		n = len(s.buf)
	}

	frame := make([]byte, playbackFrameBytes)
	copy(frame, s.buf[:n])
	s.buf = s.buf[n:]

	// Wake any writer waiting on backpressure.
	select {
	case s.drained <- struct{}{}:
	default:
	}

	return frame, true
}

func (s *discordSink) playFrame(frame []byte) {
	samples := audio.LEToPCMInt16(frame)

	opusData, err := s.encoder.Encode(samples, audio.PlaybackFrameSize, maxOpusFrameSize)
	if err != nil {
		s.logger.Error("Failed to encode playback frame", zap.Error(err))

		return
	}

	if _, err := s.voiceSession.Write(opusData); err != nil {
		s.logger.Error("Failed to write playback frame", zap.Error(err))
	}
}
