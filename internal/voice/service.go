package voice

import (
	"context"
	"fmt"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/session"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/internal/config"
	"github.com/harmonia-bot/harmonia/internal/mood"
)

// Service is the command-facing entry point for voice sessions.
type Service struct {
	logger         *zap.Logger
	cfg            *config.Config
	discordSession *session.Session
	transport      VoiceTransport
	provider       SpeechProvider
	registry       *SessionRegistry
	moodStore      *mood.Store
	summarizer     Summarizer
}

func NewService(
	logger *zap.Logger,
	cfg *config.Config,
	discordSession *session.Session,
	transport VoiceTransport,
	provider SpeechProvider,
	registry *SessionRegistry,
	moodStore *mood.Store,
	summarizer Summarizer,
) *Service {
	return &Service{
		logger:         logger,
		cfg:            cfg,
		discordSession: discordSession,
		transport:      transport,
		provider:       provider,
		registry:       registry,
		moodStore:      moodStore,
		summarizer:     summarizer,
	}
}

// Start creates a session for a voice channel. The registry insert is
// the atomic duplicate check; a failed setup removes the entry again
// so the channel is not left blocked.
func (s *Service) Start(
	ctx context.Context,
	guildID discord.GuildID,
	channelID discord.ChannelID,
	textChannelID discord.ChannelID,
	initiatorID discord.UserID,
	preset string,
) error {
	if preset == "" {
		preset = s.cfg.Voice.DefaultVoice
	}
	if !s.presetAllowed(preset) {
		return fmt.Errorf("%w: %q", ErrPresetNotAllowed, preset)
	}

	if s.registry.Len() >= s.cfg.Voice.MaxConcurrentSessions {
		return ErrMaxSessionsReached
	}

	var selfID discord.UserID
	if me, err := s.discordSession.Me(); err == nil {
		selfID = me.ID
	}

	orchestrator := NewOrchestrator(OrchestratorParams{
		Logger:        s.logger,
		Config:        s.cfg,
		Transport:     s.transport,
		Provider:      s.provider,
		Mood:          s.moodStore,
		Summarizer:    s.summarizer,
		Notifier:      s,
		GuildID:       guildID,
		ChannelID:     channelID,
		TextChannelID: textChannelID,
		InitiatorID:   initiatorID,
		SelfID:        selfID,
		VoicePreset:   preset,
	})
	orchestrator.onDestroyed = func(o *Orchestrator) {
		s.registry.Remove(channelID, o)
	}

	if err := s.registry.Insert(channelID, orchestrator); err != nil {
		return err
	}

	if err := orchestrator.Start(ctx); err != nil {
		s.registry.Remove(channelID, orchestrator)

		return err
	}

	return nil
}

// Stop ends the channel's session. Only the initiator may stop it.
func (s *Service) Stop(ctx context.Context, channelID discord.ChannelID, userID discord.UserID) error {
	orchestrator, exists := s.registry.Get(channelID)
	if !exists {
		return ErrSessionNotFound
	}

	if orchestrator.InitiatorID() != userID {
		return ErrNotInitiator
	}

	orchestrator.Destroy("stopped by initiator")

	return nil
}

// Status reports whether the channel has an active session.
func (s *Service) Status(channelID discord.ChannelID) SessionStatus {
	orchestrator, exists := s.registry.Get(channelID)
	if !exists {
		return SessionStatus{Active: false, ChannelID: channelID}
	}

	return orchestrator.Status()
}

// Shutdown destroys all sessions and waits for their teardown.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, orchestrator := range s.registry.Snapshot() {
		orchestrator.Destroy("service shutdown")

		select {
		case <-orchestrator.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Notify implements Notifier over the Discord session.
func (s *Service) Notify(channelID discord.ChannelID, message string) {
	if !channelID.IsValid() {
		return
	}

	if _, err := s.discordSession.SendMessage(channelID, message); err != nil {
		s.logger.Warn("Failed to send channel notification",
			zap.Error(err),
			zap.String("channel_id", channelID.String()))
	}
}

func (s *Service) presetAllowed(preset string) bool {
	if len(s.cfg.Voice.AllowedVoices) == 0 {
		return true
	}

	for _, allowed := range s.cfg.Voice.AllowedVoices {
		if allowed == preset {
			return true
		}
	}

	return false
}
