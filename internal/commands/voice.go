package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harmonia-bot/harmonia/internal/config"
	"github.com/harmonia-bot/harmonia/internal/mood"
	"github.com/harmonia-bot/harmonia/internal/voice"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/session"
	"github.com/diamondburned/arikawa/v3/state"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
	"go.uber.org/zap"
)

// VoiceCommand controls the voice channel companion: join, leave and
// status subcommands.
type VoiceCommand struct {
	logger       *zap.Logger
	cfg          *config.Config
	voiceService *voice.Service
	moodStore    *mood.Store
	state        *state.State
}

func NewVoiceCommand(
	logger *zap.Logger,
	cfg *config.Config,
	voiceService *voice.Service,
	moodStore *mood.Store,
	st *state.State,
) Command {
	return &VoiceCommand{
		logger:       logger,
		cfg:          cfg,
		voiceService: voiceService,
		moodStore:    moodStore,
		state:        st,
	}
}

func (c *VoiceCommand) Name() string {
	return "voice"
}

func (c *VoiceCommand) Description() string {
	return "Bring the voice companion into your channel"
}

func (c *VoiceCommand) Options() []discord.CommandOption {
	return []discord.CommandOption{
		&discord.SubcommandOption{
			OptionName:  "join",
			Description: "Join your current voice channel",
			Options: []discord.CommandOptionValue{
				&discord.StringOption{
					OptionName:  "preset",
					Description: "Voice preset to speak with (optional)",
					Required:    false,
				},
			},
		},
		&discord.SubcommandOption{
			OptionName:  "leave",
			Description: "End the voice session in your channel",
		},
		&discord.SubcommandOption{
			OptionName:  "status",
			Description: "Show the state of the session in your channel",
		},
	}
}

func (c *VoiceCommand) Execute(ctx context.Context, s *session.Session, e *gateway.InteractionCreateEvent, data *discord.CommandInteraction) error {
	if e.GuildID == 0 {
		return c.respondError(s, e.ID, e.Token, "Voice commands can only be used in servers")
	}

	if len(data.Options) == 0 {
		return c.respondError(s, e.ID, e.Token, "Missing subcommand")
	}
	sub := data.Options[0]

	switch sub.Name {
	case "join":
		var preset string
		for _, opt := range sub.Options {
			if opt.Name == "preset" && len(opt.Value) > 0 {
				preset = opt.String()
			}
		}

		return c.handleJoin(ctx, s, e, preset)
	case "leave":
		return c.handleLeave(ctx, s, e)
	case "status":
		return c.handleStatus(s, e)
	default:
		return c.respondError(s, e.ID, e.Token, "Unknown subcommand: "+sub.Name)
	}
}

func (c *VoiceCommand) handleJoin(ctx context.Context, s *session.Session, e *gateway.InteractionCreateEvent, preset string) error {
	userID := e.SenderID()

	voiceChannelID, err := c.userVoiceChannel(e.GuildID, userID)
	if err != nil {
		return c.respondError(s, e.ID, e.Token, "Please join a voice channel first")
	}

	// Respond before the gateway join so the interaction does not
	// time out while the voice handshake runs.
	initialResp := api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString("🎙️ Joining your voice channel..."),
		},
	}
	if err := s.RespondInteraction(e.ID, e.Token, initialResp); err != nil {
		c.logger.Error("Failed to respond to voice join interaction", zap.Error(err))

		return err
	}

	go func() {
		startCtx, cancel := context.WithTimeout(context.Background(), voice.JoinTimeout+5*time.Second)
		defer cancel()

		err := c.voiceService.Start(startCtx, e.GuildID, voiceChannelID, e.ChannelID, userID, preset)
		if err != nil {
			c.logger.Error("Failed to start voice session",
				zap.Error(err),
				zap.Stringer("guild_id", e.GuildID),
				zap.Stringer("user_id", userID))

			if _, followUpErr := s.SendMessage(e.ChannelID, "❌ "+joinFailureMessage(err)); followUpErr != nil {
				c.logger.Error("Failed to send error follow-up message", zap.Error(followUpErr))
			}

			return
		}

		msg := fmt.Sprintf("✅ I'm in <#%s> now. Just start talking and I'll answer!", voiceChannelID)
		if _, followUpErr := s.SendMessage(e.ChannelID, msg); followUpErr != nil {
			c.logger.Error("Failed to send success follow-up message", zap.Error(followUpErr))
		}
	}()

	return nil
}

func (c *VoiceCommand) handleLeave(ctx context.Context, s *session.Session, e *gateway.InteractionCreateEvent) error {
	userID := e.SenderID()

	voiceChannelID, err := c.userVoiceChannel(e.GuildID, userID)
	if err != nil {
		return c.respondError(s, e.ID, e.Token, "Join the voice channel with the session you want to end first")
	}

	err = c.voiceService.Stop(ctx, voiceChannelID, userID)
	switch {
	case errors.Is(err, voice.ErrSessionNotFound):
		return c.respondError(s, e.ID, e.Token, "There is no active session in your voice channel")
	case errors.Is(err, voice.ErrNotInitiator):
		return c.respondError(s, e.ID, e.Token, "Only the person who started the session can end it")
	case err != nil:
		c.logger.Error("Failed to stop voice session",
			zap.Error(err),
			zap.Stringer("channel_id", voiceChannelID),
			zap.Stringer("user_id", userID))

		return c.respondError(s, e.ID, e.Token, "Failed to end the session: "+err.Error())
	}

	resp := api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString("👋 Session ended. See you around!"),
		},
	}

	return s.RespondInteraction(e.ID, e.Token, resp)
}

func (c *VoiceCommand) handleStatus(s *session.Session, e *gateway.InteractionCreateEvent) error {
	userID := e.SenderID()

	voiceChannelID, err := c.userVoiceChannel(e.GuildID, userID)
	if err != nil {
		return c.respondError(s, e.ID, e.Token, "Join a voice channel to check its session status")
	}

	status := c.voiceService.Status(voiceChannelID)

	var responseText string
	if !status.Active {
		responseText = "No active session in your voice channel. Start one with `/voice join`."
	} else {
		duration := time.Since(status.StartedAt).Round(time.Second)

		participants := ""
		if status.Participants > 0 {
			participants = fmt.Sprintf("\n👥 Speakers heard: %d", status.Participants)
		}

		moodLine := ""
		if score, ok := c.moodStore.ChannelMood(voiceChannelID); ok {
			moodLine = "\n" + channelMoodLine(score)
		}

		responseText = fmt.Sprintf("🎙️ Voice companion status\n🔊 Channel: <#%s>\n🗣️ Preset: `%s`\n⚙️ State: %s\n⏱️ Up for: %s%s%s",
			status.ChannelID, status.VoicePreset, status.State, duration, participants, moodLine)
	}

	resp := api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString(responseText),
		},
	}

	return s.RespondInteraction(e.ID, e.Token, resp)
}

// userVoiceChannel resolves the channel the user currently sits in,
// falling back to a full voice state scan if the single lookup misses.
func (c *VoiceCommand) userVoiceChannel(guildID discord.GuildID, userID discord.UserID) (discord.ChannelID, error) {
	voiceState, err := c.state.VoiceState(guildID, userID)
	if err == nil && voiceState != nil && voiceState.ChannelID.IsValid() {
		return voiceState.ChannelID, nil
	}

	voiceStates, err := c.state.VoiceStates(guildID)
	if err != nil {
		return 0, errors.New("unable to query voice states - ensure the bot has the GUILD_VOICE_STATES intent")
	}

	for _, vs := range voiceStates {
		if vs.UserID == userID && vs.ChannelID.IsValid() {
			return vs.ChannelID, nil
		}
	}

	return 0, errors.New("user is not currently in a voice channel")
}

// channelMoodLine maps the rolling voice sentiment average to a short
// human-readable status line.
func channelMoodLine(score float64) string {
	switch {
	case score > 0.2:
		return "🙂 Mood: upbeat"
	case score < -0.2:
		return "⛈️ Mood: tense"
	default:
		return "😐 Mood: neutral"
	}
}

func joinFailureMessage(err error) string {
	switch {
	case errors.Is(err, voice.ErrSessionAlreadyExists):
		return "There is already a session in that voice channel."
	case errors.Is(err, voice.ErrMaxSessionsReached):
		return "I'm already in as many channels as I can handle. Try again later."
	case errors.Is(err, voice.ErrPresetNotAllowed):
		return "That voice preset isn't available here."
	case errors.Is(err, voice.ErrJoinTimeout):
		return "I couldn't connect to the voice channel in time."
	default:
		return "Failed to start the session: " + err.Error()
	}
}

func (c *VoiceCommand) respondError(s *session.Session, interactionID discord.InteractionID, token, message string) error {
	resp := api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString("❌ " + message),
			Flags:   discord.EphemeralMessage,
		},
	}

	err := s.RespondInteraction(interactionID, token, resp)
	if err != nil {
		c.logger.Error("Failed to send error response", zap.Error(err), zap.String("message", message))
	}

	return err
}
