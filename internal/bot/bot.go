package bot

import (
	"context"
	"fmt"

	"github.com/harmonia-bot/harmonia/internal/commands"
	"github.com/harmonia-bot/harmonia/internal/config"
	"github.com/harmonia-bot/harmonia/internal/mood"
	"github.com/harmonia-bot/harmonia/internal/voice"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Bot wires the gateway events to the command dispatcher and the
// mood tracker.
type Bot struct {
	Session      *session.Session
	Config       *config.Config
	CmdManager   *commands.CommandManager
	VoiceService *voice.Service
	MoodStore    *mood.Store
	Logger       *zap.Logger
}

// NewBotParameters holds dependencies for NewBot.
type NewBotParameters struct {
	fx.In

	Cfg          *config.Config
	S            *session.Session
	CmdManager   *commands.CommandManager
	VoiceService *voice.Service
	MoodStore    *mood.Store
	Logger       *zap.Logger
}

// NewBot creates and initializes a new Bot.
func NewBot(params NewBotParameters) (*Bot, error) {
	if params.S == nil {
		return nil, fmt.Errorf("session provided to NewBot is nil")
	}
	if params.Cfg == nil {
		return nil, fmt.Errorf("config provided to NewBot is nil")
	}
	if params.Cfg.Discord.ApplicationID == nil || *params.Cfg.Discord.ApplicationID == 0 {
		return nil, fmt.Errorf("application ID is not set or is zero in config")
	}

	b := &Bot{
		Session:      params.S,
		Config:       params.Cfg,
		CmdManager:   params.CmdManager,
		VoiceService: params.VoiceService,
		MoodStore:    params.MoodStore,
		Logger:       params.Logger,
	}

	params.S.AddHandler(func(e *gateway.InteractionCreateEvent) {
		b.handleInteraction(context.Background(), e)
	})
	params.S.AddHandler(func(e *gateway.MessageCreateEvent) {
		b.handleMessage(e)
	})

	params.Logger.Info("NewBot created successfully")

	return b, nil
}

// Start registers the slash commands. Session opening is handled by
// the Fx lifecycle.
func (b *Bot) Start(_ context.Context) error {
	var guildIDs []discord.GuildID
	if len(b.Config.Discord.GuildIDs) > 0 {
		for _, idStr := range b.Config.Discord.GuildIDs {
			sf, err := discord.ParseSnowflake(idStr)
			if err != nil {
				b.Logger.Error("Failed to parse guild ID", zap.String("guildID", idStr), zap.Error(err))

				continue
			}
			guildIDs = append(guildIDs, discord.GuildID(sf))
		}
	} else {
		b.Logger.Warn("No GuildIDs found in config; commands will not be registered to any guild.")
	}

	if err := b.CmdManager.RegisterCommands(guildIDs); err != nil {
		return err
	}
	b.Logger.Info("Slash commands registered", zap.Int("guilds", len(guildIDs)))

	return nil
}

// Stop tears down all live voice sessions before the gateway closes.
func (b *Bot) Stop(ctx context.Context) error {
	b.Logger.Info("Shutting down voice sessions...")

	return b.VoiceService.Shutdown(ctx)
}
