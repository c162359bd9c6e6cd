package commands

import (
	"fmt"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// CommandManager holds the registered slash commands and syncs them
// with Discord.
type CommandManager struct {
	session       *session.Session
	applicationID discord.AppID
	logger        *zap.Logger
	commands      map[string]Command
}

// ManagerParams holds dependencies for NewCommandManager.
type ManagerParams struct {
	fx.In

	Session  *session.Session
	AppID    discord.AppID
	Logger   *zap.Logger
	Commands []Command `group:"commands"`
}

// NewCommandManager creates a CommandManager from the command group.
func NewCommandManager(p ManagerParams) *CommandManager {
	byName := make(map[string]Command, len(p.Commands))
	for _, cmd := range p.Commands {
		byName[cmd.Name()] = cmd
	}

	p.Logger.Info("Command manager created", zap.Int("commands", len(byName)))

	return &CommandManager{
		session:       p.Session,
		applicationID: p.AppID,
		logger:        p.Logger,
		commands:      byName,
	}
}

// Get retrieves a registered command by its name.
func (cm *CommandManager) Get(name string) (Command, bool) {
	cmd, ok := cm.commands[name]

	return cmd, ok
}

// RegisterCommands bulk-overwrites the slash commands for each guild.
func (cm *CommandManager) RegisterCommands(guildIDs []discord.GuildID) error {
	cmds := make([]api.CreateCommandData, 0, len(cm.commands))
	for _, cmd := range cm.commands {
		cmds = append(cmds, api.CreateCommandData{
			Name:        cmd.Name(),
			Description: cmd.Description(),
			Options:     cmd.Options(),
		})
		cm.logger.Debug("Preparing to register command", zap.String("commandName", cmd.Name()))
	}

	if len(cmds) == 0 {
		cm.logger.Info("No commands to register.")

		return nil
	}

	var lastErr error
	for _, guildID := range guildIDs {
		registered, err := cm.session.BulkOverwriteGuildCommands(cm.applicationID, guildID, cmds)
		if err != nil {
			cm.logger.Error("Failed to bulk overwrite commands for guild",
				zap.Error(err),
				zap.Stringer("applicationID", cm.applicationID),
				zap.Stringer("guildID", guildID),
			)
			lastErr = fmt.Errorf("registering commands for guild %s: %w", guildID, err)

			continue
		}
		cm.logger.Info("Registered commands for guild",
			zap.Stringer("guildID", guildID),
			zap.Int("count", len(registered)),
		)
	}

	return lastErr
}
