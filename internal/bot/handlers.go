package bot

import (
	"context"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
	"go.uber.org/zap"
)

func (b *Bot) handleInteraction(ctx context.Context, e *gateway.InteractionCreateEvent) {
	switch data := e.Data.(type) {
	case *discord.CommandInteraction:
		b.Logger.Info("Received slash command",
			zap.String("commandName", data.Name),
			zap.Stringer("user", e.SenderID()))

		cmd, ok := b.CmdManager.Get(data.Name)
		if !ok {
			b.Logger.Warn("Unknown command", zap.String("commandName", data.Name))
			err := b.Session.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
				Type: api.MessageInteractionWithSource,
				Data: &api.InteractionResponseData{
					Content: option.NewNullableString("Command not found."),
				},
			})
			if err != nil {
				b.Logger.Error("Failed to respond to unknown command", zap.Error(err))
			}

			return
		}

		if err := cmd.Execute(ctx, b.Session, e, data); err != nil {
			b.Logger.Error("Error executing command", zap.String("commandName", data.Name), zap.Error(err))
			errResp := b.Session.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
				Type: api.MessageInteractionWithSource,
				Data: &api.InteractionResponseData{
					Content: option.NewNullableString("An error occurred while executing the command."),
				},
			})
			if errResp != nil {
				b.Logger.Error("Failed to send error response for command execution", zap.Error(errResp))
			}
		}

	default:
		b.Logger.Debug("Received unhandled interaction type", zap.Any("type", e.Data))
	}
}

// handleMessage feeds text channel chatter into the mood store so a
// later voice session in the same guild starts with recent context.
func (b *Bot) handleMessage(e *gateway.MessageCreateEvent) {
	if e.Author.Bot || e.Content == "" {
		return
	}

	b.MoodStore.ObserveText(e.ChannelID, e.Author.ID, e.Content)
}
