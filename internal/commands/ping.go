package commands

import (
	"context"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/session"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
)

// PingCommand is a liveness check that responds with "Pong!".
type PingCommand struct{}

// NewPingCommand creates a new PingCommand instance.
func NewPingCommand() Command {
	return &PingCommand{}
}

func (c *PingCommand) Name() string {
	return "ping"
}

func (c *PingCommand) Description() string {
	return "Responds with Pong!"
}

func (c *PingCommand) Options() []discord.CommandOption {
	return nil
}

// Execute runs the command.
func (c *PingCommand) Execute(_ context.Context, s *session.Session, e *gateway.InteractionCreateEvent, _ *discord.CommandInteraction) error {
	return s.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString("Pong!"),
		},
	})
}
