package voice

import "go.uber.org/fx"

var Module = fx.Module("voice",
	fx.Provide(
		NewDiscordTransport,
		NewRealtimeProvider,
		NewSummarizer,
		NewSessionRegistry,
		NewService,
	),
)
