package mood

import (
	"time"

	"go.uber.org/fx"

	"github.com/harmonia-bot/harmonia/internal/config"
)

// Module provides the shared mood store.
var Module = fx.Module("mood",
	fx.Provide(newStoreFromConfig),
)

func newStoreFromConfig(cfg *config.Config) (*Store, error) {
	return NewStore(
		time.Duration(cfg.Mood.MarkerTTLSeconds)*time.Second,
		cfg.Mood.MarkerCapacity,
		cfg.Mood.ContextDepth,
		5*time.Minute,
	)
}
