package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/pacing"
)

// ErrUnavailable marks a fetch failure the ingest loop recovers from by
// skipping the tick. The health age keeps growing until a fetch succeeds.
var ErrUnavailable = errors.New("provider: snapshot unavailable")

// SnapshotProvider supplies one full portfolio snapshot per call.
// Implementations own their paced-gate usage and market-data-mode
// negotiation; the ingest loop never touches the gate directly.
type SnapshotProvider interface {
	Fetch(ctx context.Context) (*model.Snapshot, error)
	Name() string
}

// New builds the provider named by cfg.Ingest.Provider.
func New(cfg *config.Config, gate *pacing.Gate, logger zerolog.Logger) (SnapshotProvider, error) {
	switch cfg.Ingest.Provider {
	case "sim":
		return NewSim(cfg.Sim, gate, logger), nil
	case "feed":
		return NewFeed(cfg.Feed, gate, logger), nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", cfg.Ingest.Provider)
	}
}
