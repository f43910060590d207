package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"risk-sentinel/internal/alert"
	"risk-sentinel/internal/alerting"
	"risk-sentinel/internal/combo"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/ingest"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/pacing"
	"risk-sentinel/internal/provider"
	"risk-sentinel/internal/store"
	"risk-sentinel/internal/stream"
	"risk-sentinel/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore opens and initialises the configured event store. The returned
// closer is always safe to defer.
func (a *App) openStore(ctx context.Context) (store.Store, func(), error) {
	st, err := store.Open(a.Config.Store, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func (a *App) newEvaluators() []alert.Evaluator {
	return []alert.Evaluator{
		alert.NewThresholds(a.Config.Alert.Rules),
		alert.NewOrphanLegs(combo.NewLegGrouper()),
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alert.Telegram.Enabled {
		cfg := a.Config.Alert.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run wires the full pipeline and blocks until a shutdown signal or until
// one of the loops finishes. The ingest loop, alert engine and HTTP server
// share nothing but the store.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	gate := pacing.NewGate(a.Config.Pacing, a.Logger)
	m.RegisterPacing(gate.Stats)

	prov, err := provider.New(a.Config, gate, a.Logger)
	if err != nil {
		return err
	}

	ingestor := ingest.New(st, prov, m, a.Config.Ingest, a.Logger)
	engine := alert.New(st, a.newEvaluators(), a.newNotifier(), m, a.Config.Alert, a.Logger)

	var server *stream.Server
	if a.Config.Server.Enabled {
		server = stream.New(st, combo.NewLegGrouper(), m, a.Config.Server, a.Logger)
	}

	a.Logger.Info().
		Str("version", version.Version).
		Str("store", a.Config.Store.Driver).
		Str("provider", prov.Name()).
		Bool("server", server != nil).
		Msg("starting sentinel")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	// Any loop finishing, cleanly or not, takes the rest down with it.
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stop()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("ingest", ingestor.Run)
	start("alert", engine.Run)
	if server != nil {
		start("server", server.Run)
	}
	start("pacing-prune", func(ctx context.Context) error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				gate.Prune()
			}
		}
	})

	wg.Wait()
	close(errc)

	var firstErr error
	for err := range errc {
		if firstErr == nil {
			firstErr = err
		} else {
			a.Logger.Error().Err(err).Msg("additional shutdown error")
		}
	}

	checkpointCtx, checkpointCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer checkpointCancel()
	if err := st.Checkpoint(checkpointCtx, store.CheckpointTruncate); err != nil {
		a.Logger.Warn().Err(err).Msg("final checkpoint failed")
	}

	if firstErr != nil {
		a.Logger.Error().Err(firstErr).Msg("sentinel terminated with error")
		return firstErr
	}
	a.Logger.Info().Msg("sentinel stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure the historical dry-run re-scan.
type ReplayOptions struct {
	Limit int
}

// TailOptions configure the event log dump.
type TailOptions struct {
	From  int64
	Limit int
	Kind  string
}

// SnoozeOptions configure the snooze command.
type SnoozeOptions struct {
	UID     string
	Rule    string
	Minutes int
	Until   string
}

// SimulateOptions carry a fabricated risk surface for a one-off scan.
type SimulateOptions struct {
	VaR95       float64
	Gross       float64
	Theta       float64
	DrawdownPct float64
}

// ExportOptions configure the historical risk export.
type ExportOptions struct {
	Metric    string
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// VerifyOptions configure the event log audit.
type VerifyOptions struct {
	BatchSize int
}
