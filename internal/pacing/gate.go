package pacing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"risk-sentinel/internal/config"
)

// ErrPaced is returned (or wrapped) by providers when the upstream signals a
// rate-limit condition, HTTP 429 or a broker pacing message. The Gate backs
// off and retries on it; every other error propagates to the caller at once.
var ErrPaced = errors.New("pacing: provider rate limited")

// ViolationError reports that the Gate exhausted its retry budget for one
// request. Callers decide whether to skip the cycle; the Gate never keeps
// retrying past the bound.
type ViolationError struct {
	Kind     string
	Key      string
	Attempts int
	Err      error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("pacing violation: %s %q gave up after %d attempts: %v", e.Kind, e.Key, e.Attempts, e.Err)
}

func (e *ViolationError) Unwrap() error { return e.Err }

// Request identifies one outbound call. Kind selects the quota ("historical"
// runs through the dedupe/burst limiter, anything else through the web
// bucket). BurstKey groups historical requests that share a burst cap.
// MaxRetries <= 0 falls back to the configured default.
type Request struct {
	Kind       string
	Key        string
	BurstKey   string
	MaxRetries int
}

const KindHistorical = "historical"

// Stats is a point-in-time view of the Gate's counters and token levels.
type Stats struct {
	WebTokens        float64 `json:"web_tokens"`
	HistoricalTokens float64 `json:"historical_tokens"`
	Granted          int64   `json:"granted"`
	Suppressed       int64   `json:"suppressed"`
	Retries          int64   `json:"retries"`
	Violations       int64   `json:"violations"`
}

// Gate mediates every outbound provider call so the process never exceeds
// the provider's quotas. Suppressed historical requests are skipped silently;
// upstream pacing signals are retried with jittered exponential backoff up to
// a bounded attempt count.
type Gate struct {
	web  *Bucket
	hist *Historical
	log  zerolog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	mu    sync.Mutex
	stats Stats

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate builds the gate from configured quota numbers.
func NewGate(cfg config.PacingConfig, logger zerolog.Logger) *Gate {
	histBucket := NewBucket("historical", cfg.HistCapacity, cfg.HistRefillPerSec)
	g := &Gate{
		web:         NewBucket("web", cfg.WebCapacity, cfg.WebRefillPerSec),
		log:         logger.With().Str("component", "pacing").Logger(),
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		sleep:       sleepCtx,
	}
	g.hist = NewHistorical(histBucket, cfg.DedupeWindow, cfg.BurstWindow, cfg.BurstMax, logger)
	return g
}

// Do runs fn behind the appropriate quota. The returned bool reports whether
// fn was invoked at all: (false, nil) means the request was deduped or
// burst-suppressed and the caller should move on as if nothing happened.
func (g *Gate) Do(ctx context.Context, req Request, fn func(context.Context) error) (bool, error) {
	if req.Kind == KindHistorical {
		ok, err := g.hist.Allow(ctx, req.Key, req.BurstKey)
		if err != nil {
			return false, err
		}
		if !ok {
			g.count(func(s *Stats) { s.Suppressed++ })
			return false, nil
		}
	} else {
		if err := g.web.Take(ctx, 1); err != nil {
			return false, err
		}
	}
	g.count(func(s *Stats) { s.Granted++ })

	retries := req.MaxRetries
	if retries <= 0 {
		retries = g.maxRetries
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if !isPacingSignal(lastErr) {
			return true, lastErr
		}
		if attempt >= retries {
			break
		}
		delay := g.backoffDelay(attempt)
		g.count(func(s *Stats) { s.Retries++ })
		g.log.Warn().Str("kind", req.Kind).Str("key", req.Key).
			Dur("backoff", delay).Int("attempt", attempt+1).Msg("paced by provider, backing off")
		if err := g.sleep(ctx, delay); err != nil {
			return true, err
		}
	}

	g.count(func(s *Stats) { s.Violations++ })
	return true, &ViolationError{Kind: req.Kind, Key: req.Key, Attempts: retries + 1, Err: lastErr}
}

// Stats returns a copy of the counters plus live token levels.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	s := g.stats
	g.mu.Unlock()
	s.WebTokens = g.web.Tokens()
	s.HistoricalTokens = g.hist.bucket.Tokens()
	return s
}

// Prune forwards to the historical limiter's bookkeeping sweep.
func (g *Gate) Prune() {
	g.hist.Prune()
}

func (g *Gate) count(update func(*Stats)) {
	g.mu.Lock()
	update(&g.stats)
	g.mu.Unlock()
}

// backoffDelay grows exponentially from the base with +-15% jitter, capped.
func (g *Gate) backoffDelay(attempt int) time.Duration {
	delay := g.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= g.backoffCap {
			delay = g.backoffCap
			break
		}
	}
	jittered := time.Duration(float64(delay) * (0.85 + 0.30*rand.Float64()))
	if jittered > g.backoffCap {
		jittered = g.backoffCap
	}
	return jittered
}

// isPacingSignal matches both the typed sentinel and the raw broker message
// older feed deployments put in the error body.
func isPacingSignal(err error) bool {
	if errors.Is(err, ErrPaced) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "pacing violation") || strings.Contains(msg, "max rate of requests")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
