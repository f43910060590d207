package pacing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Historical guards a provider's historical-data quota. On top of a plain
// token bucket it suppresses repeat requests for the same key inside a dedupe
// window and caps how many grants a burst key may receive inside a short
// burst window. Suppression is cadence control, not failure: Allow returns
// (false, nil) and the caller skips the request silently.
type Historical struct {
	bucket *Bucket
	log    zerolog.Logger

	dedupeWindow time.Duration
	burstWindow  time.Duration
	burstMax     int

	mu        sync.Mutex
	lastGrant map[string]time.Time
	bursts    map[string][]time.Time

	now func() time.Time
}

// NewHistorical builds the limiter. burstMax grants per burstWindow are
// allowed per burst key; a key is granted at most once per dedupeWindow.
func NewHistorical(bucket *Bucket, dedupeWindow, burstWindow time.Duration, burstMax int, logger zerolog.Logger) *Historical {
	return &Historical{
		bucket:       bucket,
		log:          logger.With().Str("component", "pacing").Str("limiter", "historical").Logger(),
		dedupeWindow: dedupeWindow,
		burstWindow:  burstWindow,
		burstMax:     burstMax,
		lastGrant:    make(map[string]time.Time),
		bursts:       make(map[string][]time.Time),
		now:          time.Now,
	}
}

// Allow decides whether the request identified by key may proceed. burstKey
// is optional; when set it groups requests that count against the shared
// burst cap (all bars for one contract, for example). A granted request
// consumes one token from the underlying bucket, which may block on refill.
// The mutex covers only the bookkeeping, never the token wait.
func (h *Historical) Allow(ctx context.Context, key, burstKey string) (bool, error) {
	now := h.now()

	h.mu.Lock()
	if last, ok := h.lastGrant[key]; ok && now.Sub(last) < h.dedupeWindow {
		h.mu.Unlock()
		h.log.Debug().Str("key", key).Msg("deduped historical request")
		return false, nil
	}
	if burstKey != "" {
		recent := pruneBefore(h.bursts[burstKey], now.Add(-h.burstWindow))
		h.bursts[burstKey] = recent
		if len(recent) >= h.burstMax {
			h.mu.Unlock()
			h.log.Debug().Str("burst_key", burstKey).Int("recent", len(recent)).Msg("burst-suppressed historical request")
			return false, nil
		}
	}
	h.mu.Unlock()

	if err := h.bucket.Take(ctx, 1); err != nil {
		return false, err
	}

	h.mu.Lock()
	h.lastGrant[key] = now
	if burstKey != "" {
		h.bursts[burstKey] = append(h.bursts[burstKey], now)
	}
	h.mu.Unlock()
	return true, nil
}

// Prune drops bookkeeping entries old enough to be irrelevant. The maps only
// grow with distinct keys, so a periodic sweep keeps a long-running process
// bounded.
func (h *Historical) Prune() {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, last := range h.lastGrant {
		if now.Sub(last) >= h.dedupeWindow {
			delete(h.lastGrant, key)
		}
	}
	for key, times := range h.bursts {
		recent := pruneBefore(times, now.Add(-h.burstWindow))
		if len(recent) == 0 {
			delete(h.bursts, key)
			continue
		}
		h.bursts[key] = recent
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
