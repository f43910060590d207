package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/pacing"
)

const feedSnapshotPath = "/v1/snapshot"

var errNoEntitlement = errors.New("feed: live market data not entitled")

// Feed pulls snapshots from the broker-gateway HTTP feed. Upstream 429s are
// surfaced as pacing signals so the gate handles backoff; repeated transport
// failures trip a circuit breaker so a dead gateway is not hammered every
// tick. An entitlement rejection on live data downgrades the session to
// delayed mode for the rest of the process lifetime.
type Feed struct {
	gate    *pacing.Gate
	log     zerolog.Logger
	client  *http.Client
	baseURL string
	agent   string
	breaker *gobreaker.CircuitBreaker

	mu   sync.Mutex
	mode string
}

var _ SnapshotProvider = (*Feed)(nil)

// NewFeed constructs the feed provider.
func NewFeed(cfg config.FeedConfig, gate *pacing.Gate, logger zerolog.Logger) *Feed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9400"
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "live"
	}
	agent := strings.TrimSpace(cfg.UserAgent)
	if agent == "" {
		agent = "riskwatcher/1.0"
	}

	settings := gobreaker.Settings{
		Name:    "feed",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Pacing pushback is quota handling, not gateway failure; it must
		// not open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, pacing.ErrPaced)
		},
	}

	return &Feed{
		gate:    gate,
		log:     logger.With().Str("component", "provider").Str("provider", "feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		agent:   agent,
		breaker: gobreaker.NewCircuitBreaker(settings),
		mode:    mode,
	}
}

func (f *Feed) Name() string { return "feed" }

// Mode reports the current market-data mode, "live" or "delayed".
func (f *Feed) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Fetch requests one snapshot through the paced gate and the breaker.
func (f *Feed) Fetch(ctx context.Context) (*model.Snapshot, error) {
	var snap *model.Snapshot
	executed, err := f.gate.Do(ctx, pacing.Request{Kind: "web", Key: "feed:snapshot"}, func(ctx context.Context) error {
		result, err := f.breaker.Execute(func() (interface{}, error) {
			return f.fetchOnce(ctx)
		})
		if err != nil {
			return err
		}
		snap = result.(*model.Snapshot)
		return nil
	})
	if err != nil {
		var violation *pacing.ViolationError
		if errors.As(err, &violation) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: feed circuit open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !executed {
		return nil, fmt.Errorf("%w: request suppressed", ErrUnavailable)
	}
	return snap, nil
}

func (f *Feed) fetchOnce(ctx context.Context) (*model.Snapshot, error) {
	mode := f.Mode()
	snap, err := f.request(ctx, mode)
	if err != nil {
		if errors.Is(err, errNoEntitlement) && mode == "live" {
			f.downgrade()
			return f.request(ctx, "delayed")
		}
		return nil, err
	}
	return snap, nil
}

func (f *Feed) downgrade() {
	f.mu.Lock()
	f.mode = "delayed"
	f.mu.Unlock()
	f.log.Warn().Msg("live market data not entitled, falling back to delayed mode")
}

func (f *Feed) request(ctx context.Context, mode string) (*model.Snapshot, error) {
	endpoint := fmt.Sprintf("%s%s?mode=%s", f.baseURL, feedSnapshotPath, mode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.agent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("feed snapshot: %w", pacing.ErrPaced)
	case http.StatusForbidden:
		if apiErr := parseFeedError(resp.StatusCode, payload); strings.Contains(apiErr.Error(), "NO_ENTITLEMENT") {
			return nil, fmt.Errorf("%w: %v", errNoEntitlement, apiErr)
		}
		return nil, parseFeedError(resp.StatusCode, payload)
	default:
		return nil, parseFeedError(resp.StatusCode, payload)
	}

	snap, err := model.UnmarshalSnapshot(payload)
	if err != nil {
		return nil, err
	}
	if mode == "delayed" {
		for uid, quote := range snap.Quotes {
			quote.Delayed = true
			snap.Quotes[uid] = quote
		}
	}
	return snap, nil
}

type feedErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseFeedError(status int, payload []byte) error {
	var body feedErrorBody
	if err := json.Unmarshal(payload, &body); err == nil {
		switch {
		case body.Code != "" && body.Message != "":
			return fmt.Errorf("feed api error (%d): %s: %s", status, body.Code, body.Message)
		case body.Code != "":
			return fmt.Errorf("feed api error (%d): %s", status, body.Code)
		case body.Message != "":
			return fmt.Errorf("feed api error (%d): %s", status, body.Message)
		case body.Error != "":
			return fmt.Errorf("feed api error (%d): %s", status, body.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("feed api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("feed api error (%d)", status)
}
