package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSnapshot marks a snapshot that fails structural validation.
var ErrInvalidSnapshot = errors.New("model: invalid snapshot")

// PositionRow is one normalized broker position (a stock line or an option leg).
type PositionRow struct {
	UID        string          `json:"uid"`
	Symbol     string          `json:"symbol"`
	SecType    string          `json:"sec_type"`
	Underlying string          `json:"underlying,omitempty"`
	Expiry     string          `json:"expiry,omitempty"`
	Strike     decimal.Decimal `json:"strike,omitempty"`
	Right      string          `json:"right,omitempty"`
	Exchange   string          `json:"exchange,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Position   decimal.Decimal `json:"position"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	MktPrice   decimal.Decimal `json:"mkt_price"`
	MktValue   decimal.Decimal `json:"mkt_value"`
	UnrealPNL  decimal.Decimal `json:"unrealized_pnl"`
}

// IsOption reports whether the row is an option leg.
func (p PositionRow) IsOption() bool {
	return p.SecType == "OPT" || p.SecType == "FOP"
}

// QuoteInfo is the latest market quote for one symbol.
type QuoteInfo struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Last    decimal.Decimal `json:"last"`
	TS      float64         `json:"ts"`
	Delayed bool            `json:"delayed,omitempty"`
}

// Snapshot is one point-in-time capture of the portfolio. Immutable once
// written; the next ingest tick supersedes it rather than replacing it.
type Snapshot struct {
	TS        float64              `json:"ts"`
	Positions []PositionRow        `json:"positions"`
	Quotes    map[string]QuoteInfo `json:"quotes"`
	Risk      map[string]float64   `json:"risk"`
}

// Validate checks the minimum structure an ingest tick may persist.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	if s.TS <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSnapshot)
	}
	return nil
}

// Time converts the snapshot timestamp to wall time.
func (s *Snapshot) Time() time.Time {
	sec := int64(s.TS)
	nsec := int64((s.TS - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Age reports how far behind now the snapshot data is.
func (s *Snapshot) Age(now time.Time) float64 {
	return now.Sub(s.Time()).Seconds()
}

// StaleQuotes counts quotes older than maxAge relative to the snapshot itself.
func (s *Snapshot) StaleQuotes(maxAge time.Duration) int {
	stale := 0
	for _, q := range s.Quotes {
		if q.TS <= 0 || s.TS-q.TS > maxAge.Seconds() {
			stale++
		}
	}
	return stale
}

// Marshal encodes the snapshot as the event payload written to the store.
func (s *Snapshot) Marshal() ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return payload, nil
}

// UnmarshalSnapshot decodes a persisted snapshot payload.
func UnmarshalSnapshot(payload []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
