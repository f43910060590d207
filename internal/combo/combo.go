package combo

import (
	"sort"

	"risk-sentinel/internal/model"
)

// Combo is one recognized multi-leg option structure on a single underlying.
type Combo struct {
	Underlying string              `json:"underlying"`
	Currency   string              `json:"currency,omitempty"`
	Kind       string              `json:"kind"`
	Legs       []model.PositionRow `json:"legs"`
}

// Recognizer classifies option positions into combos plus the legs left over.
type Recognizer interface {
	Recognize(positions []model.PositionRow) (combos []Combo, orphans []model.PositionRow)
}

// LegGrouper is the built-in Recognizer. It groups option legs by underlying
// and currency and names the common two-leg structures; any grouping it
// cannot name is kept as a "custom" combo rather than dropped, so downstream
// counts stay stable. Non-option rows are neither combos nor orphans.
type LegGrouper struct{}

var _ Recognizer = (*LegGrouper)(nil)

// NewLegGrouper returns the reference recognizer.
func NewLegGrouper() *LegGrouper { return &LegGrouper{} }

func (g *LegGrouper) Recognize(positions []model.PositionRow) ([]Combo, []model.PositionRow) {
	groups := make(map[string][]model.PositionRow)
	var keys []string
	for _, row := range positions {
		if !row.IsOption() {
			continue
		}
		key := row.Underlying + "|" + row.Currency
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], row)
	}
	sort.Strings(keys)

	var combos []Combo
	var orphans []model.PositionRow
	for _, key := range keys {
		legs := groups[key]
		if len(legs) < 2 {
			orphans = append(orphans, legs...)
			continue
		}
		sort.Slice(legs, func(i, j int) bool {
			if legs[i].Expiry != legs[j].Expiry {
				return legs[i].Expiry < legs[j].Expiry
			}
			if !legs[i].Strike.Equal(legs[j].Strike) {
				return legs[i].Strike.LessThan(legs[j].Strike)
			}
			return legs[i].Right < legs[j].Right
		})
		combos = append(combos, Combo{
			Underlying: legs[0].Underlying,
			Currency:   legs[0].Currency,
			Kind:       classify(legs),
			Legs:       legs,
		})
	}
	return combos, orphans
}

func classify(legs []model.PositionRow) string {
	if len(legs) != 2 {
		return "custom"
	}
	a, b := legs[0], legs[1]
	sameExpiry := a.Expiry == b.Expiry
	sameRight := a.Right == b.Right
	sameStrike := a.Strike.Equal(b.Strike)
	opposite := a.Position.Sign()*b.Position.Sign() < 0

	switch {
	case sameExpiry && sameRight && !sameStrike && opposite:
		return "vertical"
	case !sameExpiry && sameRight && sameStrike && opposite:
		return "calendar"
	case sameExpiry && !sameRight && sameStrike && !opposite:
		return "straddle"
	case sameExpiry && !sameRight && !sameStrike && !opposite:
		return "strangle"
	default:
		return "custom"
	}
}
