package provider

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/pacing"
)

var (
	simStocks      = []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOG"}
	simUnderlyings = []string{"SPX", "NDX", "AAPL", "TSLA"}
	simExpiries    = []string{"20260918", "20261218", "20270319"}

	simBasePrice = map[string]float64{
		"AAPL": 190, "MSFT": 420, "NVDA": 125, "AMZN": 180, "GOOG": 165,
		"SPX": 5600, "NDX": 19800, "TSLA": 250,
	}
)

const optionMultiplier = 100

type simLeg struct {
	row   model.PositionRow
	price float64
}

// Sim is a synthetic snapshot provider: a seeded random-walk book of stock
// and option positions. It runs its price walk through the web bucket and
// its per-underlying volatility refresh through the historical limiter, so a
// full pipeline run exercises the same pacing paths a live feed would.
type Sim struct {
	gate *pacing.Gate
	log  zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	legs []simLeg
	vols map[string]float64
	peak float64
	tick int
}

var _ SnapshotProvider = (*Sim)(nil)

// NewSim builds the book deterministically from cfg.Seed.
func NewSim(cfg config.SimConfig, gate *pacing.Gate, logger zerolog.Logger) *Sim {
	rng := rand.New(rand.NewSource(cfg.Seed))
	s := &Sim{
		gate: gate,
		log:  logger.With().Str("component", "provider").Str("provider", "sim").Logger(),
		rng:  rng,
		vols: make(map[string]float64),
	}

	for i := 0; i < cfg.Stock; i++ {
		symbol := simStocks[i%len(simStocks)]
		base := simBasePrice[symbol]
		qty := int64(rng.Intn(400) + 100)
		s.legs = append(s.legs, simLeg{
			row: model.PositionRow{
				UID:      symbol + "|STK",
				Symbol:   symbol,
				SecType:  "STK",
				Currency: "USD",
				Position: decimal.NewFromInt(qty),
				AvgCost:  decimal.NewFromFloat(base * (0.9 + 0.2*rng.Float64())).Round(2),
			},
			price: base,
		})
	}

	for i := 0; i < cfg.Legs; i++ {
		underlying := simUnderlyings[i%len(simUnderlyings)]
		expiry := simExpiries[i%len(simExpiries)]
		base := simBasePrice[underlying]
		strike := math.Round(base * (0.9 + 0.05*float64(i%5)))
		right := "C"
		if i%2 == 1 {
			right = "P"
		}
		qty := int64(rng.Intn(3) + 1)
		if rng.Intn(2) == 0 {
			qty = -qty
		}
		mark := base * 0.03
		s.legs = append(s.legs, simLeg{
			row: model.PositionRow{
				UID:        fmt.Sprintf("%s|OPT|%s|%.0f|%s", underlying, expiry, strike, right),
				Symbol:     underlying,
				SecType:    "OPT",
				Underlying: underlying,
				Expiry:     expiry,
				Strike:     decimal.NewFromFloat(strike),
				Right:      right,
				Currency:   "USD",
				Position:   decimal.NewFromInt(qty),
				AvgCost:    decimal.NewFromFloat(mark * optionMultiplier).Round(2),
			},
			price: mark,
		})
	}

	for _, u := range simUnderlyings {
		s.vols[u] = 0.02
	}
	return s
}

func (s *Sim) Name() string { return "sim" }

// Fetch advances the random walk one step and assembles a snapshot.
func (s *Sim) Fetch(ctx context.Context) (*model.Snapshot, error) {
	executed, err := s.gate.Do(ctx, pacing.Request{Kind: "web", Key: "sim:book"}, func(context.Context) error {
		s.walk()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !executed {
		return nil, fmt.Errorf("%w: book walk suppressed", ErrUnavailable)
	}

	s.refreshVols(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	snap := &model.Snapshot{
		TS:        now,
		Positions: make([]model.PositionRow, 0, len(s.legs)),
		Quotes:    make(map[string]model.QuoteInfo, len(s.legs)),
		Risk:      make(map[string]float64),
	}

	gross := 0.0
	netLiq := 1_000_000.0
	theta := 0.0
	volSum := 0.0
	for i := range s.legs {
		leg := &s.legs[i]
		row := leg.row

		mult := 1.0
		if row.SecType == "OPT" {
			mult = optionMultiplier
		}
		price := decimal.NewFromFloat(leg.price).Round(2)
		qty, _ := row.Position.Float64()
		value := leg.price * qty * mult

		row.MktPrice = price
		row.MktValue = decimal.NewFromFloat(value).Round(2)
		row.UnrealPNL = row.MktValue.Sub(row.AvgCost.Mul(row.Position)).Round(2)

		snap.Positions = append(snap.Positions, row)
		snap.Quotes[row.UID] = model.QuoteInfo{
			Bid:  price.Mul(decimal.NewFromFloat(0.999)).Round(2),
			Ask:  price.Mul(decimal.NewFromFloat(1.001)).Round(2),
			Last: price,
			TS:   now,
		}

		gross += math.Abs(value)
		netLiq += value
		if row.SecType == "OPT" {
			theta -= math.Abs(value) * 0.05 / 30
		}
		volSum += s.volFor(row.Symbol) * math.Abs(value)
	}

	portVol := 0.02
	if gross > 0 {
		portVol = volSum / gross
	}
	if s.peak < netLiq {
		s.peak = netLiq
	}
	drawdown := 0.0
	if s.peak > 0 {
		drawdown = (s.peak - netLiq) / s.peak * 100
	}

	snap.Risk["gross_exposure"] = round2(gross)
	snap.Risk["net_liquidation"] = round2(netLiq)
	snap.Risk["var_95"] = round2(1.65 * portVol * gross)
	snap.Risk["theta_total"] = round2(theta)
	snap.Risk["drawdown_pct"] = round2(drawdown)

	s.tick++
	return snap, nil
}

// walk moves every price one lognormal-ish step.
func (s *Sim) walk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.legs {
		leg := &s.legs[i]
		sigma := s.volFor(leg.row.Symbol)
		step := 1 + sigma*s.rng.NormFloat64()
		if step < 0.5 {
			step = 0.5
		}
		leg.price *= step
		if leg.price < 0.01 {
			leg.price = 0.01
		}
	}
}

// refreshVols recomputes per-underlying volatility through the historical
// limiter. Dedupe keeps the recompute to once per window per underlying;
// suppressed refreshes reuse the cached value.
func (s *Sim) refreshVols(ctx context.Context) {
	bucket := time.Now().Unix() / 60
	for _, u := range simUnderlyings {
		key := fmt.Sprintf("sim:vol:%s:%d", u, bucket)
		_, err := s.gate.Do(ctx, pacing.Request{Kind: pacing.KindHistorical, Key: key, BurstKey: u}, func(context.Context) error {
			s.mu.Lock()
			s.vols[u] = 0.01 + 0.03*s.rng.Float64()
			s.mu.Unlock()
			return nil
		})
		if err != nil {
			s.log.Debug().Err(err).Str("underlying", u).Msg("vol refresh failed, keeping cached value")
		}
	}
}

func (s *Sim) volFor(symbol string) float64 {
	if v, ok := s.vols[symbol]; ok {
		return v
	}
	return 0.02
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
