package alert

import (
	"fmt"

	"risk-sentinel/internal/combo"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
)

// Severity levels carried on alerts and memos.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// PortfolioUID is the subject for portfolio-wide rules.
const PortfolioUID = "PORTFOLIO"

// Alert is one candidate breach produced by an evaluator, before quieting.
type Alert struct {
	UID        string
	Rule       string
	Severity   string
	Message    string
	Suggestion string
	Data       map[string]float64
}

// Evaluator inspects a snapshot and reports zero or more breaches.
type Evaluator interface {
	Name() string
	Evaluate(snap *model.Snapshot) ([]Alert, error)
}

// Thresholds checks portfolio-level risk figures against configured limits.
type Thresholds struct {
	rules config.RulesConfig
}

var _ Evaluator = (*Thresholds)(nil)

func NewThresholds(rules config.RulesConfig) *Thresholds {
	return &Thresholds{rules: rules}
}

func (t *Thresholds) Name() string { return "thresholds" }

func (t *Thresholds) Evaluate(snap *model.Snapshot) ([]Alert, error) {
	var alerts []Alert

	if limit := t.rules.MaxVaR; limit > 0 {
		if v, ok := snap.Risk["var_95"]; ok && v > limit {
			alerts = append(alerts, Alert{
				UID:      PortfolioUID,
				Rule:     "risk.var_95",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("95%% VaR %.2f exceeds limit %.2f", v, limit),
				Suggestion: fmt.Sprintf(
					"reduce exposure by roughly %.0f%% to return under the VaR limit",
					(1-limit/v)*100),
				Data: map[string]float64{"value": v, "limit": limit},
			})
		}
	}

	if limit := t.rules.MaxGrossExposure; limit > 0 {
		if v, ok := snap.Risk["gross_exposure"]; ok && v > limit {
			alerts = append(alerts, Alert{
				UID:        PortfolioUID,
				Rule:       "risk.gross_exposure",
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("gross exposure %.2f exceeds limit %.2f", v, limit),
				Suggestion: "close or hedge the largest positions to bring gross exposure down",
				Data:       map[string]float64{"value": v, "limit": limit},
			})
		}
	}

	if budget := t.rules.ThetaBudget; budget > 0 {
		if v, ok := snap.Risk["theta_total"]; ok && v < -budget {
			alerts = append(alerts, Alert{
				UID:        PortfolioUID,
				Rule:       "risk.theta_budget",
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("daily theta decay %.2f exceeds budget %.2f", v, budget),
				Suggestion: "roll or close short-dated long options to slow time decay",
				Data:       map[string]float64{"value": v, "limit": -budget},
			})
		}
	}

	if limit := t.rules.MaxDrawdownPct; limit > 0 {
		if v, ok := snap.Risk["drawdown_pct"]; ok && v > limit {
			alerts = append(alerts, Alert{
				UID:        PortfolioUID,
				Rule:       "risk.drawdown",
				Severity:   SeverityCritical,
				Message:    fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", v, limit),
				Suggestion: "cut risk and preserve capital until the account recovers",
				Data:       map[string]float64{"value": v, "limit": limit},
			})
		}
	}

	return alerts, nil
}

// OrphanLegs flags option legs that do not pair into any recognized combo.
// A lone short leg carries risk the combo view hides, so each orphan gets
// its own alert subject keyed by position UID.
type OrphanLegs struct {
	recognizer combo.Recognizer
}

var _ Evaluator = (*OrphanLegs)(nil)

func NewOrphanLegs(r combo.Recognizer) *OrphanLegs {
	return &OrphanLegs{recognizer: r}
}

func (o *OrphanLegs) Name() string { return "orphan_legs" }

func (o *OrphanLegs) Evaluate(snap *model.Snapshot) ([]Alert, error) {
	_, orphans := o.recognizer.Recognize(snap.Positions)

	var alerts []Alert
	for _, leg := range orphans {
		qty, _ := leg.Position.Float64()
		severity := SeverityWarning
		suggestion := "pair the leg into a spread or close it"
		if qty < 0 {
			// Naked short options have open-ended risk.
			severity = SeverityCritical
			suggestion = "buy a protective leg or close the short option"
		}
		alerts = append(alerts, Alert{
			UID:      leg.UID,
			Rule:     "combo.orphan",
			Severity: severity,
			Message: fmt.Sprintf("unpaired option leg %s %s %s %s x%s",
				leg.Underlying, leg.Expiry, leg.Strike.String(), leg.Right, leg.Position.String()),
			Suggestion: suggestion,
			Data:       map[string]float64{"position": qty},
		})
	}
	return alerts, nil
}
