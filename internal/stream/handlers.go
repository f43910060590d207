package stream

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"risk-sentinel/internal/model"
	"risk-sentinel/internal/store"
)

type emptyMarker struct {
	Empty bool `json:"empty"`
}

type statsResponse struct {
	TS          float64        `json:"ts"`
	Positions   int            `json:"positions"`
	OptionLegs  int            `json:"option_legs"`
	Stocks      int            `json:"stocks"`
	Combos      int            `json:"combos"`
	Orphans     int            `json:"orphans"`
	StaleQuotes int            `json:"stale_quotes"`
	ComboKinds  map[string]int `json:"combo_kinds,omitempty"`
}

type healthzResponse struct {
	OK bool `json:"ok"`
}

type readyResponse struct {
	Ready    bool    `json:"ready"`
	Reason   string  `json:"reason,omitempty"`
	DataAgeS float64 `json:"data_age_s,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot(r.Context())
	if errors.Is(err, store.ErrNoSnapshot) {
		s.writeJSON(w, http.StatusOK, emptyMarker{Empty: true})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot(r.Context())
	if errors.Is(err, store.ErrNoSnapshot) {
		s.writeJSON(w, http.StatusOK, emptyMarker{Empty: true})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	combos, orphans := s.recognizer.Recognize(snap.Positions)
	resp := statsResponse{
		TS:          snap.TS,
		Positions:   len(snap.Positions),
		Combos:      len(combos),
		Orphans:     len(orphans),
		StaleQuotes: snap.StaleQuotes(s.cfg.StaleQuoteAge),
	}
	for _, p := range snap.Positions {
		if p.IsOption() {
			resp.OptionLegs++
		} else if p.SecType == "STK" {
			resp.Stocks++
		}
	}
	if len(combos) > 0 {
		resp.ComboKinds = make(map[string]int, len(combos))
		for _, c := range combos {
			resp.ComboKinds[c.Kind]++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealthz reports whether any snapshot was ever written. It stays
// green for stale data; /ready is the staleness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_, err := s.store.LatestSnapshot(r.Context())
	if errors.Is(err, store.ErrNoSnapshot) {
		s.writeJSON(w, http.StatusServiceUnavailable, healthzResponse{OK: false})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, healthzResponse{OK: false})
		return
	}
	s.writeJSON(w, http.StatusOK, healthzResponse{OK: true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.LatestSnapshot(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Reason: "no_snapshot"})
		return
	}
	h, err := s.store.ReadHealth(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Reason: "no_health"})
		return
	}

	// The reported age can never be fresher than the health row itself, so
	// a dead ingest loop reads as stale even though its last row was green.
	age := h.DataAgeS
	if since := s.now().Sub(h.UpdatedAt).Seconds(); since > age {
		age = since
	}
	if age > s.cfg.ReadyMaxAge.Seconds() {
		s.writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Reason: "data_stale", DataAgeS: age})
		return
	}
	s.writeJSON(w, http.StatusOK, readyResponse{Ready: true, DataAgeS: age})
}

// handleChart renders the recent history of one risk series as a PNG,
// thinned to the configured point cap. The series is picked with ?metric=,
// defaulting to var_95.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "var_95"
	}

	snaps, err := s.store.RecentSnapshots(r.Context(), 4*s.cfg.ChartPoints)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snaps = downsample(snaps, s.cfg.ChartPoints)

	var (
		xs []time.Time
		ys []float64
	)
	for _, snap := range snaps {
		v, ok := snap.Risk[metric]
		if !ok {
			continue
		}
		xs = append(xs, snap.Time())
		ys = append(ys, v)
	}
	if len(xs) < 2 {
		http.Error(w, "not enough data points", http.StatusNotFound)
		return
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: metric,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    metric,
				XValues: xs,
				YValues: ys,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	w.Header().Set("Content-Type", "image/png")
	if err := graph.Render(chart.PNG, w); err != nil {
		s.log.Error().Err(err).Msg("render chart")
	}
}

// downsample thins an oversized series evenly while keeping both endpoints.
func downsample(snaps []*model.Snapshot, max int) []*model.Snapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	out := make([]*model.Snapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		out = append(out, snaps[idx])
	}
	return out
}
