package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/pacing"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.ObserveTick("ingest", time.Now().Add(-10*time.Millisecond), nil)
	m.ObserveTick("alert", time.Now(), errors.New("boom"))
	m.EventsAppended.WithLabelValues("snapshot").Inc()
	m.DataAge.Set(4.2)
	m.StreamClients.Inc()

	gate := pacing.NewGate(config.PacingConfig{
		WebCapacity: 10, WebRefillPerSec: 1,
		HistCapacity: 10, HistRefillPerSec: 1,
		DedupeWindow: time.Second, BurstWindow: time.Second, BurstMax: 5,
		MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond,
	}, zerolog.Nop())
	m.RegisterPacing(gate.Stats)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "riskwatcher_tick_duration_seconds")
	require.Contains(t, text, `riskwatcher_ticks_total{loop="alert",result="error"} 1`)
	require.Contains(t, text, `riskwatcher_events_appended_total{kind="snapshot"} 1`)
	require.Contains(t, text, "riskwatcher_data_age_seconds 4.2")
	require.Contains(t, text, "riskwatcher_stream_clients 1")
	require.Contains(t, text, "riskwatcher_pacing_web_tokens")
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}
