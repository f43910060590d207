package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testNote() Notification {
	return Notification{
		At:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UID:        "PORTFOLIO",
		Rule:       "risk.var_95",
		Severity:   "critical",
		Message:    "95% VaR 62000 exceeds limit 50000",
		Suggestion: "reduce exposure by roughly 19%",
		Data:       map[string]float64{"var_95": 62000, "limit": 50000},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "sendMessage")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), testNote()))

	require.Equal(t, "chat", received["chat_id"])
	require.Contains(t, received["text"], "risk.var_95")
	require.Contains(t, received["text"], "critical")
	require.Contains(t, received["text"], "Suggested action")
}

func TestTelegramNotifierRejectsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.Error(t, notifier.Notify(context.Background(), testNote()))
}

func TestTelegramNotifierRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	err := notifier.Notify(context.Background(), testNote())
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestRenderMessageOrdersData(t *testing.T) {
	text := renderMessage(testNote())

	require.True(t, strings.HasPrefix(text, "[riskwatcher breach]\n"))
	require.Contains(t, text, "Subject: PORTFOLIO")
	require.Contains(t, text, "Rule: risk.var_95 (critical)")
	// Sorted keys keep the rendered line stable across runs.
	require.Contains(t, text, "limit=50000 var_95=62000")
}

func TestRenderMessageOmitsEmptySections(t *testing.T) {
	note := testNote()
	note.Suggestion = ""
	note.Data = nil

	text := renderMessage(note)
	require.NotContains(t, text, "Suggested action")
	require.NotContains(t, text, "=")
}
