package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification carries one emitted breach to an external channel.
type Notification struct {
	At         time.Time
	UID        string
	Rule       string
	Severity   string
	Message    string
	Suggestion string
	Data       map[string]float64
}

// Notifier pushes breach notifications out of process. Delivery is best
// effort; the durable record is the breach event in the store, and a failed
// push is logged rather than retried.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier delivers breach messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify posts the rendered breach text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected telegram status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram replied ok=false")
		}
	}

	n.logger.Info().
		Str("uid", note.UID).
		Str("rule", note.Rule).
		Str("severity", note.Severity).
		Msg("breach dispatched (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[riskwatcher breach]\n")
	builder.WriteString(fmt.Sprintf("Time: %s\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Subject: %s\n", note.UID))
	builder.WriteString(fmt.Sprintf("Rule: %s (%s)\n", note.Rule, note.Severity))
	builder.WriteString(note.Message)
	builder.WriteString("\n")
	if note.Suggestion != "" {
		builder.WriteString(fmt.Sprintf("Suggested action: %s\n", note.Suggestion))
	}
	if len(note.Data) > 0 {
		keys := make([]string, 0, len(note.Data))
		for k := range note.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, strconv.FormatFloat(note.Data[k], 'f', -1, 64)))
		}
		builder.WriteString(strings.Join(parts, " "))
		builder.WriteString("\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
