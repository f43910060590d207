package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"risk-sentinel/internal/store"
)

const tailBatch = 500

type tailLine struct {
	ID        int64           `json:"id"`
	Kind      store.EventKind `json:"kind"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Tail prints persisted events after a cursor as JSON lines, the same
// payloads a stream client would receive. Useful for piping history into
// jq or inspecting an incident window.
func (a *App) Tail(ctx context.Context, opts TailOptions) error {
	if opts.Limit <= 0 {
		return errors.New("--limit must be greater than zero")
	}
	if opts.Kind != "" && !store.ValidEventKind(store.EventKind(opts.Kind)) {
		return fmt.Errorf("unknown event kind %q", opts.Kind)
	}

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	enc := json.NewEncoder(os.Stdout)
	cursor := opts.From
	printed := 0
	for printed < opts.Limit {
		batch := tailBatch
		if remaining := opts.Limit - printed; opts.Kind == "" && remaining < batch {
			batch = remaining
		}
		events, err := st.TailEvents(ctx, cursor, batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			cursor = ev.ID
			if opts.Kind != "" && string(ev.Kind) != opts.Kind {
				continue
			}
			line := tailLine{
				ID:        ev.ID,
				Kind:      ev.Kind,
				CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
				Payload:   ev.Payload,
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
			printed++
			if printed >= opts.Limit {
				break
			}
		}
	}

	if printed == 0 {
		fmt.Fprintln(os.Stderr, "no matching events")
	}
	return nil
}
