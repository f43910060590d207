package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"risk-sentinel/internal/store"
)

// Limits bounds an otherwise endless stream. Zero fields are unlimited.
type Limits struct {
	MaxEvents  int           // id-tagged event frames
	MaxFrames  int           // all frames, bootstrap and heartbeats included
	MaxElapsed time.Duration // total connection lifetime
	MaxIdle    time.Duration // time since the last event frame
}

var errBadCursor = errors.New("stream: bad cursor")

type heartbeatPayload struct {
	TS float64 `json:"ts"`
}

// handleStream serves the resumable event feed. A client reconnecting with
// cursor X receives every committed event with id > X exactly once, in
// order; bootstrap and heartbeat frames carry no id and are not replayable.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	cursor, err := s.resolveCursor(r)
	if errors.Is(err, errBadCursor) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.StreamClients.Inc()
	defer s.metrics.StreamClients.Dec()

	ctx := r.Context()
	conn := &streamConn{w: w, flusher: flusher}
	s.log.Info().Int64("cursor", cursor).Msg("stream client connected")
	defer func() {
		s.log.Info().Int64("cursor", cursor).Int("events", conn.events).Msg("stream client disconnected")
	}()

	if err := s.sendBootstrap(ctx, conn); err != nil {
		return
	}

	var (
		lim       = s.Limits
		started   = s.now()
		lastEvent = started
		lastBeat  = started
	)
	for {
		if ctx.Err() != nil {
			return
		}
		if lim.MaxElapsed > 0 && s.now().Sub(started) >= lim.MaxElapsed {
			return
		}
		if lim.MaxIdle > 0 && s.now().Sub(lastEvent) >= lim.MaxIdle {
			return
		}
		if conn.tripped(lim) {
			return
		}

		batch, err := s.store.TailEvents(ctx, cursor, s.cfg.BatchLimit)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("tail events failed, closing stream")
			}
			return
		}
		if len(batch) > 0 {
			for _, ev := range batch {
				if err := conn.sendEvent(ev); err != nil {
					return
				}
				cursor = ev.ID
				lastEvent = s.now()
				if conn.tripped(lim) {
					break
				}
			}
			conn.flush()
			continue
		}

		if s.cfg.Heartbeat <= 0 || s.now().Sub(lastBeat) >= s.cfg.Heartbeat {
			beat, _ := json.Marshal(heartbeatPayload{TS: float64(s.now().UnixNano()) / float64(time.Second)})
			if err := conn.sendFrame("heartbeat", beat); err != nil {
				return
			}
			conn.flush()
			lastBeat = s.now()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval()):
		}
	}
}

// resolveCursor picks the resume point: the Last-Event-ID header, then the
// cursor query parameter, then the current maximum id so an uncursored
// client starts live instead of replaying history. An explicit 0 replays
// everything.
func (s *Server) resolveCursor(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return s.store.MaxEventID(r.Context())
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("%w: %q", errBadCursor, raw)
	}
	return cursor, nil
}

func (s *Server) sendBootstrap(ctx context.Context, conn *streamConn) error {
	data := []byte(`{"empty":true}`)
	snap, err := s.store.LatestSnapshot(ctx)
	switch {
	case err == nil:
		if data, err = json.Marshal(snap); err != nil {
			return err
		}
	case errors.Is(err, store.ErrNoSnapshot):
	default:
		return err
	}
	if err := conn.sendFrame("bootstrap", data); err != nil {
		return err
	}
	conn.flush()
	return nil
}

func (s *Server) pollInterval() time.Duration {
	if s.cfg.PollInterval <= 0 {
		return time.Second
	}
	return s.cfg.PollInterval
}

// streamConn counts frames so the bounded test mode can cut the stream off
// at exact points.
type streamConn struct {
	w       io.Writer
	flusher http.Flusher
	frames  int
	events  int
}

func (c *streamConn) sendEvent(ev store.Event) error {
	if _, err := fmt.Fprintf(c.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, ev.Payload); err != nil {
		return err
	}
	c.frames++
	c.events++
	return nil
}

func (c *streamConn) sendFrame(event string, data []byte) error {
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.frames++
	return nil
}

func (c *streamConn) tripped(lim Limits) bool {
	if lim.MaxEvents > 0 && c.events >= lim.MaxEvents {
		return true
	}
	if lim.MaxFrames > 0 && c.frames >= lim.MaxFrames {
		return true
	}
	return false
}

func (c *streamConn) flush() { c.flusher.Flush() }
