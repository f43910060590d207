package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"risk-sentinel/internal/combo"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/store"
)

// Store is the read-only slice of the event store the server exposes.
type Store interface {
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)
	RecentSnapshots(ctx context.Context, limit int) ([]*model.Snapshot, error)
	TailEvents(ctx context.Context, lastID int64, limit int) ([]store.Event, error)
	MaxEventID(ctx context.Context) (int64, error)
	ReadHealth(ctx context.Context) (*store.Health, error)
}

type ctxKey int

const requestIDKey ctxKey = 0

// Server is the read-only dashboard: JSON state endpoints, the resumable
// SSE event stream, readiness probes, Prometheus metrics and a rendered
// risk chart. It never writes to the store.
type Server struct {
	store      Store
	recognizer combo.Recognizer
	metrics    *metrics.Metrics
	cfg        config.ServerConfig
	log        zerolog.Logger
	router     *mux.Router
	http       *http.Server
	now        func() time.Time

	// Limits bounds /stream connections so automated tests terminate;
	// zero values stream forever.
	Limits Limits
}

func New(st Store, recognizer combo.Recognizer, m *metrics.Metrics, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	s := &Server{
		store:      st,
		recognizer: recognizer,
		metrics:    m,
		cfg:        cfg,
		log:        logger.With().Str("component", "server").Logger(),
		router:     mux.NewRouter(),
		now:        time.Now,
	}
	s.routes()

	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays zero unless configured; a deadline here would
		// sever every /stream connection.
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	s.router.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc("/chart.png", s.handleChart).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Addr reports the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Run serves until ctx is cancelled, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stream: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stream: shutdown: %w", err)
	}
	<-errc
	s.log.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request log. Flush must
// forward so /stream still reaches the real flusher through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
