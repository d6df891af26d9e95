package evaltrackhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/internal/pubsub"
)

// Storage describes anything that can hold traces for the server. It's a
// consumer contract; the typical implementations are [evaltrack.Store] and
// [github.com/tied-inc/evaltrack/sqlitestore.Store].
type Storage interface {
	evaltrack.Sink
	Get(ctx context.Context, id string) (*evaltrack.Trace, error)
}

// Server implements the trace store wire contract over a [Storage]. Newly
// submitted traces are also published to streaming subscribers.
type Server struct {
	storage   Storage
	broker    *pubsub.Broker[*evaltrack.Trace]
	logger    zerolog.Logger
	metrics   *serverMetrics
	handler   http.Handler
	heartbeat time.Duration
	streamBuf int
	maxBody   int64
	secretKey []byte
}

// ServerConfig defines the configuration parameters for a server.
type ServerConfig struct {
	// Storage holds submitted traces. Optional. By default, a new
	// [evaltrack.Store] with default capacity is used.
	Storage Storage

	// Logger receives request and error logs. Optional. By default, nothing
	// is logged.
	Logger *zerolog.Logger

	// Registry is where server metrics are registered, and what the /metrics
	// route serves. Optional. By default, each server gets its own registry.
	Registry *prometheus.Registry

	// Heartbeat is the interval between heartbeat events on streams.
	// Optional. By default, it's 1s.
	Heartbeat time.Duration

	// StreamBuffer is the number of traces buffered per stream subscriber
	// before new traces are dropped for it. Optional. By default, it's 100.
	StreamBuffer int

	// MaxBodyBytes limits the size of submitted traces. Optional. By
	// default, it's 4 MiB.
	MaxBodyBytes int64

	// SecretKey, if set, must be sent by clients in the
	// x-eval-tracker-secret-key header of every request except health
	// checks. Requests without it are rejected with 403. Optional. By
	// default, no key is required.
	SecretKey string
}

// NewServer returns a server based on the provided config.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Storage == nil {
		cfg.Storage = evaltrack.NewDefaultStore()
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 100
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	s := &Server{
		storage:   cfg.Storage,
		broker:    pubsub.NewBroker[*evaltrack.Trace](),
		logger:    *cfg.Logger,
		heartbeat: cfg.Heartbeat,
		streamBuf: cfg.StreamBuffer,
		maxBody:   cfg.MaxBodyBytes,
		secretKey: []byte(cfg.SecretKey),
	}

	s.metrics = newServerMetrics(cfg.Registry, s.broker)

	r := mux.NewRouter()
	if len(s.secretKey) > 0 {
		r.Use(s.requireSecretKey)
	}
	r.HandleFunc(healthPath, s.handleHealth).Methods("GET")
	r.HandleFunc(streamPath, s.handleStream).Methods("GET").MatcherFunc(acceptsEventStream)
	r.HandleFunc(tracesPath, s.handleList).Methods("GET")
	r.HandleFunc(tracesPath, s.handleSubmit).Methods("POST")
	r.HandleFunc(tracesPath+"/{id}", s.handleGet).Methods("GET")
	r.HandleFunc(tracesPath+"/{id}", s.handlePut).Methods("PUT")
	r.Handle(metricsPath, promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})).Methods("GET")
	s.handler = logRequests(s.logger)(r)

	return s
}

// NewDefaultServer is a convenience function that calls NewServer with a zero
// value config, except for the given storage.
func NewDefaultServer(storage Storage) *Server {
	return NewServer(ServerConfig{Storage: storage})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

const secretKeyHeader = "x-eval-tracker-secret-key"

const (
	healthPath  = "/health"
	tracesPath  = "/traces"
	streamPath  = "/traces/stream"
	metricsPath = "/metrics"
)

// requireSecretKey rejects requests that don't carry the configured secret
// key. A missing key and a wrong key get the same response.
func (s *Server) requireSecretKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath {
			next.ServeHTTP(w, r)
			return
		}

		if subtle.ConstantTimeCompare([]byte(r.Header.Get(secretKeyHeader)), s.secretKey) != 1 {
			s.logger.Warn().Str("method", r.Method).Str("path", r.URL.Path).Msg("invalid secret key")
			http.Error(w, "invalid secret key", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if requestAccepts(r, "text/event-stream") {
		s.handleStream(w, r)
		return
	}

	traces, err := s.storage.FetchAll(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("fetch traces")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Debug().Int("count", len(traces)).Msg("fetched traces")

	renderJSON(w, http.StatusOK, traces)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tr, err := s.storage.Get(r.Context(), id)
	switch {
	case errors.Is(err, evaltrack.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("trace_id", id).Msg("get trace")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	renderJSON(w, http.StatusOK, tr)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "")
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, mux.Vars(r)["id"])
}

// ingest decodes, validates, stores, and publishes one trace. If pathID is
// non-empty, it fills in a missing body ID, and must match a present one.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, pathID string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.reject(w, fmt.Sprintf("read body: %v", err), http.StatusRequestEntityTooLarge)
		return
	}

	if pathID != "" {
		if body, err = withDefaultID(body, pathID); err != nil {
			s.reject(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if problems := validateTraceJSON(body); len(problems) > 0 {
		s.reject(w, "invalid trace: "+strings.Join(problems, "; "), http.StatusBadRequest)
		return
	}

	var tr evaltrack.Trace
	if err := json.Unmarshal(body, &tr); err != nil {
		s.reject(w, fmt.Sprintf("decode trace: %v", err), http.StatusBadRequest)
		return
	}

	if pathID != "" && tr.ID != pathID {
		s.reject(w, fmt.Sprintf("trace ID %q doesn't match path ID %q", tr.ID, pathID), http.StatusBadRequest)
		return
	}

	if err := s.storage.Submit(r.Context(), &tr); err != nil {
		if errors.Is(err, evaltrack.ErrInvalidTrace) {
			s.reject(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.metrics.ingested.WithLabelValues(outcomeError).Inc()
		s.logger.Error().Err(err).Str("trace_id", tr.ID).Msg("store trace")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.metrics.ingested.WithLabelValues(outcomeOK).Inc()
	s.logger.Debug().Str("trace_id", tr.ID).Msg("stored trace")
	s.broker.Publish(&tr)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reject(w http.ResponseWriter, msg string, code int) {
	s.metrics.ingested.WithLabelValues(outcomeInvalid).Inc()
	s.logger.Warn().Int("code", code).Msg(msg)
	http.Error(w, msg, code)
}

// withDefaultID sets the "id" field of a JSON object body to id, if the field
// is missing or empty.
func withDefaultID(body []byte, id string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}

	if raw, ok := m["id"]; ok {
		var have string
		if err := json.Unmarshal(raw, &have); err == nil && have != "" {
			return body, nil
		}
	}

	m["id"], _ = json.Marshal(id) // strings always encode

	return json.Marshal(m)
}

//
//
//

func renderJSON(w http.ResponseWriter, code int, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(buf)
}

func requestAccepts(r *http.Request, mediaType string) bool {
	return strings.Contains(r.Header.Get("accept"), mediaType)
}

// acceptsEventStream limits the stream route to stream clients. Other GETs of
// the same path fall through to the by-ID route, so a trace may be named
// "stream".
func acceptsEventStream(r *http.Request, _ *mux.RouteMatch) bool {
	return requestAccepts(r, "text/event-stream")
}
