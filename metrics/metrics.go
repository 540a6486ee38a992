// Package metrics exposes the exchanger's Prometheus collectors and the
// /metrics + /healthz listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksFetched counts external tasks locked from the engine, per topic.
	TasksFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_tasks_fetched_total",
		Help: "External tasks locked from the engine.",
	}, []string{"topic"})

	// TasksPublished counts task payloads published to system queues.
	TasksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_tasks_published_total",
		Help: "Task payloads published to system queues.",
	}, []string{"queue"})

	// PublishFailures counts permanent publish failures after an engine lock.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_publish_failures_total",
		Help: "Permanent publish failures that released the engine lock.",
	}, []string{"queue"})

	// Completions counts engine complete attempts by outcome
	// (ok, gone, error).
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_engine_completions_total",
		Help: "Engine complete calls by outcome.",
	}, []string{"outcome"})

	// TasksCreated counts downstream tasks created, per queue.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_tasks_created_total",
		Help: "Downstream tasks created.",
	}, []string{"queue"})

	// IdempotentHits counts creator messages resolved by the idempotency
	// probe instead of a new creation.
	IdempotentHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_idempotent_hits_total",
		Help: "Messages answered by an already existing downstream task.",
	}, []string{"queue"})

	// ErrorEnvelopes counts envelopes written to the errors queue, by type.
	ErrorEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_error_envelopes_total",
		Help: "Envelopes published to the errors queue.",
	}, []string{"error_type"})

	// SideEffectFailures counts best-effort post-creation steps that failed.
	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_side_effect_failures_total",
		Help: "Best-effort post-creation side effects that failed.",
	}, []string{"effect"})

	// CompletionsObserved counts downstream completions the tracker turned
	// into completion events, per system.
	CompletionsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_completions_observed_total",
		Help: "Downstream completions published to the responses queue.",
	}, []string{"system"})

	// TrackerRequeued counts sent-queue messages put back for a later tick.
	TrackerRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchanger_tracker_requeued_total",
		Help: "Sent-queue messages requeued because the task is not done.",
	}, []string{"system"})

	// OldestWaiting reports the age in seconds of the oldest sent-queue
	// message still waiting for completion, per system. Operators watch
	// this instead of a dead-letter queue.
	OldestWaiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exchanger_oldest_waiting_seconds",
		Help: "Age of the oldest sent event still waiting for completion.",
	}, []string{"system"})
)

// Server is the metrics and health listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the listener for addr. Call Start to serve.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Metrics listener started", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
