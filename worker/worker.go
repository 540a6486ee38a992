// Package worker is the engine-side service: per-topic fetchAndLock loops
// publishing task payloads to system queues, and the responses-queue drain
// completing engine tasks.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imena/camunda-exchanger/config"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/metrics"
	"github.com/imena/camunda-exchanger/mq"
)

const (
	// failRetryTimeout is the engine-side pause before a failed task is
	// offered again, in milliseconds.
	failRetryTimeout = 60_000
	// defaultFailRetries is used when the task carries no retry counter yet.
	defaultFailRetries = 3
	// maxBackoff caps the linear error backoff of a topic loop.
	maxBackoff = time.Minute
)

// EngineAPI is the slice of the engine client the worker uses.
type EngineAPI interface {
	FetchAndLock(ctx context.Context, topics []engine.TopicRequest, maxTasks, asyncResponseTimeout int) ([]engine.ExternalTask, error)
	Complete(ctx context.Context, taskID string, variables map[string]engine.Variable) error
	Fail(ctx context.Context, taskID, errorMessage, errorDetails string, retries, retryTimeout int) error
	ProcessVariables(ctx context.Context, processInstanceID string) (map[string]engine.Variable, error)
	WorkerID() string
}

// MetadataSource resolves diagram element metadata.
type MetadataSource interface {
	Get(ctx context.Context, processDefinitionID, activityID string) (engine.Metadata, bool, error)
}

// Worker runs one fetch loop per configured topic plus the response drain.
type Worker struct {
	cfg       config.WorkerConfig
	engine    EngineAPI
	metadata  MetadataSource
	bus       mq.Publisher
	responses mq.Fetcher
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. responses is the consumer of the responses queue.
func New(cfg config.WorkerConfig, eng EngineAPI, metadata MetadataSource, bus mq.Publisher, responses mq.Fetcher, logger *slog.Logger) (*Worker, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("worker: no topics configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:       cfg,
		engine:    eng,
		metadata:  metadata,
		bus:       bus,
		responses: responses,
		logger:    logger,
	}, nil
}

// Start spawns the topic loops and the response drain. It returns
// immediately; the loops run until Stop or context cancellation.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("worker: already started")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	for _, topic := range w.cfg.Topics {
		w.wg.Add(1)
		go func(topic config.TopicConfig) {
			defer w.wg.Done()
			w.topicLoop(ctx, topic)
		}(topic)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.drainLoop(ctx)
	}()

	w.logger.Info("Worker started",
		"topics", len(w.cfg.Topics),
		"worker_id", w.engine.WorkerID())
	return nil
}

// Stop cancels the loops and waits for them to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// topicLoop polls one topic until cancellation. It pauses with linear
// backoff after repeated errors but never exits on its own.
func (w *Worker) topicLoop(ctx context.Context, topic config.TopicConfig) {
	logger := w.logger.With("topic", topic.Name, "queue", topic.Queue)
	logger.Info("Topic loop started", "lock_duration_ms", topic.LockDuration)

	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}

		fetched, err := w.pollOnce(ctx, topic, logger)
		switch {
		case err != nil:
			consecutiveErrors++
			logger.Error("Topic iteration failed",
				"error", err,
				"consecutive_errors", consecutiveErrors)
			if consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
				pause := time.Duration(consecutiveErrors) * time.Second
				if pause > maxBackoff {
					pause = maxBackoff
				}
				logger.Warn("Pausing topic loop after repeated errors", "pause", pause)
				sleep(ctx, pause)
			}
		case fetched == 0:
			consecutiveErrors = 0
			sleep(ctx, time.Duration(w.cfg.SleepSeconds)*time.Second)
		default:
			consecutiveErrors = 0
		}
	}
}

// pollOnce runs one fetchAndLock round and dispatches every locked task.
func (w *Worker) pollOnce(ctx context.Context, topic config.TopicConfig, logger *slog.Logger) (int, error) {
	tasks, err := w.engine.FetchAndLock(ctx,
		[]engine.TopicRequest{{TopicName: topic.Name, LockDuration: topic.LockDuration}},
		w.cfg.MaxTasks, w.cfg.AsyncResponseTimeout)
	if err != nil {
		return 0, fmt.Errorf("fetchAndLock: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	metrics.TasksFetched.WithLabelValues(topic.Name).Add(float64(len(tasks)))
	logger.Debug("Locked external tasks", "count", len(tasks))

	var firstErr error
	for _, task := range tasks {
		if err := w.dispatch(ctx, topic, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(tasks), firstErr
}

// dispatch turns one locked task into a payload and publishes it. The lock
// is only kept when publish succeeds; any permanent failure hands the task
// back to the engine so the lock releases and the engine retries.
func (w *Worker) dispatch(ctx context.Context, topic config.TopicConfig, task engine.ExternalTask) error {
	logger := w.logger.With("task_id", task.ID, "topic", topic.Name)

	payload, err := w.buildPayload(ctx, task, logger)
	if err != nil {
		logger.Error("Failed to assemble task payload, releasing engine lock", "error", err)
		w.failTask(ctx, task, fmt.Sprintf("payload assembly failed: %v", err), logger)
		return err
	}

	if err := w.bus.PublishTask(ctx, topic.Queue, payload); err != nil {
		// The one invariant that must never break silently: a locked task
		// that cannot reach its queue goes back to the engine.
		logger.Error("CRITICAL: publish failed after engine lock, failing task back",
			"queue", topic.Queue,
			"error", err)
		metrics.PublishFailures.WithLabelValues(topic.Queue).Inc()
		w.failTask(ctx, task, fmt.Sprintf("publish to queue %s failed: %v", topic.Queue, err), logger)
		return err
	}

	metrics.TasksPublished.WithLabelValues(topic.Queue).Inc()
	logger.Info("Task published",
		"queue", topic.Queue,
		"process_instance_id", task.ProcessInstanceID,
		"activity_id", task.ActivityID)
	return nil
}

// buildPayload assembles the queue envelope: task variables, full process
// variables and the element's diagram metadata.
func (w *Worker) buildPayload(ctx context.Context, task engine.ExternalTask, logger *slog.Logger) (*mq.TaskPayload, error) {
	processVars, err := w.engine.ProcessVariables(ctx, task.ProcessInstanceID)
	if err != nil {
		return nil, fmt.Errorf("read process variables: %w", err)
	}

	meta, ok, err := w.metadata.Get(ctx, task.ProcessDefinitionID, task.ActivityID)
	if err != nil {
		// Metadata enriches the payload but the task can proceed without
		// it; the creator falls back to a topic-derived shape.
		logger.Warn("Diagram metadata unavailable", "error", err)
	} else if !ok {
		logger.Debug("No diagram metadata for element",
			"process_definition_id", task.ProcessDefinitionID,
			"activity_id", task.ActivityID)
	}

	return &mq.TaskPayload{
		TaskID:               task.ID,
		Topic:                task.TopicName,
		Variables:            task.Variables,
		ProcessInstanceID:    task.ProcessInstanceID,
		ProcessDefinitionID:  task.ProcessDefinitionID,
		ProcessDefinitionKey: task.ProcessDefinitionKey,
		ActivityID:           task.ActivityID,
		ActivityInstanceID:   task.ActivityInstanceID,
		WorkerID:             w.engine.WorkerID(),
		Retries:              task.Retries,
		CreateTime:           task.CreateTime,
		Priority:             task.Priority,
		TenantID:             task.TenantID,
		BusinessKey:          task.BusinessKey,
		Metadata:             meta,
		ProcessVariables:     processVars,
	}, nil
}

// failTask releases the engine lock via the failure endpoint, decrementing
// the task's retry counter.
func (w *Worker) failTask(ctx context.Context, task engine.ExternalTask, message string, logger *slog.Logger) {
	retries := defaultFailRetries
	if task.Retries != nil {
		retries = *task.Retries - 1
		if retries < 0 {
			retries = 0
		}
	}

	if err := w.engine.Fail(ctx, task.ID, message, "", retries, failRetryTimeout); err != nil {
		logger.Error("Failed to report task failure to engine",
			"retries", retries,
			"error", err)
	}
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
