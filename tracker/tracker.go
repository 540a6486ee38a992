// Package tracker is the completion observer: it polls the sent queues,
// checks whether the announced downstream tasks have finished, and turns
// finished ones into completion events for the worker.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/config"
	"github.com/imena/camunda-exchanger/metrics"
	"github.com/imena/camunda-exchanger/mq"
)

// fetchWait bounds one sent-queue fetch.
const fetchWait = 2 * time.Second

// Portal is the slice of the downstream client the tracker uses.
type Portal interface {
	TaskGet(ctx context.Context, taskID int) (*bitrix.Task, error)
	TaskQuestionnaires(ctx context.Context, taskID int) (*bitrix.QuestionnaireSet, error)
}

// Tracker polls sent queues and emits completion events.
type Tracker struct {
	cfg       config.TrackerConfig
	portal    Portal
	bus       mq.Publisher
	fetchers  map[string]mq.Fetcher
	completed map[int]bool
	labels    map[string]string
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the tracker. fetchers maps each configured system to its
// sent-queue consumer; completedStatuses and answerLabels come from the
// downstream configuration.
func New(cfg config.TrackerConfig, portal Portal, bus mq.Publisher, fetchers map[string]mq.Fetcher, completedStatuses []int, answerLabels map[string]string, logger *slog.Logger) (*Tracker, error) {
	if len(cfg.Systems) == 0 {
		return nil, fmt.Errorf("tracker: no systems configured")
	}
	if len(completedStatuses) == 0 {
		return nil, fmt.Errorf("tracker: no completed statuses configured")
	}
	for _, system := range cfg.Systems {
		if _, ok := fetchers[system]; !ok {
			return nil, fmt.Errorf("tracker: no fetcher for system %q", system)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	completed := make(map[int]bool, len(completedStatuses))
	for _, status := range completedStatuses {
		completed[status] = true
	}

	return &Tracker{
		cfg:       cfg,
		portal:    portal,
		bus:       bus,
		fetchers:  fetchers,
		completed: completed,
		labels:    answerLabels,
		logger:    logger,
	}, nil
}

// Start spawns one polling loop per system.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return fmt.Errorf("tracker: already started")
	}
	ctx, t.cancel = context.WithCancel(ctx)

	for _, system := range t.cfg.Systems {
		t.wg.Add(1)
		go func(system string) {
			defer t.wg.Done()
			t.systemLoop(ctx, system)
		}(system)
	}

	t.logger.Info("Tracker started",
		"systems", t.cfg.Systems,
		"poll_interval", t.cfg.PollInterval)
	return nil
}

// Stop cancels the loops and waits for them.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.logger.Info("Tracker stopped")
}

func (t *Tracker) systemLoop(ctx context.Context, system string) {
	logger := t.logger.With("system", system)
	logger.Info("Sent-queue poller started")

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.tick(ctx, system, logger)
	}
}

// tick examines one batch of sent events. Unfinished tasks are requeued
// for a later tick; there is no dead-letter escalation here, only the
// oldest-waiting gauge for operators.
func (t *Tracker) tick(ctx context.Context, system string, logger *slog.Logger) {
	msgs, err := t.fetchers[system].Fetch(ctx, t.cfg.Batch, fetchWait)
	if err != nil {
		if !errors.Is(err, mq.ErrNoMessage) && ctx.Err() == nil {
			logger.Error("Failed to fetch sent events", "error", err)
		}
		return
	}

	var oldestWaiting time.Time
	for _, msg := range msgs {
		waiting, sentAt := t.processSent(ctx, system, msg, logger)
		if waiting && !sentAt.IsZero() && (oldestWaiting.IsZero() || sentAt.Before(oldestWaiting)) {
			oldestWaiting = sentAt
		}
	}

	if oldestWaiting.IsZero() {
		metrics.OldestWaiting.WithLabelValues(system).Set(0)
	} else {
		metrics.OldestWaiting.WithLabelValues(system).Set(time.Since(oldestWaiting).Seconds())
	}
}

// processSent handles one sent event. It reports whether the message went
// back to waiting, and the event's sentAt stamp for the age gauge.
func (t *Tracker) processSent(ctx context.Context, system string, msg mq.Message, logger *slog.Logger) (waiting bool, sentAt time.Time) {
	var event mq.SentEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		t.toErrors(ctx, msg.Data(), mq.ErrorTypeMalformed,
			fmt.Sprintf("unparseable sent event: %v", err),
			"inspect the message and replay manually if needed", logger)
		t.ack(msg, logger)
		return false, time.Time{}
	}
	sentAt = event.SentAt

	taskID := event.ResponseData.Task.ID.Int()
	if taskID <= 0 {
		logger.Warn("Sent event carries no downstream task id, requeueing",
			"task_id", event.OriginalMessage.TaskID)
		t.requeue(system, msg, logger)
		return true, sentAt
	}

	logger = logger.With(
		"task_id", event.OriginalMessage.TaskID,
		"downstream_task_id", taskID)

	task, err := t.portal.TaskGet(ctx, taskID)
	if err != nil {
		logger.Warn("Failed to fetch downstream task, requeueing", "error", err)
		t.requeue(system, msg, logger)
		return true, sentAt
	}

	if !t.completed[task.Status.Int()] {
		logger.Debug("Downstream task not finished yet", "status", task.Status.Int())
		t.requeue(system, msg, logger)
		return true, sentAt
	}

	completion := t.buildCompletion(ctx, &event, task, logger)
	if err := t.bus.PublishCompletion(ctx, completion); err != nil {
		logger.Error("Failed to publish completion event, requeueing", "error", err)
		t.requeue(system, msg, logger)
		return true, sentAt
	}

	metrics.CompletionsObserved.WithLabelValues(system).Inc()
	logger.Info("Downstream task completed",
		"status", task.Status.Int(),
		"answer", task.ResultAnswerText)
	t.ack(msg, logger)
	return false, sentAt
}

// buildCompletion assembles the completion event: the fresh task with its
// answer label resolved, plus the questionnaire answers.
func (t *Tracker) buildCompletion(ctx context.Context, event *mq.SentEvent, task *bitrix.Task, logger *slog.Logger) *mq.CompletionEvent {
	if task.ResultAnswer.Valid() {
		id := strconv.Itoa(task.ResultAnswer.Int())
		if label, ok := t.labels[id]; ok {
			task.ResultAnswerText = label
		} else {
			logger.Warn("No label configured for answer enum id", "answer_id", id)
		}
	}

	var questionnaires *bitrix.QuestionnaireSet
	set, err := t.portal.TaskQuestionnaires(ctx, task.ID.Int())
	if err != nil {
		// Answers enrich the completion but must not hold it hostage.
		logger.Warn("Failed to load questionnaire answers", "error", err)
	} else if set != nil && len(set.Items) > 0 {
		questionnaires = set
	}

	return &mq.CompletionEvent{
		OriginalMessage: event.OriginalMessage,
		ResponseData: mq.CompletionData{
			Result:         mq.CompletionResult{Task: *task},
			Questionnaires: questionnaires,
		},
		ProcessingStatus: mq.StatusCompletedByTracker,
		ProcessedAt:      time.Now().UTC(),
	}
}

func (t *Tracker) requeue(system string, msg mq.Message, logger *slog.Logger) {
	metrics.TrackerRequeued.WithLabelValues(system).Inc()
	if err := msg.NakWithDelay(t.cfg.PollInterval); err != nil {
		logger.Error("Failed to requeue sent event", "error", err)
	}
}

func (t *Tracker) toErrors(ctx context.Context, original []byte, errorType, message, action string, logger *slog.Logger) {
	metrics.ErrorEnvelopes.WithLabelValues(errorType).Inc()
	envelope := mq.NewErrorEnvelope(original, errorType, message, action)
	if err := t.bus.PublishError(ctx, envelope); err != nil {
		logger.Error("Failed to publish error envelope", "error", err)
	}
}

func (t *Tracker) ack(msg mq.Message, logger *slog.Logger) {
	if err := msg.Ack(); err != nil {
		logger.Error("Failed to ack sent event", "error", err)
	}
}
