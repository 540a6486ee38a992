// Package creator is the task-creator service: it consumes task payloads
// from system queues, materializes downstream tasks from templates and
// process context, and announces every creation on the sent queue.
package creator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/config"
	"github.com/imena/camunda-exchanger/metrics"
	"github.com/imena/camunda-exchanger/mq"
)

const (
	// fetchWait bounds one queue fetch.
	fetchWait = 2 * time.Second
	// fetchBatch bounds the messages taken per queue iteration.
	fetchBatch = 5
	// retryDelay is the requeue delay after a transient downstream failure.
	retryDelay = 30 * time.Second
	// failRetryTimeout is the engine-side pause in milliseconds on the
	// release path.
	failRetryTimeout = 60_000
	// sentRetries is the number of publish retries for the sent event, on
	// top of the first attempt. Intervals double from sentInitialInterval.
	sentRetries         = 5
	sentInitialInterval = time.Second
)

// Portal is the slice of the downstream client the creator uses.
// *bitrix.Client and *bitrix.CachedClient both satisfy it.
type Portal interface {
	TaskAdd(ctx context.Context, fields bitrix.NewTaskFields) (*bitrix.Task, error)
	FindByExternalTaskID(ctx context.Context, externalTaskID string) (*bitrix.Task, error)
	FindByElement(ctx context.Context, elementID, processInstanceID string) (*bitrix.Task, error)
	AttachFile(ctx context.Context, taskID, fileID int) error
	ChecklistItemAdd(ctx context.Context, taskID int, title string, parentID int) (int, error)
	TaskResults(ctx context.Context, taskID int) ([]bitrix.TaskResult, error)
	UserGet(ctx context.Context, userID int) (*bitrix.User, error)
	ListElementGet(ctx context.Context, iblockID int, elementID string) (*bitrix.ListElement, error)
	TemplateGet(ctx context.Context, processDefinitionKey, elementID string) (*bitrix.Template, error)
	TemplateGetByID(ctx context.Context, templateID int) (*bitrix.Template, error)
	DiagramProperties(ctx context.Context, processDefinitionKey string) ([]bitrix.DiagramProperty, error)
	ResponsibleGet(ctx context.Context, processDefinitionKey, elementID string) (*bitrix.Responsible, error)
	DependencyAdd(ctx context.Context, taskID, dependsOnID int) error
	QuestionnaireAdd(ctx context.Context, taskID, questionnaireID int) error
	SupervisorGet(ctx context.Context, userID int) (int, error)
	Sync(ctx context.Context, processDefinitionKey, processInstanceID string) error
}

// EngineFailer releases engine locks for tasks that cannot be created.
type EngineFailer interface {
	Fail(ctx context.Context, taskID, errorMessage, errorDetails string, retries, retryTimeout int) error
}

// handler processes the payloads of one queue.
type handler func(c *Creator, ctx context.Context, queue string, msg mq.Message)

// handlerRegistry maps queue names to their handlers. Unknown queues are
// refused at startup; a config typo must not silently buffer messages.
var handlerRegistry = map[string]handler{
	"bitrix": (*Creator).handlePortalTask,
}

// RegisterHandler binds a queue name to the portal task handler. Used for
// deployments that name their queues after departments or systems.
func RegisterHandler(queue string) {
	handlerRegistry[queue] = (*Creator).handlePortalTask
}

// Creator consumes system queues and creates downstream tasks.
type Creator struct {
	cfg      config.CreatorConfig
	portal   Portal
	engine   EngineFailer
	bus      mq.Publisher
	fetchers map[string]mq.Fetcher
	handlers map[string]handler
	priority int
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the service. fetchers maps each configured queue to its
// consumer; every queue must have a registered handler.
func New(cfg config.CreatorConfig, portal Portal, eng EngineFailer, bus mq.Publisher, fetchers map[string]mq.Fetcher, defaultPriority int, logger *slog.Logger) (*Creator, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("creator: no queues configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	handlers := make(map[string]handler, len(cfg.Queues))
	for _, queue := range cfg.Queues {
		h, ok := handlerRegistry[queue]
		if !ok {
			return nil, fmt.Errorf("creator: no handler registered for queue %q", queue)
		}
		if _, ok := fetchers[queue]; !ok {
			return nil, fmt.Errorf("creator: no fetcher for queue %q", queue)
		}
		handlers[queue] = h
	}

	return &Creator{
		cfg:      cfg,
		portal:   portal,
		engine:   eng,
		bus:      bus,
		fetchers: fetchers,
		handlers: handlers,
		priority: defaultPriority,
		logger:   logger,
	}, nil
}

// Start spawns one consumer loop per queue.
func (c *Creator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("creator: already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	for _, queue := range c.cfg.Queues {
		c.wg.Add(1)
		go func(queue string) {
			defer c.wg.Done()
			c.queueLoop(ctx, queue)
		}(queue)
	}

	c.logger.Info("Task-creator started", "queues", c.cfg.Queues)
	return nil
}

// Stop cancels the loops and waits for them.
func (c *Creator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("Task-creator stopped")
}

func (c *Creator) queueLoop(ctx context.Context, queue string) {
	logger := c.logger.With("queue", queue)
	logger.Info("Queue consumer started")

	handle := c.handlers[queue]
	fetcher := c.fetchers[queue]

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := fetcher.Fetch(ctx, fetchBatch, fetchWait)
		if err != nil {
			if errors.Is(err, mq.ErrNoMessage) || ctx.Err() != nil {
				continue
			}
			logger.Error("Failed to fetch from queue", "error", err)
			sleep(ctx, retryDelay)
			continue
		}

		for _, msg := range msgs {
			handle(c, ctx, queue, msg)
		}
	}
}

// handlePortalTask is the handler for portal-bound queues: one payload in,
// one downstream task (new or pre-existing) plus a sent event out.
func (c *Creator) handlePortalTask(ctx context.Context, queue string, msg mq.Message) {
	var payload mq.TaskPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil || payload.TaskID == "" {
		c.toErrors(ctx, msg.Data(), mq.ErrorTypeMalformed,
			fmt.Sprintf("unparseable task payload: %v", err),
			"inspect the message and replay manually if needed")
		c.ack(msg)
		return
	}

	logger := c.logger.With(
		"queue", queue,
		"task_id", payload.TaskID,
		"activity_id", payload.ActivityID,
		"process_instance_id", payload.ProcessInstanceID)

	task, created, err := c.createTask(ctx, queue, &payload, logger)
	if err != nil {
		c.dispose(ctx, msg, &payload, err, logger)
		return
	}

	event := &mq.SentEvent{
		OriginalQueue:   queue,
		OriginalMessage: payload,
		ResponseData:    mq.SentData{Task: *task},
		SentAt:          time.Now().UTC(),
	}
	if err := c.publishSent(ctx, event); err != nil {
		// Recoverable: the next delivery hits the idempotency probe and
		// only needs to re-publish this event.
		logger.Error("Failed to publish sent event, requeueing message", "error", err)
		c.nak(msg, retryDelay)
		return
	}

	if created {
		// Mandatory but non-fatal: the portal reconciles its own view of
		// the process from this call.
		if err := c.portal.Sync(ctx, payload.ProcessDefinitionKey, payload.ProcessInstanceID); err != nil {
			logger.Error("CRITICAL: downstream sync failed after task creation",
				"downstream_task_id", task.ID.Int(),
				"error", err)
		}
	}

	logger.Info("Task processed",
		"downstream_task_id", task.ID.Int(),
		"created", created)
	c.ack(msg)
}

// createTask returns the downstream task for a payload, creating it unless
// the idempotency probe finds one. created reports whether a new task was
// made on this call.
func (c *Creator) createTask(ctx context.Context, queue string, payload *mq.TaskPayload, logger *slog.Logger) (*bitrix.Task, bool, error) {
	existing, err := c.portal.FindByExternalTaskID(ctx, payload.TaskID)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency probe: %w", err)
	}
	if existing != nil {
		metrics.IdempotentHits.WithLabelValues(queue).Inc()
		logger.Warn("Downstream task already exists, skipping creation",
			"downstream_task_id", existing.ID.Int())
		return existing, false, nil
	}

	build, err := c.assemble(ctx, payload, logger)
	if err != nil {
		return nil, false, err
	}

	task, err := c.portal.TaskAdd(ctx, build.fields)
	if err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreated.WithLabelValues(queue).Inc()
	logger.Info("Downstream task created", "downstream_task_id", task.ID.Int())

	c.applySideEffects(ctx, task.ID.Int(), build, logger)
	return task, true, nil
}

// dispose routes a failed message: transient faults requeue, everything
// else releases the engine lock, records an error envelope and acks.
func (c *Creator) dispose(ctx context.Context, msg mq.Message, payload *mq.TaskPayload, err error, logger *slog.Logger) {
	if errors.Is(err, bitrix.ErrUnavailable) || ctx.Err() != nil {
		logger.Warn("Transient downstream failure, requeueing", "error", err)
		c.nak(msg, retryDelay)
		return
	}

	errorType := mq.ErrorTypeDownstream
	action := "check the downstream system, then replay the original message"
	switch {
	case errors.Is(err, bitrix.ErrAssigneeNotFound):
		errorType = mq.ErrorTypeAssignee
		action = "fix the responsible user in the template or portal, then replay"
	case errors.Is(err, errValidation):
		errorType = mq.ErrorTypeValidation
		action = "fix the template or diagram configuration, then replay"
	}

	logger.Error("Task creation failed", "error_type", errorType, "error", err)
	c.toErrors(ctx, msg.Data(), errorType, err.Error(), action)

	// Release the engine lock without retries: the engine raises an
	// incident and operators replay from the errors queue.
	if failErr := c.engine.Fail(ctx, payload.TaskID, err.Error(), "", 0, failRetryTimeout); failErr != nil {
		logger.Error("Failed to release engine lock", "error", failErr)
	}
	c.ack(msg)
}

// publishSent publishes the sent event with exponential retries
// (1, 2, 4, 8, 16 s).
func (c *Creator) publishSent(ctx context.Context, event *mq.SentEvent) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = sentInitialInterval
	expo.RandomizationFactor = 0
	expo.Multiplier = 2

	return backoff.Retry(func() error {
		return c.bus.PublishSent(ctx, c.cfg.SentSystem, event)
	}, backoff.WithContext(backoff.WithMaxRetries(expo, sentRetries), ctx))
}

func (c *Creator) toErrors(ctx context.Context, original []byte, errorType, message, action string) {
	metrics.ErrorEnvelopes.WithLabelValues(errorType).Inc()
	envelope := mq.NewErrorEnvelope(original, errorType, message, action)
	if err := c.bus.PublishError(ctx, envelope); err != nil {
		c.logger.Error("Failed to publish error envelope",
			"error_type", errorType,
			"error", err)
	}
}

func (c *Creator) ack(msg mq.Message) {
	if err := msg.Ack(); err != nil {
		c.logger.Error("Failed to ack message", "error", err)
	}
}

func (c *Creator) nak(msg mq.Message, delay time.Duration) {
	if err := msg.NakWithDelay(delay); err != nil {
		c.logger.Error("Failed to nak message", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
