package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNoMessage is returned by Fetch when the queue has nothing ready.
var ErrNoMessage = errors.New("mq: no message available")

// Message is one delivered queue message with manual acknowledgement.
// jetstream.Msg satisfies it; tests use in-memory fakes.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
}

// Fetcher pulls bounded batches from one queue without auto-ack.
type Fetcher interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Message, error)
}

// Publisher publishes the exchanger envelopes. Satisfied by *Client;
// narrowed so services can run against a fake bus in tests.
type Publisher interface {
	PublishTask(ctx context.Context, queue string, payload *TaskPayload) error
	PublishSent(ctx context.Context, system string, event *SentEvent) error
	PublishCompletion(ctx context.Context, event *CompletionEvent) error
	PublishError(ctx context.Context, envelope ErrorEnvelope) error
}

// Client is the durable broker connection. It declares the topology and
// hands out publishers and per-queue fetchers.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// Connect dials the broker. prefix namespaces all streams and subjects
// so several deployments can share one cluster.
func Connect(ctx context.Context, url, prefix string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("exchanger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js, prefix: prefix, logger: logger}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
		c.nc.Close()
	}
}

func (c *Client) streamName(kind string) string {
	return strings.ToUpper(strings.ReplaceAll(c.prefix, ".", "_")) + "_" + kind
}

// Subject helpers. One task subject per system queue, one sent subject
// per downstream system, single responses and errors subjects.
func (c *Client) taskSubject(queue string) string  { return c.prefix + ".task." + queue }
func (c *Client) sentSubject(system string) string { return c.prefix + ".sent." + system }
func (c *Client) responsesSubject() string         { return c.prefix + ".responses" }
func (c *Client) errorsSubject() string            { return c.prefix + ".errors" }

// EnsureTopology declares all streams. Declarations are durable
// (file storage) and idempotent; every consumer uses explicit ack.
func (c *Client) EnsureTopology(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      c.streamName("TASKS"),
			Subjects:  []string{c.prefix + ".task.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
		},
		{
			Name:      c.streamName("SENT"),
			Subjects:  []string{c.prefix + ".sent.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
		},
		{
			Name:      c.streamName("RESPONSES"),
			Subjects:  []string{c.responsesSubject()},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
		},
		{
			Name:     c.streamName("ERRORS"),
			Subjects: []string{c.errorsSubject()},
			Storage:  jetstream.FileStorage,
			// Errors are kept for operators, not consumed by the core.
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
		c.logger.Debug("Stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	}
	return nil
}

// publish marshals and publishes one envelope, waiting for the stream ack.
func (c *Client) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", subject, err)
	}
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishTask routes a task payload to its system queue. Retried up to 3
// times with a short constant backoff; the caller handles permanent
// failure by failing the engine task.
func (c *Client) PublishTask(ctx context.Context, queue string, payload *TaskPayload) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2), ctx)
	return backoff.Retry(func() error {
		return c.publish(ctx, c.taskSubject(queue), payload)
	}, b)
}

// PublishSent announces a successful downstream creation.
func (c *Client) PublishSent(ctx context.Context, system string, event *SentEvent) error {
	return c.publish(ctx, c.sentSubject(system), event)
}

// PublishCompletion hands an observed completion to the worker.
func (c *Client) PublishCompletion(ctx context.Context, event *CompletionEvent) error {
	return c.publish(ctx, c.responsesSubject(), event)
}

// PublishError records an operator-actionable failure.
func (c *Client) PublishError(ctx context.Context, envelope ErrorEnvelope) error {
	return c.publish(ctx, c.errorsSubject(), envelope)
}

// consumerFetcher adapts a JetStream consumer to the Fetcher interface.
type consumerFetcher struct {
	consumer jetstream.Consumer
}

func (f *consumerFetcher) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := f.consumer.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var out []Message
	for msg := range msgs.Messages() {
		out = append(out, msg)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return out, fmt.Errorf("fetch batch: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoMessage
	}
	return out, nil
}

func (c *Client) fetcher(ctx context.Context, stream, durable, subject string) (Fetcher, error) {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", stream, err)
	}

	consumer, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}

	return &consumerFetcher{consumer: consumer}, nil
}

// TaskFetcher returns the task-creator's consumer for one system queue.
func (c *Client) TaskFetcher(ctx context.Context, queue string) (Fetcher, error) {
	return c.fetcher(ctx, c.streamName("TASKS"), "creator-"+queue, c.taskSubject(queue))
}

// SentFetcher returns the tracker's consumer for one sent queue.
func (c *Client) SentFetcher(ctx context.Context, system string) (Fetcher, error) {
	return c.fetcher(ctx, c.streamName("SENT"), "tracker-"+system, c.sentSubject(system))
}

// ResponseFetcher returns the worker's consumer for the responses queue.
func (c *Client) ResponseFetcher(ctx context.Context) (Fetcher, error) {
	return c.fetcher(ctx, c.streamName("RESPONSES"), "worker-responses", c.responsesSubject())
}
