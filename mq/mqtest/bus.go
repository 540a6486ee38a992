// Package mqtest provides an in-memory bus double for service tests.
package mqtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/imena/camunda-exchanger/mq"
)

// Msg is an in-memory message recording its acknowledgement state.
type Msg struct {
	mu       sync.Mutex
	payload  []byte
	acked    bool
	naked    bool
	nakDelay time.Duration
}

// NewMsg wraps raw bytes into a test message.
func NewMsg(payload []byte) *Msg {
	return &Msg{payload: payload}
}

// NewJSONMsg marshals v into a test message.
func NewJSONMsg(v any) *Msg {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &Msg{payload: data}
}

// Data implements mq.Message.
func (m *Msg) Data() []byte { return m.payload }

// Ack implements mq.Message.
func (m *Msg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

// Nak implements mq.Message.
func (m *Msg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

// NakWithDelay implements mq.Message.
func (m *Msg) NakWithDelay(delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	m.nakDelay = delay
	return nil
}

// Acked reports whether the message was acknowledged.
func (m *Msg) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// Naked reports whether the message was negatively acknowledged.
func (m *Msg) Naked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naked
}

// Queue is a FIFO fetcher feeding canned messages to a service.
type Queue struct {
	mu   sync.Mutex
	msgs []mq.Message
}

// Push appends messages to the queue.
func (q *Queue) Push(msgs ...mq.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msgs...)
}

// Fetch implements mq.Fetcher.
func (q *Queue) Fetch(_ context.Context, batch int, _ time.Duration) ([]mq.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil, mq.ErrNoMessage
	}
	if batch > len(q.msgs) {
		batch = len(q.msgs)
	}
	out := q.msgs[:batch]
	q.msgs = q.msgs[batch:]
	return out, nil
}

// Bus records every published envelope. It implements mq.Publisher.
type Bus struct {
	mu sync.Mutex

	// PublishTaskErr, when set, fails every PublishTask call.
	PublishTaskErr error
	// PublishSentErr, when set, fails every PublishSent call.
	PublishSentErr error
	// PublishCompletionErr, when set, fails every PublishCompletion call.
	PublishCompletionErr error

	tasks       map[string][]*mq.TaskPayload
	sent        map[string][]*mq.SentEvent
	completions []*mq.CompletionEvent
	errs        []mq.ErrorEnvelope
}

// NewBus creates an empty recording bus.
func NewBus() *Bus {
	return &Bus{
		tasks: make(map[string][]*mq.TaskPayload),
		sent:  make(map[string][]*mq.SentEvent),
	}
}

// PublishTask implements mq.Publisher.
func (b *Bus) PublishTask(_ context.Context, queue string, payload *mq.TaskPayload) error {
	if b.PublishTaskErr != nil {
		return b.PublishTaskErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[queue] = append(b.tasks[queue], payload)
	return nil
}

// PublishSent implements mq.Publisher.
func (b *Bus) PublishSent(_ context.Context, system string, event *mq.SentEvent) error {
	if b.PublishSentErr != nil {
		return b.PublishSentErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[system] = append(b.sent[system], event)
	return nil
}

// PublishCompletion implements mq.Publisher.
func (b *Bus) PublishCompletion(_ context.Context, event *mq.CompletionEvent) error {
	if b.PublishCompletionErr != nil {
		return b.PublishCompletionErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completions = append(b.completions, event)
	return nil
}

// PublishError implements mq.Publisher.
func (b *Bus) PublishError(_ context.Context, envelope mq.ErrorEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, envelope)
	return nil
}

// Tasks returns the payloads published to one queue.
func (b *Bus) Tasks(queue string) []*mq.TaskPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mq.TaskPayload(nil), b.tasks[queue]...)
}

// Sent returns the events published to one sent queue.
func (b *Bus) Sent(system string) []*mq.SentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mq.SentEvent(nil), b.sent[system]...)
}

// Completions returns the published completion events.
func (b *Bus) Completions() []*mq.CompletionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mq.CompletionEvent(nil), b.completions...)
}

// Errors returns the published error envelopes.
func (b *Bus) Errors() []mq.ErrorEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mq.ErrorEnvelope(nil), b.errs...)
}
