package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/imena/camunda-exchanger/config"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/mq/mqtest"
)

type completeCall struct {
	taskID    string
	variables map[string]engine.Variable
}

type failCall struct {
	taskID  string
	message string
	retries int
}

// fakeEngine scripts the engine client for one test.
type fakeEngine struct {
	mu sync.Mutex

	tasks       []engine.ExternalTask
	fetchErr    error
	processVars map[string]engine.Variable
	varsErr     error
	completeErr error

	fetches   int
	completed []completeCall
	failed    []failCall
}

func (f *fakeEngine) FetchAndLock(_ context.Context, _ []engine.TopicRequest, _, _ int) ([]engine.ExternalTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	tasks := f.tasks
	f.tasks = nil
	return tasks, nil
}

func (f *fakeEngine) Complete(_ context.Context, taskID string, variables map[string]engine.Variable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, completeCall{taskID: taskID, variables: variables})
	return f.completeErr
}

func (f *fakeEngine) Fail(_ context.Context, taskID, message, _ string, retries, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failCall{taskID: taskID, message: message, retries: retries})
	return nil
}

func (f *fakeEngine) ProcessVariables(_ context.Context, _ string) (map[string]engine.Variable, error) {
	if f.varsErr != nil {
		return nil, f.varsErr
	}
	return f.processVars, nil
}

func (f *fakeEngine) WorkerID() string { return "test-worker" }

// fakeMetadata serves one canned element.
type fakeMetadata struct {
	meta engine.Metadata
	ok   bool
	err  error
}

func (f *fakeMetadata) Get(_ context.Context, _, _ string) (engine.Metadata, bool, error) {
	return f.meta, f.ok, f.err
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Topics:               []config.TopicConfig{{Name: "create-task", Queue: "bitrix", LockDuration: 60000}},
		MaxTasks:             10,
		SleepSeconds:         1,
		MaxConsecutiveErrors: 5,
		ResponseBatch:        20,
	}
}

func lockedTask() engine.ExternalTask {
	retries := 3
	return engine.ExternalTask{
		ID:                   "T1",
		TopicName:            "create-task",
		ProcessInstanceID:    "PI-1",
		ProcessDefinitionID:  "P:1:abc",
		ProcessDefinitionKey: "P",
		ActivityID:           "Act_1",
		Retries:              &retries,
		Variables: map[string]engine.Variable{
			"initiator": engine.StringVariable("42"),
		},
	}
}

func newTestWorker(t *testing.T, eng *fakeEngine, bus *mqtest.Bus) *Worker {
	t.Helper()
	meta := &fakeMetadata{
		meta: engine.Metadata{Name: "Prepare contract"},
		ok:   true,
	}
	w, err := New(testConfig(), eng, meta, bus, &mqtest.Queue{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestPollPublishesLockedTasks(t *testing.T) {
	eng := &fakeEngine{
		tasks:       []engine.ExternalTask{lockedTask()},
		processVars: map[string]engine.Variable{"deadline": engine.StringVariable("2030-01-10T00:00:00")},
	}
	bus := mqtest.NewBus()
	w := newTestWorker(t, eng, bus)

	fetched, err := w.pollOnce(context.Background(), w.cfg.Topics[0], w.logger)
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1", fetched)
	}

	payloads := bus.Tasks("bitrix")
	if len(payloads) != 1 {
		t.Fatalf("published %d payloads, want 1", len(payloads))
	}
	p := payloads[0]
	if p.TaskID != "T1" || p.ActivityID != "Act_1" {
		t.Errorf("payload identity = %s/%s, want T1/Act_1", p.TaskID, p.ActivityID)
	}
	if p.Metadata.Name != "Prepare contract" {
		t.Errorf("payload metadata name = %q", p.Metadata.Name)
	}
	if _, ok := p.ProcessVariables["deadline"]; !ok {
		t.Error("payload missing process variable deadline")
	}
	if len(eng.failed) != 0 {
		t.Errorf("engine failure reported on success path: %+v", eng.failed)
	}
}

func TestPublishFailureFailsTaskBack(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.ExternalTask{lockedTask()}}
	bus := mqtest.NewBus()
	bus.PublishTaskErr = errors.New("broker down")
	w := newTestWorker(t, eng, bus)

	_, err := w.pollOnce(context.Background(), w.cfg.Topics[0], w.logger)
	if err == nil {
		t.Fatal("pollOnce returned nil error on publish failure")
	}

	if len(eng.completed) != 0 {
		t.Errorf("engine complete called on publish failure: %+v", eng.completed)
	}
	if len(eng.failed) != 1 {
		t.Fatalf("engine failure calls = %d, want 1", len(eng.failed))
	}
	if eng.failed[0].taskID != "T1" {
		t.Errorf("failed task = %s, want T1", eng.failed[0].taskID)
	}
	if eng.failed[0].retries != 2 {
		t.Errorf("failure retries = %d, want 2", eng.failed[0].retries)
	}
}

func TestProcessVariablesFailureReleasesLock(t *testing.T) {
	eng := &fakeEngine{
		tasks:   []engine.ExternalTask{lockedTask()},
		varsErr: errors.New("engine unreachable"),
	}
	bus := mqtest.NewBus()
	w := newTestWorker(t, eng, bus)

	_, err := w.pollOnce(context.Background(), w.cfg.Topics[0], w.logger)
	if err == nil {
		t.Fatal("pollOnce returned nil error")
	}
	if len(bus.Tasks("bitrix")) != 0 {
		t.Error("payload published despite assembly failure")
	}
	if len(eng.failed) != 1 {
		t.Fatalf("engine failure calls = %d, want 1", len(eng.failed))
	}
}

func TestMetadataMissDoesNotBlockDispatch(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.ExternalTask{lockedTask()}}
	bus := mqtest.NewBus()
	meta := &fakeMetadata{err: errors.New("xml fetch failed")}
	w, err := New(testConfig(), eng, meta, bus, &mqtest.Queue{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := w.pollOnce(context.Background(), w.cfg.Topics[0], w.logger); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(bus.Tasks("bitrix")) != 1 {
		t.Fatal("payload not published on metadata miss")
	}
}
