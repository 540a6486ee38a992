package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/mq"
	"github.com/imena/camunda-exchanger/mq/mqtest"
)

func completionEvent(resultExpected any, answerText string) mq.CompletionEvent {
	return mq.CompletionEvent{
		OriginalMessage: mq.TaskPayload{
			TaskID:     "T1",
			ActivityID: "Act_1",
			Variables: map[string]engine.Variable{
				"initiator": engine.StringVariable("42"),
			},
		},
		ResponseData: mq.CompletionData{
			Result: mq.CompletionResult{
				Task: bitrix.Task{
					ID:               42,
					Title:            "Prepare contract",
					Status:           5,
					ResultExpected:   resultExpected,
					ResultAnswerText: answerText,
				},
			},
		},
		ProcessingStatus: mq.StatusCompletedByTracker,
	}
}

func TestCompletionVariablesAnswerPolicy(t *testing.T) {
	tests := []struct {
		name           string
		resultExpected any
		answerText     string
		want           string
		wantVariable   bool
	}{
		{name: "yes maps to ok", resultExpected: "Y", answerText: "ДА", want: "ok", wantVariable: true},
		{name: "no maps to no", resultExpected: "1", answerText: "НЕТ", want: "no", wantVariable: true},
		{name: "unknown text maps to no", resultExpected: true, answerText: "возможно", want: "no", wantVariable: true},
		{name: "missing text maps to no", resultExpected: "yes", answerText: "", want: "no", wantVariable: true},
		{name: "not expected writes nothing", resultExpected: "0", answerText: "ДА", wantVariable: false},
		{name: "nil flag writes nothing", resultExpected: nil, answerText: "ДА", wantVariable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := completionEvent(tt.resultExpected, tt.answerText)
			variables := completionVariables(&event, slog.Default())

			v, ok := variables["Act_1"]
			if ok != tt.wantVariable {
				t.Fatalf("Act_1 present = %v, want %v", ok, tt.wantVariable)
			}
			if tt.wantVariable && v.Value != tt.want {
				t.Errorf("Act_1 = %v, want %q", v.Value, tt.want)
			}
		})
	}
}

func TestCompletionVariablesNeverOverwriteAnswer(t *testing.T) {
	event := completionEvent("Y", "ДА")
	event.OriginalMessage.Variables["Act_1"] = engine.StringVariable("already-set")

	variables := completionVariables(&event, slog.Default())
	if got := variables["Act_1"].Value; got != "already-set" {
		t.Errorf("Act_1 = %v, existing value must be preserved", got)
	}
}

func TestCompletionVariablesNormalizedFields(t *testing.T) {
	event := completionEvent(nil, "")
	variables := completionVariables(&event, slog.Default())

	if got := variables["Act_1_taskId"].Value; got != int64(42) {
		t.Errorf("Act_1_taskId = %v, want 42", got)
	}
	if got := variables["Act_1_taskTitle"].Value; got != "Prepare contract" {
		t.Errorf("Act_1_taskTitle = %v", got)
	}
	if got := variables["Act_1_taskStatus"].Value; got != int64(5) {
		t.Errorf("Act_1_taskStatus = %v, want 5", got)
	}
	if got := variables["initiator"].Value; got != "42" {
		t.Errorf("original variable lost: initiator = %v", got)
	}
}

func TestQuestionnaireExpansion(t *testing.T) {
	event := completionEvent(nil, "")
	event.ResponseData.Questionnaires = &bitrix.QuestionnaireSet{
		Items: []bitrix.Questionnaire{{
			Code: "Q1",
			Questions: []bitrix.Question{
				{Code: "Q1A", Type: "boolean", Answer: nil},
				{Code: "Q1B", Type: "boolean", Answer: "да"},
				{Code: "Q1C", Type: "integer", Answer: "17"},
				{Code: "Q1D", Type: "integer", Answer: "not-a-number"},
				{Code: "Q1E", Type: "user", Answer: float64(105)},
			},
		}},
	}

	variables := completionVariables(&event, slog.Default())

	// Null booleans must land as concrete false for gateway expressions.
	if got := variables["Act_1_Q1_Q1A"].Value; got != false {
		t.Errorf("Act_1_Q1_Q1A = %v (%T), want false", got, got)
	}
	if got := variables["Act_1_Q1_Q1B"].Value; got != true {
		t.Errorf("Act_1_Q1_Q1B = %v, want true", got)
	}
	if got := variables["Act_1_Q1_Q1C"].Value; got != int64(17) {
		t.Errorf("Act_1_Q1_Q1C = %v, want 17", got)
	}
	if got := variables["Act_1_Q1_Q1D"].Value; got != "not-a-number" {
		t.Errorf("Act_1_Q1_Q1D = %v, unparseable integers stay strings", got)
	}
	if got := variables["Act_1_Q1_Q1E"].Value; got != "105" {
		t.Errorf("Act_1_Q1_Q1E = %v, want \"105\"", got)
	}
}

func TestProcessResponseOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		completeErr   error
		wantCompletes int
		wantErrors    int
	}{
		{name: "success acks", completeErr: nil, wantCompletes: 1, wantErrors: 0},
		{name: "gone task acks as success", completeErr: engine.ErrTaskNotFound, wantCompletes: 1, wantErrors: 0},
		{name: "engine error goes to errors queue", completeErr: errors.New("status 500"), wantCompletes: 1, wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{completeErr: tt.completeErr}
			bus := mqtest.NewBus()
			w := newTestWorker(t, eng, bus)

			msg := mqtest.NewJSONMsg(completionEvent("Y", "ДА"))
			w.processResponse(context.Background(), msg, w.logger)

			if len(eng.completed) != tt.wantCompletes {
				t.Fatalf("complete calls = %d, want %d", len(eng.completed), tt.wantCompletes)
			}
			if got := len(bus.Errors()); got != tt.wantErrors {
				t.Fatalf("error envelopes = %d, want %d", got, tt.wantErrors)
			}
			if !msg.Acked() {
				t.Error("response message not acked")
			}
			if msg.Naked() {
				t.Error("response message must never be requeued")
			}
		})
	}
}

func TestProcessResponseMalformed(t *testing.T) {
	eng := &fakeEngine{}
	bus := mqtest.NewBus()
	w := newTestWorker(t, eng, bus)

	for _, raw := range [][]byte{
		[]byte("{not json"),
		[]byte(`{"originalMessage":{}}`), // no taskId
	} {
		msg := mqtest.NewMsg(raw)
		w.processResponse(context.Background(), msg, w.logger)
		if !msg.Acked() {
			t.Error("malformed message not acked")
		}
	}

	if len(eng.completed) != 0 {
		t.Errorf("complete called for malformed messages: %+v", eng.completed)
	}
	envelopes := bus.Errors()
	if len(envelopes) != 2 {
		t.Fatalf("error envelopes = %d, want 2", len(envelopes))
	}
	for _, e := range envelopes {
		if e.ErrorType != mq.ErrorTypeMalformed {
			t.Errorf("error type = %s, want %s", e.ErrorType, mq.ErrorTypeMalformed)
		}
	}
}
