package mq

import (
	"encoding/json"
	"testing"
)

func TestSubjectNaming(t *testing.T) {
	c := &Client{prefix: "exchanger"}

	if got := c.taskSubject("bitrix"); got != "exchanger.task.bitrix" {
		t.Errorf("taskSubject = %s", got)
	}
	if got := c.sentSubject("bitrix"); got != "exchanger.sent.bitrix" {
		t.Errorf("sentSubject = %s", got)
	}
	if got := c.responsesSubject(); got != "exchanger.responses" {
		t.Errorf("responsesSubject = %s", got)
	}
	if got := c.errorsSubject(); got != "exchanger.errors" {
		t.Errorf("errorsSubject = %s", got)
	}
}

func TestStreamNaming(t *testing.T) {
	tests := []struct {
		prefix string
		kind   string
		want   string
	}{
		{"exchanger", "TASKS", "EXCHANGER_TASKS"},
		{"acme.prod", "RESPONSES", "ACME_PROD_RESPONSES"},
	}
	for _, tt := range tests {
		c := &Client{prefix: tt.prefix}
		if got := c.streamName(tt.kind); got != tt.want {
			t.Errorf("streamName(%q, %q) = %s, want %s", tt.prefix, tt.kind, got, tt.want)
		}
	}
}

func TestErrorEnvelopeKeepsOriginalVerbatim(t *testing.T) {
	original := []byte(`{"taskId":"T1","variables":{"a":{"value":1,"type":"Long"}}}`)
	envelope := NewErrorEnvelope(original, ErrorTypeEngine, "complete failed", "replay after the engine recovers")

	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded ErrorEnvelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if string(decoded.OriginalMessage) != string(original) {
		t.Errorf("original message altered: %s", decoded.OriginalMessage)
	}
	if decoded.ErrorType != ErrorTypeEngine {
		t.Errorf("errorType = %s", decoded.ErrorType)
	}
	if decoded.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}
