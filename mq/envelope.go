// Package mq owns the broker topology and the message envelopes flowing
// between the worker, the task-creator and the tracker. One stream routes
// task payloads to per-queue subjects; responses, sent events and error
// envelopes each have their own stream. All envelopes are UTF-8 JSON.
package mq

import (
	"encoding/json"
	"time"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/engine"
)

// TaskPayload is the worker → system-queue envelope: one locked external
// task plus everything the task-creator needs to materialize it.
type TaskPayload struct {
	TaskID               string                     `json:"taskId"`
	Topic                string                     `json:"topic"`
	Variables            map[string]engine.Variable `json:"variables"`
	ProcessInstanceID    string                     `json:"processInstanceId"`
	ProcessDefinitionID  string                     `json:"processDefinitionId"`
	ProcessDefinitionKey string                     `json:"processDefinitionKey"`
	ActivityID           string                     `json:"activityId"`
	ActivityInstanceID   string                     `json:"activityInstanceId"`
	WorkerID             string                     `json:"workerId"`
	Retries              *int                       `json:"retries"`
	CreateTime           string                     `json:"createTime"`
	Priority             int                        `json:"priority"`
	TenantID             string                     `json:"tenantId,omitempty"`
	BusinessKey          string                     `json:"businessKey,omitempty"`
	Metadata             engine.Metadata            `json:"metadata"`
	ProcessVariables     map[string]engine.Variable `json:"processVariables"`
}

// SentEvent is the task-creator → sent-queue envelope marking a
// successful downstream creation.
type SentEvent struct {
	OriginalQueue   string      `json:"originalQueue"`
	OriginalMessage TaskPayload `json:"originalMessage"`
	ResponseData    SentData    `json:"responseData"`
	SentAt          time.Time   `json:"sentAt"`
}

// SentData carries the downstream response of the creation.
type SentData struct {
	Task bitrix.Task `json:"task"`
}

// Processing statuses stamped on completion events.
const (
	StatusCompleted          = "completed"
	StatusCompletedByTracker = "completed_by_tracker"
)

// CompletionEvent is the tracker → responses-queue envelope carrying an
// observed downstream completion back to the worker.
type CompletionEvent struct {
	OriginalMessage  TaskPayload    `json:"originalMessage"`
	ResponseData     CompletionData `json:"responseData"`
	ProcessingStatus string         `json:"processingStatus"`
	ProcessedAt      time.Time      `json:"processedAt"`
}

// CompletionData is the enriched downstream state at completion time.
type CompletionData struct {
	Result         CompletionResult         `json:"result"`
	Questionnaires *bitrix.QuestionnaireSet `json:"questionnaires,omitempty"`
}

// CompletionResult wraps the fresh task.
type CompletionResult struct {
	Task bitrix.Task `json:"task"`
}

// Error types written to the errors queue.
const (
	ErrorTypeAssignee   = "ASSIGNEE_ID_ERROR"
	ErrorTypeValidation = "VALIDATION_ERROR"
	ErrorTypeDownstream = "DOWNSTREAM_ERROR"
	ErrorTypeEngine     = "ENGINE_ERROR"
	ErrorTypeMalformed  = "MALFORMED_MESSAGE"
)

// ErrorEnvelope is the operator-facing record of a failed message. The
// original message is always included so the work can be replayed.
type ErrorEnvelope struct {
	Timestamp       time.Time       `json:"timestamp"`
	OriginalMessage json.RawMessage `json:"originalMessage"`
	ErrorType       string          `json:"errorType"`
	ErrorMessage    string          `json:"errorMessage"`
	SuggestedAction string          `json:"suggestedAction"`
}

// NewErrorEnvelope builds an error envelope around a raw message.
func NewErrorEnvelope(original []byte, errorType, errorMessage, suggestedAction string) ErrorEnvelope {
	return ErrorEnvelope{
		Timestamp:       time.Now().UTC(),
		OriginalMessage: json.RawMessage(original),
		ErrorType:       errorType,
		ErrorMessage:    errorMessage,
		SuggestedAction: suggestedAction,
	}
}
