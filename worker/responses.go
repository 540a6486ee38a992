package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/imena/camunda-exchanger/bitrix"
	"github.com/imena/camunda-exchanger/engine"
	"github.com/imena/camunda-exchanger/metrics"
	"github.com/imena/camunda-exchanger/mq"
)

// Answer labels coming back from the downstream result enum and the
// engine-side values they map to.
const (
	answerYes = "ДА"
	answerNo  = "НЕТ"

	engineAnswerOK = "ok"
	engineAnswerNo = "no"
)

// fetchWait bounds one responses-queue fetch.
const fetchWait = 2 * time.Second

// drainLoop pulls completion events on a heartbeat and acknowledges the
// engine for each.
func (w *Worker) drainLoop(ctx context.Context) {
	logger := w.logger.With("loop", "responses")
	logger.Info("Response drain started", "interval", w.cfg.ResponseInterval)

	ticker := time.NewTicker(w.cfg.ResponseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := w.responses.Fetch(ctx, w.cfg.ResponseBatch, fetchWait)
		if err != nil {
			if !errors.Is(err, mq.ErrNoMessage) && ctx.Err() == nil {
				logger.Error("Failed to fetch responses", "error", err)
			}
			continue
		}

		for _, msg := range msgs {
			w.processResponse(ctx, msg, logger)
		}
	}
}

// processResponse completes one engine task from a completion event. The
// message is always acked: responses carry enriched data and replaying
// them risks duplicate engine-side effects, so hard failures go to the
// errors queue instead of back onto the responses queue.
func (w *Worker) processResponse(ctx context.Context, msg mq.Message, logger *slog.Logger) {
	var event mq.CompletionEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		w.toErrors(ctx, msg.Data(), mq.ErrorTypeMalformed,
			fmt.Sprintf("unparseable completion event: %v", err),
			"inspect the message and replay manually if needed", logger)
		w.ack(msg, logger)
		return
	}

	taskID := event.OriginalMessage.TaskID
	if taskID == "" {
		w.toErrors(ctx, msg.Data(), mq.ErrorTypeMalformed,
			"completion event has no taskId",
			"inspect the message and replay manually if needed", logger)
		w.ack(msg, logger)
		return
	}

	logger = logger.With("task_id", taskID, "activity_id", event.OriginalMessage.ActivityID)
	variables := completionVariables(&event, logger)

	err := w.engine.Complete(ctx, taskID, variables)
	switch {
	case err == nil:
		metrics.Completions.WithLabelValues("ok").Inc()
		logger.Info("Engine task completed", "variables", len(variables))
	case errors.Is(err, engine.ErrTaskNotFound):
		// Already completed or the lock expired; either way the engine
		// moved on and the response is spent.
		metrics.Completions.WithLabelValues("gone").Inc()
		logger.Info("Engine task already gone, treating as completed")
	default:
		metrics.Completions.WithLabelValues("error").Inc()
		logger.Error("Engine completion failed", "error", err)
		w.toErrors(ctx, msg.Data(), mq.ErrorTypeEngine,
			fmt.Sprintf("complete %s failed: %v", taskID, err),
			"check engine availability, then replay the original message", logger)
	}
	w.ack(msg, logger)
}

func (w *Worker) toErrors(ctx context.Context, original []byte, errorType, message, action string, logger *slog.Logger) {
	metrics.ErrorEnvelopes.WithLabelValues(errorType).Inc()
	envelope := mq.NewErrorEnvelope(original, errorType, message, action)
	if err := w.bus.PublishError(ctx, envelope); err != nil {
		logger.Error("Failed to publish error envelope",
			"error_type", errorType,
			"error", err)
	}
}

func (w *Worker) ack(msg mq.Message, logger *slog.Logger) {
	if err := msg.Ack(); err != nil {
		logger.Error("Failed to ack response message", "error", err)
	}
}

// completionVariables builds the engine variable map for one completion
// event: the original task variables, a normalized slice of the downstream
// response, the expanded questionnaire answers, and — only when an answer
// was expected — the activity answer variable.
func completionVariables(event *mq.CompletionEvent, logger *slog.Logger) map[string]engine.Variable {
	variables := make(map[string]engine.Variable, len(event.OriginalMessage.Variables)+8)
	for name, v := range event.OriginalMessage.Variables {
		variables[name] = v
	}

	activityID := event.OriginalMessage.ActivityID
	task := event.ResponseData.Result.Task

	// Only a strict subset of the downstream task is copied back; a bulk
	// dump would pollute the engine's variable space.
	if task.ID.Valid() {
		variables[activityID+"_taskId"] = engine.LongVariable(int64(task.ID))
	}
	if task.Title != "" {
		variables[activityID+"_taskTitle"] = engine.StringVariable(task.Title)
	}
	variables[activityID+"_taskStatus"] = engine.LongVariable(int64(task.Status))
	if task.ResultAnswerText != "" {
		variables[activityID+"_resultAnswerText"] = engine.StringVariable(task.ResultAnswerText)
	}

	expandQuestionnaires(variables, activityID, event.ResponseData.Questionnaires, logger)

	if bitrix.Truthy(task.ResultExpected) {
		if _, exists := variables[activityID]; !exists {
			variables[activityID] = engine.StringVariable(answerValue(task.ResultAnswerText, logger))
		}
	}

	return variables
}

// expandQuestionnaires flattens questionnaire answers into process
// variables named {activityId}_{questionnaireCode}_{questionCode}.
func expandQuestionnaires(variables map[string]engine.Variable, activityID string, set *bitrix.QuestionnaireSet, logger *slog.Logger) {
	if set == nil {
		return
	}

	for _, q := range set.Items {
		for _, question := range q.Questions {
			if question.Code == "" {
				continue
			}
			name := activityID + "_" + q.Code + "_" + question.Code
			variables[name] = coerceAnswer(question, logger.With("variable", name))
		}
	}
}

// coerceAnswer converts a raw questionnaire answer by question type.
func coerceAnswer(question bitrix.Question, logger *slog.Logger) engine.Variable {
	switch strings.ToLower(question.Type) {
	case "boolean":
		// Gateways compare against concrete booleans, so a missing answer
		// must become false rather than null.
		return engine.BooleanVariable(bitrix.Truthy(question.Answer))
	case "integer":
		switch v := question.Answer.(type) {
		case nil:
			return engine.NullVariable()
		case float64:
			return engine.LongVariable(int64(v))
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				logger.Warn("Integer answer is not numeric, keeping string", "answer", v)
				return engine.StringVariable(v)
			}
			return engine.LongVariable(n)
		default:
			return engine.StringVariable(fmt.Sprintf("%v", v))
		}
	default:
		// string, date, user, enum, universal_list and anything unknown
		// all travel as strings.
		switch v := question.Answer.(type) {
		case nil:
			return engine.NullVariable()
		case string:
			return engine.StringVariable(v)
		case float64:
			if v == float64(int64(v)) {
				return engine.StringVariable(strconv.FormatInt(int64(v), 10))
			}
			return engine.StringVariable(strconv.FormatFloat(v, 'f', -1, 64))
		default:
			return engine.StringVariable(fmt.Sprintf("%v", v))
		}
	}
}

// answerValue maps the resolved answer text to the engine-side value.
// Anything but an explicit yes means no.
func answerValue(text string, logger *slog.Logger) string {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case answerYes:
		return engineAnswerOK
	case answerNo:
		return engineAnswerNo
	case "":
		logger.Warn("Answer expected but response carries none, defaulting to no")
		return engineAnswerNo
	default:
		logger.Warn("Unknown answer text, defaulting to no", "answer", text)
		return engineAnswerNo
	}
}
