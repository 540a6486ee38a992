package bitrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nativebpm/connectors/httpclient"
)

// ErrNotFound reports that the requested entity does not exist downstream.
var ErrNotFound = errors.New("bitrix: not found")

// ErrAssigneeNotFound reports that the portal rejected the responsible
// user of a new task. This is operator-actionable, not retryable.
var ErrAssigneeNotFound = errors.New("bitrix: assignee not found")

// ErrUnavailable reports a connectivity-level failure.
var ErrUnavailable = errors.New("bitrix: unavailable")

// apiError is the portal's error envelope.
type apiError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Client talks to the portal REST API through a pre-issued webhook URL.
// Every method is an HTTP POST of a JSON parameter object.
type Client struct {
	http   *httpclient.HTTPClient
	logger *slog.Logger
}

// NewClient creates a portal client. webhookURL is the authenticated REST
// root including the token segment.
func NewClient(webhookURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hc, err := httpclient.NewClient(http.Client{Timeout: timeout}, strings.TrimRight(webhookURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("create portal HTTP client: %w", err)
	}
	hc.WithLogger(logger)
	return &Client{http: hc, logger: logger}, nil
}

// call invokes one REST method and decodes the result envelope into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.http.POST(ctx, "/"+method).
		JSON(params).
		Send()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		apiError
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s returned status %d with unparseable body: %s", method, resp.StatusCode, truncate(body))
	}

	if envelope.Code != "" || resp.StatusCode >= http.StatusBadRequest {
		return classifyError(method, resp.StatusCode, envelope.apiError)
	}

	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// classifyError maps a portal error envelope onto the package sentinels.
func classifyError(method string, status int, e apiError) error {
	desc := strings.ToLower(e.Description)
	code := strings.ToUpper(e.Code)

	switch {
	case strings.Contains(code, "RESPONSIBLE") || strings.Contains(code, "ASSIGNEE"),
		strings.Contains(desc, "responsible") && strings.Contains(desc, "not found"),
		strings.Contains(desc, "ответствен") && strings.Contains(desc, "не найден"):
		return fmt.Errorf("%w: %s: %s %s", ErrAssigneeNotFound, method, e.Code, e.Description)
	case status == http.StatusNotFound || strings.Contains(code, "NOT_FOUND"):
		return fmt.Errorf("%w: %s: %s %s", ErrNotFound, method, e.Code, e.Description)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: status %d: %s %s", ErrUnavailable, method, status, e.Code, e.Description)
	default:
		return fmt.Errorf("%s failed: status %d: %s %s", method, status, e.Code, e.Description)
	}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// taskSelect is the field list requested on every task read.
var taskSelect = []string{
	"ID", "TITLE", "DESCRIPTION", "STATUS", "CREATED_BY", "RESPONSIBLE_ID",
	"GROUP_ID", "PARENT_ID",
	FieldExternalTaskID, FieldElementID, FieldProcessInstanceID,
	FieldResultAnswer, FieldResultExpected,
}

// TaskAdd creates a task and returns its fresh state.
func (c *Client) TaskAdd(ctx context.Context, fields NewTaskFields) (*Task, error) {
	var result struct {
		Task Task `json:"task"`
	}
	params := map[string]any{"fields": fields}
	if err := c.call(ctx, "tasks.task.add", params, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// TaskGet reads one task by id.
func (c *Client) TaskGet(ctx context.Context, taskID int) (*Task, error) {
	var result struct {
		Task Task `json:"task"`
	}
	params := map[string]any{"taskId": taskID, "select": taskSelect}
	if err := c.call(ctx, "tasks.task.get", params, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// TaskList lists tasks matching a filter on the portal's field names,
// custom fields included.
func (c *Client) TaskList(ctx context.Context, filter map[string]any) ([]Task, error) {
	var result struct {
		Tasks []Task `json:"tasks"`
	}
	params := map[string]any{"filter": filter, "select": taskSelect}
	if err := c.call(ctx, "tasks.task.list", params, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// FindByExternalTaskID is the idempotency probe: at most one downstream
// task may exist per engine taskId.
func (c *Client) FindByExternalTaskID(ctx context.Context, externalTaskID string) (*Task, error) {
	tasks, err := c.TaskList(ctx, map[string]any{FieldExternalTaskID: externalTaskID})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	if len(tasks) > 1 {
		c.logger.Warn("Multiple downstream tasks share one external task id",
			"external_task_id", externalTaskID,
			"count", len(tasks))
	}
	return &tasks[0], nil
}

// FindByElement locates the task created for one diagram element within
// one process instance. Predecessor lookup never crosses instances.
func (c *Client) FindByElement(ctx context.Context, elementID, processInstanceID string) (*Task, error) {
	tasks, err := c.TaskList(ctx, map[string]any{
		FieldElementID:         elementID,
		FieldProcessInstanceID: processInstanceID,
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// AttachFile attaches an existing portal file object to a task.
func (c *Client) AttachFile(ctx context.Context, taskID, fileID int) error {
	params := map[string]any{"taskId": taskID, "fileId": fileID}
	return c.call(ctx, "tasks.task.files.attach", params, nil)
}

// ChecklistItemAdd adds a checklist row. parentID 0 creates a group.
// Returns the new item id for use as a child's parent.
func (c *Client) ChecklistItemAdd(ctx context.Context, taskID int, title string, parentID int) (int, error) {
	var itemID FlexInt
	params := map[string]any{
		"taskId": taskID,
		"fields": map[string]any{
			"TITLE":     title,
			"PARENT_ID": parentID,
		},
	}
	if err := c.call(ctx, "task.checklistitem.add", params, &itemID); err != nil {
		return 0, err
	}
	return itemID.Int(), nil
}

// TaskResults lists the results of a task, each enriched with its
// comment's attachments.
func (c *Client) TaskResults(ctx context.Context, taskID int) ([]TaskResult, error) {
	var results []TaskResult
	params := map[string]any{"taskId": taskID}
	if err := c.call(ctx, "tasks.task.result.list", params, &results); err != nil {
		return nil, err
	}

	for i := range results {
		if !results[i].CommentID.Valid() {
			continue
		}
		attachments, err := c.CommentAttachments(ctx, taskID, results[i].CommentID.Int())
		if err != nil {
			c.logger.Warn("Failed to load result comment attachments",
				"task_id", taskID,
				"comment_id", results[i].CommentID.Int(),
				"error", err)
			continue
		}
		results[i].Attachments = attachments
	}
	return results, nil
}

// CommentAttachments reads the files attached to one task comment.
func (c *Client) CommentAttachments(ctx context.Context, taskID, commentID int) ([]Attachment, error) {
	var comment struct {
		AttachedObjects map[string]Attachment `json:"ATTACHED_OBJECTS"`
	}
	params := map[string]any{"TASKID": taskID, "ITEMID": commentID}
	if err := c.call(ctx, "task.commentitem.get", params, &comment); err != nil {
		return nil, err
	}

	attachments := make([]Attachment, 0, len(comment.AttachedObjects))
	for _, a := range comment.AttachedObjects {
		attachments = append(attachments, a)
	}
	return attachments, nil
}

// UserGet reads one user.
func (c *Client) UserGet(ctx context.Context, userID int) (*User, error) {
	var users []User
	params := map[string]any{"ID": userID}
	if err := c.call(ctx, "user.get", params, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	return &users[0], nil
}

// ListElementGet reads one universal-list element by iblock and id.
func (c *Client) ListElementGet(ctx context.Context, iblockID int, elementID string) (*ListElement, error) {
	var elements []ListElement
	params := map[string]any{
		"IBLOCK_TYPE_ID": "lists",
		"IBLOCK_ID":      iblockID,
		"ELEMENT_ID":     elementID,
	}
	if err := c.call(ctx, "lists.element.get", params, &elements); err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: list element %s in iblock %d", ErrNotFound, elementID, iblockID)
	}
	return &elements[0], nil
}

// TemplateGet fetches the task template bound to a diagram element.
// Returns ErrNotFound when no template is configured.
func (c *Client) TemplateGet(ctx context.Context, processDefinitionKey, elementID string) (*Template, error) {
	var tpl Template
	params := map[string]any{
		"processDefinitionKey": processDefinitionKey,
		"elementId":            elementID,
	}
	if err := c.call(ctx, "imena.camunda.tasktemplate.get", params, &tpl); err != nil {
		return nil, err
	}
	if !tpl.ID.Valid() {
		return nil, fmt.Errorf("%w: template for %s/%s", ErrNotFound, processDefinitionKey, elementID)
	}
	return &tpl, nil
}

// TemplateGetByID fetches a template by its id.
func (c *Client) TemplateGetByID(ctx context.Context, templateID int) (*Template, error) {
	var tpl Template
	params := map[string]any{"templateId": templateID}
	if err := c.call(ctx, "imena.camunda.tasktemplate.get", params, &tpl); err != nil {
		return nil, err
	}
	if !tpl.ID.Valid() {
		return nil, fmt.Errorf("%w: template %d", ErrNotFound, templateID)
	}
	return &tpl, nil
}

// DiagramProperties lists the process-variable descriptions of a diagram.
func (c *Client) DiagramProperties(ctx context.Context, processDefinitionKey string) ([]DiagramProperty, error) {
	var props []DiagramProperty
	params := map[string]any{"processDefinitionKey": processDefinitionKey}
	if err := c.call(ctx, "imena.camunda.diagram.properties.list", params, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// ResponsibleGet resolves the assignee, predecessors and template id of a
// diagram element.
func (c *Client) ResponsibleGet(ctx context.Context, processDefinitionKey, elementID string) (*Responsible, error) {
	var r Responsible
	params := map[string]any{
		"processDefinitionKey": processDefinitionKey,
		"elementId":            elementID,
	}
	if err := c.call(ctx, "imena.camunda.diagram.responsible.get", params, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DependencyAdd records a Finish-Start predecessor link. Idempotent on
// the portal side.
func (c *Client) DependencyAdd(ctx context.Context, taskID, dependsOnID int) error {
	params := map[string]any{
		"taskId":      taskID,
		"dependsOnId": dependsOnID,
		"type":        DependencyFinishStart,
	}
	return c.call(ctx, "imena.camunda.task.dependency.add", params, nil)
}

// TaskQuestionnaires reads the questionnaires of a task with their
// answers filled in.
func (c *Client) TaskQuestionnaires(ctx context.Context, taskID int) (*QuestionnaireSet, error) {
	var set QuestionnaireSet
	params := map[string]any{"taskId": taskID}
	if err := c.call(ctx, "imena.camunda.task.questionnaire.list", params, &set.Items); err != nil {
		return nil, err
	}
	return &set, nil
}

// QuestionnaireAdd attaches a questionnaire to a task.
func (c *Client) QuestionnaireAdd(ctx context.Context, taskID, questionnaireID int) error {
	params := map[string]any{
		"taskId":          taskID,
		"questionnaireId": questionnaireID,
	}
	return c.call(ctx, "imena.camunda.task.questionnaire.add", params, nil)
}

// SupervisorGet resolves the organizational supervisor of a user.
// Returns 0 without error when the user has none.
func (c *Client) SupervisorGet(ctx context.Context, userID int) (int, error) {
	var result struct {
		SupervisorID FlexInt `json:"supervisorId"`
	}
	params := map[string]any{"userId": userID}
	if err := c.call(ctx, "imena.camunda.user.supervisor.get", params, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return result.SupervisorID.Int(), nil
}

// UserFieldList lists the portal's custom task fields.
func (c *Client) UserFieldList(ctx context.Context) ([]UserField, error) {
	var fields []UserField
	if err := c.call(ctx, "imena.camunda.userfield.list", map[string]any{}, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Sync triggers the portal-side synchronization of one process instance.
func (c *Client) Sync(ctx context.Context, processDefinitionKey, processInstanceID string) error {
	params := map[string]any{
		"processDefinitionKey": processDefinitionKey,
		"processInstanceId":    processInstanceID,
	}
	return c.call(ctx, "imena.camunda.sync", params, nil)
}
