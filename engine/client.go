package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nativebpm/connectors/httpclient"
)

// ErrTaskNotFound reports that the engine no longer knows the task: it was
// already completed or its lock expired. Callers treat this as success.
var ErrTaskNotFound = errors.New("engine: external task not found")

// ErrEngineUnavailable reports a connectivity-level failure.
var ErrEngineUnavailable = errors.New("engine: unavailable")

// ExternalTask is an engine-owned unit of work returned by fetchAndLock.
type ExternalTask struct {
	ID                   string              `json:"id"`
	TopicName            string              `json:"topicName"`
	WorkerID             string              `json:"workerId"`
	ProcessInstanceID    string              `json:"processInstanceId"`
	ProcessDefinitionID  string              `json:"processDefinitionId"`
	ProcessDefinitionKey string              `json:"processDefinitionKey"`
	ActivityID           string              `json:"activityId"`
	ActivityInstanceID   string              `json:"activityInstanceId"`
	Retries              *int                `json:"retries"`
	Priority             int                 `json:"priority"`
	TenantID             string              `json:"tenantId"`
	BusinessKey          string              `json:"businessKey"`
	Variables            map[string]Variable `json:"variables"`
	CreateTime           string              `json:"createTime"`
}

// TopicRequest is one topic subscription inside a fetchAndLock call.
type TopicRequest struct {
	TopicName    string   `json:"topicName"`
	LockDuration int      `json:"lockDuration"`
	Variables    []string `json:"variables,omitempty"`
	TenantIDIn   []string `json:"tenantIdIn,omitempty"`
}

// Client talks to the engine REST API.
type Client struct {
	http     *httpclient.HTTPClient
	raw      *http.Client
	baseURL  string
	workerID string
	tenantID string
	logger   *slog.Logger
}

// NewClient creates an engine client. workerID must be unique per process
// instance; it is sent with every lock-scoped call.
func NewClient(baseURL, workerID, tenantID string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hc, err := httpclient.NewClient(http.Client{Timeout: timeout}, baseURL)
	if err != nil {
		return nil, fmt.Errorf("create engine HTTP client: %w", err)
	}
	hc.WithLogger(logger)
	return &Client{
		http:     hc,
		raw:      &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		workerID: workerID,
		tenantID: tenantID,
		logger:   logger,
	}, nil
}

// WorkerID returns the identity used for engine locks.
func (c *Client) WorkerID() string {
	return c.workerID
}

// FetchAndLock locks up to maxTasks external tasks for the given topics.
func (c *Client) FetchAndLock(ctx context.Context, topics []TopicRequest, maxTasks, asyncResponseTimeout int) ([]ExternalTask, error) {
	if c.tenantID != "" {
		for i := range topics {
			topics[i].TenantIDIn = []string{c.tenantID}
		}
	}

	req := struct {
		WorkerID             string         `json:"workerId"`
		MaxTasks             int            `json:"maxTasks"`
		UsePriority          bool           `json:"usePriority"`
		AsyncResponseTimeout int            `json:"asyncResponseTimeout,omitempty"`
		Topics               []TopicRequest `json:"topics"`
	}{
		WorkerID:             c.workerID,
		MaxTasks:             maxTasks,
		UsePriority:          true,
		AsyncResponseTimeout: asyncResponseTimeout,
		Topics:               topics,
	}

	resp, err := c.http.POST(ctx, "/external-task/fetchAndLock").
		JSON(req).
		Send()
	if err != nil {
		return nil, fmt.Errorf("%w: fetchAndLock: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read fetchAndLock response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetchAndLock failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tasks []ExternalTask
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

// Complete acknowledges a locked task with its output variables.
// A 404 from the engine maps to ErrTaskNotFound.
func (c *Client) Complete(ctx context.Context, taskID string, variables map[string]Variable) error {
	req := struct {
		WorkerID  string              `json:"workerId"`
		Variables map[string]Variable `json:"variables,omitempty"`
	}{
		WorkerID:  c.workerID,
		Variables: variables,
	}

	resp, err := c.http.POST(ctx, "/external-task/{taskID}/complete").
		PathParam("taskID", taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("%w: complete %s: %v", ErrEngineUnavailable, taskID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read complete response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	default:
		return fmt.Errorf("complete %s failed with status %d: %s", taskID, resp.StatusCode, string(body))
	}
}

// Fail reports a task failure to the engine. retries=0 stops engine-side
// retrying and surfaces an incident for operators.
func (c *Client) Fail(ctx context.Context, taskID, errorMessage, errorDetails string, retries, retryTimeout int) error {
	req := struct {
		WorkerID     string `json:"workerId"`
		ErrorMessage string `json:"errorMessage,omitempty"`
		ErrorDetails string `json:"errorDetails,omitempty"`
		Retries      int    `json:"retries"`
		RetryTimeout int    `json:"retryTimeout"`
	}{
		WorkerID:     c.workerID,
		ErrorMessage: errorMessage,
		ErrorDetails: errorDetails,
		Retries:      retries,
		RetryTimeout: retryTimeout,
	}

	resp, err := c.http.POST(ctx, "/external-task/{taskID}/failure").
		PathParam("taskID", taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("%w: failure %s: %v", ErrEngineUnavailable, taskID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read failure response: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failure %s failed with status %d: %s", taskID, resp.StatusCode, string(body))
	}
	return nil
}

// ExtendLock extends the lock of a task this worker holds.
func (c *Client) ExtendLock(ctx context.Context, taskID string, newDuration int) error {
	req := struct {
		WorkerID    string `json:"workerId"`
		NewDuration int    `json:"newDuration"`
	}{
		WorkerID:    c.workerID,
		NewDuration: newDuration,
	}

	resp, err := c.http.POST(ctx, "/external-task/{taskID}/extendLock").
		PathParam("taskID", taskID).
		JSON(req).
		Send()
	if err != nil {
		return fmt.Errorf("%w: extendLock %s: %v", ErrEngineUnavailable, taskID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read extendLock response: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("extendLock %s failed with status %d: %s", taskID, resp.StatusCode, string(body))
	}
	return nil
}

// Unlock releases a lock without completing or failing the task.
func (c *Client) Unlock(ctx context.Context, taskID string) error {
	resp, err := c.http.POST(ctx, "/external-task/{taskID}/unlock").
		PathParam("taskID", taskID).
		JSON(struct{}{}).
		Send()
	if err != nil {
		return fmt.Errorf("%w: unlock %s: %v", ErrEngineUnavailable, taskID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read unlock response: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unlock %s failed with status %d: %s", taskID, resp.StatusCode, string(body))
	}
	return nil
}

// ProcessVariables reads all variables of a process instance.
func (c *Client) ProcessVariables(ctx context.Context, processInstanceID string) (map[string]Variable, error) {
	u := fmt.Sprintf("%s/process-instance/%s/variables", c.baseURL, url.PathEscape(processInstanceID))
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var vars map[string]Variable
	if err := json.Unmarshal(body, &vars); err != nil {
		return nil, fmt.Errorf("unmarshal process variables: %w", err)
	}
	return vars, nil
}

// ProcessDefinitionXML fetches the BPMN 2.0 XML of a process definition.
func (c *Client) ProcessDefinitionXML(ctx context.Context, processDefinitionID string) (string, error) {
	u := fmt.Sprintf("%s/process-definition/%s/xml", c.baseURL, url.PathEscape(processDefinitionID))
	body, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}

	var result struct {
		ID      string `json:"id"`
		BPMN20X string `json:"bpmn20Xml"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal definition XML: %w", err)
	}
	return result.BPMN20X, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.raw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrEngineUnavailable, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, u)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s failed with status %d: %s", u, resp.StatusCode, string(body))
	}
	return body, nil
}
