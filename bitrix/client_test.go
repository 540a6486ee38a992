package bitrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// portalStub routes portal REST methods to canned handlers.
type portalStub struct {
	t        *testing.T
	handlers map[string]func(params map[string]any) (any, *apiError)
	calls    map[string]int
}

func newPortalStub(t *testing.T) *portalStub {
	return &portalStub{
		t:        t,
		handlers: make(map[string]func(map[string]any) (any, *apiError)),
		calls:    make(map[string]int),
	}
}

func (s *portalStub) on(method string, fn func(map[string]any) (any, *apiError)) {
	s.handlers[method] = fn
}

func (s *portalStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[1:]
	s.calls[method]++

	handler, ok := s.handlers[method]
	if !ok {
		s.t.Errorf("unexpected portal method %s", method)
		http.NotFound(w, r)
		return
	}

	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)

	result, apiErr := handler(params)
	w.Header().Set("Content-Type", "application/json")
	if apiErr != nil {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             apiErr.Code,
			"error_description": apiErr.Description,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func newTestClient(t *testing.T) (*Client, *portalStub) {
	t.Helper()
	stub := newPortalStub(t)
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, 5*time.Second, nil)
	require.NoError(t, err)
	return client, stub
}

func TestTaskAdd(t *testing.T) {
	client, stub := newTestClient(t)
	stub.on("tasks.task.add", func(params map[string]any) (any, *apiError) {
		fields := params["fields"].(map[string]any)
		assert.Equal(t, "T1", fields[FieldExternalTaskID])
		return map[string]any{"task": map[string]any{"id": "42", "title": fields["TITLE"]}}, nil
	})

	task, err := client.TaskAdd(context.Background(), NewTaskFields{
		"TITLE":             "Prepare contract",
		FieldExternalTaskID: "T1",
	})
	require.NoError(t, err)
	assert.Equal(t, 42, task.ID.Int())
	assert.Equal(t, "Prepare contract", task.Title)
}

func TestTaskAddAssigneeRejected(t *testing.T) {
	client, stub := newTestClient(t)
	stub.on("tasks.task.add", func(map[string]any) (any, *apiError) {
		return nil, &apiError{Code: "ERROR_TASK_RESPONSIBLE_NOT_FOUND", Description: "Responsible user not found"}
	})

	_, err := client.TaskAdd(context.Background(), NewTaskFields{"RESPONSIBLE_ID": 9999})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssigneeNotFound))
}

func TestFindByExternalTaskID(t *testing.T) {
	client, stub := newTestClient(t)
	stub.on("tasks.task.list", func(params map[string]any) (any, *apiError) {
		filter := params["filter"].(map[string]any)
		if filter[FieldExternalTaskID] == "T1" {
			return map[string]any{"tasks": []map[string]any{{"id": 42, "ufExternalTaskId": "T1"}}}, nil
		}
		return map[string]any{"tasks": []map[string]any{}}, nil
	})

	task, err := client.FindByExternalTaskID(context.Background(), "T1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 42, task.ID.Int())

	task, err = client.FindByExternalTaskID(context.Background(), "T2")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestTaskResultsEnrichAttachments(t *testing.T) {
	client, stub := newTestClient(t)
	stub.on("tasks.task.result.list", func(params map[string]any) (any, *apiError) {
		return []map[string]any{
			{"ID": 1, "COMMENT_ID": 7, "TEXT": "done &amp; signed"},
			{"ID": 2, "TEXT": "no comment"},
		}, nil
	})
	stub.on("task.commentitem.get", func(params map[string]any) (any, *apiError) {
		assert.Equal(t, float64(7), params["ITEMID"])
		return map[string]any{"ATTACHED_OBJECTS": map[string]any{
			"11": map[string]any{"FILE_ID": 11, "NAME": "contract.pdf", "SIZE": 1024},
		}}, nil
	})

	results, err := client.TaskResults(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, results[0].Attachments, 1)
	assert.Equal(t, "contract.pdf", results[0].Attachments[0].Name)
	assert.Empty(t, results[1].Attachments)
}

func TestTemplateGetNotFound(t *testing.T) {
	client, stub := newTestClient(t)
	stub.on("imena.camunda.tasktemplate.get", func(map[string]any) (any, *apiError) {
		return map[string]any{}, nil
	})

	_, err := client.TemplateGet(context.Background(), "P", "Act_1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCheckRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		fields  []map[string]any
		wantErr string
	}{
		{
			name: "all present",
			fields: []map[string]any{
				{"FIELD_NAME": FieldExternalTaskID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldElementID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldProcessInstanceID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldResultAnswer, "USER_TYPE_ID": "enumeration"},
				{"FIELD_NAME": FieldResultQuestion, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldResultExpected, "USER_TYPE_ID": "boolean"},
			},
		},
		{
			name: "missing answer field",
			fields: []map[string]any{
				{"FIELD_NAME": FieldExternalTaskID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldElementID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldProcessInstanceID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldResultQuestion, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldResultExpected, "USER_TYPE_ID": "boolean"},
			},
			wantErr: FieldResultAnswer,
		},
		{
			name: "wrong type",
			fields: []map[string]any{
				{"FIELD_NAME": FieldExternalTaskID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldElementID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldProcessInstanceID, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldResultAnswer, "USER_TYPE_ID": "enumeration"},
				{"FIELD_NAME": FieldResultQuestion, "USER_TYPE_ID": "string"},
				{"FIELD_NAME": FieldResultExpected, "USER_TYPE_ID": "string"},
			},
			wantErr: FieldResultExpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, stub := newTestClient(t)
			stub.on("imena.camunda.userfield.list", func(map[string]any) (any, *apiError) {
				return tt.fields, nil
			})

			err := client.CheckRequiredFields(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTemplateCacheCachesNotFound(t *testing.T) {
	client, stub := newTestClient(t)
	stub.on("imena.camunda.tasktemplate.get", func(map[string]any) (any, *apiError) {
		return map[string]any{}, nil
	})

	cache, err := NewTemplateCache(client, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := cache.TemplateGet(context.Background(), "P", "Act_1")
		assert.True(t, errors.Is(err, ErrNotFound))
	}
	assert.Equal(t, 1, stub.calls["imena.camunda.tasktemplate.get"])
}

func TestFlexInt(t *testing.T) {
	var payload struct {
		A FlexInt `json:"a"`
		B FlexInt `json:"b"`
		C FlexInt `json:"c"`
		D FlexInt `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":7,"b":"8","c":"","d":null}`), &payload))
	assert.Equal(t, 7, payload.A.Int())
	assert.Equal(t, 8, payload.B.Int())
	assert.Equal(t, 0, payload.C.Int())
	assert.Equal(t, 0, payload.D.Int())
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, 1, float64(1), "Y", "y", "1", "yes", "да", "true"} {
		assert.True(t, Truthy(v), "expected %v to be truthy", v)
	}
	for _, v := range []any{false, 0, float64(0), "", "N", "no", "нет", nil} {
		assert.False(t, Truthy(v), "expected %v to be falsy", v)
	}
}
