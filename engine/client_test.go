package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "worker-test", "", 5*time.Second, nil)
	require.NoError(t, err)
	return client, srv
}

func TestFetchAndLock(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/external-task/fetchAndLock", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"T1","topicName":"send-task","activityId":"Act_1",
			"processInstanceId":"pi-1","processDefinitionKey":"P",
			"variables":{"deadline":{"value":"2030-01-10T00:00:00","type":"String"}}}]`))
	}))

	tasks, err := client.FetchAndLock(context.Background(), []TopicRequest{
		{TopicName: "send-task", LockDuration: 60000},
	}, 10, 25000)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, "Act_1", tasks[0].ActivityID)
	assert.Equal(t, "String", tasks[0].Variables["deadline"].Type)

	assert.Equal(t, "worker-test", gotBody["workerId"])
	assert.Equal(t, float64(10), gotBody["maxTasks"])
	assert.Equal(t, true, gotBody["usePriority"])
}

func TestCompleteStatuses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantErr  bool
		wantGone bool
	}{
		{"success", http.StatusNoContent, false, false},
		{"gone", http.StatusNotFound, true, true},
		{"engine error", http.StatusInternalServerError, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/external-task/T1/complete", r.URL.Path)
				w.WriteHeader(tt.status)
			}))

			err := client.Complete(context.Background(), "T1", map[string]Variable{
				"Act_1": StringVariable("ok"),
			})
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantGone, errors.Is(err, ErrTaskNotFound))
		})
	}
}

func TestFailSendsRetries(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/external-task/T1/failure", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.Fail(context.Background(), "T1", "publish failed", "queue down", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(0), gotBody["retries"])
	assert.Equal(t, "publish failed", gotBody["errorMessage"])
}

func TestProcessVariables(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process-instance/pi-1/variables", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"startedBy":{"value":"17","type":"String"},"deadline":{"value":"2030-01-10T00:00:00","type":"String"}}`))
	}))

	vars, err := client.ProcessVariables(context.Background(), "pi-1")
	require.NoError(t, err)
	assert.Equal(t, "17", vars["startedBy"].Value)
	assert.Len(t, vars, 2)
}

func TestProcessDefinitionXML(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/process-definition/def-1/xml", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "def-1", "bpmn20Xml": sampleBPMN})
	}))

	xmlData, err := client.ProcessDefinitionXML(context.Background(), "def-1")
	require.NoError(t, err)
	assert.Contains(t, xmlData, "Prepare contract")
	assert.Equal(t, int64(1), calls.Load())
}
