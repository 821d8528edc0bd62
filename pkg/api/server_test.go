package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/asyncq/pkg/heartbeat"
	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/metrics"
	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) TaskSubmitted(taskID, callbackURL string) {
	m.Called(taskID, callbackURL)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Submit(payload interface{}) (string, error) {
	args := m.Called(payload)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) GetStatus(id string) (tasks.Snapshot, bool) {
	args := m.Called(id)
	return args.Get(0).(tasks.Snapshot), args.Bool(1)
}

func (m *mockEngine) Stats() manager.Stats {
	return m.Called().Get(0).(manager.Stats)
}

func (m *mockEngine) Run(ctx context.Context, payload interface{}) (interface{}, error) {
	args := m.Called(ctx, payload)
	return args.Get(0), args.Error(1)
}

func process(_ context.Context, payload interface{}) (interface{}, error) {
	data := payload.(map[string]interface{})
	if data["fail"] == true {
		return nil, errors.New("asked to fail")
	}
	return map[string]interface{}{"processed": data}, nil
}

func newManager(t *testing.T) *manager.Manager {
	t.Helper()
	m, err := manager.New(manager.Config{QueueSize: 10, Workers: 2, PollInterval: 20 * time.Millisecond}, process,
		manager.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func TestHealthz(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop())).Handler()
	rr := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop()), WithCORSOrigin("https://example.com")).Handler()
	rr := do(t, h, http.MethodOptions, "/api/v1/async", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSync(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop())).Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/sync", `{"data":{"text":"  hello "}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"processed":{"text":"hello"}}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/api/v1/sync", `{"data":{"fail":true}}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var er ErrorResponse
	decode(t, rr, &er)
	assert.Equal(t, "processing failed", er.Error)
	assert.Contains(t, er.Detail, "asked to fail")
	assert.NotEmpty(t, er.RequestID)
}

func TestSync_BadRequests(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop())).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"data":`},
		{"missing data", `{}`},
		{"data not an object", `{"data":"x"}`},
		{"invalid text", `{"data":{"text":"   "}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/v1/sync", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestAsync_SubmitThenPoll(t *testing.T) {
	notifier := new(mockNotifier)
	notifier.On("TaskSubmitted", mock.AnythingOfType("string"), "https://example.com/hook").Once()
	h := New(newManager(t), WithLogger(zerolog.Nop()), WithNotifier(notifier)).Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/async", `{"data":{"n":1},"callback_url":"https://example.com/hook"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var tr TaskResponse
	decode(t, rr, &tr)
	require.NotEmpty(t, tr.TaskID)
	notifier.AssertCalled(t, "TaskSubmitted", tr.TaskID, "https://example.com/hook")

	var snap tasks.Snapshot
	require.Eventually(t, func() bool {
		rr := do(t, h, http.MethodGet, "/api/v1/task/"+tr.TaskID, "")
		if rr.Code != http.StatusOK {
			return false
		}
		decode(t, rr, &snap)
		return snap.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, tasks.StatusCompleted, snap.Status)
	assert.Equal(t, map[string]interface{}{"processed": map[string]interface{}{"n": 1.0}}, snap.Result)
}

func TestAsync_WithoutCallbackDoesNotNotify(t *testing.T) {
	notifier := new(mockNotifier)
	h := New(newManager(t), WithLogger(zerolog.Nop()), WithNotifier(notifier)).Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/async", `{"data":{"n":1}}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	notifier.AssertNotCalled(t, "TaskSubmitted", mock.Anything, mock.Anything)
}

func TestAsync_RejectsBadCallback(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop())).Handler()
	rr := do(t, h, http.MethodPost, "/api/v1/async", `{"data":{},"callback_url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "callback_url")
}

func TestAsync_MapsEngineErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"full", manager.ErrCapacityExceeded, http.StatusTooManyRequests},
		{"stopping", manager.ErrShutdownInProgress, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := new(mockEngine)
			eng.On("Submit", mock.Anything).Return("", tt.err)
			h := New(eng, WithLogger(zerolog.Nop())).Handler()

			rr := do(t, h, http.MethodPost, "/api/v1/async", `{"data":{"n":1}}`)
			assert.Equal(t, tt.code, rr.Code)
			eng.AssertExpectations(t)
		})
	}
}

func TestTask_NotFound(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop())).Handler()
	rr := do(t, h, http.MethodGet, "/api/v1/task/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueueStats(t *testing.T) {
	eng := new(mockEngine)
	eng.On("Stats").Return(manager.Stats{QueueDepth: 3, Capacity: 10, ActiveWorkers: 2, ConfiguredWorkers: 2, TotalTasksRegistered: 7})
	h := New(eng, WithLogger(zerolog.Nop())).Handler()

	rr := do(t, h, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]interface{}
	decode(t, rr, &got)
	assert.Equal(t, 3.0, got["queue_depth"])
	assert.Equal(t, 2.0, got["active_workers"])
	assert.Equal(t, 7.0, got["total_tasks_registered"])
}

func TestService(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop())).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/service", "").Code)

	reg, err := heartbeat.New(heartbeat.Config{Name: "asyncq", Logger: zerolog.Nop()})
	require.NoError(t, err)
	h = New(newManager(t), WithLogger(zerolog.Nop()), WithService(reg)).Handler()
	rr := do(t, h, http.MethodGet, "/api/v1/service", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var view ServiceView
	decode(t, rr, &view)
	assert.Equal(t, "asyncq", view.Name)
	require.Len(t, view.Peers, 1)
	assert.Equal(t, view.InstanceID, view.Peers[0].InstanceID)
}

type brokenRegistry struct{}

func (brokenRegistry) ServiceInfo() heartbeat.Info {
	return heartbeat.Info{Name: "asyncq", Status: heartbeat.StatusError}
}

func (brokenRegistry) Instances(context.Context) ([]heartbeat.Info, error) {
	return nil, errors.New("redis unreachable")
}

func TestService_PeersUnavailable(t *testing.T) {
	h := New(newManager(t), WithLogger(zerolog.Nop()), WithService(brokenRegistry{})).Handler()
	rr := do(t, h, http.MethodGet, "/api/v1/service", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got map[string]interface{}
	decode(t, rr, &got)
	assert.Equal(t, "error", got["status"])
	assert.NotContains(t, got, "peers")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	met.Record(manager.Stats{QueueDepth: 4})

	h := New(newManager(t), WithLogger(zerolog.Nop()), WithGatherer(reg)).Handler()
	rr := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `asyncq_engine{field="queue_depth"} 4`)
}
