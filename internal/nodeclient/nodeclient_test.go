package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeModelNode answers RUNNING pollsBeforeDone times, then final
type fakeModelNode struct {
	mu              sync.Mutex
	pollsBeforeDone int
	final           types.TaskStatus
	submitted       []types.ModelTaskArgs
	killed          []string
	polls           int
}

func (f *fakeModelNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, RecordModelLogPath):
		writeJSON(w, 200, types.Response{Data: "log of " + strings.TrimPrefix(r.URL.Path, RecordModelLogPath)})
	case r.Method == http.MethodPost:
		var args types.ModelTaskArgs
		_ = json.NewDecoder(r.Body).Decode(&args)
		f.submitted = append(f.submitted, args)
		writeJSON(w, 200, types.Response{Message: "success"})
	case r.Method == http.MethodGet:
		id := strings.TrimPrefix(r.URL.Path, RunModelTaskPath)
		if id == "missing" {
			writeJSON(w, 404, types.Response{ErrorCode: ppcerr.CodeTaskNotFound, Message: "not found"})
			return
		}
		f.polls++
		st := types.TaskRunning
		if f.polls > f.pollsBeforeDone {
			st = f.final
		}
		writeJSON(w, 200, types.Response{Data: types.TaskStatusData{Status: st, TrafficVolume: 1.5, TimeCosts: 2}})
	case r.Method == http.MethodDelete:
		f.killed = append(f.killed, strings.TrimPrefix(r.URL.Path, RunModelTaskPath))
		writeJSON(w, 200, types.Response{})
	}
}

func newModelClient(url string) *ModelClient {
	return NewModelClient(ModelOptions{
		Endpoint:        url,
		PollingInterval: 5 * time.Millisecond,
		MaxRetries:      2,
		RetryDelay:      5 * time.Millisecond,
		Timeout:         time.Second,
	})
}

func TestModelRunPollsUntilCompleted(t *testing.T) {
	node := &fakeModelNode{pollsBeforeDone: 2, final: types.TaskCompleted}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newModelClient(srv.URL)
	st, err := c.Run(context.Background(), &types.ModelTaskArgs{
		JobID: "j1", TaskID: "j1_t", TaskType: types.ModelXGBTraining,
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, st.Status)
	assert.Equal(t, 1.5, st.TrafficVolume)

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.submitted, 1)
	assert.Equal(t, types.ModelXGBTraining, node.submitted[0].TaskType)
	assert.Equal(t, 3, node.polls)
}

func TestModelRunFailed(t *testing.T) {
	node := &fakeModelNode{final: types.TaskFailed}
	srv := httptest.NewServer(node)
	defer srv.Close()

	_, err := newModelClient(srv.URL).Run(context.Background(), &types.ModelTaskArgs{
		JobID: "j1", TaskID: "j1_d", TaskType: types.ModelPreprocessing,
	})
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindInternal))
}

func TestModelRunHonoursContext(t *testing.T) {
	node := &fakeModelNode{pollsBeforeDone: 1 << 30}
	srv := httptest.NewServer(node)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newModelClient(srv.URL).Run(ctx, &types.ModelTaskArgs{JobID: "j", TaskID: "j_t", TaskType: types.ModelXGBTraining})
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindTimeout))
}

func TestModelStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(&fakeModelNode{})
	defer srv.Close()

	_, err := newModelClient(srv.URL).Status(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindNotFound))
	assert.Equal(t, ppcerr.CodeTaskNotFound, ppcerr.CodeOf(err))
}

func TestModelKillAndLog(t *testing.T) {
	node := &fakeModelNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := newModelClient(srv.URL)

	require.NoError(t, c.KillTask("j9"))
	node.mu.Lock()
	assert.Equal(t, []string{"j9"}, node.killed)
	node.mu.Unlock()

	text, err := c.Log(context.Background(), "j9")
	require.NoError(t, err)
	assert.Equal(t, "log of j9", text)
}

func TestModelUnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newModelClient(url).Status(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindNetwork))
}

func TestModelRunRequiresTaskID(t *testing.T) {
	_, err := newModelClient("http://127.0.0.1:1").Run(context.Background(), &types.ModelTaskArgs{JobID: "j"})
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

func TestServiceClientRun(t *testing.T) {
	var polls int32
	var methods []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		methods = append(methods, req.Method)
		mu.Unlock()
		assert.Equal(t, "secret", req.Token)

		status := "RUNNING"
		if req.Method == MethodGetTaskStatus && atomic.AddInt32(&polls, 1) > 1 {
			status = "COMPLETED"
		}
		writeJSON(w, 200, map[string]any{
			"id": req.ID, "jsonrpc": "2.0",
			"result": map[string]any{"code": 0, "message": "success", "data": map[string]any{"status": status}},
		})
	}))
	defer srv.Close()

	c := NewServiceClient(ServiceOptions{
		Name: "psi", Endpoint: srv.URL, Token: "secret",
		PollingInterval: 5 * time.Millisecond, Timeout: time.Second,
	})
	data, err := c.Run(context.Background(), "job-1", map[string]any{"taskID": "job-1"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "COMPLETED")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{MethodAsyncRunTask, MethodGetTaskStatus, MethodGetTaskStatus}, methods)
}

func TestServiceClientErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": map[string]any{"code": 7, "message": "bad input"}})
	}))
	defer srv.Close()

	c := NewServiceClient(ServiceOptions{Name: "mpc", Endpoint: srv.URL, Timeout: time.Second})
	_, err := c.Run(context.Background(), "j", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
}

func TestSchedulerClient(t *testing.T) {
	var mu sync.Mutex
	var submitted types.JobRequest
	var killed []string
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, JobPath)
		switch r.Method {
		case http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			writeJSON(w, 200, types.Response{Message: "success"})
		case http.MethodGet:
			if id == "missing" {
				writeJSON(w, 404, types.Response{ErrorCode: ppcerr.CodeJobNotFound, Message: "job missing not found"})
				return
			}
			polls++
			st := types.TaskRunning
			if polls > 1 {
				st = types.TaskCompleted
			}
			writeJSON(w, 200, types.Response{Data: types.JobStatusData{Status: st, TimeCosts: 3}})
		case http.MethodDelete:
			killed = append(killed, id)
			writeJSON(w, 200, types.Response{})
		}
	}))
	defer srv.Close()

	c := NewSchedulerClient(srv.URL, "", time.Second)
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, "j1", &types.JobRequest{Participants: []string{"A"}}))

	st, err := c.Wait(ctx, "j1", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, st.Status)
	assert.Equal(t, 3.0, st.TimeCosts)

	require.NoError(t, c.Kill(ctx, "j1"))

	_, err = c.Status(ctx, "missing")
	assert.True(t, ppcerr.Is(err, ppcerr.KindNotFound))
	assert.Equal(t, ppcerr.CodeJobNotFound, ppcerr.CodeOf(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A"}, submitted.Participants)
	assert.Equal(t, []string{"j1"}, killed)
}
