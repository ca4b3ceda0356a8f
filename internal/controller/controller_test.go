package controller

// ============================================================================
// 節點整合測試檔案
// 職責：以真實的 gRPC 與 HTTP 監聽組裝節點，驗證雙方 PSI→MPC、task 超時清掃、
//       重啟後回放已成功的 worker
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/config"
	"github.com/ChuLiYu/ppc-flow/internal/workspace"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// testConfig 本機引擎、隨機埠、temp 目錄
func testConfig(t *testing.T, agency, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AgencyID = agency
	cfg.Engine = config.EngineLocal
	cfg.Workspace = filepath.Join(dir, "ws-"+agency)
	cfg.Store.SQLitePath = filepath.Join(dir, "ws-"+agency, "ppc-flow.db")
	cfg.Log.File = filepath.Join(dir, "logs", agency+".log")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Stub.RetryIntervalS = 0.05
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop(2 * time.Second) })
	return n
}

func connect(nodes ...*Node) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.SetPeer(b.AgencyID(), b.GRPCAddr())
			}
		}
	}
}

func waitJob(t *testing.T, n *Node, jobID string, timeout time.Duration) *types.JobStatusData {
	t.Helper()
	done := n.Jobs().Done(jobID)
	require.NotNil(t, done, "job %s was not submitted on %s", jobID, n.AgencyID())
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("job %s on %s did not finish", jobID, n.AgencyID())
	}
	st, err := n.Jobs().Status(jobID)
	require.NoError(t, err)
	return st
}

func workerConfig(index int, typ types.WorkerType, args string, upstreams ...types.UpstreamConfig) types.WorkerConfig {
	return types.WorkerConfig{Index: index, Type: typ, Args: types.RawArgs(args), Upstreams: upstreams}
}

// ============================================================================
// 雙方 PSI → MPC
// ============================================================================

// TestTwoPartyPSIThenMPC 雙方經由 gRPC 完成 PSI 與 MPC，job 成功且 stub 沒有殘留
func TestTwoPartyPSIThenMPC(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.csv"), []byte("id,x\n1,10\n2,20\n3,30\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.csv"), []byte("id,y\n2,200\n3,300\n4,400\n"), 0o644))

	a := startNode(t, testConfig(t, "A", dir))
	b := startNode(t, testConfig(t, "B", dir))
	connect(a, b)

	psiArgs := fmt.Sprintf(`{"fields":"id","sync_result":true,"input_path":%q}`, filepath.Join(dir, "{agency}.csv"))
	req := types.JobRequest{
		JobType:      "PSI_MPC",
		Participants: []string{"A", "B"},
		Workflow: []types.WorkerConfig{
			workerConfig(1, types.WorkerPSI, psiArgs),
			workerConfig(2, types.WorkerMPC, `{"mpc_content":"source0_column_count = 1","receive_result":true}`,
				types.UpstreamConfig{Index: 1, OutputInputMap: []string{"0:0"}}),
		},
	}

	// A 經由 HTTP 提交，B 直接呼叫 JobManager
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post("http://"+a.HTTPAddr()+"/api/ppc-scheduler/job/j1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, b.Jobs().RunTask(context.Background(), "j1", &req))

	for _, n := range []*Node{a, b} {
		st := waitJob(t, n, "j1", 20*time.Second)
		assert.Equal(t, types.TaskCompleted, st.Status, n.AgencyID())

		for _, id := range []string{types.WorkerID("j1", 1, types.WorkerPSI), types.WorkerID("j1", 2, types.WorkerMPC)} {
			rec, err := n.Store().Get(context.Background(), "j1", id)
			require.NoError(t, err)
			assert.Equal(t, types.WorkerSuccess, rec.Status, "%s on %s", id, n.AgencyID())
		}
		assert.Zero(t, n.Stub().PendingSlots(), n.AgencyID())
		assert.FileExists(t, filepath.Join(n.cfg.Workspace, "j1", "workflow_view.svg"))
	}

	rec, err := b.Store().Get(context.Background(), "j1", types.WorkerID("j1", 2, types.WorkerMPC))
	require.NoError(t, err)
	require.Len(t, rec.Outputs, 1)
	got, err := os.ReadFile(rec.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "id,source0_record_count,source1_record_count,total_record_count\n0,2,2,4\n", string(got))

	sa, sb := a.Stub().Stats(), b.Stub().Stats()
	assert.Equal(t, sa.Pushes+sb.Pushes, sa.Pulls+sb.Pulls)
	assert.Positive(t, sa.Pushes+sb.Pushes)

	// 狀態查詢經由 HTTP
	resp, err = http.Get("http://" + a.HTTPAddr() + "/api/ppc-scheduler/job/j1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var env types.RawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	var st types.JobStatusData
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, types.TaskCompleted, st.Status)
}

// TestModelTaskExchange 兩個節點經由 HTTP 提交 model task，交換摘要後完成
func TestModelTaskExchange(t *testing.T) {
	dir := t.TempDir()
	a := startNode(t, testConfig(t, "A", dir))
	b := startNode(t, testConfig(t, "B", dir))
	connect(a, b)

	for _, n := range []*Node{a, b} {
		body := fmt.Sprintf(`{"job_id":"j2","task_type":"XGB_TRAINING","participant_id_list":["A","B"],"is_label_holder":%t}`, n.AgencyID() == "A")
		resp, err := http.Post("http://"+n.HTTPAddr()+"/api/ppc-model/pml/run-model-task/j2_t", "application/json", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	for _, n := range []*Node{a, b} {
		require.Eventually(t, func() bool {
			st, err := n.Tasks().Status("j2_t")
			return err == nil && st.Status == types.TaskCompleted
		}, 10*time.Second, 20*time.Millisecond, n.AgencyID())
		st, err := n.Tasks().Status("j2_t")
		require.NoError(t, err)
		assert.Positive(t, st.TrafficVolume)
	}
}

// ============================================================================
// 超時清掃
// ============================================================================

// TestTaskTimeoutSweep 卡住的 task 在超時後被標記 FAILED，等待中的 pull 回傳 Cancelled
func TestTaskTimeoutSweep(t *testing.T) {
	cfg := testConfig(t, "A", t.TempDir())
	cfg.Task.TimeoutH = 1.0 / 3600
	n := startNode(t, cfg)

	pullErr := make(chan error, 1)
	n.Tasks().RegisterTaskHandler(types.ModelPreprocessing, func(ctx context.Context, taskID string, _ *types.ModelTaskArgs) error {
		_, err := n.Stub().Pull(ctx, "B", taskID, "never")
		pullErr <- err
		return err
	})

	start := time.Now()
	require.NoError(t, n.Tasks().RunTask("j5_d", types.ModelPreprocessing, &types.ModelTaskArgs{JobID: "j5", TaskType: types.ModelPreprocessing}))

	select {
	case err := <-pullErr:
		assert.True(t, ppcerr.Is(err, ppcerr.KindCancelled), "got %v", err)
		assert.Less(t, time.Since(start), 9*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("blocked pull was not cancelled")
	}
	require.Eventually(t, func() bool {
		st, err := n.Tasks().Status("j5_d")
		return err == nil && st.Status == types.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// 重啟恢復
// ============================================================================

// TestResumeAfterRestart 重啟後 Resume 重新執行未完成的 job，已成功的 worker 不再執行
func TestResumeAfterRestart(t *testing.T) {
	dir := t.TempDir()
	var pre, fe, train atomic.Int32
	register := func(n *Node) {
		n.Tasks().RegisterTaskHandler(types.ModelPreprocessing, func(context.Context, string, *types.ModelTaskArgs) error {
			pre.Add(1)
			return nil
		})
		n.Tasks().RegisterTaskHandler(types.ModelFeatureEngineering, func(context.Context, string, *types.ModelTaskArgs) error {
			fe.Add(1)
			return nil
		})
		n.Tasks().RegisterTaskHandler(types.ModelXGBTraining, func(context.Context, string, *types.ModelTaskArgs) error {
			if train.Add(1) == 1 {
				return fmt.Errorf("node crashed during training")
			}
			return nil
		})
	}

	req := &types.JobRequest{
		JobType:      "XGB",
		Participants: []string{"A"},
		Workflow: []types.WorkerConfig{
			workerConfig(1, types.WorkerPreprocessing, `{}`),
			workerConfig(2, types.WorkerFeatureEngineering, `{}`, types.UpstreamConfig{Index: 1}),
			workerConfig(3, types.WorkerTraining, `{}`, types.UpstreamConfig{Index: 2}),
		},
	}

	cfg := testConfig(t, "A", dir)
	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	register(first)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Jobs().RunTask(context.Background(), "j6", req))
	st := waitJob(t, first, "j6", 10*time.Second)
	assert.Equal(t, types.TaskFailed, st.Status)
	rec, err := first.Store().Get(context.Background(), "j6", types.WorkerID("j6", 2, types.WorkerFeatureEngineering))
	require.NoError(t, err)
	assert.Equal(t, types.WorkerSuccess, rec.Status)
	first.Stop(2 * time.Second)

	// 程序在寫入最終快照之前退出
	ws, err := workspace.NewManager(cfg.Workspace)
	require.NoError(t, err)
	snap, err := ws.LoadJob("j6")
	require.NoError(t, err)
	snap.Status = types.JobRunning
	require.NoError(t, ws.SaveJob(*snap))

	second, err := New(context.Background(), testConfig(t, "A", dir))
	require.NoError(t, err)
	register(second)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { second.Stop(2 * time.Second) })

	st = waitJob(t, second, "j6", 10*time.Second)
	assert.Equal(t, types.TaskCompleted, st.Status)
	assert.Equal(t, int32(1), pre.Load())
	assert.Equal(t, int32(1), fe.Load())
	assert.Equal(t, int32(2), train.Load())
}

// ============================================================================
// 生命週期
// ============================================================================

// TestNewInvalidConfig 設定不合法時不建立節點
func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "A", t.TempDir())
	cfg.AgencyID = ""
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrMissingAgency)
}

// TestStartTwiceAndStopIdempotent 重複 Start 回傳錯誤，重複 Stop 無作用
func TestStartTwiceAndStopIdempotent(t *testing.T) {
	n := startNode(t, testConfig(t, "A", t.TempDir()))
	assert.NotEmpty(t, n.GRPCAddr())
	assert.NotEmpty(t, n.HTTPAddr())
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)

	resp, err := http.Get("http://" + n.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + n.HTTPAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n.Stop(time.Second)
	n.Stop(time.Second)
	assert.ErrorIs(t, n.Start(context.Background()), ErrStopped)
}

// TestRunStopsOnCancel Run 在 ctx 取消後關閉節點
func TestRunStopsOnCancel(t *testing.T) {
	n, err := New(context.Background(), testConfig(t, "A", t.TempDir()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return n.HTTPAddr() != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return")
	}
}
