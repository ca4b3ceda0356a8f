package cli

// ============================================================================
// CLI 測試檔案
// 職責：驗證命令結構，並以 httptest 節點驗證 submit / status / kill / log
// ============================================================================

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/ppc-flow/internal/api"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]*types.JobRequest
	killed []string
}

func (f *fakeJobs) RunTask(_ context.Context, jobID string, req *types.JobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = req
	return nil
}

func (f *fakeJobs) Status(jobID string) (*types.JobStatusData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobID]; !ok {
		return nil, ppcerr.Newf(ppcerr.KindNotFound, "job %s not found", jobID).WithCode(ppcerr.CodeJobNotFound)
	}
	return &types.JobStatusData{Status: types.TaskCompleted, TimeCosts: 1.5}, nil
}

func (f *fakeJobs) KillJob(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, jobID)
}

type fakeTasks struct{}

func (fakeTasks) RunTask(string, types.ModelTask, *types.ModelTaskArgs) error { return nil }
func (fakeTasks) Status(string) (*types.TaskStatusData, error) { return nil, nil }
func (fakeTasks) KillTask(string) {}
func (fakeTasks) RecordModelJobLog(jobID string) (string, error) {
	return types.StartFlag(jobID) + "\nhello\n" + types.EndFlag(jobID), nil
}

func newNode(t *testing.T) (*httptest.Server, *fakeJobs) {
	t.Helper()
	jobs := &fakeJobs{jobs: map[string]*types.JobRequest{}}
	srv := httptest.NewServer(api.NewRouter(api.Options{Tasks: fakeTasks{}, Jobs: jobs}))
	t.Cleanup(srv.Close)
	return srv, jobs
}

// execute 執行命令並回傳 stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeJob(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestBuildCLI 根命令與子命令
func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "ppc-node", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, n := range []string{"run", "submit", "status", "kill", "log", "config"} {
		assert.True(t, names[n], "missing command %s", n)
	}

	f := cmd.PersistentFlags().Lookup("endpoint")
	require.NotNil(t, f)
	assert.Equal(t, DefaultEndpoint, f.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

// TestSubmitWithJobFlag --job 覆寫檔案內的 job_id，--wait 輸出最終狀態
func TestSubmitWithJobFlag(t *testing.T) {
	srv, jobs := newNode(t)
	path := writeJob(t, `{"job_id":"from-file","participants":["A"],"workflow":[{"index":1,"type":"T_PSI","args":{"fields":"id"}}]}`)

	out, err := execute(t, "submit", "--endpoint", srv.URL, "-f", path, "--job", "j1", "--wait", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "submitted job j1")
	assert.Contains(t, out, "job j1: COMPLETED")

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Contains(t, jobs.jobs, "j1")
	assert.Equal(t, "j1", jobs.jobs["j1"].JobID)
}

// TestSubmitGeneratesJobID 沒有 job id 時產生 uuid
func TestSubmitGeneratesJobID(t *testing.T) {
	srv, jobs := newNode(t)
	path := writeJob(t, `{"participants":["A"],"workflow":[{"index":1,"type":"T_PSI"}]}`)

	_, err := execute(t, "submit", "--endpoint", srv.URL, "-f", path)
	require.NoError(t, err)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.jobs, 1)
	for id := range jobs.jobs {
		_, err := uuid.Parse(id)
		assert.NoError(t, err, id)
	}
}

// TestSubmitInvalidFile 檔案不存在或格式錯誤
func TestSubmitInvalidFile(t *testing.T) {
	_, err := execute(t, "submit", "-f", "/nonexistent/job.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read job file")

	_, err = execute(t, "submit", "-f", writeJob(t, `{"broken`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse job file")

	_, err = execute(t, "submit")
	assert.Error(t, err)
}

// TestStatusAndKill 查詢與終止
func TestStatusAndKill(t *testing.T) {
	srv, jobs := newNode(t)
	jobs.jobs["j2"] = &types.JobRequest{}

	out, err := execute(t, "status", "j2", "--endpoint", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "job j2: COMPLETED (1.5s)\n", out)

	out, err = execute(t, "kill", "j2", "--endpoint", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "killed job j2")
	assert.Equal(t, []string{"j2"}, jobs.killed)
}

// TestStatusNotFound 未知 job 回傳 NotFound
func TestStatusNotFound(t *testing.T) {
	srv, _ := newNode(t)
	_, err := execute(t, "status", "nope", "--endpoint", srv.URL)
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindNotFound))

	_, err = execute(t, "status", "--endpoint", srv.URL)
	assert.Error(t, err)
}

// TestLog 擷取日誌片段
func TestLog(t *testing.T) {
	srv, _ := newNode(t)
	out, err := execute(t, "log", "j3", "--endpoint", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, types.StartFlag("j3"))
}

// TestConfigCommand 輸出合併環境變數後的設定
func TestConfigCommand(t *testing.T) {
	t.Setenv("AGENCY_ID", "agency-x")
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: local\nhttp:\n  addr: \":9999\"\n"), 0o644))

	out, err := execute(t, "config", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "agency_id: agency-x")
	assert.Contains(t, out, "9999")
	assert.Contains(t, out, "engine: local")
}

// TestConfigCommandMissingAgency 缺少機構 id 時失敗
func TestConfigCommandMissingAgency(t *testing.T) {
	t.Setenv("AGENCY_ID", "")
	_, err := execute(t, "config")
	assert.Error(t, err)
}

// TestResolveJobID flag > 檔案 > uuid
func TestResolveJobID(t *testing.T) {
	req := &types.JobRequest{JobID: "file"}
	assert.Equal(t, "flag", resolveJobID("flag", req))
	assert.Equal(t, "flag", req.JobID)

	req = &types.JobRequest{JobID: "file"}
	assert.Equal(t, "file", resolveJobID("", req))

	req = &types.JobRequest{}
	id := resolveJobID("", req)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, req.JobID)
}
