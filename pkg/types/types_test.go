package types

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkerStatus 終態與合法狀態
func TestWorkerStatus(t *testing.T) {
	for _, s := range []WorkerStatus{WorkerSuccess, WorkerFailure, WorkerKilled, WorkerTimeout} {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, WorkerPending.IsTerminal())
	assert.False(t, WorkerRunning.IsTerminal())
	assert.True(t, WorkerRunning.Valid())
	assert.False(t, WorkerStatus("DONE").Valid())
}

// TestWorkerTypeClassification sentinel、model 與可宣告類型
func TestWorkerTypeClassification(t *testing.T) {
	assert.True(t, WorkerOnSuccess.IsSentinel())
	assert.False(t, WorkerOnSuccess.Known())
	assert.True(t, WorkerTraining.IsModel())
	assert.False(t, WorkerPSI.IsModel())
	assert.True(t, WorkerMPC.Known())
	assert.False(t, WorkerType("T_UNKNOWN").Known())
}

// TestJobStatusPublic 對外狀態映射
func TestJobStatusPublic(t *testing.T) {
	assert.Equal(t, TaskRunning, JobRunning.Public())
	assert.Equal(t, TaskCompleted, JobSuccess.Public())
	assert.Equal(t, TaskFailed, JobFailure.Public())
}

// TestIDs worker id、sentinel id 與日誌標記
func TestIDs(t *testing.T) {
	assert.Equal(t, "j1_2_T_MPC", WorkerID("j1", 2, WorkerMPC))
	assert.Equal(t, "j1_ON_SUCCESS", SuccessID("j1"))
	assert.Equal(t, "j1_ON_FAILURE", FailureID("j1"))
	assert.Equal(t, "$$$StartModelJob:j1", StartFlag("j1"))
	assert.Equal(t, "$$$EndModelJob:j1", EndFlag("j1"))
	assert.True(t, ModelLRPredicting.Valid())
	assert.False(t, ModelTask("DEEP").Valid())
}

// TestDecodeArgs 依類型解碼並拒絕未知欄位
func TestDecodeArgs(t *testing.T) {
	args, err := DecodeArgs(WorkerPSI, []byte(`{"fields":"id","sync_result":true}`))
	require.NoError(t, err)
	psi, ok := args.(*PsiArgs)
	require.True(t, ok)
	assert.Equal(t, "id", psi.Fields)
	assert.True(t, psi.SyncResult)

	args, err = DecodeArgs(WorkerTraining, nil)
	require.NoError(t, err)
	assert.IsType(t, &ModelArgs{}, args)

	args, err = DecodeArgs(WorkerOnFailure, []byte(" null "))
	require.NoError(t, err)
	assert.IsType(t, &SentinelArgs{}, args)

	_, err = DecodeArgs(WorkerMPC, []byte(`{"mpc_content":"x","nope":1}`))
	assert.Error(t, err)

	_, err = DecodeArgs(WorkerType("T_X"), []byte(`{}`))
	assert.Error(t, err)
}

// TestArgsMatchAndEncode 參數型別檢查與編碼
func TestArgsMatchAndEncode(t *testing.T) {
	assert.True(t, ArgsMatch(WorkerPSI, &PsiArgs{}))
	assert.False(t, ArgsMatch(WorkerMPC, &PsiArgs{}))
	assert.True(t, ArgsMatch(WorkerPrediction, &ModelArgs{}))
	assert.True(t, ArgsMatch(WorkerMPC, nil))

	b, err := EncodeArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	b, err = EncodeArgs(&MpcArgs{MpcContent: "c", ReceiveResult: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mpc_content":"c","receive_result":true}`, string(b))
}

// TestRawArgs 參數原樣保留
func TestRawArgs(t *testing.T) {
	var cfg WorkerConfig
	require.NoError(t, json.Unmarshal([]byte(`{"index":1,"type":"T_PSI","args":{"fields":"id"}}`), &cfg))
	assert.JSONEq(t, `{"fields":"id"}`, string(cfg.Args))

	out, err := json.Marshal(WorkerConfig{Index: 2, Type: WorkerMPC})
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":2,"type":"T_MPC"}`, string(out))
}

// TestNewJobContext 本機構位置、工作目錄與參數副本
func TestNewJobContext(t *testing.T) {
	req := &JobRequest{
		JobType:      "PSI",
		Participants: []string{"A", "B", "C"},
		Workflow:     []WorkerConfig{{Index: 1, Type: WorkerPSI}},
		Params:       map[string]any{"k": "v"},
	}
	ctx, err := NewJobContext("j1", req, "B", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "j1", ctx.JobID())
	assert.Equal(t, "PSI", ctx.JobType())
	assert.Equal(t, 1, ctx.MyIndex())
	assert.Equal(t, "B", ctx.Self())
	assert.Equal(t, "A", ctx.ActiveParty())
	assert.False(t, ctx.IsActiveParty())
	assert.Equal(t, filepath.Join("/ws", "j1"), ctx.Workspace())
	assert.Equal(t, filepath.Join("/ws", "j1", "workflow_view.svg"), ctx.WorkflowViewPath())

	v, ok := ctx.Param("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	// 修改請求或回傳的副本不影響 context
	req.Participants[0] = "Z"
	req.Params["k"] = "changed"
	ctx.Params()["k"] = "again"
	ctx.Participants()[1] = "Y"
	assert.Equal(t, "A", ctx.ActiveParty())
	assert.Equal(t, "B", ctx.Self())
	v, _ = ctx.Param("k")
	assert.Equal(t, "v", v)

	_, err = NewJobContext("j1", req, "D", "/ws")
	assert.Error(t, err)
}
