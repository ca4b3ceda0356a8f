package worker

// ============================================================================
// Worker 測試檔案
// 職責：驗證 factory 建構、runtime shell 的回放、取消、重試、超時與狀態持久化
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	pb "github.com/ChuLiYu/ppc-flow/api/proto/v1"
	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/storage/blob"
	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/internal/stub"
	"github.com/ChuLiYu/ppc-flow/internal/workspace"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   store.Store
	events  *event.Manager
	factory *Factory
	jobCtx  *types.JobContext
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := event.NewManager()
	jobCtx, err := types.NewJobContext("job1", &types.JobRequest{
		Participants: []string{"A", "B"},
		Workflow:     []types.WorkerConfig{{Index: 1, Type: types.WorkerPSI}},
	}, "A", t.TempDir())
	require.NoError(t, err)

	return &fixture{
		store:   s,
		events:  events,
		factory: NewFactory(s, events, nil, policy),
		jobCtx:  jobCtx,
	}
}

// insert 寫入一筆 PENDING 的 worker 列
func (f *fixture) insert(t *testing.T, id string, typ types.WorkerType) {
	t.Helper()
	_, err := f.store.InsertIfAbsent(context.Background(), &types.WorkerContext{
		JobID: f.jobCtx.JobID(), WorkerID: id, Type: typ, Status: types.WorkerPending,
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) types.WorkerStatus {
	t.Helper()
	rec, err := f.store.Get(context.Background(), f.jobCtx.JobID(), id)
	require.NoError(t, err)
	return rec.Status
}

// build 以計數 body 建立 T_PSI worker
func (f *fixture) build(t *testing.T, id string, body BodyFunc) *Worker {
	t.Helper()
	f.factory.Register(types.WorkerPSI, func(*types.JobContext, string, types.WorkerArgs) (Body, error) {
		return body, nil
	})
	w, err := f.factory.Build(f.jobCtx, id, types.WorkerPSI, nil)
	require.NoError(t, err)
	return w
}

// ============================================================================
// Factory 測試
// ============================================================================

// TestFactoryUnknownType 測試未註冊類型在建構時失敗
func TestFactoryUnknownType(t *testing.T) {
	f := newFixture(t, Policy{})
	_, err := f.factory.Build(f.jobCtx, "w", types.WorkerMPC, nil)
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))

	_, err = f.factory.Build(f.jobCtx, "w", types.WorkerType("T_NOPE"), nil)
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

// TestFactoryArgsMismatch 測試參數型別不符
func TestFactoryArgsMismatch(t *testing.T) {
	f := newFixture(t, Policy{})
	f.build(t, "w", func(context.Context, []string) ([]string, error) { return nil, nil })

	_, err := f.factory.Build(f.jobCtx, "w", types.WorkerPSI, &types.MpcArgs{MpcContent: "x"})
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

// TestFactorySentinelsRegistered 測試 sentinel 預先註冊
func TestFactorySentinelsRegistered(t *testing.T) {
	f := newFixture(t, Policy{})
	assert.True(t, f.factory.Registered(types.WorkerOnSuccess))
	assert.True(t, f.factory.Registered(types.WorkerOnFailure))
	assert.False(t, f.factory.Registered(types.WorkerPSI))
}

// ============================================================================
// Runtime shell 測試
// ============================================================================

// TestRunPersistsSuccess 測試成功後持久化 outputs
func TestRunPersistsSuccess(t *testing.T) {
	f := newFixture(t, Policy{})
	f.insert(t, "w1", types.WorkerPSI)

	var got []string
	w := f.build(t, "w1", func(_ context.Context, inputs []string) ([]string, error) {
		got = inputs
		return []string{"out-0", "out-1"}, nil
	})
	out, err := w.Run(context.Background(), types.WorkerPending, []UpstreamOutput{
		{Upstream: "u1", Outputs: []string{"a", "b"}, OutputIndex: 1},
		{Upstream: "u2", Outputs: []string{"c"}, OutputIndex: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"out-0", "out-1"}, out)
	assert.Equal(t, []string{"b", "c"}, got)

	rec, err := f.store.Get(context.Background(), "job1", "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerSuccess, rec.Status)
	assert.Equal(t, []string{"out-0", "out-1"}, rec.Outputs)
}

// TestReplaySkipsBody 測試已成功的 worker 回放 outputs 不呼叫 body
func TestReplaySkipsBody(t *testing.T) {
	f := newFixture(t, Policy{})
	f.insert(t, "w1", types.WorkerPSI)
	require.NoError(t, f.store.UpdateStatusAndOutputs(context.Background(), "job1", "w1", types.WorkerSuccess, []string{"O"}))

	var calls int32
	w := f.build(t, "w1", func(context.Context, []string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"new"}, nil
	})
	out, err := w.Run(context.Background(), types.WorkerSuccess, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"O"}, out)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

// TestKilledBeforeRun 測試取消事件已觸發時記錄 KILLED
func TestKilledBeforeRun(t *testing.T) {
	f := newFixture(t, Policy{})
	f.insert(t, "w1", types.WorkerPSI)
	f.events.Set("job1")

	var calls int32
	w := f.build(t, "w1", func(context.Context, []string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	_, err := w.Run(context.Background(), types.WorkerPending, nil)
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindCancelled))
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, types.WorkerKilled, f.status(t, "w1"))
}

// TestRetryThenSuccess 測試重試後成功
func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t, Policy{Retries: 2, RetryDelay: 5 * time.Millisecond})
	f.insert(t, "w1", types.WorkerPSI)

	var calls int32
	w := f.build(t, "w1", func(context.Context, []string) ([]string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("flaky")
		}
		return []string{"ok"}, nil
	})
	out, err := w.Run(context.Background(), types.WorkerPending, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// TestRetriesExhausted 測試重試耗盡記錄 FAILURE
func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, Policy{Retries: 1})
	f.insert(t, "w1", types.WorkerPSI)

	var calls int32
	w := f.build(t, "w1", func(context.Context, []string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, ppcerr.New(ppcerr.KindNetwork, "peer down")
	})
	_, err := w.Run(context.Background(), types.WorkerPending, nil)
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindNetwork))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, types.WorkerFailure, f.status(t, "w1"))
}

// TestTimeoutCapsRetries 測試總時限限制重試
func TestTimeoutCapsRetries(t *testing.T) {
	f := newFixture(t, Policy{Retries: 10, Timeout: 100 * time.Millisecond, AttemptTimeout: time.Second})
	f.insert(t, "w1", types.WorkerPSI)

	w := f.build(t, "w1", func(ctx context.Context, _ []string) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start := time.Now()
	_, err := w.Run(context.Background(), types.WorkerPending, nil)
	require.Error(t, err)
	assert.True(t, ppcerr.Is(err, ppcerr.KindTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.WorkerTimeout, f.status(t, "w1"))
}

// TestAttemptTimeout 測試單次時限
func TestAttemptTimeout(t *testing.T) {
	f := newFixture(t, Policy{AttemptTimeout: 30 * time.Millisecond})
	f.insert(t, "w1", types.WorkerPSI)

	w := f.build(t, "w1", func(ctx context.Context, _ []string) ([]string, error) {
		select {
		case <-ctx.Done():
			return nil, errors.New("body gave up")
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})
	_, err := w.Run(context.Background(), types.WorkerPending, nil)
	assert.True(t, ppcerr.Is(err, ppcerr.KindTimeout))
	assert.Equal(t, types.WorkerTimeout, f.status(t, "w1"))
}

// TestCancelledContext 測試 ctx 取消記錄 KILLED
func TestCancelledContext(t *testing.T) {
	f := newFixture(t, Policy{})
	f.insert(t, "w1", types.WorkerPSI)

	ctx, cancel := context.WithCancel(context.Background())
	w := f.build(t, "w1", func(ctx context.Context, _ []string) ([]string, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := w.Run(ctx, types.WorkerPending, nil)
	assert.True(t, ppcerr.Is(err, ppcerr.KindCancelled))
	assert.Equal(t, types.WorkerKilled, f.status(t, "w1"))
}

// TestPanicBecomesFailure 測試 body panic
func TestPanicBecomesFailure(t *testing.T) {
	f := newFixture(t, Policy{})
	f.insert(t, "w1", types.WorkerPSI)

	w := f.build(t, "w1", func(context.Context, []string) ([]string, error) {
		panic("boom")
	})
	_, err := w.Run(context.Background(), types.WorkerPending, nil)
	assert.True(t, ppcerr.Is(err, ppcerr.KindInternal))
	assert.Equal(t, types.WorkerFailure, f.status(t, "w1"))
}

// TestInputIndexOutOfRange 測試輸入位置超出範圍
func TestInputIndexOutOfRange(t *testing.T) {
	f := newFixture(t, Policy{})
	f.insert(t, "w1", types.WorkerPSI)

	w := f.build(t, "w1", func(context.Context, []string) ([]string, error) { return nil, nil })
	_, err := w.Run(context.Background(), types.WorkerPending, []UpstreamOutput{{Upstream: "u", Outputs: []string{"x"}, OutputIndex: 3}})
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
	assert.Equal(t, types.WorkerFailure, f.status(t, "w1"))
}

// TestSentinelNotPersisted 測試 sentinel 不寫入 store
func TestSentinelNotPersisted(t *testing.T) {
	f := newFixture(t, Policy{})
	w, err := f.factory.Build(f.jobCtx, types.SuccessID("job1"), types.WorkerOnSuccess, nil)
	require.NoError(t, err)

	_, err = w.Run(context.Background(), types.WorkerPending, []UpstreamOutput{{Outputs: nil, OutputIndex: 5}})
	require.NoError(t, err)

	_, err = f.store.Get(context.Background(), "job1", types.SuccessID("job1"))
	assert.True(t, ppcerr.Is(err, ppcerr.KindNotFound))
}

// TestStatusOf 測試錯誤種類對應的狀態
func TestStatusOf(t *testing.T) {
	assert.Equal(t, types.WorkerTimeout, StatusOf(context.DeadlineExceeded))
	assert.Equal(t, types.WorkerKilled, StatusOf(context.Canceled))
	assert.Equal(t, types.WorkerKilled, StatusOf(ppcerr.New(ppcerr.KindCancelled, "x")))
	assert.Equal(t, types.WorkerFailure, StatusOf(errors.New("x")))
	assert.Equal(t, types.WorkerFailure, StatusOf(ppcerr.New(ppcerr.KindNetwork, "x")))
}

// ============================================================================
// 本機引擎測試：兩方透過 stub 交換資料
// ============================================================================

// peers 把切片交給接收方的 stub
type peers map[string]*stub.Stub

func (p peers) Send(_ context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error) {
	if err := p[req.Receiver].OnMessageReceived(req); err != nil {
		return pb.Failure(int32(ppcerr.CodeOf(err)), err.Error()), nil
	}
	return pb.Success(nil), nil
}

type party struct {
	deps   Deps
	jobCtx *types.JobContext
}

func newParties(t *testing.T, jobID string) (a, b party) {
	t.Helper()
	net := peers{}
	mk := func(id string) party {
		root := t.TempDir()
		ws, err := workspace.NewManager(root)
		require.NoError(t, err)
		st := stub.New(stub.DefaultOptions(id), net, event.NewManager(), nil)
		net[id] = st
		jobCtx, err := types.NewJobContext(jobID, &types.JobRequest{
			Participants: []string{"A", "B"},
			Workflow:     []types.WorkerConfig{{Index: 1, Type: types.WorkerPSI}},
		}, id, root)
		require.NoError(t, err)
		return party{deps: Deps{AgencyID: id, Messenger: st, Workspace: ws}, jobCtx: jobCtx}
	}
	return mk("A"), mk("B")
}

func writeDataset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLocalPSIAndMPC 測試兩方本機 PSI 與 MPC
func TestLocalPSIAndMPC(t *testing.T) {
	a, b := newParties(t, "j-local")
	dataA := writeDataset(t, "id,x\n1,10\n2,20\n3,30\n")
	dataB := writeDataset(t, "ID,y\n2,200\n3,300\n4,400\n")

	psi := &types.PsiArgs{SyncResult: true}
	type result struct {
		out []string
		err error
	}
	run := func(p party, c Constructor, args types.WorkerArgs, inputs []string) <-chan result {
		ch := make(chan result, 1)
		body, err := c(p.jobCtx, "j-local_1_T_PSI", args)
		require.NoError(t, err)
		go func() {
			out, err := body.Run(context.Background(), inputs)
			ch <- result{out, err}
		}()
		return ch
	}

	ra := run(a, a.deps.newLocalPSI, psi, []string{dataA})
	rb := run(b, b.deps.newLocalPSI, psi, []string{dataB})
	resA, resB := <-ra, <-rb
	require.NoError(t, resA.err)
	require.NoError(t, resB.err)

	for _, r := range []result{resA, resB} {
		got, err := os.ReadFile(r.out[0])
		require.NoError(t, err)
		assert.Equal(t, "id\n2\n3\n", string(got))
	}

	mpc := &types.MpcArgs{MpcContent: "source0_column_count = 1", ReceiveResult: true}
	ma := run(a, a.deps.newLocalMPC, mpc, resA.out)
	mb := run(b, b.deps.newLocalMPC, mpc, resB.out)
	mresA, mresB := <-ma, <-mb
	require.NoError(t, mresA.err)
	require.NoError(t, mresB.err)

	got, err := os.ReadFile(mresB.out[0])
	require.NoError(t, err)
	assert.Equal(t, "id,source0_record_count,source1_record_count,total_record_count\n0,2,2,4\n", string(got))
}

// TestLocalPSIMissingField 測試資料缺少求交欄位
func TestLocalPSIMissingField(t *testing.T) {
	a, _ := newParties(t, "j-bad")
	body, err := a.deps.newLocalPSI(a.jobCtx, "w", &types.PsiArgs{Fields: "phone"})
	require.NoError(t, err)
	_, err = body.Run(context.Background(), []string{writeDataset(t, "id\n1\n")})
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

// ============================================================================
// 資料處理測試
// ============================================================================

// TestReadIDsMultiField 測試多欄位求交鍵
func TestReadIDsMultiField(t *testing.T) {
	path := writeDataset(t, "Name,Phone,x\nann,123,1\n\nbob,456,2\n")
	ids, err := readIDs(path, "name===phone")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann-123", "bob-456"}, ids)
}

// TestToMPCInput 測試 MPC 輸入轉換
func TestToMPCInput(t *testing.T) {
	path := writeDataset(t, "id,a,b,c\n1,10,11,12\n2,20,21,22\n")
	data, n, err := toMPCInput(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "10 11\n20 21\n", string(data))

	_, _, err = toMPCInput(path, 4)
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

// TestMPCContentParsing 測試 MPC 程式內容的解析
func TestMPCContentParsing(t *testing.T) {
	content := "# BIT_LENGTH = 128\nsource0_column_count = 3\nsource1_column_count=2\n"
	assert.Equal(t, 128, mpcBitLength(content))
	assert.Equal(t, 64, mpcBitLength("no header"))

	n, ok := mpcColumnCount(content, 1)
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	_, ok = mpcColumnCount(content, 2)
	assert.False(t, ok)
}

// TestParseMPCOutput 測試 MPC 輸出轉 CSV
func TestParseMPCOutput(t *testing.T) {
	out := parseMPCOutput([]byte("result_fields = sum avg\nresult_values = 10 2.5\nresult_values = 4 1\n"))
	assert.Equal(t, "id,sum,avg\n0,10,2.5\n1,4,1\n", string(out))

	out = parseMPCOutput([]byte("result_values = 7 8\n"))
	assert.True(t, strings.HasPrefix(string(out), "id,result0,result1\n"))
}

// TestModelTaskArgs 測試 model worker 的 task 對應
func TestModelTaskArgs(t *testing.T) {
	jobCtx, err := types.NewJobContext("j9", &types.JobRequest{
		JobType:      "XGB",
		Participants: []string{"A", "B"},
		Workflow:     []types.WorkerConfig{{Index: 1, Type: types.WorkerTraining}},
	}, "B", t.TempDir())
	require.NoError(t, err)

	task, err := modelTaskArgs(jobCtx, "B", types.WorkerTraining, &types.ModelArgs{})
	require.NoError(t, err)
	assert.Equal(t, "j9_t", task.TaskID)
	assert.Equal(t, types.ModelXGBTraining, task.TaskType)
	assert.Equal(t, "XGB", task.Algorithm)
	assert.False(t, task.IsLabelOwner)

	task, err = modelTaskArgs(jobCtx, "B", types.WorkerPrediction, &types.ModelArgs{Algorithm: "LR"})
	require.NoError(t, err)
	assert.Equal(t, "j9_p", task.TaskID)
	assert.Equal(t, types.ModelLRPredicting, task.TaskType)

	_, err = modelTaskArgs(jobCtx, "B", types.WorkerPSI, &types.ModelArgs{})
	assert.True(t, ppcerr.Is(err, ppcerr.KindValidation))
}

// TestPSIJobInfo 測試 PSI 服務請求的參與方排列
func TestPSIJobInfo(t *testing.T) {
	jobCtx, err := types.NewJobContext("j1", &types.JobRequest{
		Participants: []string{"A", "B", "C"},
		Workflow:     []types.WorkerConfig{{Index: 1, Type: types.WorkerPSI}},
	}, "B", t.TempDir())
	require.NoError(t, err)

	info := psiJob(jobCtx, &types.PsiArgs{ReceiverList: []string{"A"}})
	assert.Equal(t, psiAlgorithmMultiParty, info.Algorithm)
	require.Len(t, info.Parties, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{info.Parties[0].PartyIndex, info.Parties[1].PartyIndex, info.Parties[2].PartyIndex})
	assert.Nil(t, info.Parties[0].Data)
	require.NotNil(t, info.Parties[1].Data)
	assert.Equal(t, "j1/psi_prepare.csv", info.Parties[1].Data.Input.Path)
}

// TestSaveResultUploadsUnderJobKey 結果寫入 job 目錄，並以 job_id/name 上傳
func TestSaveResultUploadsUnderJobKey(t *testing.T) {
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	bs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	d := Deps{AgencyID: "A", Workspace: ws, Blob: bs}

	path, err := d.saveResult(context.Background(), "j1", "out.csv", []byte("id\n1\n"))
	require.NoError(t, err)
	assert.FileExists(t, path)

	got, err := blob.GetData(context.Background(), bs, remoteKey("j1", "out.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n", string(got))
}
