// ============================================================================
// ppc-flow JobManager - job 生命週期管理
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 接收 job 請求、建立並持久化 flow、非同步執行 scheduler、kill 與狀態查詢
//
// 狀態轉換:
//   RunTask → RUNNING
//   RUNNING → SUCCESS（scheduler 回傳 nil）
//   RUNNING → FAILURE（scheduler 回傳錯誤、被 kill 或超時）
//
// 執行流程 RunTask(jobID, request):
//   1. 以 validator 檢查請求
//   2. 依 AGENCY_ID 決定本方在參與方列表中的位置
//   3. 同步建立並保存 flow（驗證錯誤在此回傳給呼叫端）
//   4. 以 job id 為 executor id 執行 scheduler；重複的 job id 是 no-op
//
// Kill:
//   executor.Kill(jobID) 觸發取消事件，worker 與 stub pull 隨即看到；
//   再交由各個 TaskKiller（本機 TaskManager、遠端 model 節點）終止 task。
//
// 清掃循環與 TaskManager 相同，以 JobTimeout 為準。
// 每次狀態變化都寫入 WORKSPACE/{job}/job.json，重啟後仍可查詢已結束的 job。
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/executor"
	"github.com/ChuLiYu/ppc-flow/internal/metrics"
	"github.com/ChuLiYu/ppc-flow/internal/workspace"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/go-playground/validator/v10"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrManagerStopped 已停止，無法提交新 job
	ErrManagerStopped = errors.New("job manager is stopped")
)

// 預設值
const (
	DefaultSweepInterval = 5 * time.Second
	DefaultRetain        = time.Hour
)

// ============================================================================
// 資料結構定義
// ============================================================================

// FlowBuilder 建立並保存 flow
type FlowBuilder interface {
	BuildAndSave(ctx context.Context, jobID string, workflow []types.WorkerConfig) (types.Flow, error)
}

// Runner 執行 flow
type Runner interface {
	Run(ctx context.Context, jobCtx *types.JobContext, flow types.Flow) error
}

// TaskKiller 終止 job 的所有 task
type TaskKiller interface {
	KillTask(jobID string) error
}

// TaskKillerFunc 以函數實作 TaskKiller
type TaskKillerFunc func(jobID string) error

func (f TaskKillerFunc) KillTask(jobID string) error { return f(jobID) }

// CacheCleaner 清除 job 在 stub 中的快取
type CacheCleaner interface {
	CleanupCache(taskID string)
}

// Options 設定
type Options struct {
	AgencyID      string
	JobTimeout    time.Duration // RUNNING 超過此時間即被 kill
	SweepInterval time.Duration
	Retain        time.Duration // 超時後再保留多久才移除記錄
}

type jobRecord struct {
	status    types.JobStatus
	startedAt time.Time
	timeCosts float64
	request   *types.JobRequest
	err       error
	done      chan struct{}
}

// Manager job 管理器
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*jobRecord

	events    *event.Manager
	executor  *executor.Executor
	builder   FlowBuilder
	runner    Runner
	killers   []TaskKiller
	cache     CacheCleaner
	workspace *workspace.Manager
	validate  *validator.Validate
	metrics   *metrics.Collector
	opts      Options

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Deps 協作元件
type Deps struct {
	Events    *event.Manager
	Builder   FlowBuilder
	Runner    Runner
	Workspace *workspace.Manager
	Killers   []TaskKiller
	Cache     CacheCleaner       // 可為 nil
	Validate  *validator.Validate // 可為 nil
	Metrics   *metrics.Collector  // 可為 nil
}

// New 建立 job 管理器，需呼叫 Start 啟動清掃循環
func New(d Deps, opts Options) *Manager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	v := d.Validate
	if v == nil {
		v = validator.New()
	}
	return &Manager{
		jobs:      make(map[string]*jobRecord),
		events:    d.Events,
		executor:  executor.New(d.Events),
		builder:   d.Builder,
		runner:    d.Runner,
		killers:   d.Killers,
		cache:     d.Cache,
		workspace: d.Workspace,
		validate:  v,
		metrics:   d.Metrics,
		opts:      opts,
		stopCh:    make(chan struct{}),
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// RunTask 驗證請求、建立 flow 並非同步執行；job id 已存在時為 no-op
func (m *Manager) RunTask(ctx context.Context, jobID string, req *types.JobRequest) error {
	if req == nil {
		return ppcerr.New(ppcerr.KindValidation, "job request is empty")
	}
	if jobID == "" {
		jobID = req.JobID
	}
	if jobID == "" {
		return ppcerr.New(ppcerr.KindValidation, "job id is empty")
	}
	if err := m.validate.Struct(req); err != nil {
		return ppcerr.Wrap(ppcerr.KindValidation, err, "invalid job request")
	}
	jobCtx, err := types.NewJobContext(jobID, req, m.opts.AgencyID, m.workspace.Root())
	if err != nil {
		return ppcerr.Wrap(ppcerr.KindValidation, err, "resolve job context")
	}

	// 先佔位，並發的重複提交只有一個會繼續
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if rec, exists := m.jobs[jobID]; exists {
		m.mu.Unlock()
		log.Info("Job already exists", "job", jobID, "status", rec.status)
		return nil
	}
	rec := &jobRecord{status: types.JobRunning, startedAt: time.Now(), request: req, done: make(chan struct{})}
	m.jobs[jobID] = rec
	m.mu.Unlock()

	flow, err := m.builder.BuildAndSave(ctx, jobID, req.Workflow)
	if err != nil {
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		return fmt.Errorf("build flow of job %s: %w", jobID, err)
	}

	log.Info(types.StartFlag(jobID))
	log.Info("Run job", "job", jobID, "workers", len(flow), "my_index", jobCtx.MyIndex())
	m.metrics.RecordJobStarted()
	m.snapshot(jobID)

	err = m.executor.Execute(jobID, func(ctx context.Context) error {
		return m.runner.Run(ctx, jobCtx, flow)
	}, m.onJobFinish)
	if err != nil {
		m.onJobFinish(jobID, false, err)
		return fmt.Errorf("submit job %s: %w", jobID, err)
	}
	return nil
}

// onJobFinish 記錄結果與耗時
func (m *Manager) onJobFinish(jobID string, ok bool, err error) {
	m.mu.Lock()
	rec, exists := m.jobs[jobID]
	if !exists {
		m.mu.Unlock()
		return
	}
	rec.timeCosts = time.Since(rec.startedAt).Seconds()
	if ok && rec.status == types.JobRunning {
		rec.status = types.JobSuccess
	} else {
		rec.status = types.JobFailure
		if rec.err == nil {
			rec.err = err
		}
	}
	status, costs := rec.status, rec.timeCosts
	select {
	case <-rec.done:
	default:
		close(rec.done)
	}
	m.mu.Unlock()

	m.metrics.RecordJobFinished(status == types.JobSuccess, costs)
	if status == types.JobSuccess {
		log.Info("Job completed", "job", jobID, "time_costs", costs)
	} else {
		log.Warn("Job failed", "job", jobID, "time_costs", costs, "error", err)
	}
	log.Info(types.EndFlag(jobID))
	m.snapshot(jobID)
}

// KillJob 終止 job；非 RUNNING 時忽略
func (m *Manager) KillJob(jobID string) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	running := ok && rec.status == types.JobRunning
	m.mu.RUnlock()
	if !running {
		return
	}

	log.Info("Kill job", "job", jobID)
	m.executor.Kill(jobID)
	for _, k := range m.killers {
		if err := k.KillTask(jobID); err != nil {
			log.Warn("Failed to kill tasks of job", "job", jobID, "error", err)
		}
	}

	m.mu.Lock()
	if rec, ok := m.jobs[jobID]; ok && rec.status == types.JobRunning {
		rec.status = types.JobFailure
		rec.err = ppcerr.Newf(ppcerr.KindCancelled, "job %s was killed", jobID)
	}
	m.mu.Unlock()
	m.snapshot(jobID)
}

// Status job 狀態與耗時；記憶體中沒有時讀取 job 快照
func (m *Manager) Status(jobID string) (*types.JobStatusData, error) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	if ok {
		data := &types.JobStatusData{Status: rec.status.Public(), TimeCosts: rec.timeCosts}
		m.mu.RUnlock()
		return data, nil
	}
	m.mu.RUnlock()

	if snap, err := m.workspace.LoadJob(jobID); err == nil {
		status := snap.Status
		// 程序在 job 結束前退出
		if status == types.JobRunning {
			status = types.JobFailure
		}
		return &types.JobStatusData{Status: status.Public(), TimeCosts: snap.TimeCosts}, nil
	}
	return nil, ppcerr.Newf(ppcerr.KindNotFound, "job %s not found", jobID).WithCode(ppcerr.CodeJobNotFound)
}

// Done job 結束時關閉；未知 job 回傳 nil
func (m *Manager) Done(jobID string) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.jobs[jobID]; ok {
		return rec.done
	}
	return nil
}

// Err job 失敗的原因
func (m *Manager) Err(jobID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.jobs[jobID]; ok {
		return rec.err
	}
	return nil
}

// snapshot 寫入 job.json；失敗只記錄日誌
func (m *Manager) snapshot(jobID string) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	snap := workspace.JobSnapshot{
		JobID:     jobID,
		Status:    rec.status,
		StartTime: rec.startedAt,
		TimeCosts: rec.timeCosts,
		Request:   rec.request,
	}
	if rec.err != nil {
		snap.Error = rec.err.Error()
	}
	m.mu.RUnlock()

	if err := m.workspace.SaveJob(snap); err != nil {
		log.Warn("Failed to save job snapshot", "job", jobID, "error", err)
	}
}

// Resume 重新提交快照中仍為 RUNNING 的 job，回傳成功提交的數量
//
// 程序在 job 結束前退出時由此恢復；flow 重建後已 SUCCESS 的 worker 直接回放輸出。
func (m *Manager) Resume(ctx context.Context) (int, error) {
	ids, err := m.workspace.ListJobs()
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		snap, err := m.workspace.LoadJob(id)
		if err != nil {
			log.Warn("Skip unreadable job snapshot", "job", id, "error", err)
			continue
		}
		if snap.Status != types.JobRunning || snap.Request == nil {
			continue
		}
		if err := m.RunTask(ctx, id, snap.Request); err != nil {
			log.Warn("Failed to resume job", "job", id, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		log.Info("Resumed unfinished jobs", "count", resumed)
	}
	return resumed, nil
}

// ============================================================================
// 清掃循環
// ============================================================================

// Start 啟動清掃循環
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop()
	log.Info("Job manager started", "job_timeout", m.opts.JobTimeout, "sweep_interval", m.opts.SweepInterval)
}

// Stop 停止清掃循環並等待執行中的 job（最多 grace）
func (m *Manager) Stop(grace time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.executor.Stop(grace)
	log.Info("Job manager stopped")
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep 終止超時 job 並清除過期記錄
func (m *Manager) sweep(now time.Time) {
	if m.opts.JobTimeout <= 0 {
		return
	}
	var toKill, toRemove []string

	m.mu.RLock()
	for id, rec := range m.jobs {
		age := now.Sub(rec.startedAt)
		if rec.status == types.JobRunning && age >= m.opts.JobTimeout {
			toKill = append(toKill, id)
		}
		if age >= m.opts.JobTimeout+m.opts.Retain {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toKill {
		log.Warn("Job is timeout", "job", id, "timeout", m.opts.JobTimeout)
		m.KillJob(id)
	}

	if len(toRemove) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range toRemove {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		m.events.Remove(id)
		if m.cache != nil {
			m.cache.CleanupCache(id)
		}
		log.Info("Cleanup job cache", "job", id)
	}
}
