// ============================================================================
// ppc-flow TaskManager - model 節點上的 task 生命週期
// ============================================================================
//
// Package: internal/taskmanager
// 文件: task_manager.go
// 功能: 註冊 task 處理函數、非同步執行、kill、狀態查詢、超時清掃與日誌擷取
//
// 狀態:
//   tasks: task_id → {status, started_at, time_costs, job_id}
//   jobs:  job_id → set<task_id>
//   兩者由同一把 RWMutex 保護
//
// 狀態轉換:
//   RunTask → RUNNING
//   RUNNING → COMPLETED（handler 成功）
//   RUNNING → FAILED（handler 失敗、被 kill 或超時）
//   kill 時立即通知 Run 的等待者，不等 handler 返回
//
// 清掃循環（預設每 5 秒）:
//   1. RUNNING 超過 TaskTimeout 的 task → KillOneTask
//   2. 開始超過 TaskTimeout + Retain 的 task → 移除記錄、取消事件與 stub 快取
//
// 日誌:
//   每個 task 開始時輸出 $$$StartModelJob:{job}，結束時輸出 $$$EndModelJob:{job}，
//   RecordModelJobLog 依此擷取程序日誌檔中該 job 的片段。
//
// ============================================================================

package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/executor"
	"github.com/ChuLiYu/ppc-flow/internal/metrics"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrManagerStopped 已停止，無法提交新 task
	ErrManagerStopped = errors.New("task manager is stopped")
)

// 預設值
const (
	DefaultSweepInterval = 5 * time.Second
	DefaultRetain        = time.Hour
	DefaultLogFile       = "logs/ppc-node.log"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Handler task 執行入口，ctx 在 task 被 kill 時取消
type Handler func(ctx context.Context, taskID string, args *types.ModelTaskArgs) error

// TrafficCache stub 中與 task 相關的部分
type TrafficCache interface {
	TrafficVolume(taskID string) float64
	CleanupCache(taskID string)
}

// Options 設定
type Options struct {
	TaskTimeout   time.Duration // RUNNING 超過此時間即被 kill
	SweepInterval time.Duration // 清掃週期
	Retain        time.Duration // 超時後再保留多久才移除記錄
	LogFile       string        // 程序日誌檔，RecordModelJobLog 使用
}

type taskRecord struct {
	status    types.TaskStatus
	startedAt time.Time
	timeCosts float64
	jobID     string
	done      chan struct{} // handler 返回時關閉
	killed    chan struct{} // KillOneTask 時關閉
}

// Manager task 管理器
type Manager struct {
	mu       sync.RWMutex
	tasks    map[string]*taskRecord
	jobs     map[string]map[string]struct{}
	handlers map[types.ModelTask]Handler

	events   *event.Manager
	executor *executor.Executor
	traffic  TrafficCache
	metrics  *metrics.Collector
	opts     Options

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New 建立 task 管理器，需呼叫 Start 啟動清掃循環
func New(events *event.Manager, traffic TrafficCache, m *metrics.Collector, opts Options) *Manager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.LogFile == "" {
		opts.LogFile = DefaultLogFile
	}
	return &Manager{
		tasks:    make(map[string]*taskRecord),
		jobs:     make(map[string]map[string]struct{}),
		handlers: make(map[types.ModelTask]Handler),
		events:   events,
		executor: executor.New(events),
		traffic:  traffic,
		metrics:  m,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// RegisterTaskHandler 註冊 task 類型的執行入口，須在 RunTask 之前呼叫
func (m *Manager) RegisterTaskHandler(t types.ModelTask, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// RunTask 非同步執行 task；task_id 已存在時為 no-op
func (m *Manager) RunTask(taskID string, t types.ModelTask, args *types.ModelTaskArgs) error {
	if args == nil || args.JobID == "" {
		return ppcerr.New(ppcerr.KindValidation, "task args require job_id")
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	h, ok := m.handlers[t]
	if !ok {
		m.mu.Unlock()
		return ppcerr.Newf(ppcerr.KindValidation, "unsupported task type %q", t)
	}
	if rec, exists := m.tasks[taskID]; exists {
		m.mu.Unlock()
		log.Info("Task already exists", "task", taskID, "status", rec.status)
		return nil
	}
	jobID := args.JobID
	m.tasks[taskID] = &taskRecord{
		status:    types.TaskRunning,
		startedAt: time.Now(),
		jobID:     jobID,
		done:      make(chan struct{}),
		killed:    make(chan struct{}),
	}
	if m.jobs[jobID] == nil {
		m.jobs[jobID] = make(map[string]struct{})
	}
	m.jobs[jobID][taskID] = struct{}{}
	m.mu.Unlock()

	log.Info(types.StartFlag(jobID))
	log.Info("Run task", "job", jobID, "task", taskID, "type", t)
	m.metrics.RecordTaskStarted()

	err := m.executor.Execute(taskID, func(ctx context.Context) error {
		return h(ctx, taskID, args)
	}, m.onTaskFinish)
	if err != nil {
		m.onTaskFinish(taskID, false, err)
		return fmt.Errorf("submit task %s: %w", taskID, err)
	}
	return nil
}

// onTaskFinish 記錄結果與耗時
func (m *Manager) onTaskFinish(taskID string, ok bool, err error) {
	m.mu.Lock()
	rec, exists := m.tasks[taskID]
	if !exists {
		m.mu.Unlock()
		return
	}
	rec.timeCosts = time.Since(rec.startedAt).Seconds()
	if ok && rec.status == types.TaskRunning {
		rec.status = types.TaskCompleted
	} else {
		rec.status = types.TaskFailed
	}
	jobID, costs := rec.jobID, rec.timeCosts
	select {
	case <-rec.done:
	default:
		close(rec.done)
	}
	m.mu.Unlock()

	m.metrics.RecordTaskFinished(ok, costs)
	if ok {
		log.Info("Task completed", "task", taskID, "job", jobID, "time_costs", costs)
	} else {
		log.Warn("Task failed", "task", taskID, "job", jobID, "time_costs", costs, "error", err)
	}
	log.Info(types.EndFlag(jobID))
}

// Run 在本機執行 model task 並等待結束，ctx 取消時 kill 該 task
//
// 與 nodeclient.ModelClient 相同的介面，未設定遠端 model 節點時由 scheduler 直接使用。
func (m *Manager) Run(ctx context.Context, args *types.ModelTaskArgs) (*types.TaskStatusData, error) {
	if args == nil || args.TaskID == "" {
		return nil, ppcerr.New(ppcerr.KindValidation, "model task id is empty")
	}
	if err := m.RunTask(args.TaskID, args.TaskType, args); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rec, ok := m.tasks[args.TaskID]
	var done, killed chan struct{}
	if ok {
		done, killed = rec.done, rec.killed
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindNotFound, "task %s not found", args.TaskID).WithCode(ppcerr.CodeTaskNotFound)
	}

	// kill 後不等待 handler 返回
	select {
	case <-done:
	case <-killed:
		st, err := m.Status(args.TaskID)
		if err != nil {
			return nil, err
		}
		return st, ppcerr.Newf(ppcerr.KindCancelled, "model task %s is killed", args.TaskID).WithCode(ppcerr.CodeTaskKilled)
	case <-ctx.Done():
		m.KillOneTask(args.TaskID)
		return nil, ctx.Err()
	}
	st, err := m.Status(args.TaskID)
	if err != nil {
		return nil, err
	}
	if st.Status != types.TaskCompleted {
		return st, ppcerr.Newf(ppcerr.KindInternal, "model task %s failed", args.TaskID)
	}
	return st, nil
}

// KillTask 終止 job 的所有 task
func (m *Manager) KillTask(jobID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.jobs[jobID]))
	for id := range m.jobs[jobID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.KillOneTask(id)
	}
}

// KillOneTask 終止單一 task；非 RUNNING 時忽略
func (m *Manager) KillOneTask(taskID string) {
	m.mu.RLock()
	rec, ok := m.tasks[taskID]
	running := ok && rec.status == types.TaskRunning
	m.mu.RUnlock()
	if !running {
		return
	}

	log.Info("Kill task", "task", taskID)
	m.executor.Kill(taskID)

	m.mu.Lock()
	if rec, ok := m.tasks[taskID]; ok {
		rec.status = types.TaskFailed
		select {
		case <-rec.killed:
		default:
			close(rec.killed)
		}
	}
	m.mu.Unlock()
}

// Status task 狀態、通訊量（MiB）與耗時（秒）
func (m *Manager) Status(taskID string) (*types.TaskStatusData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindNotFound, "task %s not found", taskID).WithCode(ppcerr.CodeTaskNotFound)
	}
	var traffic float64
	if m.traffic != nil {
		traffic = m.traffic.TrafficVolume(taskID)
	}
	return &types.TaskStatusData{Status: rec.status, TrafficVolume: traffic, TimeCosts: rec.timeCosts}, nil
}

// RecordModelJobLog 擷取日誌檔中 job 第一個開始標記到最後一個結束標記之間的內容
func (m *Manager) RecordModelJobLog(jobID string) (string, error) {
	data, err := os.ReadFile(m.opts.LogFile)
	if err != nil {
		return "", fmt.Errorf("read log file %s: %w", m.opts.LogFile, err)
	}
	return sliceJobLog(string(data), jobID), nil
}

func sliceJobLog(content, jobID string) string {
	startKey, endKey := types.StartFlag(jobID), types.EndFlag(jobID)
	start := strings.Index(content, startKey)
	end := strings.LastIndex(content, endKey)
	if start < 0 || end < 0 || end < start {
		return jobID + " not found in log data"
	}
	return content[start : end+len(endKey)]
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
	log.Info("Task manager started", "task_timeout", m.opts.TaskTimeout, "sweep_interval", m.opts.SweepInterval)
}

// Stop 停止清掃循環並等待執行中的 task（最多 grace）
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
	log.Info("Task manager stopped")
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

// sweep 終止超時 task 並清除過期記錄
func (m *Manager) sweep(now time.Time) {
	if m.opts.TaskTimeout <= 0 {
		return
	}
	var toKill []string
	type stale struct{ taskID, jobID string }
	var toRemove []stale

	m.mu.RLock()
	for id, rec := range m.tasks {
		age := now.Sub(rec.startedAt)
		if rec.status == types.TaskRunning && age >= m.opts.TaskTimeout {
			toKill = append(toKill, id)
		}
		if age >= m.opts.TaskTimeout+m.opts.Retain {
			toRemove = append(toRemove, stale{id, rec.jobID})
		}
	}
	m.mu.RUnlock()

	for _, id := range toKill {
		log.Warn("Task is timeout", "task", id, "timeout", m.opts.TaskTimeout)
		m.KillOneTask(id)
	}

	if len(toRemove) == 0 {
		return
	}
	m.mu.Lock()
	for _, s := range toRemove {
		delete(m.tasks, s.taskID)
		if set, ok := m.jobs[s.jobID]; ok {
			delete(set, s.taskID)
			if len(set) == 0 {
				delete(m.jobs, s.jobID)
			}
		}
	}
	m.mu.Unlock()

	for _, s := range toRemove {
		m.events.Remove(s.taskID)
		if m.traffic != nil {
			m.traffic.CleanupCache(s.taskID)
		}
		log.Info("Cleanup task cache", "task", s.taskID, "job", s.jobID)
	}
}
