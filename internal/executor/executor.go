// ============================================================================
// ppc-flow AsyncExecutor - 非同步任務執行器
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 以獨立 goroutine 執行 (task_id, fn)，結束時回呼 onFinish
//
// 執行模型:
//   ┌──────────────┐  Execute(id, fn, onFinish)
//   │ TaskManager  │ ──────────────────────────┐
//   │ JobManager   │                           ↓
//   └──────────────┘                  ┌─────────────────┐
//                                      │ goroutine(id)   │
//                                      │  ctx ← event    │
//                                      │  err := fn(ctx) │
//                                      │  onFinish(...)  │
//                                      └─────────────────┘
//
// 語意:
//   - onFinish 對每次 Execute 恰好呼叫一次
//   - 重複提交執行中的 task_id 是 no-op
//   - Kill(id) 觸發取消事件並放棄該 task 的記錄，不會搶佔 fn
//   - 被 Kill 的 task 一律以 (false, Cancelled) 結束
//   - fn panic 轉為 Internal 錯誤
//
// 生命週期:
//   1. New() - 建立執行器
//   2. Execute() - 提交任務
//   3. Stop() - 拒絕新任務，等待執行中的任務（有寬限時間）
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrExecutorClosed 執行器已關閉，無法提交新任務
	ErrExecutorClosed = errors.New("executor is closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Func 任務本體，ctx 在任務取消事件觸發時被取消
type Func func(ctx context.Context) error

// FinishFunc 任務結束回呼
type FinishFunc func(id string, ok bool, err error)

type running struct {
	killed bool
	cancel context.CancelFunc
}

// Executor 非同步執行器
type Executor struct {
	events  *event.Manager
	mu      sync.Mutex
	tasks   map[string]*running
	wg      sync.WaitGroup
	stopped bool
}

// New 建立執行器
func New(events *event.Manager) *Executor {
	return &Executor{
		events: events,
		tasks:  make(map[string]*running),
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Execute 在新的 goroutine 執行 fn
//
// 返回值：
//   - error: 執行器已關閉時回傳 ErrExecutorClosed；重複提交回傳 nil
func (e *Executor) Execute(id string, fn Func, onFinish FinishFunc) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if _, ok := e.tasks[id]; ok {
		e.mu.Unlock()
		log.Info("Task already running, ignore resubmission", "id", id)
		return nil
	}
	e.events.Register(id)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel}
	e.tasks[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	// 取消事件 → ctx
	done := e.events.Done(id)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		defer e.wg.Done()
		defer cancel()

		err := e.safeRun(ctx, fn)

		e.mu.Lock()
		killed := r.killed
		if cur, ok := e.tasks[id]; ok && cur == r {
			delete(e.tasks, id)
		}
		e.mu.Unlock()

		if killed {
			err = ppcerr.Wrap(ppcerr.KindCancelled, err, fmt.Sprintf("task %s was killed", id))
		}
		if onFinish != nil {
			onFinish(id, err == nil, err)
		}
	}()
	return nil
}

func (e *Executor) safeRun(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ppcerr.Newf(ppcerr.KindInternal, "task panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Kill 觸發取消事件並放棄記錄，不等待 fn 返回
func (e *Executor) Kill(id string) {
	e.mu.Lock()
	if r, ok := e.tasks[id]; ok {
		r.killed = true
		delete(e.tasks, id)
	}
	e.mu.Unlock()
	e.events.Set(id)
}

// IsRunning 任務是否仍在執行器的記錄中
func (e *Executor) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[id]
	return ok
}

// RunningCount 執行中的任務數
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Stop 拒絕新任務並等待執行中的任務
//
// grace 為等待上限；超過時觸發所有執行中任務的取消事件後返回。
func (e *Executor) Stop(grace time.Duration) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(grace):
		e.mu.Lock()
		ids := make([]string, 0, len(e.tasks))
		for id := range e.tasks {
			ids = append(ids, id)
		}
		e.mu.Unlock()
		for _, id := range ids {
			e.events.Set(id)
		}
		log.Warn("Executor stop grace period exceeded", "abandoned", len(ids))
	}
}
