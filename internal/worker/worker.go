// ============================================================================
// ppc-flow Worker Runtime Shell - 每個 worker 的固定外殼
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 包裝具體的 worker body，統一處理取消、回放、重試、超時與狀態持久化
//
// 執行流程:
//   Run(ctx, status, inputs)
//     1. job 的取消事件已觸發 → 持久化 KILLED，回傳 Cancelled
//     2. 持久化狀態為 SUCCESS → 從 store 回放 outputs，不呼叫 body
//     3. sentinel 不取輸入；其他 worker 依 inputs_statement 取位置輸入
//     4. 持久化 RUNNING，在重試策略與總時限下呼叫 body
//     5. 成功 → (SUCCESS, outputs)
//     6. 超時 → TIMEOUT；取消 → KILLED；其他錯誤 → FAILURE
//
// 時限組合:
//   每次嘗試的 deadline = min(總時限剩餘時間, 單次時限)
//   剩餘時間 ≤ 0 時直接回傳 Timeout，重試不會延長 worker 的總時限
//
// sentinel 不寫入 store。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/metrics"
	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Body 具體的 worker 實作
type Body interface {
	Run(ctx context.Context, inputs []string) ([]string, error)
}

// BodyFunc 以函數實作 Body
type BodyFunc func(ctx context.Context, inputs []string) ([]string, error)

func (f BodyFunc) Run(ctx context.Context, inputs []string) ([]string, error) {
	return f(ctx, inputs)
}

// Policy 重試與時限策略，零值表示不重試、不限時
type Policy struct {
	Retries        int           // 失敗後最多再試幾次
	RetryDelay     time.Duration // 兩次嘗試之間的間隔
	Timeout        time.Duration // 所有嘗試的總時限
	AttemptTimeout time.Duration // 單次嘗試的時限
}

// UpstreamOutput 一條輸入綁定在執行期的值：上游全部 outputs 及要取的位置
type UpstreamOutput struct {
	Upstream    string
	Outputs     []string
	OutputIndex int
}

// Worker 一個 worker 的執行外殼
type Worker struct {
	jobCtx  *types.JobContext
	id      string
	typ     types.WorkerType
	args    types.WorkerArgs
	body    Body
	store   store.Store
	events  *event.Manager
	metrics *metrics.Collector
	policy  Policy
}

func (w *Worker) ID() string             { return w.id }
func (w *Worker) Type() types.WorkerType { return w.typ }
func (w *Worker) Args() types.WorkerArgs { return w.args }

// ============================================================================
// 核心方法實作
// ============================================================================

// Run 執行 worker
//
// 參數：
//   - status: flow 建立時從 store 讀回的狀態
//   - inputs: 依 inputs_statement 順序排列的上游輸出
func (w *Worker) Run(ctx context.Context, status types.WorkerStatus, inputs []UpstreamOutput) ([]string, error) {
	jobID := w.jobCtx.JobID()
	log.Info("Worker begin run", "job", jobID, "worker", w.id, "status", status)
	start := time.Now()

	if w.events.Status(jobID) {
		w.persistFailure(types.WorkerKilled)
		log.Warn("Worker was killed", "job", jobID, "worker", w.id)
		return nil, ppcerr.Newf(ppcerr.KindCancelled, "worker %s was killed", w.id)
	}

	if status == types.WorkerSuccess && !w.typ.IsSentinel() {
		rec, err := w.store.Get(ctx, jobID, w.id)
		if err != nil {
			return nil, fmt.Errorf("load outputs of %s: %w", w.id, err)
		}
		log.Info("Worker has been executed successfully, replay outputs", "job", jobID, "worker", w.id)
		return rec.Outputs, nil
	}

	var args []string
	if !w.typ.IsSentinel() {
		var err error
		if args, err = PositionalInputs(inputs); err != nil {
			w.persistFailure(types.WorkerFailure)
			return nil, err
		}
		if err := w.persist(ctx, types.WorkerRunning, nil); err != nil {
			return nil, err
		}
	}

	outputs, err := w.runWithPolicy(ctx, args)
	if err != nil {
		st := StatusOf(err)
		w.persistFailure(st)
		log.Error("[OnError] job worker failed", "job", jobID, "worker", w.id,
			"status", st, "elapsed", time.Since(start), "error", err)
		return nil, err
	}

	if !w.typ.IsSentinel() {
		if outputs == nil {
			outputs = []string{}
		}
		// body 已完成，ctx 取消後仍要記錄結果
		if err := w.persist(context.WithoutCancel(ctx), types.WorkerSuccess, outputs); err != nil {
			return nil, err
		}
	}
	w.metrics.RecordWorker(string(w.typ), string(types.WorkerSuccess))
	log.Info("Worker finished", "job", jobID, "worker", w.id, "elapsed", time.Since(start))
	return outputs, nil
}

// runWithPolicy 在重試與時限下呼叫 body
func (w *Worker) runWithPolicy(ctx context.Context, inputs []string) ([]string, error) {
	var deadline time.Time
	if w.policy.Timeout > 0 {
		deadline = time.Now().Add(w.policy.Timeout)
	}

	for attempt := 0; ; attempt++ {
		actx, cancel, err := w.attemptContext(ctx, deadline)
		if err != nil {
			return nil, err
		}
		log.Info("Worker start", "worker", w.id, "attempt", attempt+1)
		outputs, err := w.safeRun(actx, inputs)
		attemptErr := actx.Err()
		cancel()
		if err == nil {
			log.Info("Worker end", "worker", w.id)
			return outputs, nil
		}

		switch {
		case ctx.Err() != nil:
			return nil, ppcerr.Wrap(ppcerr.KindCancelled, err, fmt.Sprintf("worker %s cancelled", w.id))
		case w.events.Status(w.jobCtx.JobID()):
			return nil, ppcerr.Wrap(ppcerr.KindCancelled, err, fmt.Sprintf("worker %s was killed", w.id))
		case errors.Is(attemptErr, context.DeadlineExceeded) && !ppcerr.Is(err, ppcerr.KindTimeout):
			err = ppcerr.Wrap(ppcerr.KindTimeout, err, fmt.Sprintf("worker %s attempt timed out", w.id))
		}

		if attempt >= w.policy.Retries {
			if w.policy.Retries > 0 {
				log.Error("Worker failed after retries", "worker", w.id, "attempts", attempt+1)
			}
			return nil, err
		}
		log.Warn("Worker failed, retry", "worker", w.id, "attempt", attempt+1, "error", err)

		if w.policy.RetryDelay > 0 {
			timer := time.NewTimer(w.policy.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ppcerr.Wrap(ppcerr.KindCancelled, ctx.Err(), fmt.Sprintf("worker %s cancelled", w.id))
			case <-w.events.Done(w.jobCtx.JobID()):
				timer.Stop()
				return nil, ppcerr.Newf(ppcerr.KindCancelled, "worker %s was killed", w.id)
			}
		}
	}
}

// attemptContext deadline = min(剩餘總時限, 單次時限)
func (w *Worker) attemptContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc, error) {
	var d time.Time
	if !deadline.IsZero() {
		if time.Until(deadline) <= 0 {
			return nil, nil, ppcerr.Newf(ppcerr.KindTimeout, "worker %s exceeded its time cap %s", w.id, w.policy.Timeout)
		}
		d = deadline
	}
	if w.policy.AttemptTimeout > 0 {
		if a := time.Now().Add(w.policy.AttemptTimeout); d.IsZero() || a.Before(d) {
			d = a
		}
	}
	if d.IsZero() {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithDeadline(ctx, d)
	return ctx, cancel, nil
}

func (w *Worker) safeRun(ctx context.Context, inputs []string) (out []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ppcerr.Newf(ppcerr.KindInternal, "worker %s panic: %v", w.id, r)
		}
	}()
	return w.body.Run(ctx, inputs)
}

func (w *Worker) persist(ctx context.Context, st types.WorkerStatus, outputs []string) error {
	if err := w.store.UpdateStatusAndOutputs(ctx, w.jobCtx.JobID(), w.id, st, outputs); err != nil {
		return fmt.Errorf("persist %s as %s: %w", w.id, st, err)
	}
	return nil
}

// persistFailure 寫入失敗狀態；使用獨立 ctx，呼叫端的 ctx 可能已取消
func (w *Worker) persistFailure(st types.WorkerStatus) {
	w.metrics.RecordWorker(string(w.typ), string(st))
	if w.typ.IsSentinel() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.UpdateStatusAndOutputs(ctx, w.jobCtx.JobID(), w.id, st, []string{}); err != nil {
		log.Warn("Failed to persist worker status", "worker", w.id, "status", st, "error", err)
	}
}

// StatusOf 錯誤對應的 worker 狀態
func StatusOf(err error) types.WorkerStatus {
	switch ppcerr.KindOf(err) {
	case ppcerr.KindTimeout:
		return types.WorkerTimeout
	case ppcerr.KindCancelled:
		return types.WorkerKilled
	default:
		return types.WorkerFailure
	}
}

// PositionalInputs 取出每條綁定指定位置的輸出
func PositionalInputs(inputs []UpstreamOutput) ([]string, error) {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.OutputIndex < 0 || in.OutputIndex >= len(in.Outputs) {
			return nil, ppcerr.Newf(ppcerr.KindValidation,
				"upstream %s has %d outputs, output index %d is out of range",
				in.Upstream, len(in.Outputs), in.OutputIndex)
		}
		out = append(out, in.Outputs[in.OutputIndex])
	}
	return out, nil
}
