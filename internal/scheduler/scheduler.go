// ============================================================================
// ppc-flow Scheduler - DAG 執行器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 將 flow 轉為執行圖，依拓撲順序平行執行 worker，並觸發終端 sentinel
//
// 執行模型:
//   1. 每個 worker 一個節點，另加 on_success（all_successful）與
//      on_failure（any_failed）兩個 sentinel，所有 worker 都是它們的上游
//   2. 入度為 0 的節點進入就緒佇列，由 semaphore 限制同時執行數
//   3. 節點完成後遞減下游入度；上游未全部成功的節點標記為 UPSTREAM_FAILED，不執行
//   4. 第 k 個輸入 = outputs(upstream_k)[output_index_k]
//   5. on_success 成功 ⇔ job 成功
//
// CancelOnFailure:
//   開啟時第一個 worker 失敗即取消執行 ctx：執行中的 worker 收到 Cancelled，
//   尚未開始的 worker 標記為 SKIPPED。sentinel 不受影響。
//
// 副作用:
//   - WORKSPACE/{job}/workflow_view.svg 與 .dot（開始時與結束時各寫一次）
//   - 設定 blob store 時上傳 SVG
//   - 每個 job 一個 span，每個 worker 一個子 span
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/storage/blob"
	"github.com/ChuLiYu/ppc-flow/internal/worker"
	"github.com/ChuLiYu/ppc-flow/internal/workspace"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var log = slog.Default()

const tracerName = "github.com/ChuLiYu/ppc-flow/internal/scheduler"

// 工作流程視圖檔名
const (
	ViewSVGFile = "workflow_view.svg"
	ViewDOTFile = "workflow_view.dot"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options scheduler 設定
type Options struct {
	Parallelism     int  // 同時執行的 worker 數，預設 NumCPU
	CancelOnFailure bool // 第一個 worker 失敗即取消其餘 worker

	Workspace *workspace.Manager // 可為 nil，此時不寫視圖
	Blob      blob.Store         // 可為 nil
	Tracer    trace.Tracer       // 可為 nil，使用全域 TracerProvider
}

// Scheduler 以 factory 建立 worker 並執行 flow
type Scheduler struct {
	factory *worker.Factory
	opts    Options
	tracer  trace.Tracer
}

// Report 一次執行結束後各節點的狀態
type Report struct {
	JobID   string
	States  map[string]State
	Elapsed time.Duration
}

// New 建立 scheduler
func New(f *worker.Factory, opts Options) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Scheduler{factory: f, opts: opts, tracer: tracer}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Run 執行 flow，on_success 未成功時回傳第一個失敗 worker 的錯誤
func (s *Scheduler) Run(ctx context.Context, jobCtx *types.JobContext, flow types.Flow) error {
	_, err := s.Execute(ctx, jobCtx, flow)
	return err
}

// Execute 與 Run 相同，另外回傳各節點狀態
func (s *Scheduler) Execute(ctx context.Context, jobCtx *types.JobContext, flow types.Flow) (*Report, error) {
	jobID := jobCtx.JobID()
	g, err := newGraph(jobID, flow)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("ppc.job_id", jobID),
		attribute.Int("ppc.workers", len(flow)),
		attribute.Int("ppc.my_index", jobCtx.MyIndex()),
	))
	defer span.End()

	log.Info("Begin run job", "job", jobID, "workers", len(flow), "parallelism", s.opts.Parallelism)
	s.writeView(ctx, g, false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.opts.Parallelism))
	done := make(chan *node)
	indeg := g.indegrees()

	var ready []*node
	for _, id := range g.order {
		if indeg[id] == 0 {
			ready = append(ready, g.nodes[id])
		}
	}

	// release 節點結束後遞減下游入度，回傳新就緒的下游
	release := func(n *node) []*node {
		var next []*node
		for _, d := range n.downstreams {
			indeg[d]--
			if indeg[d] == 0 {
				next = append(next, g.nodes[d])
			}
		}
		return next
	}

	finished, inflight := 0, 0
	for finished < len(g.nodes) {
		for len(ready) > 0 {
			n := ready[0]
			ready = ready[1:]

			st, run := g.gate(n)
			if run && !n.sentinel() && runCtx.Err() != nil {
				st, run = StateSkipped, false
			}
			if !run {
				n.state = st
				finished++
				log.Info("Worker not run", "job", jobID, "worker", n.id, "state", st)
				ready = append(ready, release(n)...)
				continue
			}

			nodeCtx := runCtx
			if n.sentinel() {
				nodeCtx = ctx
			}
			inflight++
			go func(n *node) {
				s.runNode(nodeCtx, jobCtx, g, n, sem)
				done <- n
			}(n)
		}
		if inflight == 0 {
			break
		}

		n := <-done
		inflight--
		finished++
		if n.state == StateFailed && !n.sentinel() && s.opts.CancelOnFailure && runCtx.Err() == nil {
			log.Warn("Worker failed, cancel remaining workers", "job", jobID, "worker", n.id)
			cancel()
		}
		ready = append(ready, release(n)...)
	}

	report := &Report{JobID: jobID, States: make(map[string]State, len(g.nodes)), Elapsed: time.Since(start)}
	for id, n := range g.nodes {
		report.States[id] = n.state
	}
	s.writeView(ctx, g, true)

	if g.success.state == StateSuccess {
		log.Info("Job success", "job", jobID, "elapsed", report.Elapsed)
		span.SetStatus(codes.Ok, "")
		return report, nil
	}

	failedAt, ferr := g.firstError()
	if ferr == nil {
		ferr = ppcerr.Newf(ppcerr.KindInternal, "on_success of job %s did not run", jobID)
	}
	err = fmt.Errorf("job %s failed at %s: %w", jobID, failedAt, ferr)
	log.Error("Job failed", "job", jobID, "worker", failedAt, "elapsed", report.Elapsed, "error", ferr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return report, err
}

// runNode 建立並執行單一 worker，結果寫回節點
func (s *Scheduler) runNode(ctx context.Context, jobCtx *types.JobContext, g *graph, n *node, sem *semaphore.Weighted) {
	ctx, span := s.tracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("ppc.worker_id", n.id),
		attribute.String("ppc.worker_type", string(n.typ)),
	))
	defer span.End()

	fail := func(err error) {
		n.state = StateFailed
		n.err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		fail(ppcerr.Wrap(ppcerr.KindCancelled, err, "wait for worker slot"))
		return
	}
	defer sem.Release(1)

	w, err := s.factory.Build(jobCtx, n.id, n.typ, n.args)
	if err != nil {
		fail(err)
		return
	}
	outputs, err := w.Run(ctx, n.persisted, g.inputsOf(n))
	if err != nil {
		fail(err)
		return
	}
	n.state = StateSuccess
	n.outputs = outputs
	span.SetAttributes(attribute.Int("ppc.outputs", len(outputs)))
}

// writeView 寫入工作流程視圖；失敗只記錄日誌
func (s *Scheduler) writeView(ctx context.Context, g *graph, final bool) {
	if s.opts.Workspace == nil {
		return
	}
	svg := renderSVG(g)
	if _, err := s.opts.Workspace.WriteJobFile(g.jobID, ViewSVGFile, svg); err != nil {
		log.Warn("Failed to write workflow view", "job", g.jobID, "error", err)
		return
	}
	if _, err := s.opts.Workspace.WriteJobFile(g.jobID, ViewDOTFile, renderDOT(g)); err != nil {
		log.Warn("Failed to write workflow dot", "job", g.jobID, "error", err)
	}
	if final && s.opts.Blob != nil {
		if err := blob.SaveData(context.WithoutCancel(ctx), s.opts.Blob, g.jobID+"/"+ViewSVGFile, svg); err != nil {
			log.Warn("Failed to upload workflow view", "job", g.jobID, "error", err)
		}
	}
}
