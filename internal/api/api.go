// ============================================================================
// ppc-flow HTTP API
// ============================================================================
//
// Package: internal/api
// 文件: api.go
// 功能: gin 路由，對外提供 model task 與 job 的提交、查詢、終止
//
// 路由:
//   POST   /api/ppc-model/pml/run-model-task/:task_id   提交 model task
//   GET    /api/ppc-model/pml/run-model-task/:task_id   查詢 task 狀態
//   DELETE /api/ppc-model/pml/run-model-task/:task_id   終止 job 的所有 task（路徑 id 為 job id）
//   GET    /api/ppc-model/pml/record-model-log/:job_id  擷取 job 日誌
//   POST   /api/ppc-scheduler/job/:job_id               提交 job
//   GET    /api/ppc-scheduler/job/:job_id               查詢 job 狀態
//   DELETE /api/ppc-scheduler/job/:job_id               終止 job
//   GET    /healthz
//   GET    /metrics
//
// 回應格式: {errorCode, message, data}，errorCode 0 表示成功；
// HTTP 狀態碼由 ppcerr.HTTPStatus 決定。
//
// ============================================================================

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// TaskService model 節點的 task 管理（TaskManager）
type TaskService interface {
	RunTask(taskID string, t types.ModelTask, args *types.ModelTaskArgs) error
	Status(taskID string) (*types.TaskStatusData, error)
	KillTask(jobID string)
	RecordModelJobLog(jobID string) (string, error)
}

// JobService job 管理（JobManager）
type JobService interface {
	RunTask(ctx context.Context, jobID string, req *types.JobRequest) error
	Status(jobID string) (*types.JobStatusData, error)
	KillJob(jobID string)
}

// Options 路由設定；nil 的服務不註冊對應路由
type Options struct {
	Tasks    TaskService
	Jobs     JobService
	Gatherer prometheus.Gatherer // 為 nil 時不註冊 /metrics
}

// 路由前綴
const (
	ModelTaskPath = "/api/ppc-model/pml/run-model-task"
	ModelLogPath  = "/api/ppc-model/pml/record-model-log"
	JobPath       = "/api/ppc-scheduler/job"
)

// ============================================================================
// 核心方法實作
// ============================================================================

// NewRouter 建立 gin engine
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) { ok(c, gin.H{"status": "ok"}) })
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if opts.Tasks != nil {
		h := &taskHandler{svc: opts.Tasks}
		r.POST(ModelTaskPath+"/:task_id", h.run)
		r.GET(ModelTaskPath+"/:task_id", h.status)
		r.DELETE(ModelTaskPath+"/:task_id", h.kill)
		r.GET(ModelLogPath+"/:job_id", h.log)
	}
	if opts.Jobs != nil {
		h := &jobHandler{svc: opts.Jobs}
		r.POST(JobPath+"/:job_id", h.run)
		r.GET(JobPath+"/:job_id", h.status)
		r.DELETE(JobPath+"/:job_id", h.kill)
	}
	return r
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, types.Response{ErrorCode: ppcerr.CodeSuccess, Message: "success", Data: data})
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(ppcerr.HTTPStatus(err), types.Response{ErrorCode: ppcerr.CodeOf(err), Message: err.Error()})
}

// requestLogger 依狀態碼決定日誌等級
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", status,
			"latency", time.Since(start),
		}
		switch {
		case len(c.Errors) != 0 && status >= http.StatusInternalServerError:
			log.Error(c.Errors.String(), attrs...)
		case status >= http.StatusBadRequest:
			log.Warn(http.StatusText(status), attrs...)
		default:
			log.Debug(http.StatusText(status), attrs...)
		}
	}
}

// ============================================================================
// model task
// ============================================================================

type taskHandler struct {
	svc TaskService
}

func (h *taskHandler) run(c *gin.Context) {
	taskID := c.Param("task_id")
	var args types.ModelTaskArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, ppcerr.Wrap(ppcerr.KindValidation, err, "invalid model task request"))
		return
	}
	if !args.TaskType.Valid() {
		fail(c, ppcerr.Newf(ppcerr.KindValidation, "unsupported task type %q", args.TaskType))
		return
	}
	args.TaskID = taskID
	if err := h.svc.RunTask(taskID, args.TaskType, &args); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *taskHandler) status(c *gin.Context) {
	st, err := h.svc.Status(c.Param("task_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, st)
}

func (h *taskHandler) kill(c *gin.Context) {
	h.svc.KillTask(c.Param("task_id"))
	ok(c, nil)
}

func (h *taskHandler) log(c *gin.Context) {
	content, err := h.svc.RecordModelJobLog(c.Param("job_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, content)
}

// ============================================================================
// job
// ============================================================================

type jobHandler struct {
	svc JobService
}

func (h *jobHandler) run(c *gin.Context) {
	var req types.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, ppcerr.Wrap(ppcerr.KindValidation, err, "invalid job request"))
		return
	}
	if err := h.svc.RunTask(c.Request.Context(), c.Param("job_id"), &req); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *jobHandler) status(c *gin.Context) {
	st, err := h.svc.Status(c.Param("job_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, st)
}

func (h *jobHandler) kill(c *gin.Context) {
	h.svc.KillJob(c.Param("job_id"))
	ok(c, nil)
}
