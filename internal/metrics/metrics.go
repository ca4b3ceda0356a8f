// ============================================================================
// ppc-flow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露節點運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 訊息平面 (Counter)：
//      - ppc_stub_bytes_sent_total / ppc_stub_bytes_received_total
//      - ppc_stub_slices_sent_total: 已發送切片數
//      - ppc_stub_send_retries_total: 切片重送次數
//      - ppc_stub_duplicates_dropped_total: 冪等去重丟棄的切片
//      - ppc_stub_slices_rejected_total: 超出緩衝預算被拒絕的切片
//
//   2. 任務 / Job (Counter + Histogram)：
//      - ppc_tasks_{started,completed,failed}_total
//      - ppc_jobs_{started,completed,failed}_total
//      - ppc_task_duration_seconds / ppc_job_duration_seconds
//      - ppc_worker_runs_total{type,status}
//
//   3. 狀態 (Gauge)：
//      - ppc_tasks_running / ppc_jobs_running
//      - ppc_stub_buffered_bytes: 接收端目前緩衝的位元組數
//
// Prometheus 查詢示例:
//
//   # 每秒跨方流量
//   rate(ppc_stub_bytes_sent_total[1m])
//
//   # 重送比例
//   rate(ppc_stub_send_retries_total[5m]) / rate(ppc_stub_slices_sent_total[5m])
//
// 使用:
//   所有方法在 nil *Collector 上呼叫都是安全的，元件不需判斷是否啟用監控。
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 訊息平面
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	slicesSent        prometheus.Counter
	sendRetries       prometheus.Counter
	duplicatesDropped prometheus.Counter
	slicesRejected    prometheus.Counter
	bufferedBytes     prometheus.Gauge

	// task
	tasksStarted   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRunning   prometheus.Gauge
	taskDuration   prometheus.Histogram

	// job
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobDuration   prometheus.Histogram

	workerRuns *prometheus.CounterVec
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	durationBuckets := []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600}

	return &Collector{
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_stub_bytes_sent_total",
			Help: "Total payload bytes pushed to peers",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_stub_bytes_received_total",
			Help: "Total payload bytes pulled from peers",
		}),
		slicesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_stub_slices_sent_total",
			Help: "Total message slices acknowledged by peers",
		}),
		sendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_stub_send_retries_total",
			Help: "Total slice send retries",
		}),
		duplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_stub_duplicates_dropped_total",
			Help: "Total duplicate slices discarded on receive",
		}),
		slicesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_stub_slices_rejected_total",
			Help: "Total slices rejected because the task buffer budget was exhausted",
		}),
		bufferedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ppc_stub_buffered_bytes",
			Help: "Bytes currently buffered awaiting pull",
		}),
		tasksStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_tasks_started_total",
			Help: "Total model tasks started",
		}),
		tasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_tasks_completed_total",
			Help: "Total model tasks completed",
		}),
		tasksFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_tasks_failed_total",
			Help: "Total model tasks failed or killed",
		}),
		tasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "ppc_tasks_running",
			Help: "Current number of running model tasks",
		}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppc_task_duration_seconds",
			Help:    "Model task wall-clock duration in seconds",
			Buckets: durationBuckets,
		}),
		jobsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_jobs_started_total",
			Help: "Total jobs started",
		}),
		jobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_jobs_completed_total",
			Help: "Total jobs finished successfully",
		}),
		jobsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "ppc_jobs_failed_total",
			Help: "Total jobs failed or killed",
		}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "ppc_jobs_running",
			Help: "Current number of running jobs",
		}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppc_job_duration_seconds",
			Help:    "Job wall-clock duration in seconds",
			Buckets: durationBuckets,
		}),
		workerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ppc_worker_runs_total",
			Help: "Worker runtime shell outcomes by worker type and final status",
		}, []string{"type", "status"}),
	}
}

// RecordSent 記錄一次成功的 push
func (c *Collector) RecordSent(bytes int, slices int) {
	if c == nil {
		return
	}
	c.bytesSent.Add(float64(bytes))
	c.slicesSent.Add(float64(slices))
}

// RecordReceived 記錄一次成功的 pull
func (c *Collector) RecordReceived(bytes int) {
	if c == nil {
		return
	}
	c.bytesReceived.Add(float64(bytes))
}

// RecordRetry 記錄切片重送
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.sendRetries.Inc()
}

// RecordDuplicate 記錄重複切片
func (c *Collector) RecordDuplicate() {
	if c == nil {
		return
	}
	c.duplicatesDropped.Inc()
}

// RecordRejected 記錄因預算被拒絕的切片
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.slicesRejected.Inc()
}

// AddBuffered 調整接收緩衝位元組數（可為負）
func (c *Collector) AddBuffered(delta int) {
	if c == nil {
		return
	}
	c.bufferedBytes.Add(float64(delta))
}

// RecordTaskStarted 記錄 task 開始
func (c *Collector) RecordTaskStarted() {
	if c == nil {
		return
	}
	c.tasksStarted.Inc()
	c.tasksRunning.Inc()
}

// RecordTaskFinished 記錄 task 結束
func (c *Collector) RecordTaskFinished(ok bool, seconds float64) {
	if c == nil {
		return
	}
	if ok {
		c.tasksCompleted.Inc()
	} else {
		c.tasksFailed.Inc()
	}
	c.tasksRunning.Dec()
	c.taskDuration.Observe(seconds)
}

// RecordJobStarted 記錄 job 開始
func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
	c.jobsRunning.Inc()
}

// RecordJobFinished 記錄 job 結束
func (c *Collector) RecordJobFinished(ok bool, seconds float64) {
	if c == nil {
		return
	}
	if ok {
		c.jobsCompleted.Inc()
	} else {
		c.jobsFailed.Inc()
	}
	c.jobsRunning.Dec()
	c.jobDuration.Observe(seconds)
}

// RecordWorker 記錄 worker 最終狀態
func (c *Collector) RecordWorker(workerType, status string) {
	if c == nil {
		return
	}
	c.workerRuns.WithLabelValues(workerType, status).Inc()
}
