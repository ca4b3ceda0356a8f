// ============================================================================
// ppc-flow 控制器 - 節點組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依設定建立所有元件、啟動 gRPC 與 HTTP 服務、恢復未完成的 job、優雅關閉
//
// 元件關係:
//   config → store / blob / workspace
//   events ← executor（JobManager、TaskManager 各一個）、worker、stub
//   stub ⇄ transport.Router ⇄ GrpcClient（遠端） / 本機直接投遞
//   gRPC Server → stub.OnMessageReceived
//   Factory（service 或 local 引擎） → Scheduler → JobManager
//   TaskManager（本機 model task）或 ModelClient（遠端 model 節點）
//   gin Router → TaskManager / JobManager / promhttp
//
// 啟動流程 Start():
//   1. 監聽 gRPC 與 HTTP 位址
//   2. 以 errgroup 執行兩個 Serve 循環
//   3. 啟動 TaskManager、JobManager 的清掃循環
//   4. Resume() 重新提交快照中仍為 RUNNING 的 job
//
// 關閉流程 Stop():
//   HTTP Shutdown → JobManager / TaskManager Stop → gRPC GracefulStop
//   → gRPC 用戶端、store 關閉
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/api"
	"github.com/ChuLiYu/ppc-flow/internal/config"
	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/flow"
	"github.com/ChuLiYu/ppc-flow/internal/jobmanager"
	"github.com/ChuLiYu/ppc-flow/internal/metrics"
	"github.com/ChuLiYu/ppc-flow/internal/nodeclient"
	"github.com/ChuLiYu/ppc-flow/internal/scheduler"
	"github.com/ChuLiYu/ppc-flow/internal/storage/blob"
	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/internal/stub"
	"github.com/ChuLiYu/ppc-flow/internal/taskmanager"
	"github.com/ChuLiYu/ppc-flow/internal/transport"
	"github.com/ChuLiYu/ppc-flow/internal/worker"
	"github.com/ChuLiYu/ppc-flow/internal/workspace"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var log = slog.Default()

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrStopped        = errors.New("node already stopped")
)

// DefaultShutdownGrace Stop 等待執行中 job 的時間
const DefaultShutdownGrace = 10 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Node 一個機構的完整節點
type Node struct {
	cfg *config.Config

	registry  *prometheus.Registry
	metrics   *metrics.Collector
	store     store.Store
	blob      blob.Store
	workspace *workspace.Manager
	events    *event.Manager

	stub       *stub.Stub
	grpcClient *transport.GrpcClient
	grpcServer *grpc.Server
	httpServer *http.Server

	tasks     *taskmanager.Manager
	jobs      *jobmanager.Manager
	scheduler *scheduler.Scheduler
	factory   *worker.Factory

	mu        sync.Mutex
	started   bool
	stopped   bool
	grpcAddr  net.Addr
	httpAddr  net.Addr
	group     *errgroup.Group
	serveDone chan struct{}
}

// Option 調整節點的組裝
type Option func(*Node)

// WithRegistry 使用指定的 Prometheus registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(n *Node) { n.registry = reg }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 依設定建立節點；尚未監聽任何位址
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n := &Node{cfg: cfg}
	for _, o := range opts {
		o(n)
	}
	if err := n.build(ctx); err != nil {
		n.closeResources()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context) error {
	cfg := n.cfg
	var err error

	// 1. 指標
	if cfg.Metrics.Enabled {
		if n.registry == nil {
			n.registry = prometheus.NewRegistry()
			n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		n.metrics = metrics.NewCollector(n.registry)
	}

	// 2. 儲存
	if n.workspace, err = workspace.NewManager(cfg.Workspace); err != nil {
		return err
	}
	switch cfg.Store.Driver {
	case "mysql":
		n.store, err = store.OpenMySQL(cfg.Store.MySQL)
	default:
		n.store, err = store.OpenSQLite(cfg.Store.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("failed to open job worker store: %w", err)
	}
	switch cfg.Blob.Driver {
	case "fs":
		fs, err := blob.NewFSStore(cfg.Blob.Root)
		if err != nil {
			return err
		}
		n.blob = fs
	case "s3":
		s3, err := blob.NewS3Store(ctx, cfg.Blob.S3)
		if err != nil {
			return err
		}
		n.blob = s3
	}

	// 3. 訊息通道
	n.events = event.NewManager()
	if n.grpcClient, err = transport.NewGrpcClient(cfg.ClientOptions()); err != nil {
		return fmt.Errorf("failed to create grpc client: %w", err)
	}
	n.stub = stub.New(cfg.StubOptions(), nil, n.events, n.metrics)
	n.stub.SetClient(transport.NewRouter(cfg.AgencyID, n.stub, n.grpcClient))
	if n.grpcServer, err = transport.NewGRPCServer(n.stub, cfg.ServerOptions()); err != nil {
		return fmt.Errorf("failed to create grpc server: %w", err)
	}

	// 4. model task
	n.tasks = taskmanager.New(n.events, n.stub, n.metrics, taskmanager.Options{
		TaskTimeout: cfg.TaskTimeout(),
		LogFile:     cfg.Log.File,
	})
	taskmanager.RegisterExchangeHandlers(n.tasks, n.stub, cfg.AgencyID)

	killers := []jobmanager.TaskKiller{jobmanager.TaskKillerFunc(func(jobID string) error {
		n.tasks.KillTask(jobID)
		return nil
	})}
	var model worker.ModelRunner = n.tasks
	if cfg.ModelNode.Endpoint != "" {
		mc := nodeclient.NewModelClient(cfg.ModelOptions())
		model = mc
		killers = append(killers, mc)
	}

	// 5. worker 與 scheduler
	n.factory = worker.NewFactory(n.store, n.events, n.metrics, cfg.WorkerPolicy())
	deps := worker.Deps{
		AgencyID:  cfg.AgencyID,
		Model:     model,
		Messenger: n.stub,
		Blob:      n.blob,
		Workspace: n.workspace,
	}
	if cfg.Engine == config.EngineService {
		if o, ok := cfg.ServiceOptions("psi"); ok {
			deps.PSI = nodeclient.NewServiceClient(o)
		}
		if o, ok := cfg.ServiceOptions("mpc"); ok {
			deps.MPC = nodeclient.NewServiceClient(o)
		}
	}
	worker.RegisterServiceBodies(n.factory, deps)
	if cfg.Engine == config.EngineLocal {
		worker.RegisterLocalBodies(n.factory, deps)
	}
	n.scheduler = scheduler.New(n.factory, scheduler.Options{
		Parallelism:     cfg.Job.Parallelism,
		CancelOnFailure: cfg.Job.CancelOnFailure,
		Workspace:       n.workspace,
		Blob:            n.blob,
	})

	// 6. job
	n.jobs = jobmanager.New(jobmanager.Deps{
		Events:    n.events,
		Builder:   flow.NewBuilder(n.store, nil),
		Runner:    n.scheduler,
		Workspace: n.workspace,
		Killers:   killers,
		Cache:     n.stub,
		Metrics:   n.metrics,
	}, jobmanager.Options{
		AgencyID:   cfg.AgencyID,
		JobTimeout: cfg.JobTimeout(),
	})

	// 7. HTTP
	apiOpts := api.Options{Tasks: n.tasks, Jobs: n.jobs}
	if n.registry != nil {
		apiOpts.Gatherer = n.registry
	}
	n.httpServer = &http.Server{
		Handler:           api.NewRouter(apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Node assembled", "agency", cfg.AgencyID, "engine", cfg.Engine,
		"store", cfg.Store.Driver, "blob", cfg.Blob.Driver, "peers", len(cfg.Peers))
	return nil
}

// Start 監聽位址、啟動服務與清掃循環，並恢復未完成的 job
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return ErrAlreadyStarted
	}

	grpcLis, err := net.Listen("tcp", n.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen grpc on %s: %w", n.cfg.GRPC.Addr, err)
	}
	httpLis, err := net.Listen("tcp", n.cfg.HTTP.Addr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen http on %s: %w", n.cfg.HTTP.Addr, err)
	}
	n.grpcAddr, n.httpAddr = grpcLis.Addr(), httpLis.Addr()

	g := &errgroup.Group{}
	g.Go(func() error {
		if err := n.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := n.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	n.group = g
	n.serveDone = make(chan struct{})
	go func() {
		_ = g.Wait()
		close(n.serveDone)
	}()

	n.tasks.Start()
	n.jobs.Start()
	n.started = true
	log.Info("Node started", "agency", n.cfg.AgencyID, "grpc", n.grpcAddr, "http", n.httpAddr)

	if _, err := n.jobs.Resume(ctx); err != nil {
		log.Warn("Failed to resume jobs", "error", err)
	}
	return nil
}

// Run 啟動節點並阻塞到 ctx 取消或服務出錯
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		n.Stop(DefaultShutdownGrace)
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case <-n.serveDone:
		serveErr = n.group.Wait()
	}
	n.Stop(DefaultShutdownGrace)
	return serveErr
}

// Stop 優雅關閉；重複呼叫無作用
func (n *Node) Stop(grace time.Duration) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	started := n.started
	n.mu.Unlock()

	if started {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := n.httpServer.Shutdown(ctx); err != nil {
			log.Warn("HTTP shutdown", "error", err)
		}
		cancel()
	}
	n.jobs.Stop(grace)
	n.tasks.Stop(grace)
	if started {
		stopped := make(chan struct{})
		go func() {
			n.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grace):
			n.grpcServer.Stop()
		}
		<-n.serveDone
	}
	n.closeResources()
	log.Info("Node stopped", "agency", n.cfg.AgencyID)
}

func (n *Node) closeResources() {
	if n.grpcClient != nil {
		if err := n.grpcClient.Close(); err != nil {
			log.Warn("Close grpc client", "error", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			log.Warn("Close job worker store", "error", err)
		}
	}
}

// ============================================================================
// 存取器
// ============================================================================

// AgencyID 本節點的機構 id
func (n *Node) AgencyID() string { return n.cfg.AgencyID }

// GRPCAddr 實際監聽的 gRPC 位址，Start 之前為空
func (n *Node) GRPCAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.grpcAddr == nil {
		return ""
	}
	return n.grpcAddr.String()
}

// HTTPAddr 實際監聽的 HTTP 位址，Start 之前為空
func (n *Node) HTTPAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.httpAddr == nil {
		return ""
	}
	return n.httpAddr.String()
}

// SetPeer 新增或更新對端位址
func (n *Node) SetPeer(agencyID, addr string) { n.grpcClient.SetPeer(agencyID, addr) }

// Jobs job 管理器
func (n *Node) Jobs() *jobmanager.Manager { return n.jobs }

// Tasks model task 管理器
func (n *Node) Tasks() *taskmanager.Manager { return n.tasks }

// Stub 訊息樁
func (n *Node) Stub() *stub.Stub { return n.stub }

// Store job worker 儲存
func (n *Node) Store() store.Store { return n.store }

// Factory worker 工廠，可註冊額外的 worker 類型
func (n *Node) Factory() *worker.Factory { return n.factory }

// Handler HTTP handler
func (n *Node) Handler() http.Handler { return n.httpServer.Handler }
