package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/metrics"
	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

// Constructor 依 job 上下文與參數建立 body
type Constructor func(jobCtx *types.JobContext, workerID string, args types.WorkerArgs) (Body, error)

// Factory worker 類型 → 具體實作的對照表
type Factory struct {
	mu      sync.RWMutex
	ctors   map[types.WorkerType]Constructor
	store   store.Store
	events  *event.Manager
	metrics *metrics.Collector
	policy  Policy
}

// NewFactory 建立 factory，sentinel 已預先註冊
func NewFactory(s store.Store, events *event.Manager, m *metrics.Collector, policy Policy) *Factory {
	f := &Factory{
		ctors:   make(map[types.WorkerType]Constructor),
		store:   s,
		events:  events,
		metrics: m,
		policy:  policy,
	}
	f.Register(types.WorkerOnSuccess, newSentinel)
	f.Register(types.WorkerOnFailure, newSentinel)
	return f
}

// Register 註冊（或覆寫）類型的建構函數
func (f *Factory) Register(t types.WorkerType, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[t] = c
}

// Registered 類型是否已註冊
func (f *Factory) Registered(t types.WorkerType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ctors[t]
	return ok
}

// Build 建立 worker；未知類型或參數型別不符在此回傳 Validation 錯誤
func (f *Factory) Build(jobCtx *types.JobContext, workerID string, t types.WorkerType, args types.WorkerArgs) (*Worker, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[t]
	f.mu.RUnlock()
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "unsupported worker type %q", t)
	}
	if args == nil {
		var err error
		if args, err = types.NewArgs(t); err != nil {
			return nil, ppcerr.Wrap(ppcerr.KindValidation, err, "build "+workerID)
		}
	}
	if !types.ArgsMatch(t, args) {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "args %T do not belong to worker type %s", args, t)
	}

	body, err := ctor(jobCtx, workerID, args)
	if err != nil {
		return nil, fmt.Errorf("build worker %s: %w", workerID, err)
	}
	return &Worker{
		jobCtx:  jobCtx,
		id:      workerID,
		typ:     t,
		args:    args,
		body:    body,
		store:   f.store,
		events:  f.events,
		metrics: f.metrics,
		policy:  f.policy,
	}, nil
}

func newSentinel(jobCtx *types.JobContext, workerID string, _ types.WorkerArgs) (Body, error) {
	return BodyFunc(func(_ context.Context, _ []string) ([]string, error) {
		log.Info("Sentinel fired", "job", jobCtx.JobID(), "worker", workerID)
		return nil, nil
	}), nil
}
