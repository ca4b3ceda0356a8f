// ============================================================================
// ppc-flow MessageStub - 跨方訊息樁
// ============================================================================
//
// Package: internal/stub
// 文件: stub.go
// 功能: 在參與方之間傳遞任意大小的訊息（切片、重送、重組、去重、流量統計）
//
// 資料流:
//
//   發送端 Push(receiver, task, key, data)
//     │  切片 (SliceSize)，errgroup 並發發送，失敗重送
//     ↓
//   gRPC MessageInteraction(ModelRequest{sender, task, key, round, seq, slice_num, data})
//     ↓
//   接收端 OnMessageReceived(req)
//     │  (task, sender, key, round, seq) 去重 → 緩衝 → 就緒時通知
//     ↓
//   Pull(sender, task, key) 依 seq 拼接 → 移除 slot → 回傳
//
// Round:
//   同一 (task, peer, key) 上的連續 push 以 round 0, 1, 2... 編號。
//   接收端 Pull 依序消費 round；已消費 round 的遲到重複切片由 seen 集合丟棄。
//   同一 key 上的 push 由 per-key 鎖依序執行，僅在成功後遞增 round，
//   因此失敗後重送同一筆資料會落在同一 round，由 seq 去重。
//
// 取消:
//   Pull 以 select 等待 slot 通知、task 取消事件、ctx 與 40ms 輪詢計時器。
//   取消事件優先於其他結果。
//
// 背壓:
//   單一 task 緩衝位元組數超過 TaskMemoryBudget 時，新切片被拒絕
//   (ResourceExhausted) 且不記錄為已見，發送端重送迴圈自然節流。
//
// ============================================================================

package stub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pb "github.com/ChuLiYu/ppc-flow/api/proto/v1"
	"github.com/ChuLiYu/ppc-flow/internal/event"
	"github.com/ChuLiYu/ppc-flow/internal/metrics"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var log = slog.Default()

// ============================================================================
// 常數與預設值
// ============================================================================

const (
	// DefaultSliceSize 預設切片大小 2 MiB
	DefaultSliceSize = 2 * 1024 * 1024

	DefaultSendRetryTimes  = 3
	DefaultRetryInterval   = 5 * time.Second
	DefaultSendConcurrency = 8

	// DefaultPollInterval Pull 的輪詢間隔
	DefaultPollInterval = 40 * time.Millisecond
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNilClient 未設定 RPC 客戶端
	ErrNilClient = errors.New("stub: rpc client is nil")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// RPCClient 發送單一切片到 req.Receiver
type RPCClient interface {
	Send(ctx context.Context, req *pb.ModelRequest) (*pb.ModelResponse, error)
}

// Options 訊息樁設定
type Options struct {
	// SelfID 本方 agency id，寫入每個切片的 sender
	SelfID string

	SliceSize      int
	SendRetryTimes int
	RetryInterval  time.Duration

	// TaskMemoryBudget 單一 task 的接收緩衝上限（位元組），0 表示不限制
	TaskMemoryBudget int64

	// SendConcurrency 單次 push 的並發切片數
	SendConcurrency int

	// SendRate 每秒切片數上限，0 表示不限速
	SendRate float64

	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.SliceSize <= 0 {
		o.SliceSize = DefaultSliceSize
	}
	if o.SendRetryTimes < 0 {
		o.SendRetryTimes = 0
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	if o.SendConcurrency <= 0 {
		o.SendConcurrency = DefaultSendConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// DefaultOptions 回傳預設設定
func DefaultOptions(selfID string) Options {
	return Options{
		SelfID:          selfID,
		SliceSize:       DefaultSliceSize,
		SendRetryTimes:  DefaultSendRetryTimes,
		RetryInterval:   DefaultRetryInterval,
		SendConcurrency: DefaultSendConcurrency,
		PollInterval:    DefaultPollInterval,
	}
}

// Stats 累計計數（測試與診斷用）
type Stats struct {
	Pushes     int64
	Pulls      int64
	SlicesSent int64
	Retries    int64
	Admitted   int64
	Duplicates int64
	Rejected   int64
}

type slotKey struct {
	task  string
	peer  string
	key   string
	round uint32
}

type roundKey struct {
	task string
	peer string
	key  string
}

type seenKey struct {
	sender string
	key    string
	round  uint32
	seq    uint32
}

// slot 一則邏輯訊息在接收端的容器
type slot struct {
	sliceNum uint32
	parts    map[uint32][]byte
	size     int64
	notify   chan struct{}
	notified bool
}

func newSlot() *slot {
	return &slot{
		parts:  make(map[uint32][]byte),
		notify: make(chan struct{}),
	}
}

func (s *slot) ready() bool {
	return s.sliceNum > 0 && uint32(len(s.parts)) == s.sliceNum
}

func (s *slot) assemble() []byte {
	out := make([]byte, 0, s.size)
	for i := uint32(0); i < s.sliceNum; i++ {
		out = append(out, s.parts[i]...)
	}
	return out
}

// Stub 訊息樁
type Stub struct {
	opts    Options
	client  RPCClient
	events  *event.Manager
	metrics *metrics.Collector
	limiter *rate.Limiter

	mu        sync.RWMutex
	slots     map[slotKey]*slot
	seen      map[string]map[seenKey]struct{}
	traffic   map[string]int64
	buffered  map[string]int64
	pushRound map[roundKey]uint32
	pullRound map[roundKey]uint32
	pushLocks map[roundKey]*sync.Mutex
	stats     Stats
}

// New 建立訊息樁
//
// 參數：
//   - client: 切片發送端（gRPC 或 loopback）
//   - events: task 取消事件
//   - m: 可為 nil
func New(opts Options, client RPCClient, events *event.Manager, m *metrics.Collector) *Stub {
	opts.applyDefaults()
	s := &Stub{
		opts:      opts,
		client:    client,
		events:    events,
		metrics:   m,
		slots:     make(map[slotKey]*slot),
		seen:      make(map[string]map[seenKey]struct{}),
		traffic:   make(map[string]int64),
		buffered:  make(map[string]int64),
		pushRound: make(map[roundKey]uint32),
		pullRound: make(map[roundKey]uint32),
		pushLocks: make(map[roundKey]*sync.Mutex),
	}
	if opts.SendRate > 0 {
		burst := int(opts.SendRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	return s
}

// SetClient 替換 RPC 客戶端（節點啟動時 transport 晚於 stub 建立）
func (s *Stub) SetClient(c RPCClient) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// SelfID 本方 agency id
func (s *Stub) SelfID() string { return s.opts.SelfID }

// ============================================================================
// 發送端
// ============================================================================

// Push 將 data 切片後發送給 receiver
//
// 返回值：
//   - Cancelled: task 取消事件已觸發
//   - Network: 某切片重送耗盡仍失敗
func (s *Stub) Push(ctx context.Context, receiver, taskID, key string, data []byte) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return ErrNilClient
	}
	if s.events.Status(taskID) {
		return s.cancelled(taskID)
	}

	rk := roundKey{task: taskID, peer: receiver, key: key}
	lock := s.pushLock(rk)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	round := s.pushRound[rk]
	s.mu.RUnlock()

	slices := split(data, s.opts.SliceSize)
	sliceNum := uint32(len(slices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SendConcurrency)
	for i, part := range slices {
		req := &pb.ModelRequest{
			Sender:   s.opts.SelfID,
			Receiver: receiver,
			TaskId:   taskID,
			Key:      key,
			Seq:      uint32(i),
			SliceNum: sliceNum,
			Data:     part,
			Round:    round,
		}
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					return s.ctxErr(taskID, err)
				}
			}
			return s.sendWithRetry(gctx, client, req)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	s.pushRound[rk] = round + 1
	s.traffic[taskID] += int64(len(data))
	s.stats.Pushes++
	s.stats.SlicesSent += int64(sliceNum)
	s.mu.Unlock()
	s.metrics.RecordSent(len(data), int(sliceNum))

	log.Debug("Message pushed",
		"task", taskID, "receiver", receiver, "key", key,
		"round", round, "bytes", len(data), "slices", sliceNum)
	return nil
}

// pushLock 同一 (task, receiver, key) 的 push 依序執行
func (s *Stub) pushLock(rk roundKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.pushLocks[rk]
	if !ok {
		l = &sync.Mutex{}
		s.pushLocks[rk] = l
	}
	return l
}

func (s *Stub) sendWithRetry(ctx context.Context, client RPCClient, req *pb.ModelRequest) error {
	var lastErr error
	attempts := 1 + s.opts.SendRetryTimes
	done := s.events.Done(req.TaskId)

	for attempt := 0; attempt < attempts; attempt++ {
		if s.events.Status(req.TaskId) {
			return s.cancelled(req.TaskId)
		}
		if err := ctx.Err(); err != nil {
			return s.ctxErr(req.TaskId, err)
		}

		resp, err := client.Send(ctx, req)
		switch {
		case err != nil:
			lastErr = err
		case resp.GetErrorCode() != ppcerr.CodeSuccess:
			lastErr = fmt.Errorf("peer %s rejected slice (code %d): %s",
				req.Receiver, resp.GetErrorCode(), resp.GetMessage())
		default:
			return nil
		}

		if attempt == attempts-1 {
			break
		}
		s.mu.Lock()
		s.stats.Retries++
		s.mu.Unlock()
		s.metrics.RecordRetry()
		log.Warn("Send slice failed, retrying",
			"task", req.TaskId, "receiver", req.Receiver, "key", req.Key,
			"seq", req.Seq, "attempt", attempt+1, "error", lastErr)

		if s.opts.RetryInterval > 0 {
			timer := time.NewTimer(s.opts.RetryInterval)
			select {
			case <-timer.C:
			case <-done:
				timer.Stop()
				return s.cancelled(req.TaskId)
			case <-ctx.Done():
				timer.Stop()
				return s.ctxErr(req.TaskId, ctx.Err())
			}
		}
	}
	return ppcerr.Wrap(ppcerr.KindNetwork, lastErr,
		fmt.Sprintf("send slice %d of %s/%s to %s failed after %d attempts",
			req.Seq, req.TaskId, req.Key, req.Receiver, attempts)).WithCode(ppcerr.CodeNetwork)
}

// split 依 size 切片；空資料為單一空切片
func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	n := (len(data) + size - 1) / size
	out := make([][]byte, 0, n)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

// ============================================================================
// 接收端
// ============================================================================

// OnMessageReceived 接收一個切片
//
// 重複切片為無聲 no-op；超出 task 緩衝預算回傳 ResourceExhausted。
func (s *Stub) OnMessageReceived(req *pb.ModelRequest) error {
	if req == nil || req.TaskId == "" {
		return ppcerr.New(ppcerr.KindValidation, "slice without task id").WithCode(ppcerr.CodeValidation)
	}
	if req.SliceNum == 0 || req.Seq >= req.SliceNum {
		return ppcerr.Newf(ppcerr.KindValidation, "invalid slice seq %d of %d", req.Seq, req.SliceNum).
			WithCode(ppcerr.CodeValidation)
	}

	sk := seenKey{sender: req.Sender, key: req.Key, round: req.Round, seq: req.Seq}
	size := int64(len(req.Data))

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.seen[req.TaskId]
	if _, dup := seen[sk]; dup {
		s.stats.Duplicates++
		s.metrics.RecordDuplicate()
		log.Debug("Duplicate slice dropped",
			"task", req.TaskId, "sender", req.Sender, "key", req.Key, "round", req.Round, "seq", req.Seq)
		return nil
	}

	if s.opts.TaskMemoryBudget > 0 && s.buffered[req.TaskId]+size > s.opts.TaskMemoryBudget {
		s.stats.Rejected++
		s.metrics.RecordRejected()
		return ppcerr.Newf(ppcerr.KindResourceExhausted,
			"task %s buffer budget exhausted (%d + %d > %d bytes)",
			req.TaskId, s.buffered[req.TaskId], size, s.opts.TaskMemoryBudget).WithCode(ppcerr.CodeResourceExhausted)
	}

	key := slotKey{task: req.TaskId, peer: req.Sender, key: req.Key, round: req.Round}
	sl, ok := s.slots[key]
	if !ok {
		sl = newSlot()
		s.slots[key] = sl
	}
	if sl.sliceNum == 0 {
		sl.sliceNum = req.SliceNum
	} else if sl.sliceNum != req.SliceNum {
		return ppcerr.Newf(ppcerr.KindValidation, "slice_num mismatch for %s/%s: %d != %d",
			req.TaskId, req.Key, req.SliceNum, sl.sliceNum).WithCode(ppcerr.CodeValidation)
	}

	if seen == nil {
		seen = make(map[seenKey]struct{})
		s.seen[req.TaskId] = seen
	}
	seen[sk] = struct{}{}
	sl.parts[req.Seq] = req.Data
	sl.size += size
	s.buffered[req.TaskId] += size
	s.stats.Admitted++
	s.metrics.AddBuffered(int(size))

	if sl.ready() && !sl.notified {
		sl.notified = true
		close(sl.notify)
	}
	return nil
}

// Pull 阻塞直到 (sender, task, key) 的下一個 round 就緒
//
// 返回值：
//   - Cancelled: task 取消事件觸發（優先判斷）
//   - Timeout: ctx 逾時
func (s *Stub) Pull(ctx context.Context, sender, taskID, key string) (_ []byte, err error) {
	done := s.events.Done(taskID)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	defer func() {
		if err != nil {
			s.dropEmptySlot(sender, taskID, key)
		}
	}()

	for {
		if s.events.Status(taskID) {
			return nil, s.cancelled(taskID)
		}
		data, notify, ok := s.tryTake(sender, taskID, key)
		if ok {
			log.Debug("Message pulled", "task", taskID, "sender", sender, "key", key, "bytes", len(data))
			return data, nil
		}

		select {
		case <-notify:
		case <-done:
			return nil, s.cancelled(taskID)
		case <-ctx.Done():
			if s.events.Status(taskID) {
				return nil, s.cancelled(taskID)
			}
			return nil, s.ctxErr(taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// tryTake 取出就緒的 slot；未就緒時回傳其通知 channel
func (s *Stub) tryTake(sender, taskID, key string) ([]byte, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := roundKey{task: taskID, peer: sender, key: key}
	round := s.pullRound[rk]
	sk := slotKey{task: taskID, peer: sender, key: key, round: round}

	sl, ok := s.slots[sk]
	if !ok {
		sl = newSlot()
		s.slots[sk] = sl
	}
	if !sl.ready() {
		return nil, sl.notify, false
	}

	data := sl.assemble()
	delete(s.slots, sk)
	s.buffered[taskID] -= sl.size
	if s.buffered[taskID] <= 0 {
		delete(s.buffered, taskID)
	}
	s.pullRound[rk] = round + 1
	s.traffic[taskID] += int64(len(data))
	s.stats.Pulls++
	s.metrics.AddBuffered(-int(sl.size))
	s.metrics.RecordReceived(len(data))
	return data, nil, true
}

// dropEmptySlot 移除 Pull 失敗時留下、尚無任何切片的 slot
func (s *Stub) dropEmptySlot(sender, taskID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := roundKey{task: taskID, peer: sender, key: key}
	sk := slotKey{task: taskID, peer: sender, key: key, round: s.pullRound[rk]}
	if sl, ok := s.slots[sk]; ok && len(sl.parts) == 0 {
		delete(s.slots, sk)
	}
}

// SlotCount slot 總數，包含 Pull 等待中的空 slot
func (s *Stub) SlotCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// ============================================================================
// 查詢與清理
// ============================================================================

// TrafficVolume task 累計流量（MiB）
func (s *Stub) TrafficVolume(taskID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.traffic[taskID]) / 1024 / 1024
}

// CleanupCache 清除 task 的所有緩衝、去重、流量與 round 記錄
func (s *Stub) CleanupCache(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.slots {
		if k.task == taskID {
			delete(s.slots, k)
		}
	}
	for k := range s.pushRound {
		if k.task == taskID {
			delete(s.pushRound, k)
		}
	}
	for k := range s.pullRound {
		if k.task == taskID {
			delete(s.pullRound, k)
		}
	}
	for k := range s.pushLocks {
		if k.task == taskID {
			delete(s.pushLocks, k)
		}
	}
	if b := s.buffered[taskID]; b > 0 {
		s.metrics.AddBuffered(-int(b))
	}
	delete(s.buffered, taskID)
	delete(s.seen, taskID)
	delete(s.traffic, taskID)
}

// PendingSlots 尚未被 Pull 的非空 slot 數
func (s *Stub) PendingSlots() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sl := range s.slots {
		if len(sl.parts) > 0 {
			n++
		}
	}
	return n
}

// Stats 累計計數快照
func (s *Stub) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Stub) cancelled(taskID string) error {
	return ppcerr.Newf(ppcerr.KindCancelled, "task %s is killed", taskID).WithCode(ppcerr.CodeTaskKilled)
}

func (s *Stub) ctxErr(taskID string, err error) error {
	if s.events.Status(taskID) {
		return s.cancelled(taskID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ppcerr.Wrap(ppcerr.KindTimeout, err, "task "+taskID+" pull deadline exceeded").WithCode(ppcerr.CodeTimeout)
	}
	return ppcerr.Wrap(ppcerr.KindCancelled, err, "task "+taskID+" context cancelled").WithCode(ppcerr.CodeTaskKilled)
}
