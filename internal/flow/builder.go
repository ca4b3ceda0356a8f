// ============================================================================
// ppc-flow FlowBuilder - 由 workflow 宣告建立 worker DAG
// ============================================================================
//
// Package: internal/flow
// 文件: builder.go
// 功能: 驗證 workflow 宣告，產生 WorkerContext 並持久化
//
// 宣告格式:
//   [{index: 1, type: T_PSI, args: {...}},
//    {index: 2, type: T_MPC, upstreams: [{index: 1, output_input_map: ["0:0"]}]}]
//
//   "out:in" 表示把上游第 out 個輸出接到本 worker 第 in 個輸入。
//   沒有 output_input_map 的上游只是純排序依賴。
//
// 驗證規則:
//   - index > 0 且不重複
//   - type 為已知的非 sentinel 類型
//   - upstream index 必須存在且小於本 worker 的 index（因此不可能成環）
//   - "out:in" 格式正確、輸入位置不重複
//   - args 可依類型解碼
//
// ============================================================================

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/go-playground/validator/v10"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Builder flow 建立器
type Builder struct {
	store    store.Store
	validate *validator.Validate
}

// NewBuilder 建立 flow 建立器
func NewBuilder(s store.Store, v *validator.Validate) *Builder {
	if v == nil {
		v = validator.New()
	}
	return &Builder{store: s, validate: v}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Build 驗證 workflow 並產生 Flow
//
// 所有錯誤皆為 Validation。
func (b *Builder) Build(jobID string, workflow []types.WorkerConfig) (types.Flow, error) {
	if jobID == "" {
		return nil, invalid("job id is empty")
	}
	if len(workflow) == 0 {
		return nil, invalid("workflow of job %s is empty", jobID)
	}

	byIndex := make(map[int]types.WorkerConfig, len(workflow))
	for i := range workflow {
		wc := workflow[i]
		if err := b.validate.Struct(wc); err != nil {
			return nil, ppcerr.Wrap(ppcerr.KindValidation, err, fmt.Sprintf("worker #%d", i))
		}
		if !wc.Type.Known() || wc.Type.IsSentinel() {
			return nil, invalid("worker %d has unsupported type %q", wc.Index, wc.Type)
		}
		if _, dup := byIndex[wc.Index]; dup {
			return nil, invalid("duplicate worker index %d", wc.Index)
		}
		byIndex[wc.Index] = wc
	}

	flow := make(types.Flow, len(workflow))
	for _, wc := range workflow {
		ctx, err := b.buildOne(jobID, wc, byIndex)
		if err != nil {
			return nil, err
		}
		flow[ctx.WorkerID] = ctx
	}
	log.Debug("Flow built", "job", jobID, "workers", len(flow))
	return flow, nil
}

func (b *Builder) buildOne(jobID string, wc types.WorkerConfig, byIndex map[int]types.WorkerConfig) (*types.WorkerContext, error) {
	args, err := types.DecodeArgs(wc.Type, wc.Args)
	if err != nil {
		return nil, ppcerr.Wrap(ppcerr.KindValidation, err, fmt.Sprintf("worker %d", wc.Index))
	}
	if len(wc.Args) > 0 {
		if err := b.validate.Struct(args); err != nil {
			return nil, ppcerr.Wrap(ppcerr.KindValidation, err, fmt.Sprintf("worker %d args", wc.Index))
		}
	}

	w := &types.WorkerContext{
		JobID:    jobID,
		WorkerID: types.WorkerID(jobID, wc.Index, wc.Type),
		Type:     wc.Type,
		Status:   types.WorkerPending,
		Args:     args,
	}

	type binding struct {
		in int
		st types.InputStatement
	}
	var bindings []binding
	usedInputs := make(map[int]bool)
	seenUpstream := make(map[int]bool)

	for _, up := range wc.Upstreams {
		upCfg, ok := byIndex[up.Index]
		if !ok {
			return nil, invalid("worker %d references unknown upstream %d", wc.Index, up.Index)
		}
		if up.Index >= wc.Index {
			return nil, invalid("worker %d references upstream %d which is not earlier in the workflow", wc.Index, up.Index)
		}
		if seenUpstream[up.Index] {
			return nil, invalid("worker %d lists upstream %d twice", wc.Index, up.Index)
		}
		seenUpstream[up.Index] = true

		upID := types.WorkerID(jobID, upCfg.Index, upCfg.Type)
		w.Upstreams = append(w.Upstreams, upID)

		for _, entry := range up.OutputInputMap {
			out, in, err := parseMapping(entry)
			if err != nil {
				return nil, ppcerr.Wrap(ppcerr.KindValidation, err, fmt.Sprintf("worker %d upstream %d", wc.Index, up.Index))
			}
			if usedInputs[in] {
				return nil, invalid("worker %d input position %d bound twice", wc.Index, in)
			}
			usedInputs[in] = true
			bindings = append(bindings, binding{in: in, st: types.InputStatement{Upstream: upID, OutputIndex: out}})
		}
	}

	sort.Slice(bindings, func(i, j int) bool { return bindings[i].in < bindings[j].in })
	for _, bd := range bindings {
		w.InputsStatement = append(w.InputsStatement, bd.st)
	}
	return w, nil
}

// parseMapping 解析 "out:in"
func parseMapping(entry string) (out, in int, err error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed output_input_map entry %q", entry)
	}
	out, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || out < 0 {
		return 0, 0, fmt.Errorf("malformed output index in %q", entry)
	}
	in, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || in < 0 {
		return 0, 0, fmt.Errorf("malformed input index in %q", entry)
	}
	return out, in, nil
}

// Save 持久化 flow
//
// 已存在的 worker 以資料庫中的狀態、參數與依賴取代記憶體版本，
// 使重啟後重跑能回放已成功的 worker。
func (b *Builder) Save(ctx context.Context, flow types.Flow) error {
	ids := make([]string, 0, len(flow))
	for id := range flow {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		w := flow[id]
		inserted, err := b.store.InsertIfAbsent(ctx, w)
		if err != nil {
			return fmt.Errorf("save worker %s: %w", id, err)
		}
		if inserted {
			continue
		}
		rec, err := b.store.Get(ctx, w.JobID, w.WorkerID)
		if err != nil {
			return fmt.Errorf("load persisted worker %s: %w", id, err)
		}
		w.Status = rec.Status
		w.Args = rec.Args
		w.Upstreams = rec.Upstreams
		w.InputsStatement = rec.InputsStatement
		log.Info("Worker restored from store", "job", w.JobID, "worker", w.WorkerID, "status", w.Status)
	}
	return nil
}

// BuildAndSave Build 後 Save
func (b *Builder) BuildAndSave(ctx context.Context, jobID string, workflow []types.WorkerConfig) (types.Flow, error) {
	flow, err := b.Build(jobID, workflow)
	if err != nil {
		return nil, err
	}
	if err := b.Save(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

func invalid(format string, args ...any) error {
	return ppcerr.Newf(ppcerr.KindValidation, format, args...)
}

// IsValidation 是否為 workflow 驗證錯誤
func IsValidation(err error) bool {
	var ve validator.ValidationErrors
	return errors.As(err, &ve) || ppcerr.Is(err, ppcerr.KindValidation)
}
