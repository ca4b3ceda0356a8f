package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

// Messenger 跨方訊息通道（stub）
type Messenger interface {
	Push(ctx context.Context, receiver, taskID, key string, data []byte) error
	Pull(ctx context.Context, sender, taskID, key string) ([]byte, error)
}

// 交換用的 key
const (
	summaryKey = "task_summary"
	ackKey     = "task_ack"
)

type taskSummary struct {
	Agency    string          `json:"agency"`
	TaskType  types.ModelTask `json:"task_type"`
	DatasetID string          `json:"dataset_id,omitempty"`
	LabelOwn  bool            `json:"is_label_holder"`
}

// NewExchangeHandler 不含模型演算法的 handler：各方把 task 摘要送到主動方，
// 主動方確認收到的參與方數後回覆
//
// 用於本機部署與整合測試；task id 同時是 stub 的 task id，kill 會中斷等待中的 pull。
func NewExchangeHandler(m Messenger, self string) Handler {
	return func(ctx context.Context, taskID string, args *types.ModelTaskArgs) error {
		parts := args.Participants
		if len(parts) < 2 {
			log.Info("Single party task, nothing to exchange", "task", taskID)
			return nil
		}
		hub := parts[0]

		if self != hub {
			body, err := json.Marshal(taskSummary{
				Agency: self, TaskType: args.TaskType, DatasetID: args.DatasetID, LabelOwn: args.IsLabelOwner,
			})
			if err != nil {
				return err
			}
			if err := m.Push(ctx, hub, taskID, summaryKey, body); err != nil {
				return fmt.Errorf("push summary to %s: %w", hub, err)
			}
			ack, err := m.Pull(ctx, hub, taskID, ackKey)
			if err != nil {
				return fmt.Errorf("pull ack from %s: %w", hub, err)
			}
			if n, err := strconv.Atoi(string(ack)); err != nil || n != len(parts) {
				return ppcerr.Newf(ppcerr.KindInternal, "unexpected ack %q from %s", ack, hub)
			}
			log.Info("Task exchange acknowledged", "task", taskID, "hub", hub)
			return nil
		}

		labelHolders := 0
		if args.IsLabelOwner {
			labelHolders++
		}
		for _, peer := range parts[1:] {
			data, err := m.Pull(ctx, peer, taskID, summaryKey)
			if err != nil {
				return fmt.Errorf("pull summary from %s: %w", peer, err)
			}
			var s taskSummary
			if err := json.Unmarshal(data, &s); err != nil {
				return ppcerr.Wrap(ppcerr.KindInternal, err, "decode summary from "+peer)
			}
			if s.TaskType != args.TaskType {
				return ppcerr.Newf(ppcerr.KindValidation, "party %s runs %s, expected %s", peer, s.TaskType, args.TaskType)
			}
			if s.LabelOwn {
				labelHolders++
			}
		}
		if labelHolders > 1 {
			return ppcerr.Newf(ppcerr.KindValidation, "task %s has %d label holders", taskID, labelHolders)
		}
		ack := []byte(strconv.Itoa(len(parts)))
		for _, peer := range parts[1:] {
			if err := m.Push(ctx, peer, taskID, ackKey, ack); err != nil {
				return fmt.Errorf("push ack to %s: %w", peer, err)
			}
		}
		log.Info("Task exchange finished", "task", taskID, "parties", len(parts))
		return nil
	}
}

// RegisterExchangeHandlers 為所有 model task 類型註冊交換 handler
func RegisterExchangeHandlers(mgr *Manager, m Messenger, self string) {
	h := NewExchangeHandler(m, self)
	for _, t := range []types.ModelTask{
		types.ModelPreprocessing, types.ModelFeatureEngineering,
		types.ModelXGBTraining, types.ModelXGBPredicting,
		types.ModelLRTraining, types.ModelLRPredicting,
	} {
		mgr.RegisterTaskHandler(t, h)
	}
}
