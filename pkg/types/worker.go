package types

import "time"

// InputStatement 一條輸入綁定：把 upstream 的第 OutputIndex 個輸出接到本 worker
// 在 inputs_statement 中所處位置的輸入
type InputStatement struct {
	Upstream    string `json:"upstream"`
	OutputIndex int    `json:"output_index"`
}

// WorkerContext 持久化的 worker 描述
type WorkerContext struct {
	JobID           string           `json:"job_id"`
	WorkerID        string           `json:"worker_id"`
	Type            WorkerType       `json:"type"`
	Status          WorkerStatus     `json:"status"`
	Args            WorkerArgs       `json:"args"`
	Upstreams       []string         `json:"upstreams"`
	InputsStatement []InputStatement `json:"inputs_statement"`
}

// Clone 深拷貝（Args 為不可變值，共用即可）
func (w *WorkerContext) Clone() *WorkerContext {
	c := *w
	c.Upstreams = append([]string(nil), w.Upstreams...)
	c.InputsStatement = append([]InputStatement(nil), w.InputsStatement...)
	return &c
}

// WorkerRecord JobWorkerStore 中的一筆資料
type WorkerRecord struct {
	WorkerContext
	Outputs    []string  `json:"outputs"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Flow worker_id → WorkerContext
type Flow map[string]*WorkerContext

// UpstreamConfig workflow 宣告中的一條上游依賴
//
// OutputInputMap 的每一項格式為 "out:in"，沒有映射的上游只是純排序依賴。
type UpstreamConfig struct {
	Index          int      `json:"index" validate:"gt=0"`
	OutputInputMap []string `json:"output_input_map,omitempty"`
}

// WorkerConfig workflow 宣告中的一個 worker
type WorkerConfig struct {
	Index     int              `json:"index" validate:"gt=0"`
	Type      WorkerType       `json:"type" validate:"required"`
	Args      RawArgs          `json:"args,omitempty"`
	Upstreams []UpstreamConfig `json:"upstreams,omitempty" validate:"dive"`
}

// RawArgs 尚未依類型解碼的參數
type RawArgs []byte

// MarshalJSON 原樣輸出
func (r RawArgs) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON 原樣保存
func (r *RawArgs) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}
