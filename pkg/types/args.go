package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WorkerArgs worker 參數的 tagged variant
//
// 每種 worker 類型對應一個具體的 config struct，WorkerFactory 依類型檢查。
// 持久化時以 JSON 編碼，讀回時依 worker 類型解碼。
type WorkerArgs interface {
	ArgsFor() []WorkerType
}

// PsiArgs T_PSI 參數
type PsiArgs struct {
	Algorithm    int      `json:"algorithm"`
	Fields       string   `json:"fields,omitempty"`
	InputPath    string   `json:"input_path,omitempty"`
	OutputPath   string   `json:"output_path,omitempty"`
	SyncResult   bool     `json:"sync_result"`
	LowBandwidth bool     `json:"low_bandwidth"`
	ReceiverList []string `json:"receiver_list,omitempty"`
}

func (PsiArgs) ArgsFor() []WorkerType { return []WorkerType{WorkerPSI} }

// MpcArgs T_MPC 參數
type MpcArgs struct {
	MpcContent    string   `json:"mpc_content" validate:"required"`
	InputFilePath string   `json:"input_file_path,omitempty"`
	ReceiveResult bool     `json:"receive_result"`
	BitLength     int      `json:"bit_length,omitempty" validate:"omitempty,oneof=64 128"`
	DatasetList   []string `json:"dataset_list,omitempty"`
}

func (MpcArgs) ArgsFor() []WorkerType { return []WorkerType{WorkerMPC} }

// ModelArgs model 類 worker（前處理、特徵工程、訓練、預測）的參數
type ModelArgs struct {
	Algorithm        string         `json:"algorithm,omitempty"`
	DatasetID        string         `json:"dataset_id,omitempty"`
	PredictAlgorithm string         `json:"predict_algorithm,omitempty"`
	ModelDict        map[string]any `json:"model_dict,omitempty"`
}

func (ModelArgs) ArgsFor() []WorkerType {
	return []WorkerType{WorkerPreprocessing, WorkerFeatureEngineering, WorkerTraining, WorkerPrediction}
}

// SentinelArgs sentinel 無參數
type SentinelArgs struct{}

func (SentinelArgs) ArgsFor() []WorkerType { return []WorkerType{WorkerOnSuccess, WorkerOnFailure} }

// NewArgs 依 worker 類型建立對應的空參數
func NewArgs(t WorkerType) (WorkerArgs, error) {
	switch t {
	case WorkerPSI:
		return &PsiArgs{}, nil
	case WorkerMPC:
		return &MpcArgs{}, nil
	case WorkerPreprocessing, WorkerFeatureEngineering, WorkerTraining, WorkerPrediction:
		return &ModelArgs{}, nil
	case WorkerOnSuccess, WorkerOnFailure:
		return &SentinelArgs{}, nil
	}
	return nil, fmt.Errorf("unknown worker type %q", t)
}

// DecodeArgs 依 worker 類型解碼 JSON 參數，空內容或 null 得到零值參數
func DecodeArgs(t WorkerType, raw []byte) (WorkerArgs, error) {
	args, err := NewArgs(t)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("decode args for %s: %w", t, err)
	}
	return args, nil
}

// EncodeArgs 將參數編碼為 JSON，nil 編碼為 "{}"
func EncodeArgs(args WorkerArgs) ([]byte, error) {
	if args == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(args)
}

// ArgsMatch 檢查參數型別是否與 worker 類型相符
func ArgsMatch(t WorkerType, args WorkerArgs) bool {
	if args == nil {
		return true
	}
	for _, want := range args.ArgsFor() {
		if want == t {
			return true
		}
	}
	return false
}
