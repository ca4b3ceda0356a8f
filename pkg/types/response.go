package types

import "encoding/json"

// Response HTTP API 統一回應格式，ErrorCode 0 表示成功
type Response struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

// RawResponse 客戶端解碼用，Data 延後解析
type RawResponse struct {
	ErrorCode int             `json:"errorCode"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TaskStatusData model task 狀態查詢的 data
type TaskStatusData struct {
	Status        TaskStatus `json:"status"`
	TrafficVolume float64    `json:"traffic_volume"`
	TimeCosts     float64    `json:"time_costs"`
}

// JobStatusData job 狀態查詢的 data
type JobStatusData struct {
	Status    TaskStatus `json:"status"`
	TimeCosts float64    `json:"time_costs"`
}
