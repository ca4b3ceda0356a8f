// Package types 定義了 ppc-flow 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strconv"
)

// WorkerStatus worker 在 JobWorkerStore 中的持久化狀態
type WorkerStatus string

// 定義 worker 狀態常數
const (
	WorkerPending WorkerStatus = "PENDING" // 待執行：flow 建立後的初始狀態
	WorkerRunning WorkerStatus = "RUNNING" // 執行中：runtime shell 已開始呼叫 body
	WorkerSuccess WorkerStatus = "SUCCESS" // 成功：outputs 已持久化，重跑時直接回放
	WorkerFailure WorkerStatus = "FAILURE" // 失敗：body 回傳錯誤或重試耗盡
	WorkerKilled  WorkerStatus = "KILLED"  // 被終止：任務取消事件已觸發
	WorkerTimeout WorkerStatus = "TIMEOUT" // 超時：超過 worker 的時間上限
)

// IsTerminal 是否為終態
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case WorkerSuccess, WorkerFailure, WorkerKilled, WorkerTimeout:
		return true
	}
	return false
}

// Valid 是否為已知狀態
func (s WorkerStatus) Valid() bool {
	return s == WorkerPending || s == WorkerRunning || s.IsTerminal()
}

// WorkerType worker 類型，決定 WorkerFactory 建構哪一種實作
type WorkerType string

const (
	WorkerPSI                WorkerType = "T_PSI"
	WorkerMPC                WorkerType = "T_MPC"
	WorkerPreprocessing      WorkerType = "T_PREPROCESSING"
	WorkerFeatureEngineering WorkerType = "T_FEATURE_ENGINEERING"
	WorkerTraining           WorkerType = "T_TRAINING"
	WorkerPrediction         WorkerType = "T_PREDICTION"
	WorkerOnSuccess          WorkerType = "T_ON_SUCCESS"
	WorkerOnFailure          WorkerType = "T_ON_FAILURE"
)

// KnownWorkerTypes 所有可在 workflow 中宣告的 worker 類型（不含 sentinel）
var KnownWorkerTypes = []WorkerType{
	WorkerPSI,
	WorkerMPC,
	WorkerPreprocessing,
	WorkerFeatureEngineering,
	WorkerTraining,
	WorkerPrediction,
}

// IsSentinel 是否為 scheduler 自動加入的終端 sentinel
func (t WorkerType) IsSentinel() bool {
	return t == WorkerOnSuccess || t == WorkerOnFailure
}

// IsModel 是否為交由 model 節點執行的類型
func (t WorkerType) IsModel() bool {
	switch t {
	case WorkerPreprocessing, WorkerFeatureEngineering, WorkerTraining, WorkerPrediction:
		return true
	}
	return false
}

// Known 是否為可宣告的 worker 類型
func (t WorkerType) Known() bool {
	for _, k := range KnownWorkerTypes {
		if k == t {
			return true
		}
	}
	return false
}

// TaskStatus model 節點上 task 的狀態
type TaskStatus string

const (
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// JobStatus scheduler 上 job 的狀態
type JobStatus string

const (
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailure JobStatus = "FAILURE"
)

// Public 對外（HTTP）呈現的狀態：RUNNING | COMPLETED | FAILED
func (s JobStatus) Public() TaskStatus {
	switch s {
	case JobSuccess:
		return TaskCompleted
	case JobFailure:
		return TaskFailed
	default:
		return TaskRunning
	}
}

// ModelTask model 節點支援的 task 類型
type ModelTask string

const (
	ModelPreprocessing      ModelTask = "PREPROCESSING"
	ModelFeatureEngineering ModelTask = "FEATURE_ENGINEERING"
	ModelXGBTraining        ModelTask = "XGB_TRAINING"
	ModelXGBPredicting      ModelTask = "XGB_PREDICTING"
	ModelLRTraining         ModelTask = "LR_TRAINING"
	ModelLRPredicting       ModelTask = "LR_PREDICTING"
)

// Valid 是否為已知的 model task 類型
func (m ModelTask) Valid() bool {
	switch m {
	case ModelPreprocessing, ModelFeatureEngineering, ModelXGBTraining,
		ModelXGBPredicting, ModelLRTraining, ModelLRPredicting:
		return true
	}
	return false
}

// WorkerID 組合 worker ID：{jobID}_{index}_{type}
func WorkerID(jobID string, index int, t WorkerType) string {
	return jobID + "_" + strconv.Itoa(index) + "_" + string(t)
}

// SuccessID on_success sentinel 的 worker ID
func SuccessID(jobID string) string {
	return fmt.Sprintf("%s_ON_SUCCESS", jobID)
}

// FailureID on_failure sentinel 的 worker ID
func FailureID(jobID string) string {
	return fmt.Sprintf("%s_ON_FAILURE", jobID)
}

// 任務日誌的起止標記，每個 job 執行開始與結束時都必須輸出
const (
	LogStartFlagFormat = "$$$StartModelJob:%s"
	LogEndFlagFormat   = "$$$EndModelJob:%s"
)

// StartFlag job 開始標記
func StartFlag(jobID string) string { return fmt.Sprintf(LogStartFlagFormat, jobID) }

// EndFlag job 結束標記
func EndFlag(jobID string) string { return fmt.Sprintf(LogEndFlagFormat, jobID) }
