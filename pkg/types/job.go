package types

import (
	"fmt"
	"path/filepath"
)

// JobRequest 提交 job 的請求內容
type JobRequest struct {
	JobID        string         `json:"job_id,omitempty"`
	JobType      string         `json:"job_type,omitempty"`
	Participants []string       `json:"participants" validate:"required,min=1,unique,dive,required"`
	Workflow     []WorkerConfig `json:"workflow" validate:"required,min=1,dive"`
	Params       map[string]any `json:"params,omitempty"`
}

// JobContext 建立後不可變的 job 上下文
type JobContext struct {
	jobID        string
	jobType      string
	participants []string
	myIndex      int
	workflow     []WorkerConfig
	workspace    string
	params       map[string]any
}

// NewJobContext 以請求與本機構 ID 建立 JobContext
//
// agencyID 必須出現在 participants 中，其位置即為 MyIndex。
func NewJobContext(jobID string, req *JobRequest, agencyID, workspaceRoot string) (*JobContext, error) {
	myIndex := -1
	for i, p := range req.Participants {
		if p == agencyID {
			myIndex = i
			break
		}
	}
	if myIndex < 0 {
		return nil, fmt.Errorf("agency %q is not a participant of job %s", agencyID, jobID)
	}
	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	return &JobContext{
		jobID:        jobID,
		jobType:      req.JobType,
		participants: append([]string(nil), req.Participants...),
		myIndex:      myIndex,
		workflow:     append([]WorkerConfig(nil), req.Workflow...),
		workspace:    filepath.Join(workspaceRoot, jobID),
		params:       params,
	}, nil
}

func (c *JobContext) JobID() string   { return c.jobID }
func (c *JobContext) JobType() string { return c.jobType }
func (c *JobContext) MyIndex() int    { return c.myIndex }

// Workspace 本 job 的工作目錄 WORKSPACE/{job_id}
func (c *JobContext) Workspace() string { return c.workspace }

// Participants 參與方列表副本
func (c *JobContext) Participants() []string {
	return append([]string(nil), c.participants...)
}

// Self 本機構 ID
func (c *JobContext) Self() string { return c.participants[c.myIndex] }

// ActiveParty 主動方（慣例上為列表第 0 位）
func (c *JobContext) ActiveParty() string { return c.participants[0] }

// IsActiveParty 本機構是否為主動方
func (c *JobContext) IsActiveParty() bool { return c.myIndex == 0 }

// Workflow 宣告的 workflow 副本
func (c *JobContext) Workflow() []WorkerConfig {
	return append([]WorkerConfig(nil), c.workflow...)
}

// Param 取得 job 參數
func (c *JobContext) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Params job 參數副本
func (c *JobContext) Params() map[string]any {
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// WorkflowViewPath 工作流程視圖（SVG）的輸出路徑
func (c *JobContext) WorkflowViewPath() string {
	return filepath.Join(c.workspace, "workflow_view.svg")
}

// ModelTaskArgs model 節點 run-model-task 請求的內容
type ModelTaskArgs struct {
	JobID        string         `json:"job_id" binding:"required"`
	TaskID       string         `json:"task_id,omitempty"`
	TaskType     ModelTask      `json:"task_type" binding:"required"`
	Participants []string       `json:"participant_id_list,omitempty"`
	Receivers    []string       `json:"result_receiver_id_list,omitempty"`
	IsLabelOwner bool           `json:"is_label_holder,omitempty"`
	DatasetID    string         `json:"dataset_id,omitempty"`
	Algorithm    string         `json:"algorithm_type,omitempty"`
	Predict      string         `json:"model_predict_algorithm,omitempty"`
	ModelDict    map[string]any `json:"model_dict,omitempty"`
}
