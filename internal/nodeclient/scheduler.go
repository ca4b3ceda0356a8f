package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/go-resty/resty/v2"
)

// JobPath is the scheduler's job API prefix.
const JobPath = "/api/ppc-scheduler/job/"

// SchedulerClient submits, queries and kills jobs on a ppc-flow node.
type SchedulerClient struct {
	http *resty.Client
}

// NewSchedulerClient creates a client for the node at endpoint.
func NewSchedulerClient(endpoint, token string, timeout time.Duration) *SchedulerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetHeader("Authorization", token)
	}
	return &SchedulerClient{http: c}
}

// Submit starts the job. Resubmitting a running job id is a no-op on the node.
func (c *SchedulerClient) Submit(ctx context.Context, jobID string, req *types.JobRequest) error {
	if _, err := doEnvelope(ctx, c.http, resty.MethodPost, JobPath+jobID, req); err != nil {
		return fmt.Errorf("submit job %s: %w", jobID, err)
	}
	return nil
}

// Status queries the job status once.
func (c *SchedulerClient) Status(ctx context.Context, jobID string) (*types.JobStatusData, error) {
	data, err := doEnvelope(ctx, c.http, resty.MethodGet, JobPath+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", jobID, err)
	}
	var st types.JobStatusData
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", jobID, err)
	}
	return &st, nil
}

// Kill cancels the job.
func (c *SchedulerClient) Kill(ctx context.Context, jobID string) error {
	if _, err := doEnvelope(ctx, c.http, resty.MethodDelete, JobPath+jobID, nil); err != nil {
		return fmt.Errorf("kill job %s: %w", jobID, err)
	}
	return nil
}

// Wait polls until the job leaves RUNNING.
func (c *SchedulerClient) Wait(ctx context.Context, jobID string, interval time.Duration) (*types.JobStatusData, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if st.Status != types.TaskRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
