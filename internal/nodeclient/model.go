// Package nodeclient talks to the computing services a worker delegates to:
// the model node (run-model-task API) and the PSI / MPC services.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/go-resty/resty/v2"
)

var log = slog.Default()

// API paths served by the model node.
const (
	RunModelTaskPath   = "/api/ppc-model/pml/run-model-task/"
	RecordModelLogPath = "/api/ppc-model/pml/record-model-log/"
)

// ModelOptions configures ModelClient.
type ModelOptions struct {
	Endpoint        string
	Token           string
	PollingInterval time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	Timeout         time.Duration
}

func (o *ModelOptions) applyDefaults() {
	if o.PollingInterval <= 0 {
		o.PollingInterval = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// ModelClient runs tasks on a model node and polls them to completion.
type ModelClient struct {
	http *resty.Client
	opts ModelOptions
}

// NewModelClient creates a client for the model node at opts.Endpoint.
func NewModelClient(opts ModelOptions) *ModelClient {
	opts.applyDefaults()
	c := resty.New().
		SetBaseURL(opts.Endpoint).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.MaxRetries - 1).
		SetRetryWaitTime(opts.RetryDelay).
		SetRetryMaxWaitTime(opts.RetryDelay).
		SetHeader("Content-Type", "application/json")
	if opts.Token != "" {
		c.SetHeader("Authorization", opts.Token)
	}
	return &ModelClient{http: c, opts: opts}
}

// Run submits the task and blocks until it is COMPLETED or FAILED.
func (c *ModelClient) Run(ctx context.Context, args *types.ModelTaskArgs) (*types.TaskStatusData, error) {
	if args.TaskID == "" {
		return nil, ppcerr.New(ppcerr.KindValidation, "model task id is empty")
	}
	log.Info("Run model task", "task", args.TaskID, "type", args.TaskType, "job", args.JobID)

	if _, err := c.do(ctx, resty.MethodPost, RunModelTaskPath+args.TaskID, args); err != nil {
		return nil, fmt.Errorf("run model task %s: %w", args.TaskID, err)
	}
	return c.poll(ctx, args.TaskID)
}

func (c *ModelClient) poll(ctx context.Context, taskID string) (*types.TaskStatusData, error) {
	ticker := time.NewTicker(c.opts.PollingInterval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case types.TaskCompleted:
			log.Info("Model task completed", "task", taskID, "time_costs", st.TimeCosts)
			return st, nil
		case types.TaskFailed:
			log.Warn("Model task failed", "task", taskID)
			return st, ppcerr.Newf(ppcerr.KindInternal, "model task %s failed", taskID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status queries the task status once.
func (c *ModelClient) Status(ctx context.Context, taskID string) (*types.TaskStatusData, error) {
	data, err := c.do(ctx, resty.MethodGet, RunModelTaskPath+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("query model task %s: %w", taskID, err)
	}
	var st types.TaskStatusData
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", taskID, err)
	}
	return &st, nil
}

// Kill kills every task of the job on the model node.
func (c *ModelClient) Kill(ctx context.Context, jobID string) error {
	log.Info("Kill model job", "job", jobID)
	if _, err := c.do(ctx, resty.MethodDelete, RunModelTaskPath+jobID, nil); err != nil {
		return fmt.Errorf("kill model job %s: %w", jobID, err)
	}
	return nil
}

// KillTask implements the job manager's task killer.
func (c *ModelClient) KillTask(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	return c.Kill(ctx, jobID)
}

// Log fetches the job's log slice from the model node.
func (c *ModelClient) Log(ctx context.Context, jobID string) (string, error) {
	data, err := c.do(ctx, resty.MethodGet, RecordModelLogPath+jobID, nil)
	if err != nil {
		return "", fmt.Errorf("fetch model log of %s: %w", jobID, err)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return string(data), nil
	}
	return s, nil
}

// do sends one request and unwraps the {errorCode, message, data} envelope.
func (c *ModelClient) do(ctx context.Context, method, uri string, body any) (json.RawMessage, error) {
	return doEnvelope(ctx, c.http, method, uri, body)
}

func doEnvelope(ctx context.Context, http *resty.Client, method, uri string, body any) (json.RawMessage, error) {
	var env types.RawResponse
	req := http.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, uri)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ppcerr.Wrap(ppcerr.KindNetwork, err, method+" "+uri)
	}
	if resp.IsError() && env.ErrorCode == 0 {
		return nil, ppcerr.Newf(ppcerr.KindNetwork, "%s %s: http %d", method, uri, resp.StatusCode())
	}
	if env.ErrorCode != ppcerr.CodeSuccess {
		kind := ppcerr.KindInternal
		switch {
		case resp.StatusCode() == 404:
			kind = ppcerr.KindNotFound
		case resp.StatusCode() == 400:
			kind = ppcerr.KindValidation
		}
		return nil, ppcerr.Newf(kind, "%s %s: %s", method, uri, env.Message).WithCode(env.ErrorCode)
	}
	return env.Data, nil
}
