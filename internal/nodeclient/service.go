package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/go-resty/resty/v2"
)

// JSON-RPC methods exposed by the PSI and MPC services.
const (
	MethodAsyncRunTask  = "asyncRunTask"
	MethodGetTaskStatus = "getTaskStatus"
)

// ServiceOptions configures ServiceClient.
type ServiceOptions struct {
	// Name labels log lines, e.g. "psi" or "mpc".
	Name            string
	Endpoint        string
	Token           string
	PollingInterval time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	Timeout         time.Duration
}

// ServiceClient submits a job to a PSI or MPC service and waits for it.
type ServiceClient struct {
	http *resty.Client
	opts ServiceOptions
	seq  atomic.Int64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Token   string `json:"token,omitempty"`
	ID      int64  `json:"id"`
	Params  any    `json:"params"`
}

type rpcResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     int64      `json:"id"`
	Result *rpcResult `json:"result"`
}

type taskStatus struct {
	Status string `json:"status"`
}

// NewServiceClient creates a client for the service at opts.Endpoint.
func NewServiceClient(opts ServiceOptions) *ServiceClient {
	mo := ModelOptions{
		PollingInterval: opts.PollingInterval,
		MaxRetries:      opts.MaxRetries,
		RetryDelay:      opts.RetryDelay,
		Timeout:         opts.Timeout,
	}
	mo.applyDefaults()
	opts.PollingInterval, opts.MaxRetries, opts.RetryDelay, opts.Timeout =
		mo.PollingInterval, mo.MaxRetries, mo.RetryDelay, mo.Timeout

	c := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.MaxRetries - 1).
		SetRetryWaitTime(opts.RetryDelay).
		SetRetryMaxWaitTime(opts.RetryDelay).
		SetHeader("Content-Type", "application/json")
	return &ServiceClient{http: c, opts: opts}
}

// Run submits jobInfo under taskID and polls until the task completes.
// The final status payload is returned.
func (c *ServiceClient) Run(ctx context.Context, taskID string, jobInfo any) (json.RawMessage, error) {
	log.Info("Submit service task", "service", c.opts.Name, "task", taskID)
	if _, err := c.call(ctx, MethodAsyncRunTask, jobInfo); err != nil {
		return nil, fmt.Errorf("%s: submit task %s: %w", c.opts.Name, taskID, err)
	}

	ticker := time.NewTicker(c.opts.PollingInterval)
	defer ticker.Stop()
	for {
		data, err := c.call(ctx, MethodGetTaskStatus, map[string]string{"taskID": taskID})
		if err != nil {
			return nil, fmt.Errorf("%s: query task %s: %w", c.opts.Name, taskID, err)
		}
		var st taskStatus
		if len(data) > 0 {
			if err := json.Unmarshal(data, &st); err != nil {
				return nil, fmt.Errorf("%s: decode status of %s: %w", c.opts.Name, taskID, err)
			}
		}
		switch strings.ToUpper(st.Status) {
		case "COMPLETED":
			log.Info("Service task completed", "service", c.opts.Name, "task", taskID)
			return data, nil
		case "FAILED":
			return data, ppcerr.Newf(ppcerr.KindInternal, "%s task %s failed", c.opts.Name, taskID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *ServiceClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Token:   c.opts.Token,
		ID:      c.seq.Add(1),
		Params:  params,
	}
	var out rpcResponse
	resp, err := c.http.R().SetContext(ctx).SetBody(body).SetResult(&out).Post(c.opts.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ppcerr.Wrap(ppcerr.KindNetwork, err, method)
	}
	if resp.IsError() {
		return nil, ppcerr.Newf(ppcerr.KindNetwork, "%s: http %d", method, resp.StatusCode())
	}
	if out.Result == nil {
		return nil, ppcerr.Newf(ppcerr.KindInternal, "%s: empty result", method)
	}
	if out.Result.Code != 0 {
		return nil, ppcerr.Newf(ppcerr.KindInternal, "%s: code %d: %s", method, out.Result.Code, out.Result.Message)
	}
	return out.Result.Data, nil
}
