// ============================================================================
// ppc-flow 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔、套用環境變數覆寫、驗證並轉換為各元件的 Options
//
// 載入順序:
//   1. Default() 預設值
//   2. YAML 檔案（yaml.v3，只覆寫出現的欄位）
//   3. 環境變數 AGENCY_ID、WORKSPACE、JOB_TIMEOUT_H、TASK_TIMEOUT_H、
//      MAX_MESSAGE_LENGTH_MB、SEND_RETRY_TIMES、RETRY_INTERVAL_S
//   4. Validate()
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/nodeclient"
	"github.com/ChuLiYu/ppc-flow/internal/storage/blob"
	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/internal/stub"
	"github.com/ChuLiYu/ppc-flow/internal/transport"
	"github.com/ChuLiYu/ppc-flow/internal/worker"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrMissingAgency   = errors.New("agency_id is required")
	ErrMessageTooSmall = errors.New("max_message_length_mb must be greater than stub slice_size_mb")
)

// 引擎
const (
	EngineService = "service" // 委派給外部 PSI / MPC 服務
	EngineLocal   = "local"   // 以 stub 交換資料的本機實作
)

const mib = 1024 * 1024

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 節點的完整設定
type Config struct {
	AgencyID  string `yaml:"agency_id"`
	Workspace string `yaml:"workspace"`
	Engine    string `yaml:"engine"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
		File   string `yaml:"file"`
	} `yaml:"log"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Addr               string             `yaml:"addr"`
		MaxMessageLengthMB int                `yaml:"max_message_length_mb"`
		CallTimeoutS       float64            `yaml:"call_timeout_s"`
		TLS                transport.TLSFiles `yaml:"tls"`
	} `yaml:"grpc"`

	// Peers agency id → gRPC 位址
	Peers map[string]string `yaml:"peers"`

	Stub struct {
		SendRetryTimes     int     `yaml:"send_retry_times"`
		RetryIntervalS     float64 `yaml:"retry_interval_s"`
		SliceSizeMB        float64 `yaml:"slice_size_mb"`
		TaskMemoryBudgetMB int     `yaml:"task_memory_budget_mb"`
		SendConcurrency    int     `yaml:"send_concurrency"`
		SendRatePerS       float64 `yaml:"send_rate_per_s"`
	} `yaml:"stub"`

	Task struct {
		TimeoutH float64 `yaml:"timeout_h"`
	} `yaml:"task"`

	Job struct {
		TimeoutH        float64 `yaml:"timeout_h"`
		Parallelism     int     `yaml:"parallelism"`
		CancelOnFailure bool    `yaml:"cancel_on_failure"`
	} `yaml:"job"`

	Worker struct {
		Retries         int     `yaml:"retries"`
		RetryDelayS     float64 `yaml:"retry_delay_s"`
		TimeoutH        float64 `yaml:"timeout_h"`
		AttemptTimeoutH float64 `yaml:"attempt_timeout_h"`
	} `yaml:"worker"`

	Store struct {
		Driver     string             `yaml:"driver"` // sqlite | mysql
		SQLitePath string             `yaml:"sqlite_path"`
		MySQL      store.MySQLOptions `yaml:"mysql"`
	} `yaml:"store"`

	Blob struct {
		Driver string         `yaml:"driver"` // "" | fs | s3
		Root   string         `yaml:"root"`
		S3     blob.S3Options `yaml:"s3"`
	} `yaml:"blob"`

	ModelNode struct {
		Endpoint         string  `yaml:"endpoint"` // 空值時使用本機 TaskManager
		Token            string  `yaml:"token"`
		PollingIntervalS float64 `yaml:"polling_interval_s"`
		MaxRetries       int     `yaml:"max_retries"`
		RetryDelayS      float64 `yaml:"retry_delay_s"`
	} `yaml:"model_node"`

	Services struct {
		PSIEndpoint string `yaml:"psi_endpoint"`
		MPCEndpoint string `yaml:"mpc_endpoint"`
		Token       string `yaml:"token"`
	} `yaml:"services"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Default 預設設定
func Default() *Config {
	c := &Config{
		Workspace: "workspace",
		Engine:    EngineService,
	}
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Log.File = "logs/ppc-node.log"
	c.HTTP.Addr = ":8080"
	c.GRPC.Addr = ":50051"
	c.GRPC.MaxMessageLengthMB = 100
	c.Stub.SendRetryTimes = stub.DefaultSendRetryTimes
	c.Stub.RetryIntervalS = stub.DefaultRetryInterval.Seconds()
	c.Stub.SliceSizeMB = float64(stub.DefaultSliceSize) / mib
	c.Stub.SendConcurrency = stub.DefaultSendConcurrency
	c.Task.TimeoutH = 3
	c.Job.TimeoutH = 3
	c.Worker.RetryDelayS = 1
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = "workspace/ppc-flow.db"
	c.ModelNode.PollingIntervalS = 5
	c.ModelNode.MaxRetries = 5
	c.ModelNode.RetryDelayS = 5
	c.Metrics.Enabled = true
	return c
}

// Load 讀取設定檔並套用環境變數；path 為空時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 以環境變數覆寫設定
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = f
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("AGENCY_ID", &c.AgencyID)
	str("WORKSPACE", &c.Workspace)
	for _, err := range []error{
		float("JOB_TIMEOUT_H", &c.Job.TimeoutH),
		float("TASK_TIMEOUT_H", &c.Task.TimeoutH),
		integer("MAX_MESSAGE_LENGTH_MB", &c.GRPC.MaxMessageLengthMB),
		integer("SEND_RETRY_TIMES", &c.Stub.SendRetryTimes),
		float("RETRY_INTERVAL_S", &c.Stub.RetryIntervalS),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate 檢查設定的一致性
func (c *Config) Validate() error {
	if c.AgencyID == "" {
		return ErrMissingAgency
	}
	if c.Workspace == "" {
		return errors.New("workspace is required")
	}
	switch c.Engine {
	case EngineService, EngineLocal:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required")
		}
	case "mysql":
		if c.Store.MySQL.Addr == "" || c.Store.MySQL.Database == "" {
			return errors.New("store.mysql requires addr and database")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Blob.Driver {
	case "":
	case "fs":
		if c.Blob.Root == "" {
			return errors.New("blob.root is required for fs driver")
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return errors.New("blob.s3.bucket is required for s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Stub.SliceSizeMB <= 0 {
		return errors.New("stub.slice_size_mb must be positive")
	}
	if float64(c.GRPC.MaxMessageLengthMB) <= c.Stub.SliceSizeMB {
		return fmt.Errorf("%w: %d <= %g", ErrMessageTooSmall, c.GRPC.MaxMessageLengthMB, c.Stub.SliceSizeMB)
	}
	return nil
}

// ============================================================================
// 轉換為元件設定
// ============================================================================

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func hours(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }

// MaxMessageBytes 單一 gRPC 訊息上限
func (c *Config) MaxMessageBytes() int { return c.GRPC.MaxMessageLengthMB * mib }

// TaskTimeout model task 超時
func (c *Config) TaskTimeout() time.Duration { return hours(c.Task.TimeoutH) }

// JobTimeout job 超時
func (c *Config) JobTimeout() time.Duration { return hours(c.Job.TimeoutH) }

// StubOptions 訊息樁設定
func (c *Config) StubOptions() stub.Options {
	o := stub.DefaultOptions(c.AgencyID)
	o.SliceSize = int(c.Stub.SliceSizeMB * mib)
	o.SendRetryTimes = c.Stub.SendRetryTimes
	o.RetryInterval = seconds(c.Stub.RetryIntervalS)
	o.TaskMemoryBudget = int64(c.Stub.TaskMemoryBudgetMB) * mib
	if c.Stub.SendConcurrency > 0 {
		o.SendConcurrency = c.Stub.SendConcurrency
	}
	o.SendRate = c.Stub.SendRatePerS
	return o
}

// ClientOptions gRPC 用戶端設定
func (c *Config) ClientOptions() transport.ClientOptions {
	return transport.ClientOptions{
		Peers:           c.Peers,
		MaxMessageBytes: c.MaxMessageBytes(),
		CallTimeout:     seconds(c.GRPC.CallTimeoutS),
		TLS:             c.GRPC.TLS,
	}
}

// ServerOptions gRPC 服務端設定
func (c *Config) ServerOptions() transport.ServerOptions {
	return transport.ServerOptions{MaxMessageBytes: c.MaxMessageBytes(), TLS: c.GRPC.TLS}
}

// WorkerPolicy worker 重試與超時策略
func (c *Config) WorkerPolicy() worker.Policy {
	return worker.Policy{
		Retries:        c.Worker.Retries,
		RetryDelay:     seconds(c.Worker.RetryDelayS),
		Timeout:        hours(c.Worker.TimeoutH),
		AttemptTimeout: hours(c.Worker.AttemptTimeoutH),
	}
}

// ModelOptions 遠端 model 節點用戶端設定
func (c *Config) ModelOptions() nodeclient.ModelOptions {
	return nodeclient.ModelOptions{
		Endpoint:        c.ModelNode.Endpoint,
		Token:           c.ModelNode.Token,
		PollingInterval: seconds(c.ModelNode.PollingIntervalS),
		MaxRetries:      c.ModelNode.MaxRetries,
		RetryDelay:      seconds(c.ModelNode.RetryDelayS),
	}
}

// ServiceOptions PSI / MPC 服務用戶端設定；endpoint 為空時回傳 false
func (c *Config) ServiceOptions(name string) (nodeclient.ServiceOptions, bool) {
	endpoint := c.Services.PSIEndpoint
	if name == "mpc" {
		endpoint = c.Services.MPCEndpoint
	}
	return nodeclient.ServiceOptions{
		Name:            name,
		Endpoint:        endpoint,
		Token:           c.Services.Token,
		PollingInterval: seconds(c.ModelNode.PollingIntervalS),
		MaxRetries:      c.ModelNode.MaxRetries,
		RetryDelay:      seconds(c.ModelNode.RetryDelayS),
	}, endpoint != ""
}
