// ============================================================================
// ppc-flow CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 提供節點啟動與 job 操作的命令
//
// 命令結構:
//   ppc-node                       # 根命令
//   ├── run                        # 啟動節點
//   │   └── --config, -c           # 設定檔路徑（全域）
//   ├── submit                     # 提交 job
//   │   ├── --file, -f             # job 請求 JSON
//   │   ├── --job                  # job id，未指定時取檔案內的 job_id 或產生 uuid
//   │   └── --wait                 # 等待 job 結束
//   ├── status <job_id>            # 查詢 job 狀態
//   ├── kill <job_id>              # 終止 job
//   ├── log <job_id>               # 擷取 job 日誌
//   └── config                     # 輸出合併環境變數後的設定
//
//   submit / status / kill / log 透過 HTTP API 操作執行中的節點，
//   --endpoint 指定節點位址（預設 http://127.0.0.1:8080）。
//
// run 命令:
//   1. 讀取設定檔並套用環境變數
//   2. 設定 slog（stderr 與日誌檔）
//   3. 建立並啟動 Node（gRPC、HTTP、清掃循環、恢復未完成的 job）
//   4. SIGINT / SIGTERM 時優雅關閉
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/config"
	"github.com/ChuLiYu/ppc-flow/internal/controller"
	"github.com/ChuLiYu/ppc-flow/internal/logging"
	"github.com/ChuLiYu/ppc-flow/internal/nodeclient"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version 由 -ldflags 注入
var Version = "dev"

// DefaultEndpoint 節點 HTTP API 的預設位址
const DefaultEndpoint = "http://127.0.0.1:8080"

type globalFlags struct {
	configFile string
	endpoint   string
	token      string
	timeout    time.Duration
}

func (g *globalFlags) client() *nodeclient.SchedulerClient {
	return nodeclient.NewSchedulerClient(g.endpoint, g.token, g.timeout)
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "ppc-node",
		Short: "ppc-flow: multi-party privacy-preserving job execution node",
		Long: `ppc-node runs one agency's node of a privacy-preserving computation:
- DAG scheduling of PSI, MPC and model workers
- gRPC message exchange between agencies
- crash recovery from persisted worker results`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "config file path (env overrides still apply)")
	pf.StringVar(&g.endpoint, "endpoint", DefaultEndpoint, "node HTTP endpoint for job commands")
	pf.StringVar(&g.token, "token", "", "authorization header sent to the node")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(
		buildRunCommand(g),
		buildSubmitCommand(g),
		buildStatusCommand(g),
		buildKillCommand(g),
		buildLogCommand(g),
		buildConfigCommand(g),
	)
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, g.configFile)
		},
	}
}

func runNode(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	closeLog, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closeLog()

	node, err := controller.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return node.Run(ctx)
}

// ============================================================================
// job 操作
// ============================================================================

func buildSubmitCommand(g *globalFlags) *cobra.Command {
	var (
		file  string
		jobID string
		wait  bool
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job request from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := loadJobRequest(file)
			if err != nil {
				return err
			}
			id := resolveJobID(jobID, req)
			c := g.client()
			if err := c.Submit(cmd.Context(), id, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted job %s\n", id)
			if !wait {
				return nil
			}
			st, err := c.Wait(cmd.Context(), id, every)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), id, st)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing the job request")
	cmd.Flags().StringVar(&jobID, "job", "", "job id (default: job_id in the file, or a new uuid)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&every, "interval", 2*time.Second, "poll interval with --wait")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildStatusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), args[0], st)
		},
	}
}

func buildKillCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <job_id>",
		Short: "Kill a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Kill(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed job %s\n", args[0])
			return nil
		},
	}
}

func buildLogCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "log <job_id>",
		Short: "Print the log lines of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := nodeclient.NewModelClient(nodeclient.ModelOptions{
				Endpoint: g.endpoint, Token: g.token, Timeout: g.timeout, MaxRetries: 1,
			})
			text, err := c.Log(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func buildConfigCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// ============================================================================
// 輔助函式
// ============================================================================

func loadJobRequest(path string) (*types.JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var req types.JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return &req, nil
}

// resolveJobID flag 優先，其次是請求內的 job_id，都沒有時產生新的 uuid
func resolveJobID(flag string, req *types.JobRequest) string {
	switch {
	case flag != "":
		req.JobID = flag
	case req.JobID == "":
		req.JobID = uuid.NewString()
	}
	return req.JobID
}

func printStatus(w io.Writer, jobID string, st *types.JobStatusData) error {
	_, err := fmt.Fprintf(w, "job %s: %s (%.1fs)\n", jobID, st.Status, st.TimeCosts)
	return err
}
