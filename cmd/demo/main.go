package main

// ============================================================================
// 雙方本機示範
// 1. 在同一個程序中啟動機構 A、B 兩個節點（本機引擎、隨機埠）
// 2. 產生兩份資料集，提交 PSI → MPC job
// 3. 輸出雙方的 job 狀態、stub 統計與 MPC 結果
//
// go run ./cmd/demo [-dir /tmp/ppc-demo] [-rows 1000]
// ============================================================================

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/config"
	"github.com/ChuLiYu/ppc-flow/internal/controller"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/google/uuid"
)

func main() {
	dir := flag.String("dir", "", "working directory (default: a temp dir)")
	rows := flag.Int("rows", 1000, "rows per dataset")
	flag.Parse()

	if *dir == "" {
		d, err := os.MkdirTemp("", "ppc-demo-")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		*dir = d
	}
	if err := writeDatasets(*dir, *rows); err != nil {
		log.Fatalf("Failed to write datasets: %v", err)
	}

	ctx := context.Background()
	a := start(ctx, "A", *dir)
	b := start(ctx, "B", *dir)
	defer a.Stop(5 * time.Second)
	defer b.Stop(5 * time.Second)
	a.SetPeer("B", b.GRPCAddr())
	b.SetPeer("A", a.GRPCAddr())
	fmt.Printf("✓ Nodes started  A: grpc=%s http=%s  B: grpc=%s http=%s\n", a.GRPCAddr(), a.HTTPAddr(), b.GRPCAddr(), b.HTTPAddr())

	jobID := "demo-" + uuid.NewString()[:8]
	req := &types.JobRequest{
		JobType:      "PSI_MPC",
		Participants: []string{"A", "B"},
		Workflow: []types.WorkerConfig{
			{
				Index: 1, Type: types.WorkerPSI,
				Args: types.RawArgs(fmt.Sprintf(`{"fields":"id","sync_result":true,"input_path":%q}`, filepath.Join(*dir, "{agency}.csv"))),
			},
			{
				Index: 2, Type: types.WorkerMPC,
				Args:      types.RawArgs(`{"mpc_content":"source0_column_count = 1","receive_result":true}`),
				Upstreams: []types.UpstreamConfig{{Index: 1, OutputInputMap: []string{"0:0"}}},
			},
		},
	}
	started := time.Now()
	for _, n := range []*controller.Node{a, b} {
		if err := n.Jobs().RunTask(ctx, jobID, req); err != nil {
			log.Fatalf("Failed to submit job on %s: %v", n.AgencyID(), err)
		}
	}
	fmt.Printf("✓ Submitted job %s to both agencies\n", jobID)

	for _, n := range []*controller.Node{a, b} {
		select {
		case <-n.Jobs().Done(jobID):
		case <-time.After(2 * time.Minute):
			log.Fatalf("Job %s on %s did not finish in time", jobID, n.AgencyID())
		}
		st, err := n.Jobs().Status(jobID)
		if err != nil {
			log.Fatalf("Failed to query job on %s: %v", n.AgencyID(), err)
		}
		stats := n.Stub().Stats()
		fmt.Printf("\n📊 Agency %s\n", n.AgencyID())
		fmt.Printf("  Status:     %s\n", st.Status)
		fmt.Printf("  Time Costs: %.2fs\n", st.TimeCosts)
		fmt.Printf("  Pushes:     %d (slices %d, retries %d)\n", stats.Pushes, stats.SlicesSent, stats.Retries)
		fmt.Printf("  Pulls:      %d\n", stats.Pulls)
		if err := n.Jobs().Err(jobID); err != nil {
			fmt.Printf("  Error:      %v\n", err)
		}
	}

	rec, err := b.Store().Get(ctx, jobID, types.WorkerID(jobID, 2, types.WorkerMPC))
	if err == nil && len(rec.Outputs) > 0 {
		if data, err := os.ReadFile(rec.Outputs[0]); err == nil {
			fmt.Printf("\n🔐 MPC result (%s):\n%s", rec.Outputs[0], data)
		}
	}
	fmt.Printf("\n✓ Done in %s, workspace: %s\n", time.Since(started).Round(time.Millisecond), *dir)
}

func start(ctx context.Context, agency, dir string) *controller.Node {
	cfg := config.Default()
	cfg.AgencyID = agency
	cfg.Engine = config.EngineLocal
	cfg.Workspace = filepath.Join(dir, "ws-"+agency)
	cfg.Store.SQLitePath = filepath.Join(cfg.Workspace, "ppc-flow.db")
	cfg.Log.File = filepath.Join(dir, "logs", agency+".log")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"

	n, err := controller.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create node %s: %v", agency, err)
	}
	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node %s: %v", agency, err)
	}
	return n
}

// writeDatasets A 持有偶數 id，B 持有 3 的倍數，交集為 6 的倍數
func writeDatasets(dir string, rows int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for agency, step := range map[string]int{"A": 2, "B": 3} {
		var sb strings.Builder
		sb.WriteString("id,value\n")
		for i := 1; i <= rows; i++ {
			fmt.Fprintf(&sb, "%d,%d\n", i*step, i)
		}
		if err := os.WriteFile(filepath.Join(dir, agency+".csv"), []byte(sb.String()), 0o644); err != nil {
			return err
		}
	}
	return nil
}
