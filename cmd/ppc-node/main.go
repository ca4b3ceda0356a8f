package main

// ============================================================================
// 職責說明：
// 1. 節點程式入口點
// 2. 執行 CLI 命令，錯誤時以非零狀態結束
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/ppc-flow/internal/cli"
)

func main() {
	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
