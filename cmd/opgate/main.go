package main

// ============================================================================
// 職責說明：
// 1. opgate agent 入口點
// 2. 載入 .env (OPGATE_* 環境變數)
// 3. 建立並執行 CLI 命令 (internal/cli)
// 4. 處理頂層錯誤與 panic recovery
// ============================================================================
//
// 編譯與執行:
//
//   go build -o bin/opgate ./cmd/opgate
//   ./bin/opgate check-config -c configs/opgate.yaml
//   ./bin/opgate run -c configs/opgate.yaml -f configs/jobs.example.json
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ChuLiYu/opgate/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	// .env 不存在時忽略，環境變數覆寫見 internal/config
	_ = godotenv.Load(".env")

	// cobra 已輸出錯誤訊息
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
