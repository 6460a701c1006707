package webapp

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"whisper-wa/internal/adapters/bridge"
	"whisper-wa/internal/adapters/manifest"
	sqliteadapter "whisper-wa/internal/adapters/store/sqlite"
	"whisper-wa/internal/app"
	"whisper-wa/internal/services/acquisition"
	"whisper-wa/internal/services/decryptrun"
	"whisper-wa/internal/services/workflow"

	_ "modernc.org/sqlite"
)

// 注意：
// - go:embed 的路径必须相对当前包目录，且不能包含 ".."
// - ui_dist/ 至少要有一个文件（本仓库放置占位 index.html），否则 go:embed 会因“无匹配文件”而编译失败。
//
//go:embed ui_dist
var uiFS embed.FS

// Options 定义 Web API 服务启动参数。
// 鉴权与用户管理属于外部系统，这一层不做。
type Options struct {
	Config       app.Config
	ManifestPath string // 可选：覆盖内置采集清单
	ListenAddr   string
	Operator     string
}

// Run 启动 HTTP API：
// - 设备枚举 / 连接 / 全流程运行接口（与 CLI 返回同一套结果形状）
// - 案件、证据、运行历史、审计浏览接口
func Run(ctx context.Context, opts Options) error {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:8787"
	}
	if opts.Operator == "" {
		opts.Operator = "system"
	}

	m := manifest.Default()
	if opts.ManifestPath != "" {
		loaded, err := manifest.Load(opts.ManifestPath)
		if err != nil {
			return err
		}
		m = loaded
	}

	if err := os.MkdirAll(filepath.Dir(opts.Config.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	db, store, err := sqliteadapter.Open(ctx, opts.Config.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	tool := bridge.New(opts.Config.BridgeToolPath)
	tool.ProbeTimeout = opts.Config.ProbeTimeout
	tool.ConnectTimeout = opts.Config.ConnectTimeout
	tool.ShellTimeout = opts.Config.ShellTimeout

	collector := acquisition.New(tool, opts.Config, m)
	decryptor := decryptrun.New(opts.Config)
	runner := workflow.New(opts.Config, tool, collector, decryptor, store)
	runner.SetOperator(opts.Operator)

	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		return fmt.Errorf("sub ui fs: %w", err)
	}

	s := &Server{
		opts:   opts,
		db:     db,
		store:  store,
		runner: runner,
		ui:     sub,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("webapp listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
