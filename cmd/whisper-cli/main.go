package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"whisper-wa/internal/adapters/bridge"
	"whisper-wa/internal/adapters/manifest"
	sqliteadapter "whisper-wa/internal/adapters/store/sqlite"
	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
	"whisper-wa/internal/services/acqreport"
	"whisper-wa/internal/services/acquisition"
	"whisper-wa/internal/services/auditverify"
	"whisper-wa/internal/services/decryptrun"
	"whisper-wa/internal/services/webapp"
	"whisper-wa/internal/services/wordindex"
	"whisper-wa/internal/services/workflow"

	_ "modernc.org/sqlite"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "devices":
		return runDevices(ctx, args[1:])
	case "connect":
		return runConnect(ctx, args[1:])
	case "acquire":
		return runAcquire(ctx, args[1:])
	case "workflow":
		return runWorkflow(ctx, args[1:])
	case "decrypt":
		return runDecrypt(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "index":
		return runIndex(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// runMigrate 执行 SQLite 迁移，确保案件登记库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, _, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runDevices 枚举当前可见设备（devices 阶段的独立入口）。
func runDevices(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	bridgePath := fs.String("bridge", cfg.BridgeToolPath, "device bridge tool path (adb)")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tool := newBridge(cfg, *bridgePath)
	probe := tool.ListDevices(ctx)
	if *asJSON {
		return printJSON(probe)
	}

	if !probe.OK {
		return fmt.Errorf("device probe failed: %s", probe.Failure.Message)
	}
	fmt.Printf("devices=%d\n", len(probe.Devices))
	for _, serial := range probe.Devices {
		fmt.Printf("  %s\n", serial)
	}
	return nil
}

// runConnect 执行接入阶段：枚举 -> [网络连接] -> root 校验。
func runConnect(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	casesRoot := fs.String("cases-dir", cfg.CasesRoot, "cases root directory")
	bridgePath := fs.String("bridge", cfg.BridgeToolPath, "device bridge tool path (adb)")
	method := fs.String("method", "usb", "connection method: usb|network")
	address := fs.String("address", "", "host:port, required for network method")
	caseID := fs.String("case-id", "Case_001", "case id")
	operator := fs.String("operator", "system", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.DBPath = *dbPath
	cfg.CasesRoot = *casesRoot
	cfg.BridgeToolPath = *bridgePath

	db, runner, err := buildRunner(ctx, cfg, "", *operator)
	if err != nil {
		return err
	}
	defer db.Close()

	res := runner.CheckAndConnect(ctx, model.ConnectionMethod(strings.ToLower(strings.TrimSpace(*method))), strings.TrimSpace(*address), strings.TrimSpace(*caseID))
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("connect failed at step %s", res.Step)
	}
	return nil
}

// runAcquire 只跑采集阶段：按清单拉取证据文件并入库。
func runAcquire(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	casesRoot := fs.String("cases-dir", cfg.CasesRoot, "cases root directory")
	bridgePath := fs.String("bridge", cfg.BridgeToolPath, "device bridge tool path (adb)")
	manifestPath := fs.String("manifest", "", "evidence manifest yaml (optional, built-in default)")
	caseID := fs.String("case-id", "Case_001", "case id")
	serial := fs.String("serial", "", "target device serial (optional)")
	operator := fs.String("operator", "system", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.DBPath = *dbPath
	cfg.CasesRoot = *casesRoot
	cfg.BridgeToolPath = *bridgePath

	db, runner, err := buildRunner(ctx, cfg, *manifestPath, *operator)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := runner.RunAcquisition(ctx, strings.TrimSpace(*caseID), strings.TrimSpace(*serial))
	if err != nil {
		return err
	}

	complete := model.AcquisitionComplete(results)
	fmt.Printf("acquisition complete=%v case_id=%s\n", complete, *caseID)
	for _, f := range results {
		if f.Status == model.EvidenceSuccess {
			fmt.Printf("  %s status=%s size=%d sha256=%s\n", f.LogicalName, f.Status, f.SizeBytes, f.SHA256)
			continue
		}
		fmt.Printf("  %s status=%s error=%s\n", f.LogicalName, f.Status, f.Error)
	}
	if !complete {
		return fmt.Errorf("required evidence incomplete")
	}
	return nil
}

// runWorkflow 跑 接入 -> 采集 -> 解密 全流程。
func runWorkflow(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("workflow", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	casesRoot := fs.String("cases-dir", cfg.CasesRoot, "cases root directory")
	bridgePath := fs.String("bridge", cfg.BridgeToolPath, "device bridge tool path (adb)")
	manifestPath := fs.String("manifest", "", "evidence manifest yaml (optional)")
	method := fs.String("method", "usb", "connection method: usb|network")
	address := fs.String("address", "", "host:port, required for network method")
	caseID := fs.String("case-id", "Case_001", "case id")
	decryptTool := fs.String("decrypt-tool", cfg.DecryptToolPath, "external decrypt tool path")
	timeoutSec := fs.Int("timeout", int(cfg.DecryptTimeout/time.Second), "decrypt tool timeout in seconds")
	operator := fs.String("operator", "system", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.DBPath = *dbPath
	cfg.CasesRoot = *casesRoot
	cfg.BridgeToolPath = *bridgePath

	db, runner, err := buildRunner(ctx, cfg, *manifestPath, *operator)
	if err != nil {
		return err
	}
	defer db.Close()

	res := runner.RunFullWorkflow(ctx, workflow.Options{
		Method:          model.ConnectionMethod(strings.ToLower(strings.TrimSpace(*method))),
		Address:         strings.TrimSpace(*address),
		CaseID:          strings.TrimSpace(*caseID),
		DecryptToolPath: strings.TrimSpace(*decryptTool),
		DecryptTimeout:  time.Duration(*timeoutSec) * time.Second,
	})
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("workflow failed at step %s", res.Step)
	}
	return nil
}

// runDecrypt 只跑解密阶段：要求证据目录里已有密钥与加密库。
func runDecrypt(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("decrypt", flag.ContinueOnError)
	casesRoot := fs.String("cases-dir", cfg.CasesRoot, "cases root directory")
	caseID := fs.String("case-id", "Case_001", "case id")
	decryptTool := fs.String("decrypt-tool", cfg.DecryptToolPath, "external decrypt tool path")
	timeoutSec := fs.Int("timeout", int(cfg.DecryptTimeout/time.Second), "decrypt tool timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.CasesRoot = *casesRoot

	dec := decryptrun.New(cfg)
	res := dec.Run(ctx, strings.TrimSpace(*caseID), strings.TrimSpace(*decryptTool), time.Duration(*timeoutSec)*time.Second)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("decrypt failed: %s", res.Failure.Message)
	}
	return nil
}

// runReport 生成案件采集 PDF 报告。
func runReport(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	casesRoot := fs.String("cases-dir", cfg.CasesRoot, "cases root directory")
	caseID := fs.String("case-id", "", "case id (required)")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "report note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*caseID) == "" {
		return fmt.Errorf("--case-id is required")
	}

	cfg.DBPath = *dbPath
	cfg.CasesRoot = *casesRoot

	db, store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := acqreport.Generate(ctx, store, cfg, acqreport.Options{
		CaseID:   strings.TrimSpace(*caseID),
		Operator: strings.TrimSpace(*operator),
		Note:     strings.TrimSpace(*note),
	})
	if err != nil {
		return err
	}

	fmt.Println("acquisition report generated")
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runVerify 重算案件审计链，输出首个断点。
func runVerify(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	caseID := fs.String("case-id", "", "case id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*caseID) == "" {
		return fmt.Errorf("--case-id is required")
	}

	db, store, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	logs, err := store.ListAuditLogs(ctx, strings.TrimSpace(*caseID), 0)
	if err != nil {
		return err
	}
	res := auditverify.VerifyAuditLogs(logs)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("audit chain verification failed: %d broken entries", len(res.Failures))
	}
	return nil
}

// runIndex 从 JSON 消息集合（{"id": "text"}）构建倒排词索引。
func runIndex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	input := fs.String("input", "", "messages json file: {\"id\": \"text\", ...} (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*input) == "" {
		return fmt.Errorf("--input is required")
	}

	raw, err := os.ReadFile(*input)
	if err != nil {
		return fmt.Errorf("read messages file: %w", err)
	}
	var messages map[string]string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return fmt.Errorf("parse messages file: %w", err)
	}

	return printJSON(wordindex.Build(messages))
}

// runServe 启动内置 HTTP API，便于前端或脚本接入。
func runServe(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	casesRoot := fs.String("cases-dir", cfg.CasesRoot, "cases root directory")
	bridgePath := fs.String("bridge", cfg.BridgeToolPath, "device bridge tool path (adb)")
	decryptTool := fs.String("decrypt-tool", cfg.DecryptToolPath, "external decrypt tool path")
	manifestPath := fs.String("manifest", "", "evidence manifest yaml (optional)")
	listen := fs.String("listen", "127.0.0.1:8787", "listen address")
	operator := fs.String("operator", "system", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.DBPath = *dbPath
	cfg.CasesRoot = *casesRoot
	cfg.BridgeToolPath = *bridgePath
	cfg.DecryptToolPath = *decryptTool

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.Options{
		Config:       cfg,
		ManifestPath: strings.TrimSpace(*manifestPath),
		ListenAddr:   *listen,
		Operator:     strings.TrimSpace(*operator),
	})
}

// openStore 打开并迁移案件登记库。调用方负责关闭返回的 db。
func openStore(ctx context.Context, dbPath string) (*sql.DB, *sqliteadapter.Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create db directory: %w", err)
	}
	return sqliteadapter.Open(ctx, dbPath)
}

// buildRunner 组装流程编排器：桥接工具 + 采集器 + 解密器 + 登记库。
func buildRunner(ctx context.Context, cfg app.Config, manifestPath, operator string) (*sql.DB, *workflow.Runner, error) {
	m := manifest.Default()
	if strings.TrimSpace(manifestPath) != "" {
		loaded, err := manifest.Load(manifestPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load manifest: %w", err)
		}
		m = loaded
	}

	db, store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	tool := newBridge(cfg, cfg.BridgeToolPath)
	collector := acquisition.New(tool, cfg, m)
	decryptor := decryptrun.New(cfg)

	runner := workflow.New(cfg, tool, collector, decryptor, store)
	runner.SetOperator(operator)
	return db, runner, nil
}

// newBridge 构造带配置超时的桥接工具句柄。
func newBridge(cfg app.Config, path string) *bridge.Tool {
	tool := bridge.New(path)
	tool.ProbeTimeout = cfg.ProbeTimeout
	tool.ConnectTimeout = cfg.ConnectTimeout
	tool.ShellTimeout = cfg.ShellTimeout
	return tool
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  whisper-cli migrate [--db data/whisper.db]")
	fmt.Println("  whisper-cli devices [--bridge adb] [--json]")
	fmt.Println("  whisper-cli connect --method usb|network [--address HOST:PORT] [--case-id Case_001]")
	fmt.Println("  whisper-cli acquire --case-id Case_001 [--serial SERIAL] [--manifest manifest.yaml]")
	fmt.Println("  whisper-cli workflow --case-id Case_001 --method usb|network [--address HOST:PORT] [--decrypt-tool wadecrypt] [--timeout 180]")
	fmt.Println("  whisper-cli decrypt --case-id Case_001 [--decrypt-tool wadecrypt] [--timeout 180]")
	fmt.Println("  whisper-cli report --case-id Case_001 [--operator name] [--note text]")
	fmt.Println("  whisper-cli verify --case-id Case_001 [--db data/whisper.db]")
	fmt.Println("  whisper-cli index --input messages.json")
	fmt.Println("  whisper-cli serve [--listen 127.0.0.1:8787] [--db data/whisper.db]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
