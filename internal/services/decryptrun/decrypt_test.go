package decryptrun

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
)

func testConfig(t *testing.T) app.Config {
	cfg := app.DefaultConfig()
	cfg.CasesRoot = t.TempDir()
	return cfg
}

func seedEvidence(t *testing.T, cfg app.Config, caseID string, names ...string) {
	t.Helper()
	dir := cfg.EvidenceDir(caseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir evidence: %v", err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("payload"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
}

func TestRun_MissingKey(t *testing.T) {
	cfg := testConfig(t)
	seedEvidence(t, cfg, "Case_001", "msgstore.db.crypt14")

	res := New(cfg).Run(context.Background(), "Case_001", "/nonexistent/tool", time.Second)
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Failure.Kind != model.FailMissingInput {
		t.Fatalf("kind=%s, want %s", res.Failure.Kind, model.FailMissingInput)
	}
	// 报错必须指出缺失的具体路径
	if !strings.Contains(res.Failure.Message, filepath.Join(cfg.EvidenceDir("Case_001"), "key")) {
		t.Fatalf("message should name the missing key path: %s", res.Failure.Message)
	}
}

func TestRun_MissingCryptDB(t *testing.T) {
	cfg := testConfig(t)
	seedEvidence(t, cfg, "Case_001", "key")

	res := New(cfg).Run(context.Background(), "Case_001", "/nonexistent/tool", time.Second)
	if res.OK || res.Failure.Kind != model.FailMissingInput {
		t.Fatalf("expected missing_input, got %+v", res)
	}
	if !strings.Contains(res.Failure.Message, "msgstore.db.crypt14") {
		t.Fatalf("message should name the crypt db: %s", res.Failure.Message)
	}
}

func TestRun_ToolNotFound(t *testing.T) {
	cfg := testConfig(t)
	seedEvidence(t, cfg, "Case_001", "key", "msgstore.db.crypt14")

	// 无路径分隔符的裸名走 PATH 查找
	res := New(cfg).Run(context.Background(), "Case_001", "definitely-missing-decrypt-tool", time.Second)
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Failure.Kind != model.FailToolNotFound {
		t.Fatalf("kind=%s, want %s", res.Failure.Kind, model.FailToolNotFound)
	}
}

func TestRun_ToolSucceeds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script based fake tool")
	}
	cfg := testConfig(t)
	seedEvidence(t, cfg, "Case_001", "key", "msgstore.db.crypt14")

	// 假解密工具：把加密库原样复制到输出路径
	tool := filepath.Join(t.TempDir(), "fake-decrypt.sh")
	script := "#!/bin/sh\ncp \"$2\" \"$3\"\n"
	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}

	res := New(cfg).Run(context.Background(), "Case_001", tool, 10*time.Second)
	if !res.OK {
		t.Fatalf("expected success, got %+v", res.Failure)
	}
	want := filepath.Join(cfg.DecryptedDir("Case_001"), "msgstore_decrypted.db")
	if res.DecryptedPath != want {
		t.Fatalf("decrypted path=%s, want %s", res.DecryptedPath, want)
	}
	if info, err := os.Stat(want); err != nil || info.Size() == 0 {
		t.Fatalf("output file missing or empty: %v", err)
	}
}

func TestRun_ToolExitNonZero(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script based fake tool")
	}
	cfg := testConfig(t)
	seedEvidence(t, cfg, "Case_001", "key", "msgstore.db.crypt14")

	tool := filepath.Join(t.TempDir(), "fake-decrypt.sh")
	script := "#!/bin/sh\necho 'bad key' >&2\nexit 3\n"
	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}

	res := New(cfg).Run(context.Background(), "Case_001", tool, 10*time.Second)
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Failure.Kind != model.FailDecryptTool {
		t.Fatalf("kind=%s, want %s", res.Failure.Kind, model.FailDecryptTool)
	}
	if res.Failure.ReturnCode != 3 {
		t.Fatalf("returncode=%d, want 3", res.Failure.ReturnCode)
	}
	if !strings.Contains(res.Failure.Stderr, "bad key") {
		t.Fatalf("stderr should be captured: %q", res.Failure.Stderr)
	}
}

func TestRun_EmptyOutputIsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script based fake tool")
	}
	cfg := testConfig(t)
	seedEvidence(t, cfg, "Case_001", "key", "msgstore.db.crypt14")

	// 退出码 0 但产物为空文件
	tool := filepath.Join(t.TempDir(), "fake-decrypt.sh")
	script := "#!/bin/sh\n: > \"$3\"\n"
	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}

	res := New(cfg).Run(context.Background(), "Case_001", tool, 10*time.Second)
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.Failure.Kind != model.FailDecryptTool {
		t.Fatalf("kind=%s, want %s", res.Failure.Kind, model.FailDecryptTool)
	}
	if !strings.Contains(res.Failure.Message, "not created or empty") {
		t.Fatalf("unexpected message: %s", res.Failure.Message)
	}
}
