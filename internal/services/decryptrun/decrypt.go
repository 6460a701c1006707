package decryptrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
)

// 外部解密工具约定：<tool> <keyPath> <cryptPath> <outPath>，
// 退出码 0 且输出文件非空才算成功。本包不实现任何解密算法。
const (
	cryptFilename = "msgstore.db.crypt14"
	keyFilename   = "key"
	outFilename   = "msgstore_decrypted.db"
)

// Runner 封装对外部解密工具的一次性调用。
type Runner struct {
	cfg app.Config
}

func New(cfg app.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run 校验解密前置条件并调用外部解密工具。
// toolPath 为空时回退到配置默认；timeout<=0 时回退到配置默认。
// 前置文件缺失时不会触发任何外部进程。
func (r *Runner) Run(ctx context.Context, caseID, toolPath string, timeout time.Duration) model.DecryptResult {
	if strings.TrimSpace(toolPath) == "" {
		toolPath = r.cfg.DecryptToolPath
	}
	if timeout <= 0 {
		timeout = r.cfg.DecryptTimeout
	}

	evidenceDir := r.cfg.EvidenceDir(caseID)
	decryptedDir := r.cfg.DecryptedDir(caseID)
	keyPath := filepath.Join(evidenceDir, keyFilename)
	cryptPath := filepath.Join(evidenceDir, cryptFilename)
	outPath := filepath.Join(decryptedDir, outFilename)

	if _, err := os.Stat(keyPath); err != nil {
		return failure(caseID, model.FailMissingInput, fmt.Sprintf("missing key file: %s", keyPath))
	}
	if _, err := os.Stat(cryptPath); err != nil {
		return failure(caseID, model.FailMissingInput, fmt.Sprintf("missing crypt db: %s", cryptPath))
	}
	if err := os.MkdirAll(decryptedDir, 0o755); err != nil {
		return failure(caseID, model.FailMissingInput, "create decrypted dir: "+err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, toolPath, keyPath, cryptPath, outPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outText := strings.TrimSpace(stdout.String())
	errText := strings.TrimSpace(stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			return failure(caseID, model.FailToolTimeout, fmt.Sprintf("decrypt tool timeout after %s", timeout))
		case errors.Is(err, exec.ErrNotFound):
			return failure(caseID, model.FailToolNotFound,
				fmt.Sprintf("decrypt tool not found: %s (put it in PATH or pass an explicit path)", toolPath))
		case errors.As(err, &exitErr):
			f := failure(caseID, model.FailDecryptTool, fmt.Sprintf("decrypt tool exit code %d", exitErr.ExitCode()))
			f.Failure.ReturnCode = exitErr.ExitCode()
			f.Failure.Stdout = outText
			f.Failure.Stderr = errText
			return f
		default:
			return failure(caseID, model.FailDecryptTool, "decrypt tool: "+err.Error())
		}
	}

	info, statErr := os.Stat(outPath)
	if statErr != nil || info.Size() == 0 {
		f := failure(caseID, model.FailDecryptTool, "decrypted db not created or empty")
		f.Failure.Stdout = outText
		f.Failure.Stderr = errText
		return f
	}

	return model.DecryptResult{
		OK:            true,
		CaseID:        caseID,
		DecryptedPath: outPath,
		CreatedAt:     time.Now().Format("2006-01-02T15:04:05"),
		Stdout:        outText,
		Stderr:        errText,
	}
}

func failure(caseID string, kind model.FailureKind, msg string) model.DecryptResult {
	return model.DecryptResult{
		OK:     false,
		CaseID: caseID,
		Failure: &model.Failure{
			Kind:    kind,
			Message: msg,
		},
	}
}
