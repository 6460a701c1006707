package acquisition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"whisper-wa/internal/adapters/manifest"
	"whisper-wa/internal/app"
	"whisper-wa/internal/domain/model"
	"whisper-wa/internal/platform/hash"
)

// DeviceLink 是采集器需要的设备文件传输能力。
// *bridge.Tool 实现该接口；测试用假实现替换。
type DeviceLink interface {
	ShellCopy(ctx context.Context, serial, remote, staging string) *model.Failure
	Pull(ctx context.Context, staging, local string) *model.Failure
	ShellRemove(ctx context.Context, serial, staging string) *model.Failure
}

// Collector 按固定清单把设备上的受保护文件拉取到案件证据目录。
type Collector struct {
	link     DeviceLink
	cfg      app.Config
	manifest manifest.Manifest
}

func New(link DeviceLink, cfg app.Config, m manifest.Manifest) *Collector {
	if len(m.Files) == 0 {
		m = manifest.Default()
	}
	return &Collector{link: link, cfg: cfg, manifest: m}
}

// Pull 逐条采集清单文件，顺序执行，互不阻断：
//  1. 提权 cp 到设备端全局可读中转路径
//  2. pull 到案件证据目录（同名覆盖，重跑幂等）
//  3. best-effort 删除中转文件（失败只记录，不影响结果判定）
//  4. 4KiB 分块流式计算 SHA-256 并记录大小
//
// 单个文件失败记为 failed 并继续下一条；是否算整体成功由编排层判定。
// 返回 error 仅表示本地目录无法准备，与设备侧失败无关。
func (c *Collector) Pull(ctx context.Context, caseID, serial string) ([]model.EvidenceFile, error) {
	evidenceDir := c.cfg.EvidenceDir(caseID)
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}

	results := make([]model.EvidenceFile, 0, len(c.manifest.Files))
	for _, entry := range c.manifest.Files {
		results = append(results, c.pullOne(ctx, entry, serial, evidenceDir))
	}
	return results, nil
}

func (c *Collector) pullOne(ctx context.Context, entry manifest.Entry, serial, evidenceDir string) model.EvidenceFile {
	out := model.EvidenceFile{
		LogicalName: entry.Name,
		RemotePath:  entry.Remote,
		Status:      model.EvidencePending,
	}

	staging := c.manifest.StagingPath(entry)
	local := filepath.Join(evidenceDir, entry.Name)

	if fail := c.link.ShellCopy(ctx, serial, entry.Remote, staging); fail != nil {
		return failed(out, "copy to staging: "+fail.Message)
	}

	if fail := c.link.Pull(ctx, staging, local); fail != nil {
		// pull 失败也尝试清走中转文件，避免在设备上残留受保护内容。
		if cleanupFail := c.link.ShellRemove(ctx, serial, staging); cleanupFail != nil {
			out.CleanupError = cleanupFail.Message
		}
		return failed(out, "pull to local: "+fail.Message)
	}

	if fail := c.link.ShellRemove(ctx, serial, staging); fail != nil {
		out.CleanupError = fail.Message
	}

	sum, size, err := hash.File(local)
	if err != nil {
		return failed(out, "hash local file: "+err.Error())
	}
	if size == 0 {
		return failed(out, "pulled file is empty: "+local)
	}

	out.LocalPath = local
	out.SHA256 = sum
	out.SizeBytes = size
	out.Status = model.EvidenceSuccess
	return out
}

func failed(e model.EvidenceFile, msg string) model.EvidenceFile {
	e.Status = model.EvidenceFailed
	e.Error = msg
	return e
}
