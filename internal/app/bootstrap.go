package app

import (
	"path/filepath"
	"time"
)

// Config 存放采集流水线的默认路径与超时配置。
// 不使用进程级单例：每次调用显式构造并传入各阶段。
type Config struct {
	CasesRoot       string // 案件根目录，例如 Cases/
	DBPath          string // 案件登记库（SQLite）路径
	BridgeToolPath  string // 设备桥接工具（adb）路径，空串表示走 PATH
	DecryptToolPath string // 外部解密工具（wadecrypt）路径

	ProbeTimeout   time.Duration // devices 枚举超时
	ConnectTimeout time.Duration // 网络连接超时
	ShellTimeout   time.Duration // 单条 shell / pull 命令超时
	DecryptTimeout time.Duration // 解密工具运行超时
}

// DefaultConfig 返回本地取证工作站的默认配置。
func DefaultConfig() Config {
	return Config{
		CasesRoot:       "Cases",
		DBPath:          "data/whisper.db",
		BridgeToolPath:  "adb",
		DecryptToolPath: "wadecrypt",

		ProbeTimeout:   20 * time.Second,
		ConnectTimeout: 25 * time.Second,
		ShellTimeout:   20 * time.Second,
		DecryptTimeout: 180 * time.Second,
	}
}

// CaseDir 返回案件目录：<CasesRoot>/<caseID>。
func (c Config) CaseDir(caseID string) string {
	return filepath.Join(c.CasesRoot, caseID)
}

// EvidenceDir 返回案件证据目录。目录按需创建，从不删除。
func (c Config) EvidenceDir(caseID string) string {
	return filepath.Join(c.CaseDir(caseID), "Evidence")
}

// DecryptedDir 返回解密产物目录。
func (c Config) DecryptedDir(caseID string) string {
	return filepath.Join(c.CaseDir(caseID), "Decrypted")
}
