package manifest

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry 是采集清单中的一个目标文件。
type Entry struct {
	// Name 是落地到证据目录的逻辑文件名。
	Name string `yaml:"name"`
	// Remote 是设备上的受保护源路径（读取需要 root）。
	Remote string `yaml:"remote"`
}

// Manifest 描述一次采集要拉取的固定文件清单与设备端中转目录。
type Manifest struct {
	Version    int     `yaml:"version"`
	StagingDir string  `yaml:"staging_dir"`
	Files      []Entry `yaml:"files"`
}

// Default 返回内置的 WhatsApp 采集清单：加密消息库 + 解密密钥。
func Default() Manifest {
	return Manifest{
		Version:    1,
		StagingDir: "/sdcard",
		Files: []Entry{
			{Name: "msgstore.db.crypt14", Remote: "/sdcard/WhatsApp/Databases/msgstore.db.crypt14"},
			{Name: "key", Remote: "/data/data/com.whatsapp/files/key"},
		},
	}
}

// Load 从 YAML 文件读取清单并做基础结构校验。
func Load(file string) (Manifest, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validate(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// StagingPath 返回某个清单条目在设备端的中转路径。
// 设备端路径固定使用 / 分隔，不走 filepath。
func (m Manifest) StagingPath(e Entry) string {
	dir := m.StagingDir
	if strings.TrimSpace(dir) == "" {
		dir = "/sdcard"
	}
	return path.Join(dir, e.Name)
}

func validate(m Manifest) error {
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest has no files")
	}
	seen := map[string]bool{}
	for i, e := range m.Files {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("manifest file #%d: name is required", i+1)
		}
		if strings.Contains(e.Name, "/") || strings.Contains(e.Name, "\\") {
			return fmt.Errorf("manifest file %s: name must not contain path separators", e.Name)
		}
		if !strings.HasPrefix(e.Remote, "/") {
			return fmt.Errorf("manifest file %s: remote must be an absolute device path", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("manifest file %s: duplicate name", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
