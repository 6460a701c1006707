package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	m := Default()
	if len(m.Files) != 2 {
		t.Fatalf("default manifest has %d files, want 2", len(m.Files))
	}
	if m.Files[0].Name != "msgstore.db.crypt14" || m.Files[1].Name != "key" {
		t.Fatalf("unexpected default file names: %+v", m.Files)
	}
	if m.Files[1].Remote != "/data/data/com.whatsapp/files/key" {
		t.Fatalf("unexpected key remote path: %s", m.Files[1].Remote)
	}
	if got := m.StagingPath(m.Files[0]); got != "/sdcard/msgstore.db.crypt14" {
		t.Fatalf("staging path=%s, want /sdcard/msgstore.db.crypt14", got)
	}
}

func TestStagingPath_EmptyDirFallsBack(t *testing.T) {
	m := Manifest{Files: []Entry{{Name: "key", Remote: "/data/key"}}}
	if got := m.StagingPath(m.Files[0]); got != "/sdcard/key" {
		t.Fatalf("staging path=%s, want /sdcard/key", got)
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.yaml")
	raw := `version: 1
staging_dir: /data/local/tmp
files:
  - name: msgstore.db.crypt14
    remote: /sdcard/WhatsApp/Databases/msgstore.db.crypt14
  - name: key
    remote: /data/data/com.whatsapp/files/key
`
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.StagingDir != "/data/local/tmp" || len(m.Files) != 2 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if got := m.StagingPath(m.Files[1]); got != "/data/local/tmp/key" {
		t.Fatalf("staging path=%s, want /data/local/tmp/key", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "no files",
			raw:     "version: 1\nfiles: []\n",
			wantErr: "no files",
		},
		{
			name:    "missing name",
			raw:     "files:\n  - remote: /sdcard/a\n",
			wantErr: "name is required",
		},
		{
			name:    "name with path separator",
			raw:     "files:\n  - name: a/b\n    remote: /sdcard/a\n",
			wantErr: "path separators",
		},
		{
			name:    "relative remote",
			raw:     "files:\n  - name: key\n    remote: sdcard/key\n",
			wantErr: "absolute device path",
		},
		{
			name:    "duplicate name",
			raw:     "files:\n  - name: key\n    remote: /a\n  - name: key\n    remote: /b\n",
			wantErr: "duplicate name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "manifest.yaml")
			if err := os.WriteFile(p, []byte(tc.raw), 0o644); err != nil {
				t.Fatalf("write manifest: %v", err)
			}
			_, err := Load(p)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load error=%v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
