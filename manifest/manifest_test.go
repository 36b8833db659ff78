package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/regvm/jit"
	"github.com/chazu/regvm/pkg/bytecode"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[jit]
enabled = true
abi = "win64"
code_zone_size = 65536
trampolines = false

[gc]
threshold = 100

[compiler]
optimize = false

[log]
verbosity = 2
file = "regvm.log"

[image]
compress = false
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !m.JIT.Enabled {
		t.Error("jit enabled = false, want true")
	}
	if m.JIT.ABI != "win64" {
		t.Errorf("jit abi = %q, want win64", m.JIT.ABI)
	}
	if m.Log.File != filepath.Join(m.Dir, "regvm.log") {
		t.Errorf("log file = %q, want it resolved against %s", m.Log.File, m.Dir)
	}
	if m.ImageFlags() != 0 {
		t.Errorf("image flags = %v, want 0", m.ImageFlags())
	}

	c := m.Config()
	if !c.JIT || c.ABI != jit.Win64 || c.CodeZoneSize != 65536 || c.Trampolines {
		t.Errorf("jit config = %+v", c)
	}
	if c.GCThreshold != 100 {
		t.Errorf("gc threshold = %d, want 100", c.GCThreshold)
	}
	if !c.DisableOptimization {
		t.Error("optimization should be disabled")
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[gc]
threshold = 7
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := Default()
	if m.JIT != def.JIT {
		t.Errorf("jit = %+v, want defaults %+v", m.JIT, def.JIT)
	}
	if !m.JIT.Trampolines {
		t.Error("trampolines should default to true")
	}
	if m.GC.Threshold != 7 {
		t.Errorf("gc threshold = %d, want 7", m.GC.Threshold)
	}
	if m.ImageFlags() != bytecode.ImageCompressed {
		t.Errorf("images should be compressed by default")
	}
	if m.Config().DisableOptimization {
		t.Error("optimization should be enabled by default")
	}
}

func TestLoadManifestRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown abi", "[jit]\nabi = \"arm64\"\n", "unknown ABI"},
		{"unknown key", "[jit]\nturbo = true\n", "unknown key jit.turbo"},
		{"negative size", "[gc]\nthreshold = -1\n", "must not be negative"},
		{"syntax", "[jit\n", "parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[jit]\nenabled = true\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if !m.JIT.Enabled {
		t.Error("jit enabled = false, want true")
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no regvm.toml exists")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[gc]\nthreshold = 3\n")

	m, err := LoadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if m.GC.Threshold != 3 {
		t.Errorf("gc threshold = %d, want 3", m.GC.Threshold)
	}

	if _, err := LoadFile(filepath.Join(dir, "other.toml")); err == nil {
		t.Error("expected an error for a misnamed file")
	}
}
