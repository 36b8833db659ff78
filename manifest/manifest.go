// Package manifest handles regvm.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/regvm/jit"
	"github.com/chazu/regvm/pkg/bytecode"
	"github.com/chazu/regvm/vm"
)

// FileName is the name of the configuration file.
const FileName = "regvm.toml"

// Manifest represents a regvm.toml configuration.
type Manifest struct {
	JIT      JITConfig      `toml:"jit"`
	GC       GCConfig       `toml:"gc"`
	Compiler CompilerConfig `toml:"compiler"`
	Log      LogConfig      `toml:"log"`
	Image    ImageConfig    `toml:"image"`

	// Dir is the directory containing the regvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// JITConfig configures native compilation.
type JITConfig struct {
	Enabled      bool   `toml:"enabled"`
	ABI          string `toml:"abi"`
	CodeZoneSize int    `toml:"code_zone_size"`
	Trampolines  bool   `toml:"trampolines"`
}

// GCConfig configures the collector.
type GCConfig struct {
	Threshold int `toml:"threshold"`
}

// CompilerConfig configures bytecode compilation.
type CompilerConfig struct {
	Optimize bool `toml:"optimize"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// ImageConfig configures image output.
type ImageConfig struct {
	Compress bool `toml:"compress"`
}

// Default returns the manifest used when no regvm.toml exists.
func Default() *Manifest {
	c := vm.DefaultConfig()
	return &Manifest{
		JIT: JITConfig{
			Enabled:      c.JIT,
			ABI:          c.ABI.String(),
			CodeZoneSize: c.CodeZoneSize,
			Trampolines:  c.Trampolines,
		},
		GC:       GCConfig{Threshold: c.GCThreshold},
		Compiler: CompilerConfig{Optimize: !c.DisableOptimization},
		Image:    ImageConfig{Compress: true},
	}
}

// Load parses the regvm.toml file in the given directory. Keys the file
// leaves out keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if _, err := jit.ParseABI(m.JIT.ABI); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.JIT.CodeZoneSize < 0 || m.GC.Threshold < 0 {
		return nil, fmt.Errorf("%s: sizes must not be negative", path)
	}
	if m.Log.File != "" && !filepath.IsAbs(m.Log.File) {
		m.Log.File = filepath.Join(m.Dir, m.Log.File)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a regvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// LoadFile loads a manifest from an explicit file path.
func LoadFile(path string) (*Manifest, error) {
	if filepath.Base(path) != FileName {
		return nil, fmt.Errorf("%s: configuration files must be named %s", path, FileName)
	}
	return Load(filepath.Dir(path))
}

// Config converts the manifest into a context configuration.
func (m *Manifest) Config() vm.Config {
	c := vm.DefaultConfig()
	c.JIT = m.JIT.Enabled
	c.ABI, _ = jit.ParseABI(m.JIT.ABI)
	if m.JIT.CodeZoneSize > 0 {
		c.CodeZoneSize = m.JIT.CodeZoneSize
	}
	c.Trampolines = m.JIT.Trampolines
	c.GCThreshold = m.GC.Threshold
	c.DisableOptimization = !m.Compiler.Optimize
	return c
}

// ImageFlags returns the flags images are written with.
func (m *Manifest) ImageFlags() bytecode.ImageFlags {
	if m.Image.Compress {
		return bytecode.ImageCompressed
	}
	return 0
}
