// ABOUTME: Plugin bundle manifests: a TOML file naming the entry point and its scope chaining.
// ABOUTME: Process-backed plugins carry an [exec] table describing the command to run.

package plugin

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrInvalidManifest indicates a manifest that is missing required fields.
var ErrInvalidManifest = errors.New("invalid plugin manifest")

// Manifest describes a plugin bundle.
type Manifest struct {
	Name  string `toml:"name"`
	Entry string `toml:"entry"`

	// ExtendsClassloaderOf names a class whose defining scope becomes an
	// additional parent of the plugin scope when that class is loaded.
	ExtendsClassloaderOf string `toml:"extends-classloader-of"`

	// Exports lists the class names this plugin defines.
	Exports []string `toml:"exports"`

	Exec *ExecSpec `toml:"exec"`
}

// ExecSpec configures the built-in process-backed entry.
type ExecSpec struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Commands []string `toml:"commands"`
	Env      []string `toml:"env"`
}

// ParseManifest decodes the manifest at path. A relative exec command is
// resolved against the manifest's directory.
func ParseManifest(path string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalidManifest, undecoded[0])
	}

	if m.Entry == "" {
		return nil, fmt.Errorf("%w: entry is required", ErrInvalidManifest)
	}
	if m.Name == "" {
		m.Name = filepath.Base(path)
	}
	if m.Exec != nil {
		if m.Exec.Command == "" {
			return nil, fmt.Errorf("%w: exec.command is required", ErrInvalidManifest)
		}
		if !filepath.IsAbs(m.Exec.Command) && filepath.Base(m.Exec.Command) != m.Exec.Command {
			m.Exec.Command = filepath.Join(filepath.Dir(path), m.Exec.Command)
		}
	}
	return &m, nil
}
