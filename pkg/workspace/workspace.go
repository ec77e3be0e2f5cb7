// Package workspace locates the workspace root and the files the hop
// subsystem keeps beneath it.
//
// Layout (relative to the workspace root):
//
//	.icotes/ssh/credentials.json   credential metadata (no secrets)
//	.icotes/ssh/keys/<id>          uploaded private keys (0600)
//	.icotes/hop/config             hand-edited SSH-style hop config (0600)
//	.icotes/hop/settings.yaml      connection settings
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// EnvRoot pins the workspace root explicitly.
	EnvRoot = "ICOTES_WORKSPACE_ROOT"
	// EnvRootFallback is honoured when EnvRoot is unset.
	EnvRootFallback = "WORKSPACE_ROOT"

	// DirName is the hidden configuration directory under the root.
	DirName = ".icotes"

	credentialsFile = "credentials.json"
	hopConfigFile   = "config"
	settingsFile    = "settings.yaml"
)

// Layout anchors every path the subsystem touches.
type Layout struct {
	Root string
}

// Discover resolves the workspace root.
// Precedence:
//  1. $ICOTES_WORKSPACE_ROOT
//  2. $WORKSPACE_ROOT
//  3. nearest ancestor of the working directory containing .icotes/
//  4. the working directory
func Discover() (Layout, error) {
	for _, env := range []string{EnvRoot, EnvRootFallback} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			abs, err := filepath.Abs(expandHome(v))
			if err != nil {
				return Layout{}, fmt.Errorf("resolve %s: %w", env, err)
			}
			return Layout{Root: abs}, nil
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve working dir: %w", err)
	}
	return DiscoverFrom(cwd), nil
}

// DiscoverFrom walks upward from start looking for a .icotes directory.
// When none is found, start itself is the root.
func DiscoverFrom(start string) Layout {
	abs, err := filepath.Abs(start)
	if err != nil {
		abs = start
	}
	dir := abs
	for {
		if fi, err := os.Stat(filepath.Join(dir, DirName)); err == nil && fi.IsDir() {
			return Layout{Root: dir}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return Layout{Root: abs}
}

// ConfigDir is <root>/.icotes.
func (l Layout) ConfigDir() string { return filepath.Join(l.Root, DirName) }

// SSHDir holds the credential document and the key directory.
func (l Layout) SSHDir() string { return filepath.Join(l.ConfigDir(), "ssh") }

func (l Layout) CredentialsPath() string { return filepath.Join(l.SSHDir(), credentialsFile) }

func (l Layout) KeysDir() string { return filepath.Join(l.SSHDir(), "keys") }

func (l Layout) HopDir() string { return filepath.Join(l.ConfigDir(), "hop") }

func (l Layout) HopConfigPath() string { return filepath.Join(l.HopDir(), hopConfigFile) }

func (l Layout) SettingsPath() string { return filepath.Join(l.HopDir(), settingsFile) }

// Ensure creates the private directories with 0700 permissions.
func (l Layout) Ensure() error {
	if strings.TrimSpace(l.Root) == "" {
		return errors.New("workspace root is empty")
	}
	for _, d := range []string{l.SSHDir(), l.KeysDir(), l.HopDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
		// MkdirAll leaves pre-existing dirs alone; tighten them too.
		if err := os.Chmod(d, 0o700); err != nil {
			return fmt.Errorf("chmod %s: %w", d, err)
		}
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if h, err := os.UserHomeDir(); err == nil && h != "" {
			return filepath.Join(h, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
