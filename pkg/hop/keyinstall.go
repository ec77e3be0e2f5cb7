package hop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"icotes-hop/pkg/backend"
)

// KeyInstallMode controls how authorized_keys is updated.
type KeyInstallMode string

const (
	// KeyInstallEnsure appends the key unless an identical key is present.
	KeyInstallEnsure KeyInstallMode = "ensure"
	// KeyInstallReplace leaves exactly this key, keeping the old file as
	// authorized_keys.bak.
	KeyInstallReplace KeyInstallMode = "replace"
)

// DetectPublicKeys lists public key files in sshDir: id_ed25519.pub,
// id_ecdsa.pub, id_rsa.pub first, then any other *.pub in name order.
func DetectPublicKeys(sshDir string) []string {
	var out []string
	seen := map[string]bool{}
	for _, name := range []string{"id_ed25519.pub", "id_ecdsa.pub", "id_rsa.pub"} {
		p := filepath.Join(sshDir, name)
		if _, err := os.Stat(p); err == nil {
			seen[p] = true
			out = append(out, p)
		}
	}
	matches, _ := filepath.Glob(filepath.Join(sshDir, "*.pub"))
	sort.Strings(matches)
	for _, p := range matches {
		if !seen[p] {
			out = append(out, p)
		}
	}
	return out
}

// ReadPublicKey returns the first key line of an authorized_keys-format file.
func ReadPublicKey(file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("parse public key %s: %w", file, err)
	}
	return authorizedLine(pub, comment), nil
}

func authorizedLine(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line
}

// HomeDir returns the login directory on fsys: the SFTP start directory for
// hops, the user's home directory locally.
func HomeDir(ctx context.Context, fsys backend.Filesystem) (string, error) {
	if g, ok := fsys.(interface {
		Getwd(context.Context) (string, error)
	}); ok {
		return g.Getwd(ctx)
	}
	if fsys.ContextID() == LocalContextID {
		return os.UserHomeDir()
	}
	return "", fmt.Errorf("context %s: home directory unknown", fsys.ContextID())
}

// InstallAuthorizedKey adds keyLine to <home>/.ssh/authorized_keys on fsys.
// It reports whether the file changed.
func InstallAuthorizedKey(ctx context.Context, fsys backend.Filesystem, home, keyLine string, mode KeyInstallMode) (bool, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(keyLine))
	if err != nil {
		return false, fmt.Errorf("install key: %w", err)
	}
	if mode == "" {
		mode = KeyInstallEnsure
	}
	if mode != KeyInstallEnsure && mode != KeyInstallReplace {
		return false, fmt.Errorf("install key: unknown mode %q", mode)
	}

	join := path.Join
	if fsys.ContextID() == LocalContextID {
		join = filepath.Join
	}
	dir := join(home, ".ssh")
	authPath := join(dir, "authorized_keys")
	if err := fsys.MkdirAll(ctx, dir); err != nil {
		return false, fmt.Errorf("install key: create %s: %w", dir, err)
	}

	existing, err := fsys.ReadFile(ctx, authPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("install key: read %s: %w", authPath, err)
	}
	line := authorizedLine(pub, comment)

	var data []byte
	switch mode {
	case KeyInstallEnsure:
		if hasKey(existing, pub) {
			return false, nil
		}
		data = append(data, existing...)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		data = append(data, line+"\n"...)
	case KeyInstallReplace:
		if len(existing) > 0 {
			if err := fsys.WriteFile(ctx, authPath+".bak", existing, 0o600); err != nil {
				return false, fmt.Errorf("install key: backup %s: %w", authPath, err)
			}
		}
		data = []byte(line + "\n")
	}
	if err := fsys.WriteFile(ctx, authPath, data, 0o600); err != nil {
		return false, fmt.Errorf("install key: write %s: %w", authPath, err)
	}
	return true, nil
}

func hasKey(authorized []byte, pub ssh.PublicKey) bool {
	want := pub.Marshal()
	rest := authorized
	for len(rest) > 0 {
		k, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return false
		}
		if bytes.Equal(k.Marshal(), want) {
			return true
		}
		rest = next
	}
	return false
}
