//go:build linux

package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Secret Service attribute values used by SecretToolVault.
const secretServiceApp = "icotes-hop"

// SecretToolVault stores secrets in the desktop Secret Service through the
// libsecret `secret-tool` binary. Entries are keyed by app, credential id and
// kind.
type SecretToolVault struct {
	// Binary overrides the secret-tool lookup (tests).
	Binary string
}

// SystemVault returns the OS keyring vault and a label for display.
func SystemVault() (Vault, string) {
	return SecretToolVault{}, "Secret Service (secret-tool)"
}

func (v SecretToolVault) Secret(ctx context.Context, credID string, kind SecretKind) (string, error) {
	path, err := v.binary()
	if err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "lookup",
		"app", secretServiceApp,
		"credential", credID,
		"kind", string(kind),
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", ErrSecretNotFound
		}
		if looksLikeSecretServiceUnavailable(msg) {
			return "", fmt.Errorf("secret service unavailable: %s (ensure a keyring is running; install libsecret-tools)", msg)
		}
		return "", fmt.Errorf("secret-tool lookup failed: %s", msg)
	}
	secret := strings.TrimRight(stdout.String(), "\r\n")
	if secret == "" {
		return "", ErrSecretNotFound
	}
	return secret, nil
}

func (v SecretToolVault) Put(ctx context.Context, credID string, kind SecretKind, secret string) error {
	if secret == "" {
		return errors.New("secret-tool: empty secret refused")
	}
	path, err := v.binary()
	if err != nil {
		return err
	}
	_ = v.clear(ctx, path, credID, string(kind))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "store",
		fmt.Sprintf("--label=icotes hop %s (%s)", credID, kind),
		"app", secretServiceApp,
		"credential", credID,
		"kind", string(kind),
	)
	cmd.Stdin = strings.NewReader(secret)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("secret-tool store failed: %s", msg)
	}
	return nil
}

func (v SecretToolVault) Forget(ctx context.Context, credID string) error {
	path, err := v.binary()
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range []SecretKind{SecretPassword, SecretPassphrase} {
		if err := v.clear(ctx, path, credID, string(k)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (v SecretToolVault) clear(ctx context.Context, path, credID, kind string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "clear",
		"app", secretServiceApp,
		"credential", credID,
		"kind", kind,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil
		}
		if looksLikeSecretServiceUnavailable(msg) {
			return fmt.Errorf("secret service unavailable: %s", msg)
		}
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "not found") || strings.Contains(lower, "no such") {
			return nil
		}
		return fmt.Errorf("secret-tool clear failed: %s", msg)
	}
	return nil
}

func (v SecretToolVault) binary() (string, error) {
	name := v.Binary
	if name == "" {
		name = "secret-tool"
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("secret-tool not found in PATH (install libsecret-tools): %w", err)
	}
	return p, nil
}

func looksLikeSecretServiceUnavailable(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	return strings.Contains(m, "org.freedesktop.secrets") ||
		strings.Contains(m, "no such interface") ||
		strings.Contains(m, "serviceunknown") ||
		strings.Contains(m, "could not connect") ||
		strings.Contains(m, "failed to connect") ||
		strings.Contains(m, "dbus") ||
		strings.Contains(m, "not provided")
}
