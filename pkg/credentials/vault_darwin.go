//go:build darwin

package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const keychainService = "icotes-hop"

// KeychainVault stores secrets as generic passwords in the login keychain via
// /usr/bin/security. The account is "<credential id>:<kind>".
type KeychainVault struct{}

// SystemVault returns the OS keyring vault and a label for display.
func SystemVault() (Vault, string) {
	return KeychainVault{}, "Keychain"
}

func keychainAccount(credID string, kind SecretKind) string {
	return credID + ":" + string(kind)
}

func (KeychainVault) Secret(ctx context.Context, credID string, kind SecretKind) (string, error) {
	out, err := runSecurity(ctx, "find-generic-password", "-s", keychainService, "-a", keychainAccount(credID, kind), "-w")
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not be found") {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("keychain lookup failed: %w", err)
	}
	secret := strings.TrimRight(out, "\r\n")
	if secret == "" {
		return "", ErrSecretNotFound
	}
	return secret, nil
}

func (KeychainVault) Put(ctx context.Context, credID string, kind SecretKind, secret string) error {
	if secret == "" {
		return errors.New("keychain: empty secret refused")
	}
	// -U updates an existing item in place.
	_, err := runSecurity(ctx, "add-generic-password", "-U", "-s", keychainService, "-a", keychainAccount(credID, kind), "-w", secret)
	if err != nil {
		return fmt.Errorf("keychain store failed: %w", err)
	}
	return nil
}

func (KeychainVault) Forget(ctx context.Context, credID string) error {
	var errs []error
	for _, k := range []SecretKind{SecretPassword, SecretPassphrase} {
		_, err := runSecurity(ctx, "delete-generic-password", "-s", keychainService, "-a", keychainAccount(credID, k))
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "could not be found") {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runSecurity(ctx context.Context, args ...string) (string, error) {
	path := "/usr/bin/security"
	if _, err := os.Stat(path); err != nil {
		path = "security"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.New(msg)
	}
	return stdout.String(), nil
}
