package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"icotes-hop/pkg/hopconfig"
)

// StorePrivateKey writes data to a new file in the key directory and returns
// its key id. The file is chmodded to 0600 after the write so the process
// umask cannot widen it. Encrypted keys are accepted; anything ssh cannot
// recognise as a private key is rejected.
func (s *Store) StorePrivateKey(data []byte) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", fmt.Errorf("%w: empty private key", ErrInvalidCredential)
	}
	if _, err := ssh.ParseRawPrivateKey(data); err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return "", fmt.Errorf("%w: not a private key: %v", ErrInvalidCredential, err)
		}
	}
	if err := os.MkdirAll(s.keysDir, 0o700); err != nil {
		return "", fmt.Errorf("create keys dir: %w", err)
	}
	_ = os.Chmod(s.keysDir, 0o700)

	keyID := uuid.NewString()
	path := filepath.Join(s.keysDir, keyID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("store key: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("store key: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("chmod key: %w", err)
	}
	return keyID, nil
}

// KeyRef is the IdentityFile value that points at a stored key.
func KeyRef(keyID string) string { return hopconfig.WorkspaceKeyPrefix + keyID }

// KeyPath returns the on-disk path of a stored key. Ids carrying path
// separators or dot segments are refused.
func (s *Store) KeyPath(keyID string) (string, error) {
	id := strings.TrimSpace(keyID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: bad key id %q", ErrInvalidCredential, keyID)
	}
	return filepath.Join(s.keysDir, id), nil
}

// ResolveIdentityFile maps an IdentityFile reference to a path using the same
// rules as config validation.
func (s *Store) ResolveIdentityFile(ref string) string {
	return hopconfig.ResolveIdentityFile(ref, s.keysDir)
}

// ownedKeyID reports the key id when identityFile lives directly in keysDir.
func (s *Store) ownedKeyID(identityFile string) (string, bool) {
	if strings.TrimSpace(identityFile) == "" {
		return "", false
	}
	p := s.ResolveIdentityFile(identityFile)
	if filepath.Dir(p) != filepath.Clean(s.keysDir) {
		return "", false
	}
	return filepath.Base(p), true
}

func (s *Store) keyInUseLocked(all []Credential, keyID string) bool {
	for _, c := range all {
		if id, ok := s.ownedKeyID(c.IdentityFile); ok && id == keyID {
			return true
		}
	}
	return false
}
