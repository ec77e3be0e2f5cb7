// Package credentials persists hop targets: non-secret connection metadata in
// a single JSON document plus uploaded private keys in a sibling directory.
//
// Secrets (passwords, key passphrases) never reach disk through this package.
// When a Vault is configured they are handed to it; otherwise they are dropped.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"icotes-hop/pkg/hopconfig"
)

// Auth methods.
const (
	AuthPassword   = hopconfig.AuthPassword
	AuthPrivateKey = hopconfig.AuthPrivateKey
	AuthAgent      = hopconfig.AuthAgent
)

const DefaultPort = 22

var (
	// ErrNotFound is returned when a credential id is unknown.
	ErrNotFound = errors.New("credential not found")
	// ErrInvalidCredential wraps structural problems in create/update input.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Credential is the persisted, secret-free description of a hop target.
// Keep JSON field names stable; the API layer serves them as-is.
type Credential struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	AuthMethod   string    `json:"authMethod"`
	IdentityFile string    `json:"identityFile,omitempty"`
	DefaultPath  string    `json:"defaultPath,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Label is the user-facing name, falling back to the id.
func (c Credential) Label() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return c.ID
}

// Fields is create input. Password and Passphrase are accepted so callers can
// pass request bodies straight through; they are never stored here.
type Fields struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username"`
	AuthMethod   string `json:"authMethod,omitempty"`
	IdentityFile string `json:"identityFile,omitempty"`
	DefaultPath  string `json:"defaultPath,omitempty"`

	Password   string `json:"password,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Patch is update input; nil fields are left unchanged.
type Patch struct {
	Name         *string `json:"name,omitempty"`
	Host         *string `json:"host,omitempty"`
	Port         *int    `json:"port,omitempty"`
	Username     *string `json:"username,omitempty"`
	AuthMethod   *string `json:"authMethod,omitempty"`
	IdentityFile *string `json:"identityFile,omitempty"`
	DefaultPath  *string `json:"defaultPath,omitempty"`

	Password   *string `json:"password,omitempty"`
	Passphrase *string `json:"passphrase,omitempty"`
}

// Store is the credential document plus the key directory.
// Writers in one process are serialized; cross-process locking is not attempted.
type Store struct {
	path    string
	keysDir string
	vault   Vault
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithVault routes secrets supplied on create/update to v.
func WithVault(v Vault) Option { return func(s *Store) { s.vault = v } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open returns a store backed by path and keysDir. Nothing is read until the
// first call; a missing document is an empty store.
func Open(path, keysDir string, opts ...Option) *Store {
	s := &Store{path: path, keysDir: keysDir, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Path() string    { return s.path }
func (s *Store) KeysDir() string { return s.keysDir }

// Create validates f, assigns an id and persists the credential.
func (s *Store) Create(f Fields) (Credential, error) {
	c := Credential{
		Name:         strings.TrimSpace(f.Name),
		Host:         strings.TrimSpace(f.Host),
		Port:         f.Port,
		Username:     strings.TrimSpace(f.Username),
		AuthMethod:   strings.TrimSpace(f.AuthMethod),
		IdentityFile: strings.TrimSpace(f.IdentityFile),
		DefaultPath:  strings.TrimSpace(f.DefaultPath),
	}
	if err := normalize(&c); err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked()
	if err != nil {
		return Credential{}, err
	}
	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt, c.UpdatedAt = now, now
	all = append(all, c)
	if err := s.saveLocked(all); err != nil {
		return Credential{}, err
	}
	s.stashSecrets(c.ID, &f.Password, &f.Passphrase)
	return c, nil
}

// List returns every credential in document order.
func (s *Store) List() ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Get returns the credential with id or ErrNotFound.
func (s *Store) Get(id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return Credential{}, err
	}
	for _, c := range all {
		if c.ID == id {
			return c, nil
		}
	}
	return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Update applies p to the credential with id. The id never changes.
func (s *Store) Update(id string, p Patch) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked()
	if err != nil {
		return Credential{}, err
	}
	i := indexOf(all, id)
	if i < 0 {
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := all[i]
	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	apply(&c.Name, p.Name)
	apply(&c.Host, p.Host)
	apply(&c.Username, p.Username)
	apply(&c.AuthMethod, p.AuthMethod)
	apply(&c.IdentityFile, p.IdentityFile)
	apply(&c.DefaultPath, p.DefaultPath)
	if p.Port != nil {
		c.Port = *p.Port
	}
	if err := normalize(&c); err != nil {
		return Credential{}, err
	}
	c.UpdatedAt = s.now().UTC()
	all[i] = c
	if err := s.saveLocked(all); err != nil {
		return Credential{}, err
	}
	s.stashSecrets(id, p.Password, p.Passphrase)
	return c, nil
}

// Delete removes the credential, its stored key file and any vaulted secrets.
// Unknown ids return false without error.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	i := indexOf(all, id)
	if i < 0 {
		return false, nil
	}
	c := all[i]
	all = append(all[:i], all[i+1:]...)
	if err := s.saveLocked(all); err != nil {
		return false, err
	}
	if keyID, ok := s.ownedKeyID(c.IdentityFile); ok && !s.keyInUseLocked(all, keyID) {
		if err := os.Remove(filepath.Join(s.keysDir, keyID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return true, fmt.Errorf("remove key %s: %w", keyID, err)
		}
	}
	if s.vault != nil {
		_ = s.vault.Forget(context.Background(), id)
	}
	return true, nil
}

// FindByName returns credentials whose name matches exactly, in document order.
func (s *Store) FindByName(name string) ([]Credential, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Credential
	for _, c := range all {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out, nil
}

// Lookup resolves ref as an id first, then as a unique name.
func (s *Store) Lookup(ref string) (Credential, error) {
	if c, err := s.Get(ref); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Credential{}, err
	}
	byName, err := s.FindByName(ref)
	if err != nil {
		return Credential{}, err
	}
	switch len(byName) {
	case 0:
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return byName[0], nil
	default:
		return Credential{}, fmt.Errorf("%w: name %q is ambiguous (%d matches)", ErrInvalidCredential, ref, len(byName))
	}
}

func (s *Store) stashSecrets(id string, password, passphrase *string) {
	if s.vault == nil {
		return
	}
	ctx := context.Background()
	if password != nil && *password != "" {
		_ = s.vault.Put(ctx, id, SecretPassword, *password)
	}
	if passphrase != nil && *passphrase != "" {
		_ = s.vault.Put(ctx, id, SecretPassphrase, *passphrase)
	}
}

func normalize(c *Credential) error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidCredential)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidCredential)
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidCredential, c.Port)
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthPassword
	}
	auth, ok := hopconfig.NormalizeAuth(c.AuthMethod)
	if !ok {
		return fmt.Errorf("%w: unsupported auth method %q", ErrInvalidCredential, c.AuthMethod)
	}
	c.AuthMethod = auth
	if c.Name == "" {
		c.Name = c.Host
	}
	if strings.EqualFold(c.Name, hopconfig.LocalHost) {
		return fmt.Errorf("%w: name %q is reserved", ErrInvalidCredential, c.Name)
	}
	return nil
}

func indexOf(all []Credential, id string) int {
	for i := range all {
		if all[i].ID == id {
			return i
		}
	}
	return -1
}

// loadLocked reads the document. Unknown fields, including any secret a
// hand-edited file may carry, are dropped by decoding into Credential.
func (s *Store) loadLocked() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Credential{}, nil
		}
		return nil, fmt.Errorf("read credentials %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Credential{}, nil
	}
	var all []Credential
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", s.path, err)
	}
	if all == nil {
		all = []Credential{}
	}
	return all, nil
}

// saveLocked writes the document atomically with owner-only permissions.
func (s *Store) saveLocked(all []Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if all == nil {
		all = []Credential{}
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credentials %s: %w", s.path, err)
	}
	return nil
}
