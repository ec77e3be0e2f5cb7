package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SecretKind names what a secret unlocks.
type SecretKind string

const (
	SecretPassword   SecretKind = "password"
	SecretPassphrase SecretKind = "passphrase"
)

// ErrSecretNotFound is returned by a Vault that holds nothing for the request.
var ErrSecretNotFound = errors.New("secret not found")

// Vault supplies secrets at connect time. Implementations must never write
// secrets into the credential document.
type Vault interface {
	Secret(ctx context.Context, credID string, kind SecretKind) (string, error)
	Put(ctx context.Context, credID string, kind SecretKind, secret string) error
	Forget(ctx context.Context, credID string) error
}

// MemoryVault keeps secrets for the life of the process.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

func memKey(id string, kind SecretKind) string { return id + "\x00" + string(kind) }

func (v *MemoryVault) Secret(_ context.Context, credID string, kind SecretKind) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.secrets[memKey(credID, kind)]
	if !ok {
		return "", ErrSecretNotFound
	}
	return s, nil
}

func (v *MemoryVault) Put(_ context.Context, credID string, kind SecretKind, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[memKey(credID, kind)] = secret
	return nil
}

func (v *MemoryVault) Forget(_ context.Context, credID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	prefix := credID + "\x00"
	for k := range v.secrets {
		if strings.HasPrefix(k, prefix) {
			delete(v.secrets, k)
		}
	}
	return nil
}

// ChainVault asks each vault in turn. Put stores into the first vault that
// accepts the secret; Forget is sent to all of them.
type ChainVault []Vault

func (c ChainVault) Secret(ctx context.Context, credID string, kind SecretKind) (string, error) {
	var errs []error
	for _, v := range c {
		s, err := v.Secret(ctx, credID, kind)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, ErrSecretNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %v", ErrSecretNotFound, errors.Join(errs...))
	}
	return "", ErrSecretNotFound
}

func (c ChainVault) Put(ctx context.Context, credID string, kind SecretKind, secret string) error {
	var errs []error
	for _, v := range c {
		err := v.Put(ctx, credID, kind, secret)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("put secret: no vault configured")
	}
	return errors.Join(errs...)
}

func (c ChainVault) Forget(ctx context.Context, credID string) error {
	var errs []error
	for _, v := range c {
		if err := v.Forget(ctx, credID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
