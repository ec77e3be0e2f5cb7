package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptVault asks for secrets on the controlling terminal. It stores nothing.
// It waits on a person, so keep it out of vault chains used under network
// timeouts or while another program owns the terminal.
type PromptVault struct {
	// Describe turns a credential id into a prompt label. Optional.
	Describe func(credID string) string
	// TTY overrides /dev/tty (tests).
	TTY string
}

// Secret prompts until a line is entered or ctx ends. An abandoned prompt
// puts the terminal back the way it found it.
func (p PromptVault) Secret(ctx context.Context, credID string, kind SecretKind) (string, error) {
	label := credID
	if p.Describe != nil {
		if d := strings.TrimSpace(p.Describe(credID)); d != "" {
			label = d
		}
	}
	s, err := promptSecret(ctx, p.ttyPath(), fmt.Sprintf("Enter %s for %s: ", kind, label))
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", ErrSecretNotFound
	}
	return s, nil
}

func (PromptVault) Put(context.Context, string, SecretKind, string) error {
	return errors.New("prompt vault is read-only")
}

func (PromptVault) Forget(context.Context, string) error { return nil }

func (p PromptVault) ttyPath() string {
	if p.TTY != "" {
		return p.TTY
	}
	return "/dev/tty"
}

// promptSecret reads one line from the terminal at path without echo. The
// terminal mode is switched and restored here only; the reader goroutine
// never touches it, so returning early on ctx leaves echo on.
func promptSecret(ctx context.Context, path, prompt string) (string, error) {
	tty, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("prompt secret: open %s: %w", path, err)
	}
	// A read still blocked on tty keeps the descriptor alive until it returns.
	defer tty.Close()

	fd := int(tty.Fd())
	old, err := term.MakeRaw(fd)
	if err != nil {
		return "", fmt.Errorf("prompt secret: %w", err)
	}
	defer func() { _ = term.Restore(fd, old) }()

	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := term.NewTerminal(tty, "").ReadPassword(prompt)
		ch <- result{s, err}
	}()
	select {
	case <-ctx.Done():
		fmt.Fprint(tty, "\r\n")
		return "", ctx.Err()
	case r := <-ch:
		if errors.Is(r.err, io.EOF) {
			return "", errors.New("prompt secret: cancelled")
		}
		if r.err != nil {
			return "", fmt.Errorf("prompt secret: read: %w", r.err)
		}
		return strings.TrimRight(r.s, "\r\n"), nil
	}
}
