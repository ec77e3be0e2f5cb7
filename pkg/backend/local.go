package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// Local runs operations on this machine, rooted at the workspace directory.
type Local struct {
	root  string
	shell string
}

func NewLocal(root string) *Local {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Local{root: filepath.Clean(root)}
}

// WithShell sets the program Open starts. Empty means $SHELL.
func (l *Local) WithShell(shell string) *Local {
	l.shell = strings.TrimSpace(shell)
	return l
}

func (l *Local) ContextID() string { return LocalContextID }
func (l *Local) Root() string      { return l.root }

// Close is a no-op; the local context cannot be disconnected.
func (l *Local) Close() error { return nil }

func (l *Local) resolve(p string) string {
	if p == "" {
		return l.root
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.root, p)
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(l.resolve(path))
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	return os.WriteFile(l.resolve(path), data, perm)
}

func (l *Local) ReadDir(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(l.resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(ents))
	for _, e := range ents {
		fi, err := e.Info()
		if err != nil {
			// Entry vanished between readdir and lstat.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, fileInfoFrom(fi))
	}
	return out, nil
}

func (l *Local) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(l.resolve(path))
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfoFrom(fi), nil
}

func (l *Local) MkdirAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(l.resolve(path), 0o755)
}

func (l *Local) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(l.resolve(path))
}

func (l *Local) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(l.resolve(from), l.resolve(to))
}

// Open starts the user's shell (or opts.Command) on a new pty.
func (l *Local) Open(ctx context.Context, opts TerminalOptions) (TerminalSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	shell := l.shell
	if shell == "" {
		shell = defaultShell()
	}
	var cmd *exec.Cmd
	if strings.TrimSpace(opts.Command) != "" {
		cmd = exec.Command(shell, "-c", opts.Command)
	} else {
		cmd = exec.Command(shell)
	}
	cmd.Dir = l.root
	if opts.Dir != "" {
		cmd.Dir = l.resolve(opts.Dir)
	}
	cmd.Env = append(os.Environ(), "TERM="+opts.Term)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start local terminal: %w", err)
	}
	return &localTerminal{ptmx: ptmx, cmd: cmd}, nil
}

func defaultShell() string {
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	return "/bin/sh"
}

type localTerminal struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func (t *localTerminal) Read(p []byte) (int, error)  { return t.ptmx.Read(p) }
func (t *localTerminal) Write(p []byte) (int, error) { return t.ptmx.Write(p) }

func (t *localTerminal) Resize(rows, cols uint16) error {
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (t *localTerminal) Wait() error {
	t.waitOnce.Do(func() { t.waitErr = t.cmd.Wait() })
	return t.waitErr
}

func (t *localTerminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.ptmx.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.Wait()
	})
	return err
}
