package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Remote runs operations on a hop over one SSH connection. File operations
// go through an SFTP subsystem session and are serialized; terminals are
// separate SSH sessions on the same connection.
type Remote struct {
	id     string
	root   string
	client *ssh.Client
	fs     *sftp.Client

	// ops is a one-slot semaphore serializing filesystem operations on the
	// shared SFTP channel. Waiters give up when their ctx ends.
	ops chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// NewRemote opens an SFTP subsystem on client. root is the working
// directory relative paths resolve against; when empty the server's
// working directory is used.
func NewRemote(contextID, root string, client *ssh.Client) (*Remote, error) {
	fsc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &ConnectionError{ContextID: contextID, Op: "sftp", Err: err}
	}
	if root == "" {
		if wd, err := fsc.Getwd(); err == nil {
			root = wd
		} else {
			root = "/"
		}
	}
	r := &Remote{
		id:     contextID,
		root:   path.Clean(root),
		client: client,
		fs:     fsc,
		ops:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.watch()
	return r, nil
}

func (r *Remote) watch() {
	err := r.client.Wait()
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	r.fail(err)
}

func (r *Remote) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.closed.Store(true)
	r.closeOnce.Do(func() {
		_ = r.fs.Close()
		_ = r.client.Close()
		close(r.done)
	})
}

func (r *Remote) ContextID() string { return r.id }
func (r *Remote) Root() string      { return r.root }

// Done is closed once the connection is gone, whether by Close or link loss.
func (r *Remote) Done() <-chan struct{} { return r.done }

// Err reports why the connection ended; nil while it is up.
func (r *Remote) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Close tears down the connection. Operations in flight or issued later fail
// with *ConnectionError.
func (r *Remote) Close() error {
	r.fail(ErrClosed)
	return nil
}

// SendKeepAlive issues one OpenSSH keepalive request on the connection.
func (r *Remote) SendKeepAlive() error {
	if r.closed.Load() {
		return r.connErr("keepalive")
	}
	_, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil)
	if err != nil {
		return &ConnectionError{ContextID: r.id, Op: "keepalive", Err: err}
	}
	return nil
}

// Abort ends the connection with err, as when keepalives stop being answered.
func (r *Remote) Abort(err error) { r.fail(err) }

func (r *Remote) connErr(op string) error {
	err := r.Err()
	if err == nil {
		err = ErrClosed
	}
	return &ConnectionError{ContextID: r.id, Op: op, Err: err}
}

func (r *Remote) do(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return r.connErr(op)
	}
	select {
	case r.ops <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.connErr(op)
	}
	defer func() { <-r.ops }()
	if r.closed.Load() {
		return r.connErr(op)
	}
	err := fn()
	if err != nil && r.closed.Load() {
		return r.connErr(op)
	}
	return err
}

func (r *Remote) resolve(p string) string {
	if p == "" {
		return r.root
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(r.root, p)
}

func (r *Remote) ReadFile(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", func() error {
		f, err := r.fs.Open(r.resolve(p))
		if err != nil {
			return err
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

func (r *Remote) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	return r.do(ctx, "write", func() error {
		f, err := r.fs.OpenFile(r.resolve(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Chmod(perm); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

func (r *Remote) ReadDir(ctx context.Context, p string) ([]FileInfo, error) {
	var out []FileInfo
	err := r.do(ctx, "readdir", func() error {
		ents, err := r.fs.ReadDir(r.resolve(p))
		if err != nil {
			return err
		}
		out = make([]FileInfo, 0, len(ents))
		for _, fi := range ents {
			out = append(out, fileInfoFrom(fi))
		}
		return nil
	})
	return out, err
}

func (r *Remote) Stat(ctx context.Context, p string) (FileInfo, error) {
	var out FileInfo
	err := r.do(ctx, "stat", func() error {
		fi, err := r.fs.Stat(r.resolve(p))
		if err != nil {
			return err
		}
		out = fileInfoFrom(fi)
		return nil
	})
	return out, err
}

func (r *Remote) MkdirAll(ctx context.Context, p string) error {
	return r.do(ctx, "mkdir", func() error { return r.fs.MkdirAll(r.resolve(p)) })
}

func (r *Remote) Remove(ctx context.Context, p string) error {
	return r.do(ctx, "remove", func() error { return r.fs.Remove(r.resolve(p)) })
}

func (r *Remote) Rename(ctx context.Context, from, to string) error {
	return r.do(ctx, "rename", func() error {
		return r.fs.PosixRename(r.resolve(from), r.resolve(to))
	})
}

// Getwd returns the server-side working directory of the SFTP session.
func (r *Remote) Getwd(ctx context.Context) (string, error) {
	var wd string
	err := r.do(ctx, "getwd", func() error {
		var err error
		wd, err = r.fs.Getwd()
		return err
	})
	return wd, err
}

// Open starts a login shell (or opts.Command) in a new SSH session with a pty.
func (r *Remote) Open(ctx context.Context, opts TerminalOptions) (TerminalSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.closed.Load() {
		return nil, r.connErr("terminal")
	}
	opts = opts.withDefaults()

	sess, err := r.client.NewSession()
	if err != nil {
		return nil, r.wrapTransport("terminal", err)
	}
	fail := func(err error) (TerminalSession, error) {
		_ = sess.Close()
		return nil, r.wrapTransport("terminal", err)
	}
	for _, kv := range opts.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			_ = sess.Setenv(k, v)
		}
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(opts.Term, int(opts.Rows), int(opts.Cols), modes); err != nil {
		return fail(err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return fail(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fail(err)
	}

	dir := r.root
	if opts.Dir != "" {
		dir = r.resolve(opts.Dir)
	}
	switch {
	case opts.Command != "":
		err = sess.Start(fmt.Sprintf("cd %s && %s", shellQuote(dir), opts.Command))
	case dir != "":
		err = sess.Start(fmt.Sprintf("cd %s && exec \"${SHELL:-/bin/sh}\" -l", shellQuote(dir)))
	default:
		err = sess.Shell()
	}
	if err != nil {
		return fail(err)
	}
	return &remoteTerminal{sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (r *Remote) wrapTransport(op string, err error) error {
	if r.closed.Load() {
		return r.connErr(op)
	}
	return &ConnectionError{ContextID: r.id, Op: op, Err: err}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type remoteTerminal struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func (t *remoteTerminal) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *remoteTerminal) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *remoteTerminal) Resize(rows, cols uint16) error {
	return t.sess.WindowChange(int(rows), int(cols))
}

func (t *remoteTerminal) Wait() error { return t.sess.Wait() }

func (t *remoteTerminal) Close() error {
	err := t.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
