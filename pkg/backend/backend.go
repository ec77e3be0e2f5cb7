// Package backend defines the file and terminal capabilities an execution
// context exposes, with one implementation for the local workspace and one
// for a remote hop reached over SSH.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// LocalContextID names the always-present local execution context.
const LocalContextID = "local"

// FileInfo is the subset of file metadata both variants can report.
type FileInfo struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"modTime"`
	IsDir   bool        `json:"isDir"`
}

func fileInfoFrom(fi fs.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
}

// Filesystem is file access inside one execution context. Relative paths are
// resolved against Root.
type Filesystem interface {
	ContextID() string
	Root() string
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	MkdirAll(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
}

// TerminalOptions configures a new interactive terminal.
type TerminalOptions struct {
	Rows, Cols uint16
	// Term is the TERM value requested for the pty.
	Term string
	// Dir is the starting directory; empty means Root.
	Dir string
	// Command runs instead of the login shell when set.
	Command string
	Env     []string
}

func (o TerminalOptions) withDefaults() TerminalOptions {
	if o.Rows == 0 {
		o.Rows = 24
	}
	if o.Cols == 0 {
		o.Cols = 80
	}
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	return o
}

// TerminalSession is a running pty-backed process.
type TerminalSession interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	Wait() error
}

// Terminal opens interactive sessions inside one execution context.
type Terminal interface {
	ContextID() string
	Open(ctx context.Context, opts TerminalOptions) (TerminalSession, error)
}

// Backend is everything one execution context offers.
type Backend interface {
	Filesystem
	Terminal
	Close() error
}

// ErrClosed is wrapped by ConnectionError once a remote backend is closed.
var ErrClosed = errors.New("connection closed")

// ConnectionError reports a failure of the transport under a remote context.
type ConnectionError struct {
	ContextID string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.ContextID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
