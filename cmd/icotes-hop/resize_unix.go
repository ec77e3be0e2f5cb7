//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"icotes-hop/pkg/backend"
)

// startResizeWatcher keeps the terminal session's size in sync with ours.
// It does nothing when stdout is not a terminal. The returned func stops it.
func startResizeWatcher(sess backend.TerminalSession) func() {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-winch:
				fd := int(os.Stdout.Fd())
				if !term.IsTerminal(fd) {
					continue
				}
				if cols, rows, err := term.GetSize(fd); err == nil && rows > 0 && cols > 0 {
					_ = sess.Resize(uint16(rows), uint16(cols))
				}
			}
		}
	}()
	return func() {
		signal.Stop(winch)
		close(done)
	}
}
