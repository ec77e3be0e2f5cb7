//go:build windows

package main

import "icotes-hop/pkg/backend"

// startResizeWatcher is a no-op on Windows, which has no SIGWINCH. The session
// keeps the size it was opened with.
func startResizeWatcher(backend.TerminalSession) func() {
	return func() {}
}
