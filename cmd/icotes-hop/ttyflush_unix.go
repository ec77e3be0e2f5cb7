//go:build !windows

package main

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flushTTYInput discards unread input queued on the controlling terminal,
// such as replies to terminal queries, so the shell does not see them as
// typed characters. Failures are ignored; without /dev/tty it does nothing.
func flushTTYInput() {
	tty, err := os.OpenFile("/dev/tty", os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer func() { _ = tty.Close() }()

	fd := int(tty.Fd())
	if fd < 0 {
		return
	}

	// tcflush(fd, TCIFLUSH). TCFLSH is 0x540B on Linux and Darwin.
	const tcflsh = 0x540B
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tcflsh), uintptr(unix.TCIFLUSH))

	// Replies can trail the flush; drain briefly without blocking.
	_ = unix.SetNonblock(fd, true)
	defer func() { _ = unix.SetNonblock(fd, false) }()

	deadline := time.Now().Add(150 * time.Millisecond)
	buf := make([]byte, 512)
	for time.Now().Before(deadline) {
		if n, _ := unix.Read(fd, buf); n <= 0 {
			return
		}
		deadline = time.Now().Add(50 * time.Millisecond)
	}
}
