package session

import "io"

// ptyHandle abstracts PTY operations across Unix and Windows. On Unix this
// wraps creack/pty (an *os.File); on Windows it wraps a ConPTY.
type ptyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}

// startCommand is implemented per-platform (pty_unix.go, pty_windows.go).
type startCommandFunc func(name string, args []string, dir string, env []string, cols, rows int) (ptyHandle, processHandle, error)

// processHandle is the minimal process-control surface the session needs
// once the PTY has been started: wait for exit, signal suspend/resume, and
// force-kill.
type processHandle interface {
	Wait() error
	Suspend() error
	Resume() error
	Kill() error
	Pid() int
}
