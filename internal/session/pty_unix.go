//go:build !windows

package session

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix PTY master file descriptor, following the same
// shape as kdlbs-kandev's pty_unix.go.
type unixPTY struct {
	f *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// unixProcess controls the spawned child via process-group signals so that
// pause/resume suspend the whole process tree, not just the leader.
type unixProcess struct {
	cmd *exec.Cmd
}

func (u *unixProcess) Wait() error { return u.cmd.Wait() }
func (u *unixProcess) Pid() int    { return u.cmd.Process.Pid }

func (u *unixProcess) Suspend() error {
	return syscall.Kill(-u.cmd.Process.Pid, syscall.SIGSTOP)
}

func (u *unixProcess) Resume() error {
	return syscall.Kill(-u.cmd.Process.Pid, syscall.SIGCONT)
}

func (u *unixProcess) Kill() error {
	if err := syscall.Kill(-u.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return u.cmd.Process.Kill()
	}
	return nil
}

func startCommand(name string, args []string, dir string, env []string, cols, rows int) (ptyHandle, processHandle, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, nil, err
	}
	return &unixPTY{f: f}, &unixProcess{cmd: cmd}, nil
}
