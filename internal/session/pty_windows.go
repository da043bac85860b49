//go:build windows

package session

import (
	"context"
	"errors"
	"strings"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudoconsole.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// windowsProcess controls the child via the ConPTY handle. Windows has no
// SIGSTOP/SIGCONT equivalent for suspending a whole process tree, so
// Suspend/Resume report unsupported; Session.Pause treats that as a
// refusal to suspend and follows the documented escalate-to-Failed path
// after its grace period (spec.md §4.1).
type windowsProcess struct {
	cpty *conpty.ConPty
}

var errSuspendUnsupported = errors.New("session: suspend/resume is not supported on windows PTYs")

func (w *windowsProcess) Wait() error {
	_, err := w.cpty.Wait(context.Background())
	return err
}

func (w *windowsProcess) Pid() int { return w.cpty.Pid() }

func (w *windowsProcess) Suspend() error { return errSuspendUnsupported }
func (w *windowsProcess) Resume() error  { return errSuspendUnsupported }

func (w *windowsProcess) Kill() error { return w.cpty.Close() }

func startCommand(name string, args []string, dir string, env []string, cols, rows int) (ptyHandle, processHandle, error) {
	commandLine := name
	if len(args) > 0 {
		commandLine = name + " " + strings.Join(args, " ")
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(dir))
	}
	if len(env) > 0 {
		opts = append(opts, conpty.ConPtyEnv(env))
	}

	cpty, err := conpty.Start(commandLine, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &windowsPTY{cpty: cpty}, &windowsProcess{cpty: cpty}, nil
}
