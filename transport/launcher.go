package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/Datarails/mcp-outlet/message"
)

// LaunchSpec is everything needed to start one server process.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // "KEY=VALUE"; the child inherits nothing else
	Stderr  message.StderrMode
}

// Process is a running child. Stderr returns nil unless the LaunchSpec asked for a pipe.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Pid() int
	Kill() error
	// Wait blocks until the process exits. Call it only after Stdout is drained.
	Wait() error
}

// Launcher starts processes. Tests substitute an in-memory implementation.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts real OS processes with os/exec.
//
// The command is not bound to ctx: the transport owns the process lifetime and stops it
// in Close. ctx only aborts a launch that has not happened yet.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	var stderr io.ReadCloser
	switch spec.Stderr {
	case message.StderrInherit:
		cmd.Stderr = os.Stderr
	case message.StderrIgnore:
		// nil Stderr is the null device
	default:
		if stderr, err = cmd.StderrPipe(); err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
