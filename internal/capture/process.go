package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Producer is a real-time source of raw little-endian PCM bytes.
type Producer interface {
	io.Reader
	// Exited is closed once the producer has terminated.
	Exited() <-chan struct{}
	// ExitErr returns the termination error. Only valid after Exited is closed.
	ExitErr() error
	// Diagnostic returns the producer's recent diagnostic output.
	Diagnostic() string
	// Stop terminates the producer, waiting at most timeout for it to exit
	// before killing it. Safe to call more than once.
	Stop(timeout time.Duration) error
}

const stderrTail = 4096

// Process is a Producer backed by a subprocess writing PCM to stdout.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *tailBuffer
	logger *slog.Logger

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// StartProcess starts name with args. Stdout is an os.Pipe owned by the
// Process rather than exec's StdoutPipe, so Wait never races pending reads.
func StartProcess(logger *slog.Logger, name string, args ...string) (*Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = pw
	tail := newTailBuffer(stderrTail)
	cmd.Stderr = tail
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	p := &Process{
		cmd:    cmd,
		stdout: pr,
		stderr: tail,
		logger: logger,
		exited: make(chan struct{}),
	}
	logger.Debug("capture process started", "pid", cmd.Process.Pid, "command", name, "args", args)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *Process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

func (p *Process) Diagnostic() string { return p.stderr.String() }

// Stop sends SIGTERM, waits up to timeout, then SIGKILL with a second bounded
// wait. The stdout pipe is closed last so a blocked Read always returns.
func (p *Process) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		defer p.stdout.Close()

		select {
		case <-p.exited:
			return
		default:
		}

		if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("failed to terminate capture process", "error", err)
		}
		select {
		case <-p.exited:
			return
		case <-time.After(timeout):
		}

		p.logger.Warn("capture process did not exit, killing", "pid", p.cmd.Process.Pid, "timeout", timeout)
		if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Error("failed to kill capture process", "error", err)
		}
		select {
		case <-p.exited:
		case <-time.After(timeout):
			p.stopErr = fmt.Errorf("capture process %d did not exit after kill", p.cmd.Process.Pid)
		}
	})
	return p.stopErr
}
