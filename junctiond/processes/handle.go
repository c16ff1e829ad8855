package processes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExitStatus describes how a child process terminated.
type ExitStatus struct {
	Code     int    // exit code, 128+signal when killed by a signal
	Signal   string // empty unless killed by a signal
	Err      error  // wait failure unrelated to the exit code
	ExitedAt time.Time
}

// Command is a fully resolved launcher invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Handle owns one started child process and the parent ends of its pipes.
type Handle interface {
	PID() int
	Input() io.Writer
	CloseInput() error
	Output() io.Reader
	Stderr() io.Reader
	// Signal delivers sig to the child's whole process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until the child exits or ctx ends.
	Wait(ctx context.Context) (ExitStatus, error)
	// TryWait reports the exit status without blocking.
	TryWait() (ExitStatus, bool)
	// Close releases the pipe ends. Safe to call more than once.
	Close() error
}

// Launcher starts child processes.
type Launcher interface {
	Launch(cmd Command) (Handle, error)
}

// ExecLauncher starts children with os/exec, each in its own process group.
type ExecLauncher struct{}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type execHandle struct {
	cmd    *exec.Cmd
	pid    int
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done   chan struct{}
	status ExitStatus

	inputOnce sync.Once
	inputErr  error
	closeOnce sync.Once
	closeErr  error
}

func (ExecLauncher) Launch(c Command) (Handle, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW, outR, outW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeFiles(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	// The child holds its own copies now.
	closeFiles(inR, outW, errW)

	h := &execHandle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  inW,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	st := ExitStatus{Code: -1, ExitedAt: time.Now()}
	if ps := h.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
			st.Code = 128 + int(ws.Signal())
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err
	}
	h.status = st
	close(h.done)
}

func (h *execHandle) PID() int          { return h.pid }
func (h *execHandle) Input() io.Writer  { return h.stdin }
func (h *execHandle) Output() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) CloseInput() error {
	h.inputOnce.Do(func() {
		h.inputErr = h.stdin.Close()
	})
	return h.inputErr
}

func (h *execHandle) Signal(sig syscall.Signal) error {
	select {
	case <-h.done:
		return os.ErrProcessDone
	default:
	}
	err := unix.Kill(-h.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func (h *execHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *execHandle) TryWait() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

func (h *execHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = errors.Join(
			h.CloseInput(),
			h.stdout.Close(),
			h.stderr.Close(),
		)
	})
	return h.closeErr
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
