// Package process wraps a spawned external process with independently piped
// standard streams, single-shot termination and exit reaping.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ErrNoStdin is returned by Write on a handle spawned without stdin.
var ErrNoStdin = errors.New("process has no stdin")

// SpawnError reports that the process could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteAfterExitError reports a write to a process that has already exited.
type WriteAfterExitError struct {
	Pid int
}

func (e *WriteAfterExitError) Error() string {
	return fmt.Sprintf("write to exited process %d", e.Pid)
}

// ExitStatus is the terminal status of a process.
type ExitStatus struct {
	Code int `json:"code"`
	// Signal is set when the process was terminated by a signal; Code is -1 then.
	Signal string `json:"signal,omitempty"`
}

// Success reports whether the process exited with code 0.
func (s ExitStatus) Success() bool { return s.Code == 0 && s.Signal == "" }

// Spec describes a process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current environment.
	Env []string
	// Stdin controls whether a writable input stream is attached. One-shot
	// invocations leave it false and the child reads from the null device.
	Stdin bool
}

// Handle owns one running process and its three streams.
type Handle struct {
	cmd *exec.Cmd
	pid int

	stdin  *stdinWriter
	stdout *os.File
	stderr *os.File

	termOnce sync.Once
	done     chan struct{}
	status   ExitStatus

	closeOnce sync.Once
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return os.ErrClosed
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// Spawn starts the process described by spec. The returned handle is already
// being reaped in the background; callers observe exit through Wait or Done.
func Spawn(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	// Own the pipes instead of using cmd.StdoutPipe so that Wait never closes
	// the read ends underneath a reader that has not drained them yet.
	var parentEnds, childEnds []*os.File
	cleanup := func() {
		for _, f := range parentEnds {
			f.Close()
		}
		for _, f := range childEnds {
			f.Close()
		}
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}

	if spec.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
		}
		cmd.Stdin = r
		childEnds = append(childEnds, r)
		parentEnds = append(parentEnds, w)
		h.stdin = &stdinWriter{writer: w}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	childEnds = append(childEnds, stdoutW)
	parentEnds = append(parentEnds, stdoutR)
	h.stdout = stdoutR

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stderr = stderrW
	childEnds = append(childEnds, stderrW)
	parentEnds = append(parentEnds, stderrR)
	h.stderr = stderrR

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	// The child holds its own copies now.
	for _, f := range childEnds {
		f.Close()
	}

	h.pid = cmd.Process.Pid
	go h.reap()

	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()

	status := ExitStatus{}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else if err != nil {
		status.Code = -1
	}

	h.status = status
	if h.stdin != nil {
		h.stdin.Close()
	}
	close(h.done)
}

// Pid returns the operating system process id.
func (h *Handle) Pid() int { return h.pid }

// Stdout returns the process output stream. Only one reader may consume it.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the process error stream. Only one reader may consume it.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitStatus returns the exit status once the process has exited.
func (h *Handle) ExitStatus() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the process exits or ctx is done. Any number of callers
// may wait concurrently; all observe the same status.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Write appends data to the process input stream.
func (h *Handle) Write(data []byte) error {
	if h.stdin == nil {
		return ErrNoStdin
	}
	if h.Exited() {
		return &WriteAfterExitError{Pid: h.pid}
	}
	if err := h.stdin.Write(data); err != nil {
		if h.Exited() || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return &WriteAfterExitError{Pid: h.pid}
		}
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Terminate sends SIGTERM. The signal is delivered at most once no matter how
// many times Terminate is called; it does not wait for exit.
func (h *Handle) Terminate() error {
	var err error
	h.termOnce.Do(func() {
		if h.Exited() {
			return
		}
		err = h.cmd.Process.Signal(syscall.SIGTERM)
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

// Kill sends SIGKILL if the process is still running.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Close releases the parent ends of all three streams. Readers blocked on
// stdout or stderr return with an error.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		if h.stdin != nil {
			h.stdin.Close()
		}
		h.stdout.Close()
		h.stderr.Close()
	})
}
