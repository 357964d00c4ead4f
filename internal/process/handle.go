// Package process owns debug adapter child processes: it starts them with their
// standard streams captured, turns stdout into protocol frames and reports
// termination exactly once.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/adapter"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/frame"
)

// UnknownExitCode is reported while the process is running, and for processes
// terminated by a signal.
const UnknownExitCode = -1

const readBufferSize = 32 * 1024

// killWaitDelay bounds how long output pumps may keep reading after Kill.
// A descendant that left the process group can hold the pipes open; once the
// delay passes the read ends are closed so the exit is still reported.
const killWaitDelay = 2 * time.Second

// ErrProcessExited is wrapped by WriteError when the process is gone.
var ErrProcessExited = errors.New("process has exited")

// SpawnError is returned when the adapter executable cannot be located or started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start debug adapter %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// WriteError is returned when a frame cannot be written to the adapter's stdin.
type WriteError struct {
	Pid int
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write to debug adapter (pid %d): %v", e.Pid, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Handlers receive the output of an adapter process. Every callback is optional.
// OnFrame and OnStderr are each called from a single goroutine, so calls to the
// same callback never overlap. OnExit is called exactly once, after stdout has
// been drained.
type Handlers struct {
	// OnFrame receives each decoded stdout payload, in order.
	OnFrame func(payload []byte)

	// OnStderr receives raw stderr chunks.
	OnStderr func(chunk []byte)

	// OnExit receives the exit code (UnknownExitCode when killed by a signal) and
	// the error that ended the process, if any. A malformed stdout frame is
	// reported here as a *frame.DecodeError.
	OnExit func(exitCode int, err error)
}

// Handle is a running debug adapter process.
type Handle struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	handlers Handlers
	log      logr.Logger

	// writeMu serializes frames written to stdin
	writeMu sync.Mutex

	// mu protects the fields below
	mu        sync.Mutex
	killed    bool
	exited    bool
	exitCode  int
	exitErr   error
	streamErr error

	// pumpsDone is closed when both output pumps have returned
	pumpsDone chan struct{}
	done      chan struct{}
}

// Spawn starts the adapter described by command. Handlers are attached before
// any output is read, so no frame is missed. When ctx is cancelled the process
// is killed.
func Spawn(ctx context.Context, command adapter.Command, handlers Handlers, log logr.Logger) (*Handle, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Env = command.Environ()
	cmd.Dir = command.Dir
	cmd.WaitDelay = killWaitDelay
	startInGroup(cmd)

	stdin, stdinErr := cmd.StdinPipe()
	if stdinErr != nil {
		return nil, &SpawnError{Command: command.String(), Err: fmt.Errorf("failed to create stdin pipe: %w", stdinErr)}
	}

	stdout, stdoutErr := cmd.StdoutPipe()
	if stdoutErr != nil {
		stdin.Close()
		return nil, &SpawnError{Command: command.String(), Err: fmt.Errorf("failed to create stdout pipe: %w", stdoutErr)}
	}

	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Command: command.String(), Err: fmt.Errorf("failed to create stderr pipe: %w", stderrErr)}
	}

	if startErr := cmd.Start(); startErr != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Command: command.String(), Err: startErr}
	}

	h := &Handle{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		handlers:  handlers,
		log:       log.WithValues("pid", cmd.Process.Pid),
		exitCode:  UnknownExitCode,
		pumpsDone: make(chan struct{}),
		done:      make(chan struct{}),
	}

	h.log.Info("Launched debug adapter process",
		"debugType", command.Type,
		"command", command.Path,
		"args", command.Args)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.readFrames(stdout, &pumps)
	go h.readStderr(stderr, &pumps)
	go h.wait(&pumps)

	go func() {
		select {
		case <-ctx.Done():
			h.log.V(1).Info("Context cancelled, killing debug adapter")
			h.Kill()
		case <-h.done:
		}
	}()

	return h, nil
}

// Write writes one encoded frame to the adapter's stdin.
func (h *Handle) Write(data []byte) error {
	h.mu.Lock()
	gone := h.exited || h.killed
	h.mu.Unlock()
	if gone {
		return &WriteError{Pid: h.Pid(), Err: ErrProcessExited}
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, writeErr := h.stdin.Write(data); writeErr != nil {
		return &WriteError{Pid: h.Pid(), Err: writeErr}
	}
	return nil
}

// Kill terminates the process together with every process it started.
// Calling it on a process that already exited or was already killed does nothing.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.exited || h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	h.log.V(1).Info("Killing debug adapter process")

	// Unblocks any writer stuck on a full pipe.
	_ = h.stdin.Close()

	if killErr := killGroup(h.cmd); killErr != nil {
		h.log.Error(killErr, "Failed to kill debug adapter process group")
	}

	go h.closeStreamsAfter(killWaitDelay)
}

// closeStreamsAfter closes the stdout and stderr read ends if the pumps are
// still blocked once delay has passed.
func (h *Handle) closeStreamsAfter(delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-h.pumpsDone:
	case <-timer.C:
		h.log.Info("Debug adapter output still open after kill, closing pipes")
		_ = h.stdout.Close()
		_ = h.stderr.Close()
	}
}

// Pid returns the operating system process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done returns a channel that is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns the error that ended it.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode returns the exit code, or UnknownExitCode while the process is running.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Exited reports whether the process has terminated.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Killed reports whether Kill was called before the process exited on its own.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// readFrames decodes stdout into frames until EOF or a malformed header.
func (h *Handle) readFrames(stdout io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	decoder := frame.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			for payload, decodeErr := range decoder.Feed(buf[:n]) {
				if decodeErr != nil {
					h.log.Error(decodeErr, "Malformed frame from debug adapter")
					h.mu.Lock()
					h.streamErr = decodeErr
					h.mu.Unlock()
					h.Kill()
					// Keep the pipe drained so the process can be reaped.
					_, _ = io.Copy(io.Discard, stdout)
					return
				}
				if h.handlers.OnFrame != nil {
					h.handlers.OnFrame(payload)
				}
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) {
				h.log.V(1).Info("Debug adapter stdout read failed", "error", readErr)
			}
			if pending := decoder.Buffered(); pending > 0 {
				h.log.V(1).Info("Debug adapter stdout closed mid-frame", "pendingBytes", pending)
			}
			return
		}
	}
}

// readStderr forwards stderr chunks until EOF. A multi-byte character split
// across reads is held back and delivered with the following chunk.
func (h *Handle) readStderr(stderr io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, readErr := stderr.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(pending)+n)
			data = append(data, pending...)
			data = append(data, buf[:n]...)

			var chunk []byte
			chunk, pending = splitIncompleteRune(data)
			if len(chunk) > 0 && h.handlers.OnStderr != nil {
				h.handlers.OnStderr(chunk)
			}
		}
		if readErr != nil {
			if len(pending) > 0 && h.handlers.OnStderr != nil {
				h.handlers.OnStderr(pending)
			}
			return
		}
	}
}

// splitIncompleteRune splits b before a trailing UTF-8 sequence that needs more
// bytes. Invalid bytes count as complete.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

// wait reaps the process once both output pumps are finished, then reports the exit.
func (h *Handle) wait(pumps *sync.WaitGroup) {
	pumps.Wait()
	close(h.pumpsDone)
	waitErr := h.cmd.Wait()

	exitCode := UnknownExitCode
	if h.cmd.ProcessState != nil {
		exitCode = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.exited = true
	h.exitCode = exitCode
	h.exitErr = waitErr
	if h.streamErr != nil {
		h.exitErr = h.streamErr
	}
	exitErr := h.exitErr
	killed := h.killed
	h.mu.Unlock()

	close(h.done)

	if exitErr != nil && !killed {
		h.log.V(1).Info("Debug adapter process exited with error", "exitCode", exitCode, "error", exitErr)
	} else {
		h.log.V(1).Info("Debug adapter process exited", "exitCode", exitCode, "killed", killed)
	}

	if h.handlers.OnExit != nil {
		h.handlers.OnExit(exitCode, exitErr)
	}
}
