// Package session pairs one client connection with at most one debug adapter
// process and relays messages between them.
//
// A Session starts awaiting its bootstrap message: the first client message
// must be an initialize request naming the debug type in arguments.adapterID.
// The type is resolved to an adapter command, the adapter is spawned and the
// bootstrap message becomes its first frame. From then on messages flow in both
// directions unmodified and in order, and adapter stderr is delivered to the
// client as diagnostic messages.
//
// Whatever ends the session first (client disconnect, adapter exit, an I/O
// error or an explicit Close) wins; cleanup runs exactly once.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/adapter"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/frame"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/process"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateAwaitingBootstrap is the initial state; no adapter is running.
	StateAwaitingBootstrap State = iota

	// StateActive means an adapter is running and messages are relayed.
	StateActive

	// StateClosing means teardown has started.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingBootstrap:
		return "awaiting-bootstrap"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records what ended a Session.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonClientDisconnected
	ReasonProcessExited
	ReasonBootstrapRejected
	ReasonUnsupportedTarget
	ReasonSpawnFailed
	ReasonProcessIOError
	ReasonClientIOError
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientDisconnected:
		return "client-disconnected"
	case ReasonProcessExited:
		return "process-exited"
	case ReasonBootstrapRejected:
		return "bootstrap-rejected"
	case ReasonUnsupportedTarget:
		return "unsupported-target"
	case ReasonSpawnFailed:
		return "spawn-failed"
	case ReasonProcessIOError:
		return "process-io-error"
	case ReasonClientIOError:
		return "client-io-error"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ClientConn is a message-oriented client connection. One call to
// ReadMessage returns one protocol message. WriteMessage is never called
// concurrently by a Session.
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Process is the part of a running adapter a Session drives.
type Process interface {
	Write(data []byte) error
	Kill()
	Pid() int
}

// SpawnFunc starts an adapter process. Spawn is the production implementation.
type SpawnFunc func(ctx context.Context, cmd adapter.Command, handlers process.Handlers, log logr.Logger) (Process, error)

// Spawn starts a real adapter process.
func Spawn(ctx context.Context, cmd adapter.Command, handlers process.Handlers, log logr.Logger) (Process, error) {
	h, spawnErr := process.Spawn(ctx, cmd, handlers, log)
	if spawnErr != nil {
		return nil, spawnErr
	}
	return h, nil
}

// Journal records session lifecycle events. Failures are logged and otherwise ignored.
type Journal interface {
	Opened(sessionID string, openedAt time.Time) error
	Spawned(sessionID string, debugType string, command string, pid int) error
	Closed(sessionID string, summary Summary) error
}

// Summary describes how a Session ended.
type Summary struct {
	Reason   CloseReason
	ExitCode int
	Err      error
	ClosedAt time.Time
}

// Config holds the collaborators of a Session.
type Config struct {
	// Resolver maps the bootstrap's debug type to an adapter command. Required.
	Resolver adapter.Resolver

	// Spawn starts adapter processes. Defaults to Spawn.
	Spawn SpawnFunc

	// Journal is optional.
	Journal Journal

	Logger logr.Logger

	// OnClosed is called once, at the end of cleanup.
	OnClosed func(*Session)
}

// Session relays messages between one client and one debug adapter.
type Session struct {
	id        string
	client    ClientConn
	resolver  adapter.Resolver
	spawn     SpawnFunc
	journal   Journal
	onClosed  func(*Session)
	log       logr.Logger
	createdAt time.Time

	// clientWriteMu serializes writes to the client and the final Close.
	clientWriteMu sync.Mutex

	// journalMu orders the Opened and Closed records; opened is guarded by it.
	journalMu sync.Mutex
	opened    bool

	// mu protects the fields below
	mu          sync.Mutex
	state       State
	proc        Process
	debugType   string
	exitCode    int
	closeReason CloseReason
	closeErr    error

	done chan struct{}
}

// New returns a Session in StateAwaitingBootstrap. It takes ownership of client.
func New(id string, client ClientConn, cfg Config) *Session {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = Spawn
	}

	return &Session{
		id:        id,
		client:    client,
		resolver:  cfg.Resolver,
		spawn:     spawn,
		journal:   cfg.Journal,
		onClosed:  cfg.OnClosed,
		log:       log.WithName("session").WithValues("sessionID", id),
		createdAt: time.Now(),
		state:     StateAwaitingBootstrap,
		exitCode:  process.UnknownExitCode,
		done:      make(chan struct{}),
	}
}

// Run reads client messages until the Session closes. It must be called at
// most once. Cancelling ctx closes the Session. The returned error is the
// cause of an abnormal close, nil otherwise.
func (s *Session) Run(ctx context.Context) error {
	s.recordOpened()

	go func() {
		select {
		case <-ctx.Done():
			s.close(ReasonShutdown, nil)
		case <-s.done:
		}
	}()

	for {
		data, readErr := s.client.ReadMessage()
		if readErr != nil {
			s.log.V(1).Info("Client connection ended", "reason", readErr.Error())
			s.close(ReasonClientDisconnected, nil)
			break
		}
		if !s.handleClientMessage(ctx, data) {
			break
		}
	}

	<-s.done
	return s.Err()
}

// Close ends the Session. It is safe to call at any time and more than once.
func (s *Session) Close() {
	s.close(ReasonShutdown, nil)
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the Session was constructed.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Done returns a channel that is closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DebugType returns the debug type declared by the bootstrap message, if any.
func (s *Session) DebugType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debugType
}

// Pid returns the adapter's process id, or 0 when no adapter was spawned.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// CloseReason returns ReasonNone until the Session starts closing.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Err returns the error that closed the Session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) live() bool {
	state := s.State()
	return state == StateAwaitingBootstrap || state == StateActive
}

// handleClientMessage returns false when the read loop should stop.
func (s *Session) handleClientMessage(ctx context.Context, data []byte) bool {
	s.mu.Lock()
	state := s.state
	proc := s.proc
	s.mu.Unlock()

	switch state {
	case StateAwaitingBootstrap:
		return s.bootstrap(ctx, data)
	case StateActive:
		if writeErr := proc.Write(frame.Encode(data)); writeErr != nil {
			s.log.Error(writeErr, "Failed to forward message to debug adapter")
			s.close(ReasonProcessIOError, writeErr)
			return false
		}
		return true
	default:
		return false
	}
}

func (s *Session) bootstrap(ctx context.Context, data []byte) bool {
	boot, parseErr := protocol.ParseBootstrap(data)
	if parseErr != nil {
		s.log.Info("Rejecting session: first message is not a bootstrap request", "reason", parseErr.Error())
		var bootErr *protocol.BootstrapError
		if errors.As(parseErr, &bootErr) && bootErr.HasSeq {
			s.sendFailure(bootErr.Seq, bootErr.Command, protocol.ErrorIDNotBootstrap, parseErr.Error())
		}
		s.close(ReasonBootstrapRejected, parseErr)
		return false
	}

	s.mu.Lock()
	s.debugType = boot.AdapterID
	s.mu.Unlock()

	cmd, resolveErr := s.resolver.Resolve(boot.AdapterID)
	if resolveErr != nil {
		s.log.Info("Rejecting session: no adapter for debug type", "debugType", boot.AdapterID)
		s.sendFailure(boot.Seq, protocol.BootstrapCommand, protocol.ErrorIDUnsupportedTarget, resolveErr.Error())
		s.close(ReasonUnsupportedTarget, resolveErr)
		return false
	}

	proc, spawnErr := s.spawn(ctx, cmd, s.processHandlers(), s.log)
	if spawnErr != nil {
		s.log.Error(spawnErr, "Failed to start debug adapter", "debugType", boot.AdapterID)
		s.sendFailure(boot.Seq, protocol.BootstrapCommand, protocol.ErrorIDSpawnFailure, spawnErr.Error())
		s.close(ReasonSpawnFailed, spawnErr)
		return false
	}

	s.mu.Lock()
	if s.state != StateAwaitingBootstrap {
		// Closed while spawning.
		s.mu.Unlock()
		proc.Kill()
		return false
	}
	s.proc = proc
	s.state = StateActive
	s.mu.Unlock()

	s.log.Info("Debug session active", "debugType", boot.AdapterID, "pid", proc.Pid())
	s.recordSpawned(boot.AdapterID, cmd.String(), proc.Pid())

	if writeErr := proc.Write(frame.Encode(data)); writeErr != nil {
		s.log.Error(writeErr, "Failed to send bootstrap message to debug adapter")
		s.close(ReasonProcessIOError, writeErr)
		return false
	}
	return true
}

func (s *Session) processHandlers() process.Handlers {
	return process.Handlers{
		OnFrame: func(payload []byte) {
			if sendErr := s.sendToClient(payload); sendErr != nil {
				s.closeOnClientError(sendErr)
			}
		},
		OnStderr: func(chunk []byte) {
			s.log.V(1).Info("Debug adapter stderr", "output", string(chunk))
			if sendErr := s.sendToClient(protocol.NewDiagnostic(s.id, chunk)); sendErr != nil {
				s.closeOnClientError(sendErr)
			}
		},
		OnExit: s.handleProcessExit,
	}
}

func (s *Session) handleProcessExit(exitCode int, exitErr error) {
	s.mu.Lock()
	s.exitCode = exitCode
	pid := 0
	if s.proc != nil {
		pid = s.proc.Pid()
	}
	s.mu.Unlock()

	var decodeErr *frame.DecodeError
	switch {
	case errors.As(exitErr, &decodeErr):
		s.close(ReasonProcessIOError, exitErr)
	case exitCode != 0:
		s.close(ReasonProcessExited, &UnexpectedExitError{Pid: pid, ExitCode: exitCode, Err: exitErr})
	default:
		s.close(ReasonProcessExited, nil)
	}
}

func (s *Session) closeOnClientError(sendErr error) {
	if errors.Is(sendErr, errSessionClosed) {
		return
	}
	s.log.Error(sendErr, "Failed to write to client")
	s.close(ReasonClientIOError, sendErr)
}

var errSessionClosed = errors.New("session is closed")

// sendToClient writes one message to the client unless the Session is closing.
func (s *Session) sendToClient(data []byte) error {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()

	s.mu.Lock()
	closing := s.state == StateClosing || s.state == StateClosed
	s.mu.Unlock()
	if closing {
		return errSessionClosed
	}

	return s.client.WriteMessage(data)
}

func (s *Session) sendFailure(requestSeq int, command string, errorID int, message string) {
	if sendErr := s.sendToClient(protocol.NewFailureResponse(requestSeq, command, errorID, message)); sendErr != nil {
		s.log.V(1).Info("Could not deliver failure response", "error", sendErr.Error())
	}
}

// close tears the Session down. Only the first call has any effect.
func (s *Session) close(reason CloseReason, cause error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeReason = reason
	s.closeErr = cause
	proc := s.proc
	s.mu.Unlock()

	if cause != nil {
		s.log.Info("Closing debug session", "reason", reason.String(), "error", cause.Error())
	} else {
		s.log.Info("Closing debug session", "reason", reason.String())
	}

	if proc != nil {
		proc.Kill()
	}

	s.clientWriteMu.Lock()
	if closeErr := s.client.Close(); closeErr != nil {
		s.log.V(1).Info("Error closing client connection", "error", closeErr.Error())
	}
	s.clientWriteMu.Unlock()

	s.mu.Lock()
	s.state = StateClosed
	exitCode := s.exitCode
	s.mu.Unlock()

	s.recordClosed(Summary{
		Reason:   reason,
		ExitCode: exitCode,
		Err:      cause,
		ClosedAt: time.Now(),
	})

	if s.onClosed != nil {
		s.onClosed(s)
	}

	close(s.done)
}

// recordOpened is skipped for a Session that was closed before Run started,
// so the journal never holds an open row without a matching close.
func (s *Session) recordOpened() {
	if s.journal == nil {
		return
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.State() != StateAwaitingBootstrap {
		return
	}
	if journalErr := s.journal.Opened(s.id, s.createdAt); journalErr != nil {
		s.log.Error(journalErr, "Failed to record session open")
		return
	}
	s.opened = true
}

func (s *Session) recordSpawned(debugType, command string, pid int) {
	if s.journal == nil {
		return
	}
	if journalErr := s.journal.Spawned(s.id, debugType, command, pid); journalErr != nil {
		s.log.Error(journalErr, "Failed to record adapter spawn")
	}
}

func (s *Session) recordClosed(summary Summary) {
	if s.journal == nil {
		return
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if !s.opened {
		return
	}
	if journalErr := s.journal.Closed(s.id, summary); journalErr != nil {
		s.log.Error(journalErr, "Failed to record session close")
	}
}
