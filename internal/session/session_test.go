package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/adapter"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/frame"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/process"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/protocol"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "awaiting-bootstrap", StateAwaitingBootstrap.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestSession_RelaysInOrder(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	spawner := &fakeSpawner{}
	journal := &fakeJournal{}
	s := New("s1", client, Config{
		Resolver: nodeResolver(t),
		Spawn:    spawner.spawn,
		Journal:  journal,
		Logger:   logr.Discard(),
	})
	assert.Equal(t, StateAwaitingBootstrap, s.State())
	assert.Zero(t, s.Pid())

	result := runSession(context.Background(), s)

	bootstrap := initializeRequest(1, "node")
	client.send(bootstrap)
	client.send(`{"seq":2,"type":"request","command":"launch"}`)
	client.send(`{"seq":3,"type":"request","command":"configurationDone"}`)

	proc := spawner.waitProcess(t)
	got := proc.waitFrames(t, 3)
	assert.Equal(t, []string{
		bootstrap,
		`{"seq":2,"type":"request","command":"launch"}`,
		`{"seq":3,"type":"request","command":"configurationDone"}`,
	}, got, "the bootstrap message must be the first frame and order must be kept")

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 4242, s.Pid())
	assert.Equal(t, "node", s.DebugType())

	// Adapter to client, including stderr as a diagnostic.
	proc.handlers.OnFrame([]byte(`{"seq":1,"type":"response","request_seq":1,"success":true,"command":"initialize"}`))
	proc.handlers.OnStderr([]byte("adapter warming up\n"))
	proc.handlers.OnFrame([]byte(`{"seq":2,"type":"event","event":"initialized"}`))

	assert.Equal(t, `{"seq":1,"type":"response","request_seq":1,"success":true,"command":"initialize"}`, string(client.next(t)))

	var diag protocol.Diagnostic
	require.NoError(t, json.Unmarshal(client.next(t), &diag))
	assert.Equal(t, protocol.TypeDiagnostic, diag.Type)
	assert.Equal(t, "s1", diag.SessionID)
	assert.Equal(t, "adapter warming up\n", diag.Output)

	assert.Equal(t, `{"seq":2,"type":"event","event":"initialized"}`, string(client.next(t)))

	client.hangup()
	require.NoError(t, waitRun(t, result))

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonClientDisconnected, s.CloseReason())
	assert.Equal(t, int32(1), proc.kills.Load())
	assert.Equal(t, int32(1), client.closeCalls.Load())

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, []string{"s1"}, journal.opened)
	assert.Equal(t, []string{"s1/node"}, journal.spawned)
	require.Len(t, journal.summaries, 1)
	assert.Equal(t, ReasonClientDisconnected, journal.summaries[0].Reason)
}

func TestSession_RejectsNonBootstrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		first       string
		wantReply   bool
		wantSeq     int
		wantCommand string
	}{
		{
			name:  "garbage",
			first: `not json at all`,
		},
		{
			name:        "launch before initialize",
			first:       `{"seq":5,"type":"request","command":"launch","arguments":{}}`,
			wantReply:   true,
			wantSeq:     5,
			wantCommand: "launch",
		},
		{
			name:        "initialize without adapterID",
			first:       `{"seq":1,"type":"request","command":"initialize","arguments":{"clientID":"x"}}`,
			wantReply:   true,
			wantSeq:     1,
			wantCommand: "initialize",
		},
		{
			name:        "event",
			first:       `{"seq":8,"type":"event","event":"output"}`,
			wantReply:   true,
			wantSeq:     8,
			wantCommand: "initialize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeClient()
			spawner := &fakeSpawner{}
			s := New("reject", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn})

			result := runSession(context.Background(), s)
			client.send(tt.first)

			runErr := waitRun(t, result)
			assert.ErrorIs(t, runErr, ErrNotBootstrap)
			assert.Equal(t, StateClosed, s.State())
			assert.Equal(t, ReasonBootstrapRejected, s.CloseReason())
			assert.Zero(t, spawner.count(), "a rejected session must never spawn")
			client.waitClosed(t)

			if !tt.wantReply {
				assert.Empty(t, client.outbound)
				return
			}

			var resp dap.ErrorResponse
			require.NoError(t, json.Unmarshal(client.next(t), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantSeq, resp.RequestSeq)
			assert.Equal(t, tt.wantCommand, resp.Command)
			require.NotNil(t, resp.Body.Error)
			assert.Equal(t, protocol.ErrorIDNotBootstrap, resp.Body.Error.Id)
			assert.Empty(t, client.outbound, "exactly one failure response")
		})
	}
}

func TestSession_UnsupportedTarget(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	spawner := &fakeSpawner{}
	s := New("s2", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn})

	result := runSession(context.Background(), s)
	client.send(initializeRequest(11, "unknown-type"))

	runErr := waitRun(t, result)
	var unsupported *adapter.UnsupportedTargetError
	require.ErrorAs(t, runErr, &unsupported)
	assert.Equal(t, "unknown-type", unsupported.Type)
	assert.Equal(t, ReasonUnsupportedTarget, s.CloseReason())
	assert.Zero(t, spawner.count())

	var resp dap.ErrorResponse
	require.NoError(t, json.Unmarshal(client.next(t), &resp))
	assert.Equal(t, 11, resp.RequestSeq)
	assert.Equal(t, "initialize", resp.Command)
	assert.Equal(t, protocol.ErrorIDUnsupportedTarget, resp.Body.Error.Id)
	assert.Contains(t, resp.Message, "unknown-type")
	assert.Empty(t, client.outbound)
	client.waitClosed(t)
}

func TestSession_SpawnFailure(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	spawner := &fakeSpawner{err: &process.SpawnError{Command: "/usr/bin/fake-node-adapter", Err: errors.New("no such file")}}
	s := New("s3", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn})

	result := runSession(context.Background(), s)
	client.send(initializeRequest(1, "NODE"))

	runErr := waitRun(t, result)
	var spawnErr *process.SpawnError
	require.ErrorAs(t, runErr, &spawnErr)
	assert.Equal(t, ReasonSpawnFailed, s.CloseReason())

	var resp dap.ErrorResponse
	require.NoError(t, json.Unmarshal(client.next(t), &resp))
	assert.Equal(t, 1, resp.RequestSeq)
	assert.Equal(t, protocol.ErrorIDSpawnFailure, resp.Body.Error.Id)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_ProcessExitClosesClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		exitCode   int
		exitErr    error
		wantReason CloseReason
		check      func(t *testing.T, runErr error)
	}{
		{
			name:       "clean exit",
			exitCode:   0,
			wantReason: ReasonProcessExited,
			check: func(t *testing.T, runErr error) {
				assert.NoError(t, runErr)
			},
		},
		{
			name:       "crash",
			exitCode:   3,
			exitErr:    errors.New("exit status 3"),
			wantReason: ReasonProcessExited,
			check: func(t *testing.T, runErr error) {
				var exitErr *UnexpectedExitError
				require.ErrorAs(t, runErr, &exitErr)
				assert.Equal(t, 3, exitErr.ExitCode)
				assert.Equal(t, 4242, exitErr.Pid)
			},
		},
		{
			name:       "malformed output",
			exitCode:   process.UnknownExitCode,
			exitErr:    &frame.DecodeError{Header: "Content-Length: x", Err: errors.New("bad length")},
			wantReason: ReasonProcessIOError,
			check: func(t *testing.T, runErr error) {
				var decodeErr *frame.DecodeError
				assert.ErrorAs(t, runErr, &decodeErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeClient()
			spawner := &fakeSpawner{}
			journal := &fakeJournal{}
			s := New("exit", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn, Journal: journal})

			result := runSession(context.Background(), s)
			client.send(initializeRequest(1, "node"))
			proc := spawner.waitProcess(t)
			proc.waitFrames(t, 1)

			// Output written before the exit is delivered first.
			proc.handlers.OnFrame([]byte(`{"seq":9,"type":"event","event":"terminated"}`))
			proc.handlers.OnExit(tt.exitCode, tt.exitErr)

			assert.Equal(t, `{"seq":9,"type":"event","event":"terminated"}`, string(client.next(t)))
			client.waitClosed(t)

			runErr := waitRun(t, result)
			tt.check(t, runErr)
			assert.Equal(t, tt.wantReason, s.CloseReason())

			journal.mu.Lock()
			defer journal.mu.Unlock()
			require.Len(t, journal.summaries, 1)
			assert.Equal(t, tt.exitCode, journal.summaries[0].ExitCode)
		})
	}
}

func TestSession_WriteFailureCloses(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	writeErr := &process.WriteError{Pid: 4242, Err: process.ErrProcessExited}
	spawner := &fakeSpawner{writeErr: writeErr}
	s := New("s4", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn})

	result := runSession(context.Background(), s)
	client.send(initializeRequest(1, "node"))

	runErr := waitRun(t, result)
	assert.ErrorIs(t, runErr, process.ErrProcessExited)
	assert.Equal(t, ReasonProcessIOError, s.CloseReason())
	assert.Equal(t, int32(1), spawner.process(t).kills.Load())
}

func TestSession_ContextCancelCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	client := newFakeClient()
	spawner := &fakeSpawner{}
	s := New("s5", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn})

	result := runSession(ctx, s)
	client.send(initializeRequest(1, "node"))
	proc := spawner.waitProcess(t)
	proc.waitFrames(t, 1)

	cancel()
	require.NoError(t, waitRun(t, result))
	assert.Equal(t, ReasonShutdown, s.CloseReason())
	assert.Equal(t, int32(1), proc.kills.Load())
}

func TestSession_ExactlyOnceCleanup(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		client := newFakeClient()
		spawner := &fakeSpawner{}
		var closedHooks atomic.Int32
		s := New("race", client, Config{
			Resolver: nodeResolver(t),
			Spawn:    spawner.spawn,
			OnClosed: func(*Session) { closedHooks.Add(1) },
		})

		result := runSession(context.Background(), s)
		client.send(initializeRequest(1, "node"))
		proc := spawner.waitProcess(t)
		proc.waitFrames(t, 1)

		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); client.hangup() }()
		go func() { defer wg.Done(); proc.handlers.OnExit(0, nil) }()
		go func() { defer wg.Done(); s.Close() }()
		go func() { defer wg.Done(); proc.handlers.OnFrame([]byte(`{"seq":1,"type":"event","event":"output"}`)) }()
		wg.Wait()

		waitRun(t, result)
		<-s.Done()

		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, int32(1), proc.kills.Load(), "kill must happen exactly once")
		assert.Equal(t, int32(1), closedHooks.Load(), "deregistration hook must run exactly once")
		assert.Equal(t, int32(1), client.closeCalls.Load())
	}
}

func TestSession_CloseBeforeBootstrap(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	spawner := &fakeSpawner{}
	s := New("idle", client, Config{Resolver: nodeResolver(t), Spawn: spawner.spawn})

	result := runSession(context.Background(), s)
	s.Close()
	s.Close()

	require.NoError(t, waitRun(t, result))
	assert.Equal(t, ReasonShutdown, s.CloseReason())
	assert.Zero(t, spawner.count())
}

func TestSession_ClosedBeforeRunIsNotJournaled(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	journal := &fakeJournal{}
	s := New("early", client, Config{Resolver: nodeResolver(t), Spawn: (&fakeSpawner{}).spawn, Journal: journal})

	s.Close()
	require.NoError(t, waitRun(t, runSession(context.Background(), s)))

	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, journal.order())
}

func TestSession_JournalOpenedBeforeClosed(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	journal := &fakeJournal{}
	s := New("ordered", client, Config{Resolver: nodeResolver(t), Spawn: (&fakeSpawner{}).spawn, Journal: journal})

	result := runSession(context.Background(), s)
	require.Eventually(t, func() bool {
		return len(journal.order()) == 1
	}, waitTimeout, 10*time.Millisecond)
	s.Close()

	require.NoError(t, waitRun(t, result))
	assert.Equal(t, []string{"opened", "closed"}, journal.order())
}

func TestSession_ResolverErrorRejectsBootstrap(t *testing.T) {
	t.Parallel()

	resolveErr := errors.New("adapter table unavailable")
	var requested []string
	resolver := adapter.ResolverFunc(func(debugType string) (adapter.Command, error) {
		requested = append(requested, debugType)
		return adapter.Command{}, resolveErr
	})

	client := newFakeClient()
	spawner := &fakeSpawner{}
	s := New("s4", client, Config{Resolver: resolver, Spawn: spawner.spawn})

	result := runSession(context.Background(), s)
	client.send(initializeRequest(3, "python"))

	require.ErrorIs(t, waitRun(t, result), resolveErr)
	assert.Equal(t, []string{"python"}, requested)
	assert.Equal(t, ReasonUnsupportedTarget, s.CloseReason())
	assert.Equal(t, "python", s.DebugType())
	assert.Zero(t, spawner.count())

	var resp dap.ErrorResponse
	require.NoError(t, json.Unmarshal(client.next(t), &resp))
	assert.Equal(t, 3, resp.RequestSeq)
	assert.Equal(t, protocol.ErrorIDUnsupportedTarget, resp.Body.Error.Id)
	assert.Contains(t, resp.Message, "adapter table unavailable")
}
