package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/session"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", ""))
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAdaptersCommand(t *testing.T) {
	path := writeConfig(t, `
adapters:
  python:
    command: python3
    args: ["-m", "debugpy.adapter"]
  node:
    command: /usr/bin/node
    args: ["dapDebugServer.js"]
    env:
      NODE_TOKEN: secret
`)

	out, err := execute(t, "adapters", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "node")
	assert.Contains(t, out, "/usr/bin/node dapDebugServer.js")
	assert.Contains(t, out, "python3 -m debugpy.adapter")
	assert.Contains(t, out, "NODE_TOKEN")
	assert.NotContains(t, out, "secret", "env values are not printed")
}

func TestAdaptersCommand_Empty(t *testing.T) {
	out, err := execute(t, "adapters", "--config", writeConfig(t, "listen: \":1\"\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "No debug adapters configured.")
}

func TestAdaptersCommand_InvalidConfig(t *testing.T) {
	_, err := execute(t, "adapters", "--config", writeConfig(t, "adapters:\n  go:\n    args: [dap]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSessionsCommand(t *testing.T) {
	dataDir := t.TempDir()
	store, err := storage.OpenInDir(dataDir, storage.Options{})
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, store.Opened("s1", start))
	require.NoError(t, store.Spawned("s1", "node", "node dapDebugServer.js", 1234))
	require.NoError(t, store.Closed("s1", session.Summary{
		Reason:   session.ReasonClientDisconnected,
		ExitCode: -1,
		ClosedAt: start.Add(1500 * time.Millisecond),
	}))
	require.NoError(t, store.Opened("s2", time.Now()))
	require.NoError(t, store.Close())

	out, err := execute(t, "sessions", "--config", writeConfig(t, ""), "--data-dir", dataDir, "--limit", "5")
	require.NoError(t, err)

	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "1234")
	assert.Contains(t, out, "client-disconnected")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "s2")
	assert.Contains(t, out, "running")
}

func TestSessionsCommand_Empty(t *testing.T) {
	out, err := execute(t, "sessions", "--config", writeConfig(t, ""), "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions recorded.")
}
