//go:build linux

package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/adapter"
)

// processGone reports whether pid no longer runs. A reaped process has no
// /proc entry; an orphan nobody reaped yet shows up as a zombie.
func processGone(pid int) bool {
	stat, readErr := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if readErr != nil {
		return true
	}
	// The state follows the parenthesised command name.
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestHandle_KillReachesWrapperChildren(t *testing.T) {
	t.Parallel()

	shell, lookErr := exec.LookPath("sh")
	if lookErr != nil {
		t.Skip("sh not available")
	}

	rec := newRecorder()
	h, err := Spawn(context.Background(), adapter.Command{
		Type: "wrapped",
		Path: shell,
		Args: []string{"-c", "sleep 60 & echo $! >&2; wait"},
	}, rec.handlers(), logr.Discard())
	require.NoError(t, err)

	var childPid int
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		out := strings.TrimSpace(string(rec.stderr))
		rec.mu.Unlock()
		pid, convErr := strconv.Atoi(out)
		if convErr != nil {
			return false
		}
		childPid = pid
		return true
	}, waitTimeout, 10*time.Millisecond)

	start := time.Now()
	h.Kill()

	select {
	case <-rec.exited:
	case <-time.After(killWaitDelay + 3*time.Second):
		t.Fatal("exit was not reported after kill")
	}
	assert.Less(t, time.Since(start), killWaitDelay+3*time.Second)
	assert.Equal(t, UnknownExitCode, h.ExitCode())

	require.Eventually(t, func() bool {
		return processGone(childPid)
	}, waitTimeout, 20*time.Millisecond, "background child %d outlived the kill", childPid)
}
