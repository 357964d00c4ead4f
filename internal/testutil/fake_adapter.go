// Package testutil contains helpers shared by the relay's tests, most notably a
// fake debug adapter that runs inside the test binary itself.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/adapter"
	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/frame"
)

// FakeAdapterEnv selects the fake adapter behavior when the test binary is re-executed.
const FakeAdapterEnv = "DEBUGRELAY_FAKE_ADAPTER"

// Fake adapter behaviors.
const (
	// ModeEcho writes every received frame back unchanged.
	ModeEcho = "echo"

	// ModeAck answers every request with a successful response.
	ModeAck = "ack"

	// ModeCrash exits with status 3 without reading anything.
	ModeCrash = "crash"

	// ModeGarbage writes a malformed frame header and then blocks.
	ModeGarbage = "garbage"

	// ModeTerminate answers the first request, sends a terminated event and exits 0.
	ModeTerminate = "terminate"

	// ModeStderr writes a line to stderr for every received frame, then echoes it.
	ModeStderr = "stderr"

	// ModeHang ignores stdin and blocks until killed.
	ModeHang = "hang"
)

// FakeAdapterCommand returns a command that re-executes the current test binary
// as a fake debug adapter. The calling package must invoke MaybeRunFakeAdapter
// from its TestMain.
func FakeAdapterCommand(t testing.TB, debugType, mode string) adapter.Command {
	t.Helper()
	exe, exeErr := os.Executable()
	if exeErr != nil {
		t.Fatalf("failed to locate test binary: %v", exeErr)
	}
	return adapter.Command{
		Type: debugType,
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  []string{FakeAdapterEnv + "=" + mode},
	}
}

// MaybeRunFakeAdapter turns the process into a fake debug adapter when
// FakeAdapterEnv is set. It never returns in that case.
func MaybeRunFakeAdapter() {
	mode, found := os.LookupEnv(FakeAdapterEnv)
	if !found {
		return
	}
	os.Exit(runFakeAdapter(mode, os.Stdin, os.Stdout, os.Stderr))
}

func runFakeAdapter(mode string, in io.Reader, out io.Writer, errOut io.Writer) int {
	switch mode {
	case ModeCrash:
		fmt.Fprintln(errOut, "fake adapter crashing")
		return 3
	case ModeGarbage:
		_, _ = out.Write([]byte("Content-Length: bogus\r\n\r\n{}"))
		time.Sleep(time.Hour)
		return 0
	case ModeHang:
		time.Sleep(time.Hour)
		return 0
	}

	decoder := frame.NewDecoder()
	buf := make([]byte, 4096)
	seq := 0
	for {
		n, readErr := in.Read(buf)
		for payload, decodeErr := range decoder.Feed(buf[:n]) {
			if decodeErr != nil {
				fmt.Fprintf(errOut, "fake adapter decode error: %v\n", decodeErr)
				return 2
			}

			switch mode {
			case ModeAck, ModeTerminate:
				seq++
				_, _ = out.Write(frame.Encode(ackFor(payload, seq)))
				if mode == ModeTerminate {
					seq++
					terminated, _ := json.Marshal(&dap.TerminatedEvent{
						Event: dap.Event{
							ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
							Event:           "terminated",
						},
					})
					_, _ = out.Write(frame.Encode(terminated))
					return 0
				}
			case ModeStderr:
				fmt.Fprintf(errOut, "received %d bytes\n", len(payload))
				_, _ = out.Write(frame.Encode(payload))
			default:
				_, _ = out.Write(frame.Encode(payload))
			}
		}
		if readErr != nil {
			return 0
		}
	}
}

func ackFor(payload []byte, seq int) []byte {
	var req dap.Request
	_ = json.Unmarshal(payload, &req)
	resp, _ := json.Marshal(&dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
	})
	return resp
}
