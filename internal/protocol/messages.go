// Package protocol holds the few message shapes the relay itself reads or
// writes. Everything else passes through as opaque bytes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-dap"
)

// Message type values. Request, response and event are the adapter protocol's
// own types; diagnostic is relay-generated and never appears in a frame stream.
const (
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypeEvent      = "event"
	TypeDiagnostic = "diagnostic"
)

// BootstrapCommand is the command of the first request a client must send.
const BootstrapCommand = "initialize"

// DiagnosticSourceStderr marks diagnostics carrying adapter stderr output.
const DiagnosticSourceStderr = "stderr"

// Error ids carried in failure responses.
const (
	ErrorIDNotBootstrap      = 1001
	ErrorIDUnsupportedTarget = 1002
	ErrorIDSpawnFailure      = 1003
)

// ErrNotBootstrap is wrapped by every BootstrapError.
var ErrNotBootstrap = errors.New("first message is not an initialize request")

// BootstrapError describes why a first client message was rejected. Seq and
// Command are filled in when they could be read from the message.
type BootstrapError struct {
	Seq     int
	HasSeq  bool
	Command string
	Reason  string
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotBootstrap, e.Reason)
}

func (e *BootstrapError) Unwrap() error {
	return ErrNotBootstrap
}

// Bootstrap is a parsed initialize request.
type Bootstrap struct {
	Seq       int
	AdapterID string
	Arguments dap.InitializeRequestArguments
}

type bootstrapProbe struct {
	Seq       *int            `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseBootstrap checks that payload is an initialize request declaring an
// adapterID. Failures are returned as *BootstrapError.
func ParseBootstrap(payload []byte) (*Bootstrap, error) {
	var probe bootstrapProbe
	if unmarshalErr := json.Unmarshal(payload, &probe); unmarshalErr != nil {
		return nil, &BootstrapError{Reason: fmt.Sprintf("invalid JSON: %v", unmarshalErr)}
	}

	bootErr := &BootstrapError{Command: probe.Command}
	if probe.Seq != nil {
		bootErr.Seq = *probe.Seq
		bootErr.HasSeq = true
	}

	if probe.Type != TypeRequest {
		bootErr.Reason = fmt.Sprintf("message type is %q, expected %q", probe.Type, TypeRequest)
		return nil, bootErr
	}
	if probe.Command != BootstrapCommand {
		bootErr.Reason = fmt.Sprintf("command is %q, expected %q", probe.Command, BootstrapCommand)
		return nil, bootErr
	}
	if probe.Seq == nil {
		bootErr.Reason = "request has no seq"
		return nil, bootErr
	}

	var args dap.InitializeRequestArguments
	if len(probe.Arguments) > 0 {
		if argsErr := json.Unmarshal(probe.Arguments, &args); argsErr != nil {
			bootErr.Reason = fmt.Sprintf("invalid arguments: %v", argsErr)
			return nil, bootErr
		}
	}
	if args.AdapterID == "" {
		bootErr.Reason = "arguments.adapterID is missing"
		return nil, bootErr
	}

	return &Bootstrap{
		Seq:       *probe.Seq,
		AdapterID: args.AdapterID,
		Arguments: args,
	}, nil
}

// NewFailureResponse builds an error response to the request with the given seq.
func NewFailureResponse(requestSeq int, command string, errorID int, message string) []byte {
	if command == "" {
		command = BootstrapCommand
	}
	resp := &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: 0, Type: TypeResponse},
			Command:         command,
			RequestSeq:      requestSeq,
			Success:         false,
			Message:         message,
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       errorID,
				Format:   message,
				ShowUser: true,
			},
		},
	}

	// Marshalling a struct of strings and ints cannot fail.
	data, _ := json.Marshal(resp)
	return data
}

// Diagnostic carries adapter stderr output to the client.
type Diagnostic struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	SessionID string `json:"sessionId"`
	Output    string `json:"output"`
	Timestamp int64  `json:"timestamp"`
}

// NewDiagnostic wraps a stderr chunk for the given session. Invalid UTF-8 in
// output is replaced with U+FFFD; the process handle never splits a character
// across chunks.
func NewDiagnostic(sessionID string, output []byte) []byte {
	data, _ := json.Marshal(&Diagnostic{
		Type:      TypeDiagnostic,
		Source:    DiagnosticSourceStderr,
		SessionID: sessionID,
		Output:    string(output),
		Timestamp: time.Now().UnixMilli(),
	})
	return data
}
