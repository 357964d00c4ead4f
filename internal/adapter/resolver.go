// Package adapter resolves a declared debug type to the debug adapter executable
// that serves it.
package adapter

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrEmptyCommand is returned when an adapter entry has no executable.
var ErrEmptyCommand = errors.New("adapter command is empty")

// Command describes how to launch a debug adapter.
type Command struct {
	// Type is the debug type this command serves (e.g. "node", "python").
	Type string

	// Path is the executable, looked up in PATH when it has no separator.
	Path string

	// Args are passed to the executable after Path.
	Args []string

	// Env holds KEY=VALUE entries layered over the relay's own environment.
	Env []string

	// Dir is the working directory. Empty means the relay's working directory.
	Dir string
}

// Environ returns the full environment for the adapter process.
func (c Command) Environ() []string {
	env := os.Environ()
	return append(env, c.Env...)
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// UnsupportedTargetError is returned when no adapter is configured for a debug type.
type UnsupportedTargetError struct {
	Type string
}

func (e *UnsupportedTargetError) Error() string {
	if e.Type == "" {
		return "no debug type declared"
	}
	return fmt.Sprintf("unsupported debug type %q", e.Type)
}

// Resolver maps a debug type to the command that launches its adapter.
type Resolver interface {
	Resolve(debugType string) (Command, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(debugType string) (Command, error)

func (f ResolverFunc) Resolve(debugType string) (Command, error) {
	return f(debugType)
}

// StaticResolver resolves debug types from a fixed table. Lookups are
// case-insensitive and ignore surrounding whitespace.
type StaticResolver struct {
	commands map[string]Command
}

// NewStaticResolver builds a resolver from the given commands. Each command's
// Type is its key.
func NewStaticResolver(commands ...Command) (*StaticResolver, error) {
	r := &StaticResolver{commands: make(map[string]Command, len(commands))}
	for _, cmd := range commands {
		key := normalizeType(cmd.Type)
		if key == "" {
			return nil, fmt.Errorf("adapter entry for %q: debug type is empty", cmd.Path)
		}
		if strings.TrimSpace(cmd.Path) == "" {
			return nil, fmt.Errorf("adapter %q: %w", cmd.Type, ErrEmptyCommand)
		}
		if _, exists := r.commands[key]; exists {
			return nil, fmt.Errorf("adapter %q is configured more than once", cmd.Type)
		}
		r.commands[key] = cmd
	}
	return r, nil
}

func (r *StaticResolver) Resolve(debugType string) (Command, error) {
	cmd, found := r.commands[normalizeType(debugType)]
	if !found {
		return Command{}, &UnsupportedTargetError{Type: debugType}
	}

	// Callers get their own copies of the slices.
	cmd.Args = append([]string(nil), cmd.Args...)
	cmd.Env = append([]string(nil), cmd.Env...)
	return cmd, nil
}

// Types returns the configured debug types, sorted.
func (r *StaticResolver) Types() []string {
	types := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		types = append(types, cmd.Type)
	}
	sort.Strings(types)
	return types
}

func normalizeType(debugType string) string {
	return strings.ToLower(strings.TrimSpace(debugType))
}
