// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package satellite

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/naming"
)

// Handler executes a user command. Arguments arrive as strings; the
// handler converts them and returns the result as a string, which
// becomes the SUCCESS payload. A returned error is reported to the
// controller as INVALID.
type Handler func(args []string) (string, error)

// Command describes one registered user command.
type Command struct {
	Name        string
	Description string
	Arity       int
	ValidStates []cscp.State
	handler     Handler
}

// DescribeFull returns the description extended with the argument
// count and the states the command may be called in, as reported by
// get_commands.
func (c Command) DescribeFull() string {
	var builder strings.Builder
	builder.WriteString(c.Description)
	fmt.Fprintf(&builder, " This command requires %d arguments.", c.Arity)
	labels := make([]string, len(c.ValidStates))
	for i, state := range c.ValidStates {
		labels[i] = state.String()
	}
	fmt.Fprintf(&builder, " This command can only be called in the following states: %s.", strings.Join(labels, ", "))
	return builder.String()
}

// DispatchError carries the CSCP reply kind for a failed command
// dispatch: UNKNOWN for an unregistered name, INVALID for a state or
// argument violation, INCOMPLETE for an arity mismatch.
type DispatchError struct {
	Kind    cscp.Kind
	Message string
}

func (e *DispatchError) Error() string { return e.Message }

// Registry holds the user commands of a satellite. Names are unique
// and matched case-insensitively on dispatch.
type Registry struct {
	mu       sync.Mutex
	commands map[string]Command
}

// NewRegistry returns an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Add registers a command. Registration fails for an empty name, a
// nil handler, a negative arity, no valid states, or a name that is
// already registered; these are programmer errors surfaced at
// registration time.
func (r *Registry) Add(name, description string, validStates []cscp.State, arity int, handler Handler) error {
	if name == "" {
		return fmt.Errorf("cannot register command with empty name")
	}
	if handler == nil {
		return fmt.Errorf("cannot register command %q with nil handler", name)
	}
	if arity < 0 {
		return fmt.Errorf("cannot register command %q with negative arity", name)
	}
	if len(validStates) == 0 {
		return fmt.Errorf("cannot register command %q without valid states", name)
	}

	key := naming.Fold(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[key]; exists {
		return fmt.Errorf("command %q is already registered", name)
	}
	r.commands[key] = Command{
		Name:        name,
		Description: description,
		Arity:       arity,
		ValidStates: validStates,
		handler:     handler,
	}
	return nil
}

// Call dispatches a command by name. Returns the handler result, or a
// *DispatchError classifying the failure.
func (r *Registry) Call(current cscp.State, name string, args []string) (string, error) {
	r.mu.Lock()
	command, known := r.commands[naming.Fold(name)]
	r.mu.Unlock()

	if !known {
		return "", &DispatchError{
			Kind:    cscp.KindUnknown,
			Message: fmt.Sprintf("command %q is not registered", name),
		}
	}

	validHere := false
	for _, state := range command.ValidStates {
		if state == current {
			validHere = true
			break
		}
	}
	if !validHere {
		return "", &DispatchError{
			Kind:    cscp.KindInvalid,
			Message: fmt.Sprintf("command %q cannot be called in state %s", name, current),
		}
	}

	if len(args) != command.Arity {
		return "", &DispatchError{
			Kind:    cscp.KindIncomplete,
			Message: fmt.Sprintf("command %q requires %d arguments, got %d", name, command.Arity, len(args)),
		}
	}

	result, err := command.handler(args)
	if err != nil {
		return "", &DispatchError{
			Kind:    cscp.KindInvalid,
			Message: fmt.Sprintf("command %q failed: %v", name, err),
		}
	}
	return result, nil
}

// Describe returns the registered commands with their full
// descriptions, keyed by the registered name spelling.
func (r *Registry) Describe() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	described := make(map[string]string, len(r.commands))
	for _, command := range r.commands {
		described[command.Name] = command.DescribeFull()
	}
	return described
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.commands))
	for _, command := range r.commands {
		names = append(names, command.Name)
	}
	sort.Strings(names)
	return names
}
