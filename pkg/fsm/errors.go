package fsm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTransition matches any NoTransitionError via errors.Is.
	ErrNoTransition = errors.New("no transition")

	// ErrConfiguration matches any ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("invalid state machine configuration")
)

// NoTransitionError reports a (state, event) pair with no registered edge.
// Fields are rendered strings so callers can inspect the error with
// errors.As without knowing the machine's type parameters.
type NoTransitionError struct {
	Kind        string   `json:"kind"`
	From        string   `json:"from"`
	Event       string   `json:"event"`
	ValidEvents []string `json:"valid_events"`
}

// Error implements the error interface.
func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s via %s; valid events: [%s]",
		e.Kind, e.From, e.Event, strings.Join(e.ValidEvents, " "))
}

// Is reports whether target is ErrNoTransition.
func (e *NoTransitionError) Is(target error) bool {
	return target == ErrNoTransition
}

// ConfigurationError reports a (state, event) pair registered with two
// different targets.
type ConfigurationError struct {
	Kind        string `json:"kind"`
	From        string `json:"from"`
	Event       string `json:"event"`
	Existing    string `json:"existing"`
	Conflicting string `json:"conflicting"`
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s state machine: %s via %s already leads to %s, cannot also lead to %s",
		e.Kind, e.From, e.Event, e.Existing, e.Conflicting)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// stateName renders a state for error messages, naming the wildcard state.
func stateName[S comparable](s S) string {
	var zero S
	if s == zero {
		return "<initial>"
	}
	return fmt.Sprint(s)
}
