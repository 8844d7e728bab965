// Package fsm provides a generic, table-driven finite state machine used to
// validate lifecycle transitions of cluster entities.
//
// # Overview
//
// A Machine is parameterized by a state type and an event type and is tagged
// with the kind of entity it governs (for example "Host" or "Job"). Legal
// transitions are registered up front through a Builder; once built, a
// Machine is immutable and safe for concurrent use by any number of readers.
//
//	m, err := fsm.NewBuilder[Status, Event]("Host").
//	    Add(fsm.Initial[Status](), AgentConnected, Connecting).
//	    Add(Connecting, Ready, Up).
//	    Build()
//
// # Initial State
//
// The zero value of the state type is the wildcard "unset" state. Edges
// registered from it describe what an entity with no recorded state may do.
//
// # Errors
//
// Registering two different targets for one (state, event) pair yields a
// ConfigurationError from Build. Looking up a pair that was never
// registered yields a NoTransitionError, which lists the events the current
// state does accept. A registered self-loop is a valid transition and is
// never reported as an error.
package fsm
