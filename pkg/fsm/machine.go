package fsm

import (
	"errors"
	"fmt"
)

// Transition is one registered edge of a state machine.
type Transition[S, E comparable] struct {
	From  S `json:"from"`
	Event E `json:"event"`
	To    S `json:"to"`
}

// Initial returns the wildcard state for S, which is its zero value.
func Initial[S comparable]() S {
	var zero S
	return zero
}

// Builder accumulates transitions and produces an immutable Machine.
// A Builder is not safe for concurrent use; it is meant to be driven from a
// single goroutine during process start.
type Builder[S, E comparable] struct {
	kind  string
	edges []Transition[S, E]
	index map[S]map[E]int
	errs  []error
}

// NewBuilder creates a builder for a machine governing the given entity kind.
func NewBuilder[S, E comparable](kind string) *Builder[S, E] {
	return &Builder[S, E]{
		kind:  kind,
		index: make(map[S]map[E]int),
	}
}

// Add registers the edge from --event--> to. Registering an identical edge
// twice is harmless; registering a different target for an existing
// (from, event) pair is recorded as a ConfigurationError and reported by Build.
func (b *Builder[S, E]) Add(from S, event E, to S) *Builder[S, E] {
	events, ok := b.index[from]
	if !ok {
		events = make(map[E]int)
		b.index[from] = events
	}

	if i, exists := events[event]; exists {
		if existing := b.edges[i].To; existing != to {
			b.errs = append(b.errs, &ConfigurationError{
				Kind:        b.kind,
				From:        stateName(from),
				Event:       fmt.Sprint(event),
				Existing:    stateName(existing),
				Conflicting: stateName(to),
			})
		}
		return b
	}

	events[event] = len(b.edges)
	b.edges = append(b.edges, Transition[S, E]{From: from, Event: event, To: to})
	return b
}

// Build validates the registered table and returns the machine.
func (b *Builder[S, E]) Build() (*Machine[S, E], error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	m := &Machine[S, E]{
		kind:    b.kind,
		edges:   make([]Transition[S, E], len(b.edges)),
		next:    make(map[S]map[E]S, len(b.index)),
		reverse: make(map[S]map[E][]S),
		events:  make(map[S][]E, len(b.index)),
	}
	copy(m.edges, b.edges)

	seen := make(map[S]bool)
	for _, t := range m.edges {
		if _, ok := m.next[t.From]; !ok {
			m.next[t.From] = make(map[E]S)
		}
		m.next[t.From][t.Event] = t.To
		m.events[t.From] = append(m.events[t.From], t.Event)

		if _, ok := m.reverse[t.To]; !ok {
			m.reverse[t.To] = make(map[E][]S)
		}
		m.reverse[t.To][t.Event] = append(m.reverse[t.To][t.Event], t.From)

		for _, s := range []S{t.From, t.To} {
			if s != Initial[S]() && !seen[s] {
				seen[s] = true
				m.states = append(m.states, s)
			}
		}
	}

	return m, nil
}

// MustBuild is like Build but panics on a configuration error. It is meant
// for tables compiled into the binary, where a conflict is a programming bug.
func (b *Builder[S, E]) MustBuild() *Machine[S, E] {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// Machine is an immutable transition table. All methods are safe for
// concurrent use.
type Machine[S, E comparable] struct {
	kind    string
	edges   []Transition[S, E]
	next    map[S]map[E]S
	reverse map[S]map[E][]S
	events  map[S][]E
	states  []S
}

// Kind returns the entity kind governed by the machine.
func (m *Machine[S, E]) Kind() string {
	return m.kind
}

// NextState returns the state reached from current via event. It fails with
// a *NoTransitionError when the pair is not registered.
func (m *Machine[S, E]) NextState(current S, event E) (S, error) {
	if to, ok := m.next[current][event]; ok {
		return to, nil
	}

	valid := m.events[current]
	names := make([]string, len(valid))
	for i, e := range valid {
		names[i] = fmt.Sprint(e)
	}

	var zero S
	return zero, &NoTransitionError{
		Kind:        m.kind,
		From:        stateName(current),
		Event:       fmt.Sprint(event),
		ValidEvents: names,
	}
}

// Accepts reports whether event is legal from current.
func (m *Machine[S, E]) Accepts(current S, event E) bool {
	_, ok := m.next[current][event]
	return ok
}

// FromStates returns every state with an edge reaching target via event, in
// registration order. The wildcard state is included when it has such an
// edge.
func (m *Machine[S, E]) FromStates(target S, event E) []S {
	from := m.reverse[target][event]
	out := make([]S, len(from))
	copy(out, from)
	return out
}

// PossibleEvents returns the events with at least one edge leaving state, in
// registration order.
func (m *Machine[S, E]) PossibleEvents(state S) []E {
	events := m.events[state]
	out := make([]E, len(events))
	copy(out, events)
	return out
}

// IsTerminal reports whether no edge leaves state.
func (m *Machine[S, E]) IsTerminal(state S) bool {
	return len(m.events[state]) == 0
}

// States returns every non-wildcard state mentioned by the table, in order of
// first appearance.
func (m *Machine[S, E]) States() []S {
	out := make([]S, len(m.states))
	copy(out, m.states)
	return out
}

// Transitions returns the full table in registration order.
func (m *Machine[S, E]) Transitions() []Transition[S, E] {
	out := make([]Transition[S, E], len(m.edges))
	copy(out, m.edges)
	return out
}
