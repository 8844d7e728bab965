package commands

import (
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/fsm"
	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/spf13/cobra"
)

const wildcardState = "*"

// machineView exposes a typed state machine through string arguments.
type machineView struct {
	kind   string
	events func(state string) ([]string, error)
	from   func(target, event string) ([]string, error)
	next   func(state, event string) (string, error)
	table  func() []fsm.Transition[string, string]
}

func newMachineView[S, E ~string](
	m *fsm.Machine[S, E],
	parseState func(string) (S, error),
	parseEvent func(string) (E, error),
) machineView {
	state := func(v string) (S, error) {
		if v == wildcardState {
			return fsm.Initial[S](), nil
		}
		return parseState(v)
	}

	return machineView{
		kind: m.Kind(),
		events: func(v string) ([]string, error) {
			s, err := state(v)
			if err != nil {
				return nil, err
			}
			return names(m.PossibleEvents(s)), nil
		},
		from: func(target, event string) ([]string, error) {
			s, err := state(target)
			if err != nil {
				return nil, err
			}
			e, err := parseEvent(event)
			if err != nil {
				return nil, err
			}
			return names(m.FromStates(s, e)), nil
		},
		next: func(current, event string) (string, error) {
			s, err := state(current)
			if err != nil {
				return "", err
			}
			e, err := parseEvent(event)
			if err != nil {
				return "", err
			}
			to, err := m.NextState(s, e)
			if err != nil {
				return "", err
			}
			return stateLabel(string(to)), nil
		},
		table: func() []fsm.Transition[string, string] {
			edges := m.Transitions()
			out := make([]fsm.Transition[string, string], len(edges))
			for i, t := range edges {
				out[i] = fsm.Transition[string, string]{
					From:  stateLabel(string(t.From)),
					Event: string(t.Event),
					To:    stateLabel(string(t.To)),
				}
			}
			return out
		},
	}
}

func names[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = stateLabel(string(v))
	}
	return out
}

func stateLabel(s string) string {
	if s == "" {
		return wildcardState
	}
	return s
}

func machineFor(kind string) (machineView, error) {
	switch kind {
	case "job":
		m, err := states.NewJobMachine()
		if err != nil {
			return machineView{}, err
		}
		return newMachineView(m, states.ParseJobStatus, states.ParseJobEvent), nil
	case "host":
		m, err := states.NewHostMachine()
		if err != nil {
			return machineView{}, err
		}
		return newMachineView(m, states.ParseHostStatus, states.ParseHostEvent), nil
	default:
		return machineView{}, fmt.Errorf("unknown machine kind %q (want job or host)", kind)
	}
}

func newFSMCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "fsm",
		Short: "Query the job and host state machines",
		Long: `Inspect the transition tables that govern job and host status changes.

States are given by name; "*" is the wildcard state that matches an entity
with no status yet.`,
	}
	cmd.PersistentFlags().StringVar(&kind, "kind", "job", "state machine (job or host)")

	cmd.AddCommand(&cobra.Command{
		Use:     "events <state>",
		Short:   "List the events accepted in a state",
		Example: `  cosmicd fsm events scheduled`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := machineFor(kind)
			if err != nil {
				return err
			}
			events, err := m.events(args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd, events)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "from <target-state> <event>",
		Short:   "List the states that reach a target via an event",
		Example: `  cosmicd fsm from alert ping_timeout --kind host`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := machineFor(kind)
			if err != nil {
				return err
			}
			from, err := m.from(args[0], args[1])
			if err != nil {
				return err
			}
			return printOutput(cmd, from)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "next <state> <event>",
		Short:   "Show the state reached from a state via an event",
		Example: `  cosmicd fsm next in_progress complete_success`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := machineFor(kind)
			if err != nil {
				return err
			}
			to, err := m.next(args[0], args[1])
			if err != nil {
				return err
			}
			return printOutput(cmd, map[string]string{"kind": m.kind, "from": args[0], "event": args[1], "to": to})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "table",
		Short: "Print the full transition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := machineFor(kind)
			if err != nil {
				return err
			}
			return printOutput(cmd, m.table())
		},
	})

	return cmd
}
