package states

import (
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/fsm"
)

// HostKind is the entity kind tag of the host connectivity machine.
const HostKind = "Host"

// HostStatus represents the connectivity state of a hypervisor host as seen
// by the management server cluster.
type HostStatus string

const (
	// HostCreating indicates the host record exists but no agent has connected yet.
	HostCreating HostStatus = "creating"

	// HostConnecting indicates an agent connection is being established.
	HostConnecting HostStatus = "connecting"

	// HostUp indicates the agent is connected and ready for commands.
	HostUp HostStatus = "up"

	// HostDown indicates the host was found down by the investigator.
	HostDown HostStatus = "down"

	// HostDisconnected indicates the agent dropped its connection.
	HostDisconnected HostStatus = "disconnected"

	// HostAlert indicates the agent is behind on pings or lost its connection.
	HostAlert HostStatus = "alert"

	// HostRemoved indicates the host was removed from the inventory.
	HostRemoved HostStatus = "removed"

	// HostError indicates an internal error happened while bringing the host in.
	HostError HostStatus = "error"

	// HostRebalancing indicates the agent is being moved to another management server.
	HostRebalancing HostStatus = "rebalancing"

	// HostUnknown indicates the state cannot be determined.
	HostUnknown HostStatus = "unknown"
)

type hostFacets struct {
	updateManagementServer bool
	checkManagementServer  bool
	lostConnection         bool
}

var hostStatusFacets = map[HostStatus]hostFacets{
	HostCreating:     {true, false, false},
	HostConnecting:   {true, false, false},
	HostUp:           {true, false, false},
	HostDown:         {true, true, true},
	HostDisconnected: {true, true, true},
	HostAlert:        {true, true, true},
	HostRemoved:      {true, false, true},
	HostError:        {true, false, true},
	HostRebalancing:  {true, false, true},
	HostUnknown:      {false, false, false},
}

// AllHostStatuses returns every host status in declaration order.
func AllHostStatuses() []HostStatus {
	return []HostStatus{
		HostCreating, HostConnecting, HostUp, HostDown, HostDisconnected,
		HostAlert, HostRemoved, HostError, HostRebalancing, HostUnknown,
	}
}

// UpdateManagementServer reports whether reaching this state should update the
// owning management server reference on the host record.
func (s HostStatus) UpdateManagementServer() bool {
	return hostStatusFacets[s].updateManagementServer
}

// CheckManagementServer reports whether this state warrants checking that the
// owning management server is still alive.
func (s HostStatus) CheckManagementServer() bool {
	return hostStatusFacets[s].checkManagementServer
}

// LostConnection reports whether this state means the agent connection is gone.
func (s HostStatus) LostConnection() bool {
	return hostStatusFacets[s].lostConnection
}

// Validate checks if the host status is valid.
func (s HostStatus) Validate() error {
	if _, ok := hostStatusFacets[s]; !ok {
		return fmt.Errorf("invalid host status: %s", s)
	}
	return nil
}

// Next returns the status reached via e according to m.
func (s HostStatus) Next(m *HostMachine, e HostEvent) (HostStatus, error) {
	return m.NextState(s, e)
}

// FromStates returns the statuses that reach s via e according to m.
func (s HostStatus) FromStates(m *HostMachine, e HostEvent) []HostStatus {
	return m.FromStates(s, e)
}

// PossibleEvents returns the events accepted in s according to m.
func (s HostStatus) PossibleEvents(m *HostMachine) []HostEvent {
	return m.PossibleEvents(s)
}

// ParseHostStatus converts a string into a HostStatus.
func ParseHostStatus(v string) (HostStatus, error) {
	s := HostStatus(v)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// HostEvent is an occurrence that may move a host between statuses.
type HostEvent string

const (
	HostEventAgentConnected        HostEvent = "agent_connected"
	HostEventPingTimeout           HostEvent = "ping_timeout"
	HostEventShutdownRequested     HostEvent = "shutdown_requested"
	HostEventAgentDisconnected     HostEvent = "agent_disconnected"
	HostEventHostDown              HostEvent = "host_down"
	HostEventPing                  HostEvent = "ping"
	HostEventManagementServerDown  HostEvent = "management_server_down"
	HostEventWaitedTooLong         HostEvent = "waited_too_long"
	HostEventRemove                HostEvent = "remove"
	HostEventReady                 HostEvent = "ready"
	HostEventRequestAgentRebalance HostEvent = "request_agent_rebalance"
	HostEventStartAgentRebalance   HostEvent = "start_agent_rebalance"
	HostEventRebalanceCompleted    HostEvent = "rebalance_completed"
	HostEventRebalanceFailed       HostEvent = "rebalance_failed"
	HostEventError                 HostEvent = "error"
)

var hostEventDescriptions = map[HostEvent]string{
	HostEventAgentConnected:        "Agent connected",
	HostEventPingTimeout:           "Agent is behind on ping",
	HostEventShutdownRequested:     "Shutdown requested by the agent",
	HostEventAgentDisconnected:     "Agent disconnected",
	HostEventHostDown:              "Host is found to be down by the investigator",
	HostEventPing:                  "Ping is received from the host",
	HostEventManagementServerDown:  "Management Server that the agent is connected is going down",
	HostEventWaitedTooLong:         "Waited too long from the agent to reconnect on its own.  Time to do HA",
	HostEventRemove:                "Host is removed",
	HostEventReady:                 "Host is ready for commands",
	HostEventRequestAgentRebalance: "Request rebalance for the certain host",
	HostEventStartAgentRebalance:   "Start rebalance for the certain host",
	HostEventRebalanceCompleted:    "Host is rebalanced successfully",
	HostEventRebalanceFailed:       "Failed to rebalance the host",
	HostEventError:                 "An internal error happened",
}

// AllHostEvents returns every host event in declaration order.
func AllHostEvents() []HostEvent {
	return []HostEvent{
		HostEventAgentConnected, HostEventPingTimeout, HostEventShutdownRequested,
		HostEventAgentDisconnected, HostEventHostDown, HostEventPing,
		HostEventManagementServerDown, HostEventWaitedTooLong, HostEventRemove,
		HostEventReady, HostEventRequestAgentRebalance, HostEventStartAgentRebalance,
		HostEventRebalanceCompleted, HostEventRebalanceFailed, HostEventError,
	}
}

// Description returns a human-readable explanation of the event.
func (e HostEvent) Description() string {
	return hostEventDescriptions[e]
}

// IsUserRequest reports whether the event originates from an operator
// request rather than from agent or cluster activity.
func (e HostEvent) IsUserRequest() bool {
	return e == HostEventRemove
}

// Validate checks if the host event is valid.
func (e HostEvent) Validate() error {
	if _, ok := hostEventDescriptions[e]; !ok {
		return fmt.Errorf("invalid host event: %s", e)
	}
	return nil
}

// ParseHostEvent converts a string into a HostEvent.
func ParseHostEvent(v string) (HostEvent, error) {
	e := HostEvent(v)
	if err := e.Validate(); err != nil {
		return "", err
	}
	return e, nil
}

// HostMachine is the host connectivity state machine.
type HostMachine = fsm.Machine[HostStatus, HostEvent]

// NewHostMachine builds the host connectivity transition table.
func NewHostMachine() (*HostMachine, error) {
	none := fsm.Initial[HostStatus]()

	return fsm.NewBuilder[HostStatus, HostEvent](HostKind).
		Add(none, HostEventAgentConnected, HostConnecting).
		Add(HostCreating, HostEventAgentConnected, HostConnecting).
		Add(HostCreating, HostEventError, HostError).
		Add(HostConnecting, HostEventAgentConnected, HostConnecting).
		Add(HostConnecting, HostEventReady, HostUp).
		Add(HostConnecting, HostEventPingTimeout, HostAlert).
		Add(HostConnecting, HostEventShutdownRequested, HostDisconnected).
		Add(HostConnecting, HostEventHostDown, HostDown).
		Add(HostConnecting, HostEventPing, HostConnecting).
		Add(HostConnecting, HostEventManagementServerDown, HostDisconnected).
		Add(HostConnecting, HostEventAgentDisconnected, HostAlert).
		Add(HostUp, HostEventPingTimeout, HostAlert).
		Add(HostUp, HostEventAgentDisconnected, HostAlert).
		Add(HostUp, HostEventShutdownRequested, HostDisconnected).
		Add(HostUp, HostEventHostDown, HostDown).
		Add(HostUp, HostEventPing, HostUp).
		Add(HostUp, HostEventAgentConnected, HostConnecting).
		Add(HostUp, HostEventManagementServerDown, HostDisconnected).
		Add(HostUp, HostEventStartAgentRebalance, HostRebalancing).
		Add(HostUp, HostEventRemove, HostRemoved).
		Add(HostDisconnected, HostEventPingTimeout, HostAlert).
		Add(HostDisconnected, HostEventAgentConnected, HostConnecting).
		Add(HostDisconnected, HostEventPing, HostUp).
		Add(HostDisconnected, HostEventHostDown, HostDown).
		Add(HostDisconnected, HostEventManagementServerDown, HostDisconnected).
		Add(HostDisconnected, HostEventWaitedTooLong, HostAlert).
		Add(HostDisconnected, HostEventRemove, HostRemoved).
		Add(HostDisconnected, HostEventAgentDisconnected, HostDisconnected).
		Add(HostDown, HostEventAgentConnected, HostConnecting).
		Add(HostDown, HostEventRemove, HostRemoved).
		Add(HostDown, HostEventManagementServerDown, HostDown).
		Add(HostDown, HostEventAgentDisconnected, HostDown).
		Add(HostDown, HostEventPingTimeout, HostDown).
		Add(HostAlert, HostEventAgentConnected, HostConnecting).
		Add(HostAlert, HostEventPing, HostUp).
		Add(HostAlert, HostEventRemove, HostRemoved).
		Add(HostAlert, HostEventManagementServerDown, HostAlert).
		Add(HostAlert, HostEventAgentDisconnected, HostAlert).
		Add(HostAlert, HostEventShutdownRequested, HostDisconnected).
		Add(HostRebalancing, HostEventRebalanceFailed, HostDisconnected).
		Add(HostRebalancing, HostEventRebalanceCompleted, HostConnecting).
		Add(HostRebalancing, HostEventManagementServerDown, HostDisconnected).
		Add(HostRebalancing, HostEventAgentConnected, HostConnecting).
		Add(HostRebalancing, HostEventAgentDisconnected, HostRebalancing).
		Add(HostError, HostEventAgentConnected, HostConnecting).
		Build()
}
