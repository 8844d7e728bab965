package engine

import (
	"time"

	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
)

// CreateJobRequest describes a new asynchronous job.
type CreateJobRequest struct {
	// Cmd names the operation the job performs.
	Cmd string `json:"cmd,omitempty"`

	// CmdInfo is an opaque payload for the operation, usually JSON.
	CmdInfo string `json:"cmd_info,omitempty"`

	// OwnerNodeID is the management server that executes the job.
	OwnerNodeID string `json:"owner_node_id" validate:"required"`

	// Dispatcher and WakeupHandler name the registered handler that resumes
	// the job after a join. Both empty means the job is never woken.
	Dispatcher    string `json:"dispatcher,omitempty" validate:"required_with=WakeupHandler"`
	WakeupHandler string `json:"wakeup_handler,omitempty" validate:"required_with=Dispatcher"`
}

// JoinRequest makes JobID wait for JoinJobID.
type JoinRequest struct {
	JobID     string `json:"job_id" validate:"required"`
	JoinJobID string `json:"join_job_id" validate:"required,nefield=JobID"`

	// JoinNodeID is the node registering the join.
	JoinNodeID string `json:"join_node_id" validate:"required"`

	// WakeupInterval is how often the scheduler re-checks the joined job
	// when no completion event arrives. Zero or negative polls once per
	// scheduler interval.
	WakeupInterval time.Duration `json:"wakeup_interval"`

	// Timeout is measured from join creation. Zero or negative means the
	// join never times out.
	Timeout time.Duration `json:"timeout"`

	// SyncSourceID groups joins whose wakeups must run in creation order.
	SyncSourceID string `json:"sync_source_id,omitempty"`

	// Dispatcher and WakeupHandler default to the waiting job's refs.
	Dispatcher    string `json:"dispatcher,omitempty" validate:"required_with=WakeupHandler"`
	WakeupHandler string `json:"wakeup_handler,omitempty" validate:"required_with=Dispatcher"`
}

// Wakeup is delivered to a handler when a waiting job can resume.
type Wakeup struct {
	// JobID is the waiting job being resumed.
	JobID string `json:"job_id"`

	// JoinJobID is the job it waited for.
	JoinJobID string `json:"join_job_id"`

	Outcome Outcome `json:"outcome"`

	// Status is the joined job's status as recorded on the join. It is
	// in_progress for a timed out join.
	Status states.JobStatus `json:"status"`

	// Result is the joined job's result, if it completed with one.
	Result *string `json:"result,omitempty"`

	// CompleteNodeID is the node that observed the joined job finish.
	CompleteNodeID string `json:"complete_node_id,omitempty"`

	SyncSourceID string `json:"sync_source_id,omitempty"`

	Dispatcher    string `json:"dispatcher"`
	WakeupHandler string `json:"wakeup_handler"`

	// NodeID is the node dispatching the wakeup.
	NodeID string `json:"node_id"`

	// Attempt counts delivery attempts of this join across nodes and
	// restarts, starting at 1.
	Attempt int `json:"attempt"`
}

func newWakeup(join *stores.Join, outcome Outcome, nodeID string, attempt int) Wakeup {
	w := Wakeup{
		JobID:         join.JobID,
		JoinJobID:     join.JoinJobID,
		Outcome:       outcome,
		Status:        join.JoinStatus,
		Result:        join.JoinResult,
		Dispatcher:    join.WakeupDispatcher,
		WakeupHandler: join.WakeupHandler,
		NodeID:        nodeID,
		Attempt:       attempt,
	}
	if join.CompleteNodeID != nil {
		w.CompleteNodeID = *join.CompleteNodeID
	}
	if join.SyncSourceID != nil {
		w.SyncSourceID = *join.SyncSourceID
	}
	return w
}

// CycleReport summarizes one wake scheduler cycle.
type CycleReport struct {
	// Reconciled is the number of polled joins found to be resolved.
	Reconciled int `json:"reconciled"`

	// Candidates is the number of resolved or expired joins considered.
	Candidates int `json:"candidates"`

	// Dispatched counts successful completion wakeups.
	Dispatched int `json:"dispatched"`

	// TimedOut counts successful timeout wakeups.
	TimedOut int `json:"timed_out"`

	// Failed counts handler failures. Joins that failed permanently are
	// also counted in Dropped.
	Failed int `json:"failed"`

	// Dropped counts joins removed without a successful wakeup.
	Dropped int `json:"dropped"`

	// Deferred counts joins left for a later cycle because an earlier join
	// in their sync group failed.
	Deferred int `json:"deferred"`

	Duration time.Duration `json:"duration"`
}

// Clock abstracts the time source so tests can control it.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
