package policy

import (
	"time"

	"github.com/cosmicstack/cosmic/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity refuses the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// Operations evaluated at admission.
const (
	OperationJobCreate  = "job.create"
	OperationJoinCreate = "join.create"
)

// Policy is a Rego module whose deny set is checked at admission.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are the members of the
	// module's deny set.
	Rego string `json:"rego"`

	// Severity applies to deny entries that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with cosmicd.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block, and policies that
	// failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Operation is OperationJobCreate or OperationJoinCreate.
	Operation string `json:"operation"`

	Job  *JobInput  `json:"job,omitempty"`
	Join *JoinInput `json:"join,omitempty"`

	Context Context `json:"context"`
}

// JobInput describes a job about to be created.
type JobInput struct {
	Cmd           string `json:"cmd"`
	CmdInfo       string `json:"cmd_info"`
	OwnerNodeID   string `json:"owner_node_id"`
	Dispatcher    string `json:"dispatcher"`
	WakeupHandler string `json:"wakeup_handler"`
}

// JoinInput describes a join about to be created. Durations are seconds.
type JoinInput struct {
	JobID          string  `json:"job_id"`
	JoinJobID      string  `json:"join_job_id"`
	JoinNodeID     string  `json:"join_node_id"`
	WakeupInterval float64 `json:"wakeup_interval_seconds"`
	Timeout        float64 `json:"timeout_seconds"`
	SyncSourceID   string  `json:"sync_source_id"`
	Dispatcher     string  `json:"dispatcher"`
	WakeupHandler  string  `json:"wakeup_handler"`
}

// Context carries facts about the evaluating node.
type Context struct {
	NodeID      string    `json:"node_id,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// JobCreateInput builds the input for a job creation request.
func JobCreateInput(req engine.CreateJobRequest) Input {
	return Input{
		Operation: OperationJobCreate,
		Job: &JobInput{
			Cmd:           req.Cmd,
			CmdInfo:       req.CmdInfo,
			OwnerNodeID:   req.OwnerNodeID,
			Dispatcher:    req.Dispatcher,
			WakeupHandler: req.WakeupHandler,
		},
	}
}

// JoinCreateInput builds the input for a join request.
func JoinCreateInput(req engine.JoinRequest) Input {
	return Input{
		Operation: OperationJoinCreate,
		Join: &JoinInput{
			JobID:          req.JobID,
			JoinJobID:      req.JoinJobID,
			JoinNodeID:     req.JoinNodeID,
			WakeupInterval: req.WakeupInterval.Seconds(),
			Timeout:        req.Timeout.Seconds(),
			SyncSourceID:   req.SyncSourceID,
			Dispatcher:     req.Dispatcher,
			WakeupHandler:  req.WakeupHandler,
		},
	}
}
