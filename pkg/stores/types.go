package stores

import (
	"context"
	"errors"
	"time"

	"github.com/cosmicstack/cosmic/pkg/states"
)

var (
	// ErrNotFound is returned when a job or join record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a record with the same key exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// Job is the persisted record of an asynchronous job.
type Job struct {
	ID             string           `json:"id"`
	Cmd            string           `json:"cmd,omitempty"`
	CmdInfo        string           `json:"cmd_info,omitempty"` // opaque, usually JSON
	OwnerNodeID    string           `json:"owner_node_id"`
	Status         states.JobStatus `json:"status"`
	Result         *string          `json:"result,omitempty"`
	Dispatcher     string           `json:"dispatcher,omitempty"`
	WakeupHandler  string           `json:"wakeup_handler,omitempty"`
	CompleteNodeID *string          `json:"complete_node_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// JobUpdate carries the columns written alongside a status change.
type JobUpdate struct {
	Result         *string
	CompleteNodeID *string
	At             time.Time
}

// JobFilter narrows ListJobs. Zero fields are ignored.
type JobFilter struct {
	OwnerNodeID string
	Status      states.JobStatus
	Limit       int
	Offset      int
}

// Join is the persisted dependency edge "JobID waits for JoinJobID".
// JoinStatus stays in_progress until the joined job reaches a terminal status.
type Join struct {
	ID               string           `json:"id"`
	Seq              int64            `json:"seq"` // creation order
	JobID            string           `json:"job_id"`
	JoinJobID        string           `json:"join_job_id"`
	JoinStatus       states.JobStatus `json:"join_status"`
	JoinResult       *string          `json:"join_result,omitempty"`
	JoinNodeID       string           `json:"join_node_id"`
	CompleteNodeID   *string          `json:"complete_node_id,omitempty"`
	SyncSourceID     *string          `json:"sync_source_id,omitempty"`
	WakeupHandler    string           `json:"wakeup_handler,omitempty"`
	WakeupDispatcher string           `json:"wakeup_dispatcher,omitempty"`
	WakeupInterval   time.Duration    `json:"wakeup_interval"`
	Expiration       *time.Time       `json:"expiration,omitempty"`
	NextWakeup       time.Time        `json:"next_wakeup"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`

	// Attempts counts failed wakeup deliveries. RetryAfter, once set, keeps
	// the join out of wake candidates until it passes and holds back later
	// joins of the same sync source until the join is removed.
	Attempts   int        `json:"attempts,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// Resolved reports whether the joined job's outcome has been recorded.
func (j *Join) Resolved() bool {
	return j.JoinStatus.IsTerminal()
}

// Expired reports whether the join deadline has passed as of t.
func (j *Join) Expired(t time.Time) bool {
	return j.Expiration != nil && !j.Expiration.After(t)
}

// WakeQuery selects joins that are ready for a wakeup: resolved ones, and
// unresolved ones whose deadline is at or before Now. Deferred joins are left
// out until their RetryAfter passes, and rank behind joins never deferred.
type WakeQuery struct {
	Now time.Time

	// OwnerNodeID restricts results to joins whose waiting job is owned by
	// this node. Empty means every node.
	OwnerNodeID string

	Limit int
}

// Store defines the interface for the persistence layer. Every mutating
// method is a single atomic statement so that independent cluster nodes can
// share one store without a distributed lock.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Job operations
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// UpdateJobStatus moves the job from -> to only if it is currently in
	// from. It reports whether the row changed.
	UpdateJobStatus(ctx context.Context, id string, from, to states.JobStatus, update JobUpdate) (bool, error)
	// ReassignJobs hands every non-terminal job of fromNode to toNode.
	ReassignJobs(ctx context.Context, fromNode, toNode string, at time.Time) (int64, error)

	// Join operations
	CreateJoin(ctx context.Context, join *Join) error
	GetJoin(ctx context.Context, jobID, joinJobID string) (*Join, error)
	ListJoinsByJob(ctx context.Context, jobID string) ([]*Join, error)
	ListJoinsByJoinedJob(ctx context.Context, joinJobID string) ([]*Join, error)
	DeleteJoin(ctx context.Context, jobID, joinJobID string) error
	// DeleteJoinByID removes one join by its id; a missing join is not an error.
	DeleteJoinByID(ctx context.Context, id string) error
	DeleteJoinsByJob(ctx context.Context, jobID string) (int64, error)
	// CompleteJoins records the outcome on every unresolved join waiting for
	// joinJobID and reports how many rows changed.
	CompleteJoins(ctx context.Context, joinJobID string, status states.JobStatus, result *string, nodeID string, at time.Time) (int64, error)
	FindJobsToWake(ctx context.Context, joinJobID string) ([]string, error)
	FindJobsToWakeBetween(ctx context.Context, cutoff time.Time) ([]string, error)
	ListWakeCandidates(ctx context.Context, q WakeQuery) ([]*Join, error)
	// ListDuePolls returns unresolved joins whose next wakeup is at or before now.
	ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*Join, error)
	TouchJoin(ctx context.Context, id string, nextWakeup time.Time) error
	// DeferJoin stores the delivery attempt count of a join and keeps it out
	// of wake candidates until retryAfter.
	DeferJoin(ctx context.Context, id string, attempts int, retryAfter time.Time) error

	// Utility
	HealthCheck(ctx context.Context) error
}
