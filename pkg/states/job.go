package states

import (
	"encoding/json"
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/fsm"
)

// JobKind is the entity kind tag of the job status machine.
const JobKind = "Job"

// JobStatus represents the lifecycle status of an asynchronous job.
type JobStatus string

const (
	// JobScheduled indicates the job is recorded but not yet picked up.
	JobScheduled JobStatus = "scheduled"

	// JobInProgress indicates the owning node is executing the job.
	JobInProgress JobStatus = "in_progress"

	// JobSucceeded indicates the job completed successfully.
	JobSucceeded JobStatus = "succeeded"

	// JobFailed indicates the job completed with an error.
	JobFailed JobStatus = "failed"

	// JobCancelled indicates the job was cancelled before completing.
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// IsActive returns true if the job has not reached a final state.
func (s JobStatus) IsActive() bool {
	return s == JobScheduled || s == JobInProgress
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobScheduled, JobInProgress, JobSucceeded, JobFailed, JobCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}

// ParseJobStatus converts a string into a JobStatus.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// JobEvent is an occurrence that moves a job between statuses.
type JobEvent string

const (
	JobEventStart           JobEvent = "start"
	JobEventCompleteSuccess JobEvent = "complete_success"
	JobEventCompleteFailure JobEvent = "complete_failure"
	JobEventCancel          JobEvent = "cancel"
)

// AllJobEvents returns every job event in declaration order.
func AllJobEvents() []JobEvent {
	return []JobEvent{JobEventStart, JobEventCompleteSuccess, JobEventCompleteFailure, JobEventCancel}
}

// Validate checks if the job event is known.
func (e JobEvent) Validate() error {
	switch e {
	case JobEventStart, JobEventCompleteSuccess, JobEventCompleteFailure, JobEventCancel:
		return nil
	default:
		return fmt.Errorf("invalid job event: %s", e)
	}
}

// ParseJobEvent converts a string into a JobEvent.
func ParseJobEvent(v string) (JobEvent, error) {
	e := JobEvent(v)
	if err := e.Validate(); err != nil {
		return "", err
	}
	return e, nil
}

// CompletionEvent returns the event that drives a job into the given
// terminal status.
func CompletionEvent(status JobStatus) (JobEvent, error) {
	switch status {
	case JobSucceeded:
		return JobEventCompleteSuccess, nil
	case JobFailed:
		return JobEventCompleteFailure, nil
	case JobCancelled:
		return JobEventCancel, nil
	default:
		return "", fmt.Errorf("status %s is not a terminal job status", status)
	}
}

// JobMachine is the job status state machine.
type JobMachine = fsm.Machine[JobStatus, JobEvent]

// NewJobMachine builds the job status transition table.
func NewJobMachine() (*JobMachine, error) {
	return fsm.NewBuilder[JobStatus, JobEvent](JobKind).
		Add(JobScheduled, JobEventStart, JobInProgress).
		Add(JobScheduled, JobEventCompleteSuccess, JobSucceeded).
		Add(JobScheduled, JobEventCompleteFailure, JobFailed).
		Add(JobScheduled, JobEventCancel, JobCancelled).
		Add(JobInProgress, JobEventCompleteSuccess, JobSucceeded).
		Add(JobInProgress, JobEventCompleteFailure, JobFailed).
		Add(JobInProgress, JobEventCancel, JobCancelled).
		Build()
}
