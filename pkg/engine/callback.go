package engine

import (
	"context"

	"github.com/cosmicstack/cosmic/pkg/states"
)

// Completion is handed to the code executing a job so it can report the
// outcome when it finishes, possibly long after the dispatch that started it
// returned.
type Completion struct {
	jobs   *JobStore
	jobID  string
	nodeID string
}

// NewCompletion returns the completion callback for jobID running on nodeID.
func NewCompletion(jobs *JobStore, jobID, nodeID string) *Completion {
	return &Completion{jobs: jobs, jobID: jobID, nodeID: nodeID}
}

// JobID returns the job this callback completes.
func (c *Completion) JobID() string { return c.jobID }

// OnComplete records the job outcome: succeeded with result when err is nil,
// failed with err's message otherwise. Calling it more than once is safe; the
// first call wins.
func (c *Completion) OnComplete(ctx context.Context, result string, err error) error {
	status := states.JobSucceeded
	if err != nil {
		status = states.JobFailed
		result = err.Error()
	}

	var res *string
	if result != "" {
		res = &result
	}

	_, cerr := c.jobs.Complete(ctx, c.jobID, status, res, c.nodeID)
	return cerr
}

// Func adapts the callback to a CompletionFunc.
func (c *Completion) Func(ctx context.Context) CompletionFunc {
	return func(result string, err error) error {
		return c.OnComplete(ctx, result, err)
	}
}

// CompletionFunc is the callback form handed to external operations that do
// not take a context.
type CompletionFunc func(result string, err error) error
