package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/cosmicstack/cosmic/pkg/telemetry"
)

// JobStore records asynchronous jobs and validates every status write
// against the job state machine. Status writes are compare-and-set so that
// the first terminal write wins when several nodes race to finish a job.
type JobStore struct {
	store   stores.Store
	machine *states.JobMachine
	joins   *JoinMap
	opts    options
	logger  *telemetry.Logger
}

// NewJobStore creates a job store. joins may be nil, in which case
// completions do not resolve join records and Cancel does not disjoin.
func NewJobStore(store stores.Store, machine *states.JobMachine, joins *JoinMap, opts ...Option) *JobStore {
	o := buildOptions(opts)
	return &JobStore{
		store:   store,
		machine: machine,
		joins:   joins,
		opts:    o,
		logger:  o.logger.NewComponentLogger("jobs"),
	}
}

// Create records a new job in the scheduled status.
func (js *JobStore) Create(ctx context.Context, req CreateJobRequest) (*stores.Job, error) {
	if err := validateRequest("create", req); err != nil {
		return nil, err
	}
	if err := checkRefs(js.opts.registry, req.Dispatcher, req.WakeupHandler); err != nil {
		return nil, err
	}
	if js.opts.admitter != nil {
		if err := admissionError("create", js.opts.admitter.AdmitJob(ctx, req)); err != nil {
			return nil, err
		}
	}

	now := js.opts.clock.Now()
	job := &stores.Job{
		ID:            uuid.New().String(),
		Cmd:           req.Cmd,
		CmdInfo:       req.CmdInfo,
		OwnerNodeID:   req.OwnerNodeID,
		Status:        states.JobScheduled,
		Dispatcher:    req.Dispatcher,
		WakeupHandler: req.WakeupHandler,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, span := js.opts.tracer.StartJobSpan(ctx, "create", job.ID)
	defer span.End()

	if err := js.store.CreateJob(ctx, job); err != nil {
		telemetry.RecordError(span, err)
		return nil, storeError("create", job.ID, err)
	}

	js.opts.metrics.RecordJobCreated()
	_ = js.opts.events.PublishJobCreated(job.ID, job.OwnerNodeID)
	js.logger.WithJobID(job.ID).Debugf("created job %s owned by %s", job.Cmd, job.OwnerNodeID)

	return job, nil
}

// Get returns the job with the given id.
func (js *JobStore) Get(ctx context.Context, id string) (*stores.Job, error) {
	job, err := js.store.GetJob(ctx, id)
	if err != nil {
		return nil, storeError("get", id, err)
	}
	return job, nil
}

// List returns jobs matching the filter.
func (js *JobStore) List(ctx context.Context, filter stores.JobFilter) ([]*stores.Job, error) {
	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			return nil, NewValidationError(err.Error()).WithOperation("list")
		}
	}
	jobs, err := js.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, storeError("list", "", err)
	}
	return jobs, nil
}

// MarkInProgress moves a scheduled job to in progress. It fails with a
// no-transition error when the job is in any other status.
func (js *JobStore) MarkInProgress(ctx context.Context, id string) (*stores.Job, error) {
	ctx, span := js.opts.tracer.StartJobSpan(ctx, "start", id)
	defer span.End()

	for attempt := 0; attempt < js.opts.casRetries; attempt++ {
		job, err := js.Get(ctx, id)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}

		next, err := js.machine.NextState(job.Status, states.JobEventStart)
		if err != nil {
			js.opts.metrics.RecordTransitionRejected(states.JobKind, string(states.JobEventStart))
			telemetry.RecordError(span, err)
			return nil, transitionError("start", id, err)
		}

		now := js.opts.clock.Now()
		ok, err := js.store.UpdateJobStatus(ctx, id, job.Status, next, stores.JobUpdate{At: now})
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, storeError("start", id, err)
		}
		if ok {
			job.Status = next
			job.StartedAt = &now
			job.UpdatedAt = now
			return job, nil
		}
	}

	return nil, NewConflictError("job status changed concurrently", nil).
		WithResource(id).
		WithOperation("start")
}

// Complete moves a job into a terminal status and records its result. The
// first writer wins: completing a job that is already terminal is a no-op
// that returns the stored record.
func (js *JobStore) Complete(ctx context.Context, id string, status states.JobStatus, result *string, nodeID string) (*stores.Job, error) {
	event, err := states.CompletionEvent(status)
	if err != nil {
		return nil, NewValidationError(err.Error()).WithResource(id).WithOperation("complete")
	}

	ctx, span := js.opts.tracer.StartJobSpan(ctx, "complete", id)
	defer span.End()
	span.SetAttributes(telemetry.AttrJobStatus.String(string(status)))

	for attempt := 0; attempt < js.opts.casRetries; attempt++ {
		job, err := js.Get(ctx, id)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}

		if job.Status.IsTerminal() {
			// A duplicate completion still resolves joins, in case the node
			// that won the race died before doing so.
			js.resolveJoins(ctx, job)
			return job, nil
		}

		next, err := js.machine.NextState(job.Status, event)
		if err != nil {
			js.opts.metrics.RecordTransitionRejected(states.JobKind, string(event))
			telemetry.RecordError(span, err)
			return nil, transitionError("complete", id, err)
		}

		now := js.opts.clock.Now()
		update := stores.JobUpdate{Result: result, At: now}
		if nodeID != "" {
			update.CompleteNodeID = &nodeID
		}

		ok, err := js.store.UpdateJobStatus(ctx, id, job.Status, next, update)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, storeError("complete", id, err)
		}
		if !ok {
			continue
		}

		job.Status = next
		job.Result = result
		job.UpdatedAt = now
		job.CompletedAt = &now
		if update.CompleteNodeID != nil {
			job.CompleteNodeID = update.CompleteNodeID
		}

		js.opts.metrics.RecordJobCompleted(string(next), now.Sub(job.CreatedAt))
		_ = js.opts.events.PublishJobCompleted(id, string(next), nodeID)
		js.logger.WithJobID(id).Debugf("job completed with status %s", next)

		js.disjoinFinished(ctx, id)
		js.resolveJoins(ctx, job)
		return job, nil
	}

	return nil, NewConflictError("job status changed concurrently", nil).
		WithResource(id).
		WithOperation("complete")
}

// Cancel removes every join the job is waiting on and then completes it as
// cancelled with reason as its result.
func (js *JobStore) Cancel(ctx context.Context, id, reason, nodeID string) (*stores.Job, error) {
	if js.joins != nil {
		if _, err := js.joins.DisjoinAllJobs(ctx, id); err != nil {
			return nil, err
		}
	}

	var result *string
	if reason != "" {
		result = &reason
	}
	return js.Complete(ctx, id, states.JobCancelled, result, nodeID)
}

// ReassignOwner hands every unfinished job of a dead node to another node.
func (js *JobStore) ReassignOwner(ctx context.Context, deadNodeID, newNodeID string) (int64, error) {
	if deadNodeID == "" || newNodeID == "" {
		return 0, NewValidationError("both node ids are required").WithOperation("reassign")
	}
	if deadNodeID == newNodeID {
		return 0, nil
	}

	n, err := js.store.ReassignJobs(ctx, deadNodeID, newNodeID, js.opts.clock.Now())
	if err != nil {
		return 0, storeError("reassign", deadNodeID, err)
	}

	js.logger.WithNodeID(newNodeID).Infof("took over %d jobs from %s", n, deadNodeID)
	return n, nil
}

// resolveJoins records a terminal job's outcome on the joins waiting for it.
// Failures are logged only: the wake scheduler's polling finds the joined
// job terminal and resolves the joins itself.
func (js *JobStore) resolveJoins(ctx context.Context, job *stores.Job) {
	if js.joins == nil {
		return
	}

	if _, err := js.joins.CompleteJoin(ctx, job.ID, job.Status, job.Result, completionNode(job)); err != nil {
		js.logger.WithJobID(job.ID).WithError(err).Warn("failed to resolve joins, leaving them to polling")
	}
}

// disjoinFinished removes the joins of a job that just finished; it can no
// longer be woken. Joins left behind on failure are dropped by the scheduler.
func (js *JobStore) disjoinFinished(ctx context.Context, id string) {
	if js.joins == nil {
		return
	}

	if _, err := js.joins.DisjoinAllJobs(ctx, id); err != nil {
		js.logger.WithJobID(id).WithError(err).Warn("failed to remove joins of finished job")
	}
}

// checkRefs rejects refs unknown to the registry. Empty refs are allowed.
func checkRefs(registry *Registry, dispatcher, handler string) error {
	if registry == nil || (dispatcher == "" && handler == "") {
		return nil
	}
	if _, err := registry.Resolve(dispatcher, handler); err != nil {
		return err
	}
	return nil
}
