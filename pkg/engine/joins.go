package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/cosmicstack/cosmic/pkg/telemetry"
)

// JoinMap records which jobs wait for which. A join is resolved when the
// joined job's outcome is stored on it; it is removed once the waiting job
// has been woken. Every method is a single store operation or an idempotent
// sequence of them, so nodes may call them concurrently.
type JoinMap struct {
	store  stores.Store
	opts   options
	logger *telemetry.Logger
}

// NewJoinMap creates a join map over store.
func NewJoinMap(store stores.Store, opts ...Option) *JoinMap {
	o := buildOptions(opts)
	return &JoinMap{
		store:  store,
		opts:   o,
		logger: o.logger.NewComponentLogger("joins"),
	}
}

// JoinJob makes req.JobID wait for req.JoinJobID and returns the stored
// join. If the joined job already finished, the join is created resolved so
// the scheduler wakes the waiting job on its next cycle.
func (jm *JoinMap) JoinJob(ctx context.Context, req JoinRequest) (*stores.Join, error) {
	if err := validateRequest("join", req); err != nil {
		return nil, err
	}

	ctx, span := jm.opts.tracer.StartSpan(ctx, "join.create",
		telemetry.AttrJobID.String(req.JobID),
		telemetry.AttrJoinJobID.String(req.JoinJobID))
	defer span.End()

	waiting, err := jm.store.GetJob(ctx, req.JobID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, storeError("join", req.JobID, err)
	}
	if waiting.Status.IsTerminal() {
		return nil, NewValidationError("waiting job already finished with status " + string(waiting.Status)).
			WithResource(req.JobID).
			WithOperation("join")
	}

	joined, err := jm.store.GetJob(ctx, req.JoinJobID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, storeError("join", req.JoinJobID, err)
	}

	dispatcher, handler := req.Dispatcher, req.WakeupHandler
	if dispatcher == "" && handler == "" {
		dispatcher, handler = waiting.Dispatcher, waiting.WakeupHandler
	}
	if dispatcher == "" || handler == "" {
		return nil, NewValidationError("waiting job has no wakeup handler").
			WithResource(req.JobID).
			WithOperation("join")
	}
	if err := checkRefs(jm.opts.registry, dispatcher, handler); err != nil {
		return nil, err
	}
	if jm.opts.admitter != nil {
		admitted := req
		admitted.Dispatcher, admitted.WakeupHandler = dispatcher, handler
		if err := admissionError("join", jm.opts.admitter.AdmitJoin(ctx, admitted)); err != nil {
			return nil, err
		}
	}

	now := jm.opts.clock.Now()
	join := &stores.Join{
		ID:               uuid.New().String(),
		JobID:            req.JobID,
		JoinJobID:        req.JoinJobID,
		JoinStatus:       states.JobInProgress,
		JoinNodeID:       req.JoinNodeID,
		WakeupDispatcher: dispatcher,
		WakeupHandler:    handler,
		WakeupInterval:   req.WakeupInterval,
		NextWakeup:       nextWakeup(now, req.WakeupInterval, 0),
		CreatedAt:        now,
	}
	if req.Timeout > 0 {
		exp := now.Add(req.Timeout)
		join.Expiration = &exp
	}
	if req.SyncSourceID != "" {
		src := req.SyncSourceID
		join.SyncSourceID = &src
	}
	if joined.Status.IsTerminal() {
		resolveJoinRecord(join, joined, now)
	}

	if err := jm.store.CreateJoin(ctx, join); err != nil {
		telemetry.RecordError(span, err)
		return nil, storeError("join", req.JobID+"->"+req.JoinJobID, err)
	}

	jm.opts.metrics.RecordJoinCreated()
	_ = jm.opts.events.PublishJoinCreated(join.JobID, join.JoinJobID, join.Resolved())
	jm.logger.WithJoin(join.JobID, join.JoinJobID).Debugf("created join, resolved=%t", join.Resolved())

	if join.Resolved() {
		return join, nil
	}

	// The joined job may have finished between the read above and the
	// insert, in which case its completion found no join to resolve.
	joined, err = jm.store.GetJob(ctx, req.JoinJobID)
	if err != nil || !joined.Status.IsTerminal() {
		return join, nil
	}

	if _, err := jm.CompleteJoin(ctx, joined.ID, joined.Status, joined.Result, completionNode(joined)); err != nil {
		jm.logger.WithJoin(join.JobID, join.JoinJobID).WithError(err).Warn("failed to resolve join, leaving it to polling")
		return join, nil
	}

	stored, err := jm.store.GetJoin(ctx, join.JobID, join.JoinJobID)
	if err != nil {
		return join, nil
	}
	return stored, nil
}

// DisjoinJob removes the join of jobID on joinJobID. Removing a join that
// does not exist succeeds.
func (jm *JoinMap) DisjoinJob(ctx context.Context, jobID, joinJobID string) error {
	if err := jm.store.DeleteJoin(ctx, jobID, joinJobID); err != nil {
		return storeError("disjoin", jobID+"->"+joinJobID, err)
	}
	return nil
}

// DisjoinAllJobs removes every join jobID is waiting on.
func (jm *JoinMap) DisjoinAllJobs(ctx context.Context, jobID string) (int64, error) {
	n, err := jm.store.DeleteJoinsByJob(ctx, jobID)
	if err != nil {
		return 0, storeError("disjoin_all", jobID, err)
	}
	if n > 0 {
		jm.logger.WithJobID(jobID).Debugf("removed %d joins", n)
	}
	return n, nil
}

// GetJoinRecord returns the join of jobID on joinJobID.
func (jm *JoinMap) GetJoinRecord(ctx context.Context, jobID, joinJobID string) (*stores.Join, error) {
	join, err := jm.store.GetJoin(ctx, jobID, joinJobID)
	if err != nil {
		return nil, storeError("get_join", jobID+"->"+joinJobID, err)
	}
	return join, nil
}

// ListJoinRecords returns the joins jobID is waiting on in creation order.
func (jm *JoinMap) ListJoinRecords(ctx context.Context, jobID string) ([]*stores.Join, error) {
	joins, err := jm.store.ListJoinsByJob(ctx, jobID)
	if err != nil {
		return nil, storeError("list_joins", jobID, err)
	}
	return joins, nil
}

// ListWaiters returns the joins waiting for joinJobID in creation order.
func (jm *JoinMap) ListWaiters(ctx context.Context, joinJobID string) ([]*stores.Join, error) {
	joins, err := jm.store.ListJoinsByJoinedJob(ctx, joinJobID)
	if err != nil {
		return nil, storeError("list_waiters", joinJobID, err)
	}
	return joins, nil
}

// CompleteJoin stores the outcome of joinJobID on every unresolved join
// waiting for it and returns how many joins it resolved. It never invokes
// wakeup handlers. Calling it again for the same job resolves nothing.
func (jm *JoinMap) CompleteJoin(ctx context.Context, joinJobID string, status states.JobStatus, result *string, nodeID string) (int64, error) {
	if !status.IsTerminal() {
		return 0, NewValidationError("join outcome must be a terminal status, got " + string(status)).
			WithResource(joinJobID).
			WithOperation("complete_join")
	}

	n, err := jm.store.CompleteJoins(ctx, joinJobID, status, result, nodeID, jm.opts.clock.Now())
	if err != nil {
		return 0, storeError("complete_join", joinJobID, err)
	}

	if n > 0 {
		jm.opts.metrics.RecordJoinsResolved(string(status), n)
		_ = jm.opts.events.PublishJoinResolved(joinJobID, string(status), nodeID, n)
		jm.logger.WithJobID(joinJobID).Debugf("resolved %d joins with status %s", n, status)
	}
	return n, nil
}

// FindJobsToWake returns the waiting jobs whose join on joinJobID is
// resolved.
func (jm *JoinMap) FindJobsToWake(ctx context.Context, joinJobID string) ([]string, error) {
	ids, err := jm.store.FindJobsToWake(ctx, joinJobID)
	if err != nil {
		return nil, storeError("find_wake", joinJobID, err)
	}
	return ids, nil
}

// FindJobsToWakeBetween returns the waiting jobs with an unresolved join
// whose deadline is at or before cutoff.
func (jm *JoinMap) FindJobsToWakeBetween(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := jm.store.FindJobsToWakeBetween(ctx, cutoff)
	if err != nil {
		return nil, storeError("find_wake_between", "", err)
	}
	return ids, nil
}

func (jm *JoinMap) wakeCandidates(ctx context.Context, q stores.WakeQuery) ([]*stores.Join, error) {
	joins, err := jm.store.ListWakeCandidates(ctx, q)
	if err != nil {
		return nil, storeError("wake_candidates", q.OwnerNodeID, err)
	}
	return joins, nil
}

func (jm *JoinMap) duePolls(ctx context.Context, now time.Time, limit int) ([]*stores.Join, error) {
	joins, err := jm.store.ListDuePolls(ctx, now, limit)
	if err != nil {
		return nil, storeError("due_polls", "", err)
	}
	return joins, nil
}

// touch schedules the next poll of join. floor stands in for a non-positive
// wakeup interval.
func (jm *JoinMap) touch(ctx context.Context, join *stores.Join, now time.Time, floor time.Duration) error {
	if err := jm.store.TouchJoin(ctx, join.ID, nextWakeup(now, join.WakeupInterval, floor)); err != nil {
		return storeError("touch", join.ID, err)
	}
	return nil
}

// deferWakeup records a failed delivery of join and holds it back until
// retryAfter.
func (jm *JoinMap) deferWakeup(ctx context.Context, join *stores.Join, attempts int, retryAfter time.Time) error {
	if err := jm.store.DeferJoin(ctx, join.ID, attempts, retryAfter); err != nil {
		return storeError("defer", join.ID, err)
	}
	return nil
}

// remove deletes join by id, so a join re-created for the same pair since
// join was read survives.
func (jm *JoinMap) remove(ctx context.Context, join *stores.Join) error {
	if err := jm.store.DeleteJoinByID(ctx, join.ID); err != nil {
		return storeError("remove", join.ID, err)
	}
	return nil
}

// nextWakeup is the next time the scheduler polls a join. A non-positive
// interval falls back to floor; with no floor the join is due at once.
func nextWakeup(now time.Time, interval, floor time.Duration) time.Time {
	if interval <= 0 {
		interval = floor
	}
	if interval <= 0 {
		return now
	}
	return now.Add(interval)
}

// completionNode is the node credited with finishing job.
func completionNode(job *stores.Job) string {
	if job.CompleteNodeID != nil {
		return *job.CompleteNodeID
	}
	return job.OwnerNodeID
}

func resolveJoinRecord(join *stores.Join, joined *stores.Job, now time.Time) {
	nodeID := completionNode(joined)
	join.JoinStatus = joined.Status
	join.JoinResult = joined.Result
	join.CompleteNodeID = &nodeID
	completed := now
	join.CompletedAt = &completed
}
