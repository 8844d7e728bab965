package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/cosmicstack/cosmic/pkg/telemetry"
)

// WakeScheduler is the per-node loop that resumes waiting jobs. Each cycle
// it polls unresolved joins that are due, then dispatches a wakeup for every
// join that is resolved or past its deadline. A join is removed only after
// its handler returns successfully, so delivery is at least once.
//
// Schedulers on different nodes share nothing but the store. Cycles on one
// scheduler never overlap.
type WakeScheduler struct {
	jobs     *JobStore
	joins    *JoinMap
	registry *Registry
	opts     options
	logger   *telemetry.Logger

	// cycleMu serializes cycles so a join is never dispatched twice by the
	// same node at once.
	cycleMu sync.Mutex

	mu       sync.Mutex
	interval time.Duration
	running  bool
	stopCh   chan struct{}

	nudgeCh chan struct{}
	resetCh chan struct{}

	subscribeOnce sync.Once
	wg            sync.WaitGroup
}

// NewWakeScheduler creates a scheduler. A nil registry falls back to the
// one set with WithRegistry, then to an empty registry.
func NewWakeScheduler(jobs *JobStore, joins *JoinMap, registry *Registry, opts ...Option) *WakeScheduler {
	o := buildOptions(opts)
	if registry == nil {
		registry = o.registry
	}
	if registry == nil {
		registry = NewRegistry()
	}

	logger := o.logger.NewComponentLogger("scheduler")
	if o.nodeID != "" {
		logger = logger.WithNodeID(o.nodeID)
	}

	return &WakeScheduler{
		jobs:     jobs,
		joins:    joins,
		registry: registry,
		opts:     o,
		logger:   logger,
		interval: o.interval,
		nudgeCh:  make(chan struct{}, 1),
		resetCh:  make(chan struct{}, 1),
	}
}

// Start launches the tick loop. The loop runs until Stop is called or ctx is
// cancelled.
func (s *WakeScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return NewConflictError("scheduler already running", nil).WithOperation("start")
	}

	s.subscribeOnce.Do(func() {
		s.opts.events.Subscribe(func(telemetry.Event) {
			s.Nudge()
		}, telemetry.FilterByType(telemetry.EventTypeJoinResolved))
	})

	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	s.logger.Infof("wake scheduler started with interval %s and %d workers", s.interval, s.opts.workers)
	return nil
}

// Stop signals the loop to exit and waits for the running cycle to finish.
func (s *WakeScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("wake scheduler stopped")
}

// Nudge requests a cycle without waiting for the next tick. It never blocks;
// nudges arriving while one is pending are merged.
func (s *WakeScheduler) Nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

// SetInterval changes the tick interval of a running or future loop.
// Non-positive values are ignored.
func (s *WakeScheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
	s.logger.Infof("scheduler interval set to %s", d)
}

// Interval returns the current tick interval.
func (s *WakeScheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *WakeScheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.markStopped(stopCh)
			return
		case <-stopCh:
			return
		case <-s.resetCh:
			ticker.Reset(s.Interval())
			continue
		case <-ticker.C:
		case <-s.nudgeCh:
		}

		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.WithError(err).Warn("wake cycle failed")
		}
	}
}

// markStopped clears the running flag when the loop exits on its own.
func (s *WakeScheduler) markStopped(stopCh <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.stopCh == stopCh {
		s.running = false
		close(s.stopCh)
	}
}

// RunCycle runs one scheduler cycle and waits for its wakeups to finish. It
// is what the tick loop calls and is exported for tests and manual runs.
func (s *WakeScheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.opts.clock.Now()
	ctx, span := s.opts.tracer.StartCycleSpan(ctx, s.opts.nodeID)
	defer span.End()

	var report CycleReport

	reconciled, err := s.reconcile(ctx, start)
	if err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	report.Reconciled = reconciled

	q := stores.WakeQuery{Now: start, Limit: s.opts.batchSize}
	if s.opts.ownedOnly {
		q.OwnerNodeID = s.opts.nodeID
	}
	candidates, err := s.joins.wakeCandidates(ctx, q)
	if err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	report.Candidates = len(candidates)

	groups := groupBySyncSource(s.filterWaiting(ctx, candidates, &report))
	s.dispatchGroups(ctx, groups, &report)

	report.Duration = s.opts.clock.Now().Sub(start)
	s.opts.metrics.RecordCycle(report.Duration, report.Candidates)
	telemetry.RecordSuccess(span)

	if report.Candidates > 0 || report.Reconciled > 0 {
		s.logger.Debugf("cycle done: reconciled=%d candidates=%d dispatched=%d timed_out=%d failed=%d dropped=%d deferred=%d",
			report.Reconciled, report.Candidates, report.Dispatched, report.TimedOut,
			report.Failed, report.Dropped, report.Deferred)
	}
	return report, nil
}

// reconcile checks the joined job of every unresolved join that is due for a
// poll. Finished jobs get their joins resolved; the rest are polled again
// after their interval. This catches completions whose join hook failed or
// ran on a node that died.
func (s *WakeScheduler) reconcile(ctx context.Context, now time.Time) (int, error) {
	polls, err := s.joins.duePolls(ctx, now, s.opts.batchSize)
	if err != nil {
		return 0, err
	}

	floor := s.Interval()
	resolved := 0
	checked := make(map[string]bool)
	for _, join := range polls {
		if checked[join.JoinJobID] {
			continue
		}

		joined, err := s.jobs.Get(ctx, join.JoinJobID)
		if err != nil {
			s.logger.WithJoin(join.JobID, join.JoinJobID).WithError(err).Warn("failed to poll joined job")
			// Rotate it behind the other due polls.
			if err := s.joins.touch(ctx, join, now, floor); err != nil {
				s.logger.WithJoin(join.JobID, join.JoinJobID).WithError(err).Warn("failed to reschedule join poll")
			}
			continue
		}

		if !joined.Status.IsTerminal() {
			if err := s.joins.touch(ctx, join, now, floor); err != nil {
				s.logger.WithJoin(join.JobID, join.JoinJobID).WithError(err).Warn("failed to reschedule join poll")
			}
			continue
		}

		checked[join.JoinJobID] = true
		n, err := s.joins.CompleteJoin(ctx, joined.ID, joined.Status, joined.Result, completionNode(joined))
		if err != nil {
			s.logger.WithJobID(joined.ID).WithError(err).Warn("failed to resolve polled joins")
			continue
		}
		resolved += int(n)
	}
	return resolved, nil
}

// filterWaiting drops joins whose waiting job is gone or already finished;
// they can never be woken.
func (s *WakeScheduler) filterWaiting(ctx context.Context, candidates []*stores.Join, report *CycleReport) []*stores.Join {
	waiting := make(map[string]*stores.Job)
	kept := make([]*stores.Join, 0, len(candidates))

	for _, join := range candidates {
		job, ok := waiting[join.JobID]
		if !ok {
			var err error
			job, err = s.jobs.Get(ctx, join.JobID)
			if err != nil && !IsNotFound(err) {
				s.logger.WithJobID(join.JobID).WithError(err).Warn("failed to read waiting job")
				report.Deferred++
				continue
			}
			waiting[join.JobID] = job
		}

		if job == nil || job.Status.IsTerminal() {
			if err := s.joins.remove(ctx, join); err != nil {
				s.logger.WithJoin(join.JobID, join.JoinJobID).WithError(err).Warn("failed to drop stale join")
				continue
			}
			report.Dropped++
			s.logger.WithJoin(join.JobID, join.JoinJobID).Debug("dropped join of finished waiting job")
			continue
		}
		kept = append(kept, join)
	}
	return kept
}

// groupBySyncSource splits joins into dispatch groups. Joins sharing a sync
// source form one group in creation order; every other join is its own
// group. Groups keep the order of their first join.
func groupBySyncSource(joins []*stores.Join) [][]*stores.Join {
	var groups [][]*stores.Join
	bySource := make(map[string]int)

	for _, join := range joins {
		if join.SyncSourceID == nil || *join.SyncSourceID == "" {
			groups = append(groups, []*stores.Join{join})
			continue
		}
		src := *join.SyncSourceID
		if i, ok := bySource[src]; ok {
			groups[i] = append(groups[i], join)
			continue
		}
		bySource[src] = len(groups)
		groups = append(groups, []*stores.Join{join})
	}
	return groups
}

type dispatchResult int

// maxRetryDelay caps the backoff between delivery attempts of one join.
const maxRetryDelay = 5 * time.Minute

const (
	resultSkipped dispatchResult = iota
	resultDispatched
	resultTimedOut
	resultRetry
	resultDropped
)

// dispatchGroups runs groups on a bounded worker pool and waits for all of
// them. Within a group, a failure that will be retried stops the group so
// later joins of the same sync source are not delivered ahead of it. The
// failed join is deferred in the store, which also holds back the rest of
// its group in later cycles.
func (s *WakeScheduler) dispatchGroups(ctx context.Context, groups [][]*stores.Join, report *CycleReport) {
	if len(groups) == 0 {
		s.opts.metrics.SetQueueDepth(0)
		return
	}

	workerCount := s.opts.workers
	if len(groups) < workerCount {
		workerCount = len(groups)
	}

	workQueue := make(chan []*stores.Join, len(groups))
	for _, g := range groups {
		workQueue <- g
	}
	close(workQueue)
	s.opts.metrics.SetQueueDepth(len(groups))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for group := range workQueue {
				for idx, join := range group {
					if ctx.Err() != nil {
						mu.Lock()
						report.Deferred += len(group) - idx
						mu.Unlock()
						break
					}

					res := s.dispatch(ctx, join)

					mu.Lock()
					switch res {
					case resultDispatched:
						report.Dispatched++
					case resultTimedOut:
						report.TimedOut++
					case resultRetry:
						report.Failed++
						report.Deferred += len(group) - idx - 1
					case resultDropped:
						report.Failed++
						report.Dropped++
					}
					mu.Unlock()

					if res == resultRetry {
						break
					}
				}
			}
		}()
	}

	wg.Wait()
	s.opts.metrics.SetQueueDepth(0)
}

// dispatch delivers one wakeup. The join is re-read first: another node may
// have dispatched it already, and a completion recorded since the cycle
// started wins over a timeout.
func (s *WakeScheduler) dispatch(ctx context.Context, candidate *stores.Join) dispatchResult {
	log := s.logger.WithJoin(candidate.JobID, candidate.JoinJobID)

	join, err := s.joins.GetJoinRecord(ctx, candidate.JobID, candidate.JoinJobID)
	if err != nil {
		if IsNotFound(err) {
			return resultSkipped
		}
		log.WithError(err).Warn("failed to re-read join")
		s.retryLater(ctx, candidate, candidate.Attempts, s.Interval())
		return resultRetry
	}

	var outcome Outcome
	switch {
	case join.Resolved():
		outcome = OutcomeCompleted
	case join.Expired(s.opts.clock.Now()):
		outcome = OutcomeTimedOut
	default:
		return resultSkipped
	}

	ref := HandlerRef{Dispatcher: join.WakeupDispatcher, Handler: join.WakeupHandler}
	w := newWakeup(join, outcome, s.opts.nodeID, join.Attempts+1)

	ctx, span := s.opts.tracer.StartWakeupSpan(ctx, join.JobID, join.JoinJobID, ref.String(), string(outcome))
	defer span.End()

	handler, err := s.registry.Resolve(ref.Dispatcher, ref.Handler)
	if err != nil {
		// Another node may carry the handler, so the join is kept.
		telemetry.RecordError(span, err)
		s.opts.metrics.RecordWakeup(ref.String(), string(outcome), 0, err, false)
		log.WithError(err).Warnf("no handler %s on this node", ref)
		s.retryLater(ctx, join, join.Attempts, s.Interval())
		return resultRetry
	}

	started := time.Now()
	err = invokeHandler(ctx, handler, w)
	duration := time.Since(started)

	if err == nil {
		s.opts.metrics.RecordWakeup(ref.String(), string(outcome), duration, nil, false)
		_ = s.opts.events.PublishWakeup(join.JobID, join.JoinJobID, string(outcome), s.opts.nodeID, nil)
		telemetry.RecordSuccess(span)

		if err := s.joins.remove(ctx, join); err != nil {
			log.WithError(err).Warn("wakeup delivered but join not removed, it will be delivered again")
		}

		if outcome == OutcomeTimedOut {
			return resultTimedOut
		}
		return resultDispatched
	}

	herr := NewHandlerInvocationError(ref.String(), err).WithResource(join.JobID).WithOperation("wakeup")
	permanent := IsPermanent(herr)
	telemetry.RecordError(span, herr)
	s.opts.metrics.RecordWakeup(ref.String(), string(outcome), duration, herr, permanent)
	_ = s.opts.events.PublishWakeup(join.JobID, join.JoinJobID, string(outcome), s.opts.nodeID, herr)

	if !permanent {
		delay := s.retryDelay(w.Attempt)
		log.WithError(herr).Warnf("wakeup attempt %d failed, retrying in %s", w.Attempt, delay)
		s.retryLater(ctx, join, w.Attempt, delay)
		return resultRetry
	}

	log.WithError(herr).Error("wakeup failed permanently, dropping join")
	if err := s.joins.remove(ctx, join); err != nil {
		log.WithError(err).Warn("failed to drop join")
	}
	return resultDropped
}

// retryLater takes join out of the wake candidates for delay. If the store
// rejects the deferral the join stays ready for the next cycle.
func (s *WakeScheduler) retryLater(ctx context.Context, join *stores.Join, attempts int, delay time.Duration) {
	until := s.opts.clock.Now().Add(delay)
	if err := s.joins.deferWakeup(ctx, join, attempts, until); err != nil {
		s.logger.WithJoin(join.JobID, join.JoinJobID).WithError(err).Warn("failed to defer join")
	}
}

// retryDelay is the backoff after a failed delivery attempt: the scheduler
// interval, doubled per attempt up to maxRetryDelay.
func (s *WakeScheduler) retryDelay(attempt int) time.Duration {
	delay := s.Interval()
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// invokeHandler calls h and turns a panic into an error.
func invokeHandler(ctx context.Context, h WakeupHandler, w Wakeup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("wakeup handler panicked: %v", r)
		}
	}()
	return h.HandleWakeup(ctx, w)
}
