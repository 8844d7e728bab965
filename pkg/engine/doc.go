// Package engine provides the clustered asynchronous job engine.
//
// # Overview
//
// Several management nodes share one store. A job is recorded by the node
// that owns it and moves through the job status machine defined in
// pkg/states. Instead of blocking on another job, a job registers a join
// ("job W waits for job J") and returns. When J finishes, the join is
// resolved, and the wake scheduler on a node resumes W through a registered
// wakeup handler.
//
// Components:
//
//   - JobStore: create, start, complete and cancel jobs. Status writes are
//     compare-and-set; the first terminal write wins.
//   - JoinMap: register, resolve and remove joins.
//   - Registry: maps (dispatcher, handler) refs to WakeupHandler values.
//   - Completion: the callback a running job reports its outcome through.
//   - WakeScheduler: the per-node loop that dispatches wakeups.
//
// # Wakeup Paths
//
// A waiting job is woken on one of two paths that end in the same dispatch:
//
//  1. Completion: the joined job finished and its outcome is stored on the
//     join. The handler sees OutcomeCompleted with the joined job's status
//     and result.
//  2. Timeout: the join deadline passed first. The handler sees
//     OutcomeTimedOut. A completion recorded before dispatch wins.
//
// Completions recorded on another node are found by polling: every join is
// re-checked after its wakeup interval.
//
// # Delivery
//
// A join is removed only after its handler returns nil, so a wakeup may be
// delivered more than once and handlers must be idempotent. A handler error
// keeps the join unless it is wrapped with Permanent; the join is retried
// after a backoff that doubles per attempt, behind joins not yet tried.
// Joins sharing a sync source are delivered in creation order; a failure
// holds back the rest of the group.
//
// # Example Usage
//
//	registry := engine.NewRegistry()
//	registry.MustRegister("vm", "resume", engine.WakeupHandlerFunc(resume))
//
//	joins := engine.NewJoinMap(store, engine.WithRegistry(registry))
//	jobs := engine.NewJobStore(store, machine, joins, engine.WithRegistry(registry))
//
//	parent, _ := jobs.Create(ctx, engine.CreateJobRequest{
//	    OwnerNodeID:   "node-1",
//	    Dispatcher:    "vm",
//	    WakeupHandler: "resume",
//	})
//	_, _ = joins.JoinJob(ctx, engine.JoinRequest{
//	    JobID:      parent.ID,
//	    JoinJobID:  child.ID,
//	    JoinNodeID: "node-1",
//	    Timeout:    time.Minute,
//	})
//
//	scheduler := engine.NewWakeScheduler(jobs, joins, registry, engine.WithNodeID("node-1"))
//	_ = scheduler.Start(ctx)
//	defer scheduler.Stop()
//
// # Admission
//
// WithAdmitter attaches an Admitter, such as the OPA engine in pkg/policy,
// that can refuse a job or join after its fields are validated and before it
// is stored. Refusals are permanent POLICY_DENIED errors.
//
// # Error Classification
//
// Errors are EngineError values classified for retry logic:
//
//   - Transient: store failures that may succeed on retry
//   - Conflict: lost compare-and-set races and duplicate joins
//   - Permanent: validation failures, rejected transitions, missing records
//
// Use IsNotFound, IsNoTransition, IsValidation, IsPolicyDenied, IsPermanent
// and IsRetryable to inspect them.
package engine
