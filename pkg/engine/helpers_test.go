package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
)

const (
	testNode       = "node-1"
	testDispatcher = "test"
	testHandler    = "resume"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingHandler records every wakeup it receives. fail, when set, decides
// the error returned for each wakeup.
type recordingHandler struct {
	mu      sync.Mutex
	wakeups []Wakeup
	fail    func(w Wakeup) error
	notify  chan Wakeup
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan Wakeup, 64)}
}

func (h *recordingHandler) HandleWakeup(_ context.Context, w Wakeup) error {
	h.mu.Lock()
	h.wakeups = append(h.wakeups, w)
	fail := h.fail
	h.mu.Unlock()

	select {
	case h.notify <- w:
	default:
	}

	if fail != nil {
		return fail(w)
	}
	return nil
}

func (h *recordingHandler) setFail(fn func(w Wakeup) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = fn
}

func (h *recordingHandler) received() []Wakeup {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Wakeup, len(h.wakeups))
	copy(out, h.wakeups)
	return out
}

func (h *recordingHandler) jobIDs() []string {
	var ids []string
	for _, w := range h.received() {
		ids = append(ids, w.JobID)
	}
	return ids
}

// testEnv wires a job store, join map and scheduler over one store.
type testEnv struct {
	store     stores.Store
	clock     *fakeClock
	registry  *Registry
	handler   *recordingHandler
	jobs      *JobStore
	joins     *JoinMap
	scheduler *WakeScheduler
}

func newTestEnv(t *testing.T, store stores.Store, opts ...Option) *testEnv {
	t.Helper()

	machine, err := states.NewJobMachine()
	if err != nil {
		t.Fatalf("failed to build job machine: %v", err)
	}

	env := &testEnv{
		store:    store,
		clock:    newFakeClock(),
		registry: NewRegistry(),
		handler:  newRecordingHandler(),
	}
	env.registry.MustRegister(testDispatcher, testHandler, env.handler)

	base := []Option{
		WithClock(env.clock),
		WithRegistry(env.registry),
		WithNodeID(testNode),
		WithWorkers(4),
	}
	opts = append(base, opts...)

	env.joins = NewJoinMap(store, opts...)
	env.jobs = NewJobStore(store, machine, env.joins, opts...)
	env.scheduler = NewWakeScheduler(env.jobs, env.joins, env.registry, opts...)
	return env
}

func newSQLiteStore(t *testing.T) stores.Store {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// forEachStore runs fn against the SQLite and the in-memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, store stores.Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, stores.NewMemoryStore())
	})
}

func (e *testEnv) createJob(t *testing.T) *stores.Job {
	t.Helper()

	job, err := e.jobs.Create(context.Background(), CreateJobRequest{
		Cmd:           "test.cmd",
		OwnerNodeID:   testNode,
		Dispatcher:    testDispatcher,
		WakeupHandler: testHandler,
	})
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func (e *testEnv) join(t *testing.T, req JoinRequest) *stores.Join {
	t.Helper()

	if req.JoinNodeID == "" {
		req.JoinNodeID = testNode
	}
	join, err := e.joins.JoinJob(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to join %s on %s: %v", req.JobID, req.JoinJobID, err)
	}
	return join
}

func (e *testEnv) complete(t *testing.T, id string, status states.JobStatus, result string) *stores.Job {
	t.Helper()

	var res *string
	if result != "" {
		res = &result
	}
	job, err := e.jobs.Complete(context.Background(), id, status, res, testNode)
	if err != nil {
		t.Fatalf("failed to complete job %s: %v", id, err)
	}
	return job
}

func (e *testEnv) runCycle(t *testing.T) CycleReport {
	t.Helper()

	report, err := e.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	return report
}

func strPtr(s string) *string { return &s }

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var errHandler = errors.New("handler failed")
