package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cosmicstack/cosmic/pkg/states"
)

// MemoryStore implements the Store interface in process memory. It is used
// by tests and by single-node deployments that do not need durability.
// Times are kept at millisecond precision, like the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	joins   map[joinKey]*Join
	nextSeq int64
}

type joinKey struct {
	jobID     string
	joinJobID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		joins: make(map[joinKey]*Join),
	}
}

func (s *MemoryStore) Init(_ context.Context) error    { return nil }
func (s *MemoryStore) Close() error                    { return nil }
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}
	c := cloneJob(job)
	c.CreatedAt = truncate(c.CreatedAt)
	c.UpdatedAt = truncate(c.UpdatedAt)
	c.StartedAt = truncatePtr(c.StartedAt)
	c.CompletedAt = truncatePtr(c.CompletedAt)
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, job := range s.jobs {
		if filter.OwnerNodeID != "" && job.OwnerNodeID != filter.OwnerNodeID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, cloneJob(job))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id string, from, to states.JobStatus, update JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}

	at := truncate(update.At)
	job.Status = to
	job.UpdatedAt = at
	if update.Result != nil {
		job.Result = copyString(update.Result)
	}
	if update.CompleteNodeID != nil {
		job.CompleteNodeID = copyString(update.CompleteNodeID)
	}
	if to == states.JobInProgress {
		job.StartedAt = &at
	}
	if to.IsTerminal() {
		job.CompletedAt = &at
	}
	return true, nil
}

func (s *MemoryStore) ReassignJobs(_ context.Context, fromNode, toNode string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, job := range s.jobs {
		if job.OwnerNodeID == fromNode && !job.Status.IsTerminal() {
			job.OwnerNodeID = toNode
			job.UpdatedAt = truncate(at)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateJoin(_ context.Context, join *Join) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := joinKey{join.JobID, join.JoinJobID}
	if _, ok := s.joins[key]; ok {
		return fmt.Errorf("join %s -> %s: %w", join.JobID, join.JoinJobID, ErrAlreadyExists)
	}
	if _, ok := s.jobs[join.JobID]; !ok {
		return fmt.Errorf("job %s: %w", join.JobID, ErrNotFound)
	}
	if _, ok := s.jobs[join.JoinJobID]; !ok {
		return fmt.Errorf("job %s: %w", join.JoinJobID, ErrNotFound)
	}

	s.nextSeq++
	join.Seq = s.nextSeq
	c := cloneJoin(join)
	c.Expiration = truncatePtr(c.Expiration)
	c.NextWakeup = truncate(c.NextWakeup)
	c.CreatedAt = truncate(c.CreatedAt)
	c.CompletedAt = truncatePtr(c.CompletedAt)
	c.RetryAfter = truncatePtr(c.RetryAfter)
	s.joins[key] = c
	return nil
}

func (s *MemoryStore) GetJoin(_ context.Context, jobID, joinJobID string) (*Join, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	join, ok := s.joins[joinKey{jobID, joinJobID}]
	if !ok {
		return nil, fmt.Errorf("join %s -> %s: %w", jobID, joinJobID, ErrNotFound)
	}
	return cloneJoin(join), nil
}

func (s *MemoryStore) ListJoinsByJob(_ context.Context, jobID string) ([]*Join, error) {
	return s.selectJoins(func(j *Join) bool { return j.JobID == jobID }, nil), nil
}

func (s *MemoryStore) ListJoinsByJoinedJob(_ context.Context, joinJobID string) ([]*Join, error) {
	return s.selectJoins(func(j *Join) bool { return j.JoinJobID == joinJobID }, nil), nil
}

func (s *MemoryStore) DeleteJoin(_ context.Context, jobID, joinJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.joins, joinKey{jobID, joinJobID})
	return nil
}

func (s *MemoryStore) DeleteJoinByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, join := range s.joins {
		if join.ID == id {
			delete(s.joins, key)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) DeleteJoinsByJob(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key := range s.joins {
		if key.jobID == jobID {
			delete(s.joins, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CompleteJoins(_ context.Context, joinJobID string, status states.JobStatus, result *string, nodeID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, join := range s.joins {
		if join.JoinJobID != joinJobID || join.Resolved() {
			continue
		}
		completed := truncate(at)
		join.JoinStatus = status
		join.JoinResult = copyString(result)
		join.CompleteNodeID = copyString(&nodeID)
		join.CompletedAt = &completed
		n++
	}
	return n, nil
}

func (s *MemoryStore) FindJobsToWake(_ context.Context, joinJobID string) ([]string, error) {
	joins := s.selectJoins(func(j *Join) bool {
		return j.JoinJobID == joinJobID && j.Resolved()
	}, nil)
	return distinctJobIDs(joins), nil
}

func (s *MemoryStore) FindJobsToWakeBetween(_ context.Context, cutoff time.Time) ([]string, error) {
	cutoff = truncate(cutoff)
	joins := s.selectJoins(func(j *Join) bool {
		return !j.Resolved() && j.Expired(cutoff)
	}, nil)
	return distinctJobIDs(joins), nil
}

func (s *MemoryStore) ListWakeCandidates(_ context.Context, q WakeQuery) ([]*Join, error) {
	now := truncate(q.Now)

	s.mu.RLock()
	owners := make(map[string]string, len(s.jobs))
	for id, job := range s.jobs {
		owners[id] = job.OwnerNodeID
	}
	// firstDeferred is the lowest Seq of a deferred join per sync source.
	firstDeferred := make(map[string]int64)
	for _, join := range s.joins {
		src := syncSource(join)
		if src == "" || join.RetryAfter == nil {
			continue
		}
		if seq, ok := firstDeferred[src]; !ok || join.Seq < seq {
			firstDeferred[src] = join.Seq
		}
	}
	s.mu.RUnlock()

	out := s.selectJoins(func(j *Join) bool {
		if q.OwnerNodeID != "" && owners[j.JobID] != q.OwnerNodeID {
			return false
		}
		if !j.Resolved() && !j.Expired(now) {
			return false
		}
		if j.RetryAfter != nil && j.RetryAfter.After(now) {
			return false
		}
		if seq, ok := firstDeferred[syncSource(j)]; ok && seq < j.Seq {
			return false
		}
		return true
	}, func(a, b *Join) bool {
		ra, rb := retryOrder(a), retryOrder(b)
		if ra != rb {
			return ra < rb
		}
		return a.Seq < b.Seq
	})
	return page(out, 0, q.Limit), nil
}

func (s *MemoryStore) ListDuePolls(_ context.Context, now time.Time, limit int) ([]*Join, error) {
	now = truncate(now)
	out := s.selectJoins(func(j *Join) bool {
		return !j.Resolved() && !j.NextWakeup.After(now)
	}, func(a, b *Join) bool {
		if !a.NextWakeup.Equal(b.NextWakeup) {
			return a.NextWakeup.Before(b.NextWakeup)
		}
		return a.Seq < b.Seq
	})
	return page(out, 0, limit), nil
}

func (s *MemoryStore) TouchJoin(_ context.Context, id string, nextWakeup time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if join := s.joinByID(id); join != nil {
		join.NextWakeup = truncate(nextWakeup)
	}
	return nil
}

func (s *MemoryStore) DeferJoin(_ context.Context, id string, attempts int, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if join := s.joinByID(id); join != nil {
		at := truncate(retryAfter)
		join.Attempts = attempts
		join.RetryAfter = &at
	}
	return nil
}

// joinByID finds a join by id. The caller holds mu.
func (s *MemoryStore) joinByID(id string) *Join {
	for _, join := range s.joins {
		if join.ID == id {
			return join
		}
	}
	return nil
}

// selectJoins returns copies of the matching joins ordered by less, or by Seq
// when less is nil.
func (s *MemoryStore) selectJoins(match func(*Join) bool, less func(a, b *Join) bool) []*Join {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Join
	for _, join := range s.joins {
		if match(join) {
			out = append(out, cloneJoin(join))
		}
	}
	if less == nil {
		less = func(a, b *Join) bool { return a.Seq < b.Seq }
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })

	return out
}

func syncSource(j *Join) string {
	if j.SyncSourceID == nil {
		return ""
	}
	return *j.SyncSourceID
}

// retryOrder ranks joins never deferred ahead of deferred ones.
func retryOrder(j *Join) int64 {
	if j.RetryAfter == nil {
		return 0
	}
	return toMillis(*j.RetryAfter)
}

func distinctJobIDs(joins []*Join) []string {
	seen := make(map[string]bool, len(joins))
	var ids []string
	for _, j := range joins {
		if !seen[j.JobID] {
			seen[j.JobID] = true
			ids = append(ids, j.JobID)
		}
	}
	return ids
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Result = copyString(j.Result)
	c.CompleteNodeID = copyString(j.CompleteNodeID)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	return &c
}

func cloneJoin(j *Join) *Join {
	c := *j
	c.JoinResult = copyString(j.JoinResult)
	c.CompleteNodeID = copyString(j.CompleteNodeID)
	c.SyncSourceID = copyString(j.SyncSourceID)
	c.Expiration = copyTime(j.Expiration)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.RetryAfter = copyTime(j.RetryAfter)
	return &c
}

// truncate drops sub-millisecond precision the way the SQLite store does.
func truncate(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := truncate(*t)
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
