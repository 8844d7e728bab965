package stores

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cosmicstack/cosmic/pkg/states"
)

func newTestJob(id, owner string, now time.Time) *Job {
	return &Job{
		ID:            id,
		Cmd:           "test.Cmd",
		CmdInfo:       `{"k":"v"}`,
		OwnerNodeID:   owner,
		Status:        states.JobScheduled,
		Dispatcher:    "default",
		WakeupHandler: "resume",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestJoin(id, jobID, joinJobID string, now time.Time) *Join {
	return &Join{
		ID:               id,
		JobID:            jobID,
		JoinJobID:        joinJobID,
		JoinStatus:       states.JobInProgress,
		JoinNodeID:       "node-a",
		WakeupHandler:    "resume",
		WakeupDispatcher: "default",
		WakeupInterval:   time.Second,
		NextWakeup:       now.Add(time.Second),
		CreatedAt:        now,
	}
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	impls := []struct {
		name  string
		build func(t *testing.T) Store
	}{
		{"sqlite", func(t *testing.T) Store { return setupTestStore(t) }},
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
	}

	for _, impl := range impls {
		t.Run(impl.name, func(t *testing.T) {
			store := impl.build(t)
			defer store.Close()
			fn(t, store)
		})
	}
}

func ms(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func TestJobCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(1_000)

		job := newTestJob("job-1", "node-a", now)
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}

		err := store.CreateJob(ctx, job)
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}

		got, err := store.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("failed to get job: %v", err)
		}
		if got.Cmd != job.Cmd || got.CmdInfo != job.CmdInfo || got.OwnerNodeID != job.OwnerNodeID {
			t.Errorf("unexpected job: %+v", got)
		}
		if got.Status != states.JobScheduled {
			t.Errorf("expected status %s, got %s", states.JobScheduled, got.Status)
		}
		if got.Result != nil || got.StartedAt != nil || got.CompletedAt != nil {
			t.Errorf("expected unset optional fields, got %+v", got)
		}

		_, err = store.GetJob(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		jobs := []*Job{
			newTestJob("a", "node-a", ms(1_000)),
			newTestJob("b", "node-b", ms(2_000)),
			newTestJob("c", "node-a", ms(3_000)),
		}
		for _, j := range jobs {
			if err := store.CreateJob(ctx, j); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}
		if _, err := store.UpdateJobStatus(ctx, "c", states.JobScheduled, states.JobFailed, JobUpdate{At: ms(4_000)}); err != nil {
			t.Fatalf("failed to update job: %v", err)
		}

		tests := []struct {
			name   string
			filter JobFilter
			want   []string
		}{
			{"all newest first", JobFilter{}, []string{"c", "b", "a"}},
			{"by owner", JobFilter{OwnerNodeID: "node-a"}, []string{"c", "a"}},
			{"by status", JobFilter{Status: states.JobScheduled}, []string{"b", "a"}},
			{"limit", JobFilter{Limit: 2}, []string{"c", "b"}},
			{"offset", JobFilter{Limit: 2, Offset: 2}, []string{"a"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.ListJobs(ctx, tt.filter)
				if err != nil {
					t.Fatalf("failed to list jobs: %v", err)
				}
				if ids := jobIDs(got); !reflect.DeepEqual(ids, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, ids)
				}
			})
		}
	})
}

func TestUpdateJobStatusCompareAndSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		if err := store.CreateJob(ctx, newTestJob("job-1", "node-a", ms(1_000))); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}

		// Wrong expected status leaves the row alone.
		ok, err := store.UpdateJobStatus(ctx, "job-1", states.JobInProgress, states.JobSucceeded, JobUpdate{At: ms(2_000)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected CAS to miss")
		}

		first := "first"
		ok, err = store.UpdateJobStatus(ctx, "job-1", states.JobScheduled, states.JobSucceeded, JobUpdate{Result: &first, At: ms(3_000)})
		if err != nil || !ok {
			t.Fatalf("expected CAS to apply, got ok=%v err=%v", ok, err)
		}

		second := "second"
		ok, _ = store.UpdateJobStatus(ctx, "job-1", states.JobScheduled, states.JobFailed, JobUpdate{Result: &second, At: ms(4_000)})
		if ok {
			t.Fatal("expected second writer to lose")
		}

		job, err := store.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("failed to get job: %v", err)
		}
		if job.Status != states.JobSucceeded || job.Result == nil || *job.Result != first {
			t.Errorf("expected first writer's outcome, got status=%s result=%v", job.Status, job.Result)
		}

		ok, err = store.UpdateJobStatus(ctx, "missing", states.JobScheduled, states.JobInProgress, JobUpdate{At: ms(5_000)})
		if err != nil || ok {
			t.Errorf("expected missing job to report no change, got ok=%v err=%v", ok, err)
		}
	})
}

func TestReassignJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for _, j := range []*Job{
			newTestJob("a", "node-a", ms(1_000)),
			newTestJob("b", "node-a", ms(1_000)),
			newTestJob("c", "node-b", ms(1_000)),
		} {
			if err := store.CreateJob(ctx, j); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}
		if _, err := store.UpdateJobStatus(ctx, "b", states.JobScheduled, states.JobCancelled, JobUpdate{At: ms(2_000)}); err != nil {
			t.Fatalf("failed to cancel job: %v", err)
		}

		n, err := store.ReassignJobs(ctx, "node-a", "node-c", ms(3_000))
		if err != nil {
			t.Fatalf("failed to reassign: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 reassigned job, got %d", n)
		}

		a, _ := store.GetJob(ctx, "a")
		if a.OwnerNodeID != "node-c" {
			t.Errorf("expected a owned by node-c, got %s", a.OwnerNodeID)
		}
		b, _ := store.GetJob(ctx, "b")
		if b.OwnerNodeID != "node-a" {
			t.Errorf("expected terminal job b to stay on node-a, got %s", b.OwnerNodeID)
		}
	})
}

func TestJoinCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(1_000)

		for _, id := range []string{"w1", "w2", "t1", "t2"} {
			if err := store.CreateJob(ctx, newTestJob(id, "node-a", now)); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}

		deadline := ms(9_000)
		source := "src-1"
		first := newTestJoin("j-1", "w1", "t1", now)
		first.Expiration = &deadline
		first.SyncSourceID = &source

		joins := []*Join{
			first,
			newTestJoin("j-2", "w1", "t2", now),
			newTestJoin("j-3", "w2", "t1", now),
		}
		for _, j := range joins {
			if err := store.CreateJoin(ctx, j); err != nil {
				t.Fatalf("failed to create join: %v", err)
			}
		}
		if !(joins[0].Seq < joins[1].Seq && joins[1].Seq < joins[2].Seq) {
			t.Errorf("expected increasing sequence, got %d %d %d", joins[0].Seq, joins[1].Seq, joins[2].Seq)
		}

		err := store.CreateJoin(ctx, newTestJoin("j-dup", "w1", "t1", now))
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}

		got, err := store.GetJoin(ctx, "w1", "t1")
		if err != nil {
			t.Fatalf("failed to get join: %v", err)
		}
		if got.Expiration == nil || !got.Expiration.Equal(deadline) {
			t.Errorf("expected expiration %v, got %v", deadline, got.Expiration)
		}
		if got.SyncSourceID == nil || *got.SyncSourceID != source {
			t.Errorf("expected sync source %s, got %v", source, got.SyncSourceID)
		}
		if got.WakeupInterval != time.Second {
			t.Errorf("expected interval 1s, got %v", got.WakeupInterval)
		}
		if got.Resolved() {
			t.Error("expected fresh join to be unresolved")
		}

		byJob, _ := store.ListJoinsByJob(ctx, "w1")
		if ids := joinIDs(byJob); !reflect.DeepEqual(ids, []string{"j-1", "j-2"}) {
			t.Errorf("expected [j-1 j-2], got %v", ids)
		}
		byJoined, _ := store.ListJoinsByJoinedJob(ctx, "t1")
		if ids := joinIDs(byJoined); !reflect.DeepEqual(ids, []string{"j-1", "j-3"}) {
			t.Errorf("expected [j-1 j-3], got %v", ids)
		}

		if err := store.DeleteJoin(ctx, "w1", "t1"); err != nil {
			t.Fatalf("failed to delete join: %v", err)
		}
		if err := store.DeleteJoin(ctx, "w1", "t1"); err != nil {
			t.Errorf("expected repeated delete to succeed, got %v", err)
		}
		if _, err := store.GetJoin(ctx, "w1", "t1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		n, err := store.DeleteJoinsByJob(ctx, "w1")
		if err != nil || n != 1 {
			t.Errorf("expected 1 join removed, got n=%d err=%v", n, err)
		}
		n, _ = store.DeleteJoinsByJob(ctx, "w1")
		if n != 0 {
			t.Errorf("expected 0 on second disjoin, got %d", n)
		}
	})
}

func TestCompleteJoinsAndWake(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(1_000)

		for _, id := range []string{"w1", "w2", "w3", "t1", "t2"} {
			if err := store.CreateJob(ctx, newTestJob(id, "node-a", now)); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}
		for _, j := range []*Join{
			newTestJoin("j-1", "w2", "t1", now),
			newTestJoin("j-2", "w1", "t1", now),
			newTestJoin("j-3", "w3", "t2", now),
		} {
			if err := store.CreateJoin(ctx, j); err != nil {
				t.Fatalf("failed to create join: %v", err)
			}
		}

		ids, _ := store.FindJobsToWake(ctx, "t1")
		if len(ids) != 0 {
			t.Errorf("expected nothing to wake before completion, got %v", ids)
		}

		result := `{"answer":42}`
		n, err := store.CompleteJoins(ctx, "t1", states.JobSucceeded, &result, "node-b", ms(2_000))
		if err != nil || n != 2 {
			t.Fatalf("expected 2 joins completed, got n=%d err=%v", n, err)
		}

		// A later outcome does not overwrite a resolved join.
		other := "late"
		n, _ = store.CompleteJoins(ctx, "t1", states.JobFailed, &other, "node-c", ms(3_000))
		if n != 0 {
			t.Errorf("expected resolved joins to stay put, got %d changed", n)
		}

		ids, err = store.FindJobsToWake(ctx, "t1")
		if err != nil {
			t.Fatalf("failed to find jobs to wake: %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"w2", "w1"}) {
			t.Errorf("expected [w2 w1] in creation order, got %v", ids)
		}

		join, _ := store.GetJoin(ctx, "w1", "t1")
		if join.JoinStatus != states.JobSucceeded {
			t.Errorf("expected join status succeeded, got %s", join.JoinStatus)
		}
		if join.JoinResult == nil || *join.JoinResult != result {
			t.Errorf("expected join result %s, got %v", result, join.JoinResult)
		}
		if join.CompleteNodeID == nil || *join.CompleteNodeID != "node-b" {
			t.Errorf("expected complete node node-b, got %v", join.CompleteNodeID)
		}
		if join.CompletedAt == nil || !join.CompletedAt.Equal(ms(2_000)) {
			t.Errorf("expected completed at 2000ms, got %v", join.CompletedAt)
		}

		ids, _ = store.FindJobsToWake(ctx, "t2")
		if len(ids) != 0 {
			t.Errorf("expected t2 waiters to keep waiting, got %v", ids)
		}
	})
}

func TestFindJobsToWakeBetween(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(0)

		for _, id := range []string{"w1", "w2", "w3", "t1", "t2"} {
			if err := store.CreateJob(ctx, newTestJob(id, "node-a", now)); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}

		at := func(v int64) *time.Time { tm := ms(v); return &tm }

		joins := []*Join{
			newTestJoin("j-1", "w1", "t1", now),
			newTestJoin("j-2", "w1", "t2", now),
			newTestJoin("j-3", "w2", "t1", now),
			newTestJoin("j-4", "w3", "t1", now),
		}
		joins[0].Expiration = at(5_000)
		joins[1].Expiration = at(6_000)
		joins[2].Expiration = at(20_000)
		for _, j := range joins {
			if err := store.CreateJoin(ctx, j); err != nil {
				t.Fatalf("failed to create join: %v", err)
			}
		}

		ids, err := store.FindJobsToWakeBetween(ctx, ms(10_000))
		if err != nil {
			t.Fatalf("failed to find expired: %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"w1"}) {
			t.Errorf("expected [w1], got %v", ids)
		}

		// Deadline exactly at the cutoff counts.
		ids, _ = store.FindJobsToWakeBetween(ctx, ms(5_000))
		if !reflect.DeepEqual(ids, []string{"w1"}) {
			t.Errorf("expected [w1] at the boundary, got %v", ids)
		}

		// Resolved joins are not expired, whatever their deadline.
		if _, err := store.CompleteJoins(ctx, "t1", states.JobSucceeded, nil, "node-a", ms(1_000)); err != nil {
			t.Fatalf("failed to complete joins: %v", err)
		}
		ids, _ = store.FindJobsToWakeBetween(ctx, ms(30_000))
		if !reflect.DeepEqual(ids, []string{"w1"}) {
			t.Errorf("expected only w1 via its t2 join, got %v", ids)
		}
	})
}

func TestListWakeCandidatesAndPolls(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(0)

		for _, j := range []*Job{
			newTestJob("w1", "node-a", now),
			newTestJob("w2", "node-b", now),
			newTestJob("w3", "node-a", now),
			newTestJob("t1", "node-a", now),
			newTestJob("t2", "node-a", now),
		} {
			if err := store.CreateJob(ctx, j); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}

		deadline := ms(5_000)
		expiring := newTestJoin("j-3", "w3", "t2", now)
		expiring.Expiration = &deadline
		for _, j := range []*Join{
			newTestJoin("j-1", "w1", "t1", now),
			newTestJoin("j-2", "w2", "t1", now),
			expiring,
		} {
			if err := store.CreateJoin(ctx, j); err != nil {
				t.Fatalf("failed to create join: %v", err)
			}
		}
		if _, err := store.CompleteJoins(ctx, "t1", states.JobFailed, nil, "node-a", ms(1_000)); err != nil {
			t.Fatalf("failed to complete joins: %v", err)
		}

		tests := []struct {
			name  string
			query WakeQuery
			want  []string
		}{
			{"resolved only", WakeQuery{Now: ms(1_000)}, []string{"j-1", "j-2"}},
			{"resolved and expired", WakeQuery{Now: ms(5_000)}, []string{"j-1", "j-2", "j-3"}},
			{"owned by node-a", WakeQuery{Now: ms(5_000), OwnerNodeID: "node-a"}, []string{"j-1", "j-3"}},
			{"limited", WakeQuery{Now: ms(5_000), Limit: 1}, []string{"j-1"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.ListWakeCandidates(ctx, tt.query)
				if err != nil {
					t.Fatalf("failed to list candidates: %v", err)
				}
				if ids := joinIDs(got); !reflect.DeepEqual(ids, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, ids)
				}
			})
		}

		// Only unresolved j-3 is pollable; its next wakeup is 1s after creation.
		polls, _ := store.ListDuePolls(ctx, ms(500), 0)
		if len(polls) != 0 {
			t.Errorf("expected no due polls yet, got %v", joinIDs(polls))
		}
		polls, _ = store.ListDuePolls(ctx, ms(1_000), 0)
		if ids := joinIDs(polls); !reflect.DeepEqual(ids, []string{"j-3"}) {
			t.Errorf("expected [j-3], got %v", ids)
		}

		if err := store.TouchJoin(ctx, "j-3", ms(3_000)); err != nil {
			t.Fatalf("failed to touch join: %v", err)
		}
		polls, _ = store.ListDuePolls(ctx, ms(2_000), 0)
		if len(polls) != 0 {
			t.Errorf("expected touched join to be deferred, got %v", joinIDs(polls))
		}
		polls, _ = store.ListDuePolls(ctx, ms(3_000), 0)
		if len(polls) != 1 {
			t.Errorf("expected touched join due at 3s, got %v", joinIDs(polls))
		}
	})
}

func TestDeferJoin(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(0)

		for _, id := range []string{"w1", "w2", "w3", "w4", "t1"} {
			if err := store.CreateJob(ctx, newTestJob(id, "node-a", now)); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}
		source := "src-1"
		queued := []*Join{
			newTestJoin("j-1", "w1", "t1", now),
			newTestJoin("j-2", "w2", "t1", now),
			newTestJoin("j-3", "w3", "t1", now),
			newTestJoin("j-4", "w4", "t1", now),
		}
		queued[2].SyncSourceID = &source
		queued[3].SyncSourceID = &source
		for _, j := range queued {
			if err := store.CreateJoin(ctx, j); err != nil {
				t.Fatalf("failed to create join: %v", err)
			}
		}
		if _, err := store.CompleteJoins(ctx, "t1", states.JobSucceeded, nil, "node-a", now); err != nil {
			t.Fatalf("failed to complete joins: %v", err)
		}

		if err := store.DeferJoin(ctx, "j-1", 2, ms(2_000)); err != nil {
			t.Fatalf("failed to defer join: %v", err)
		}
		if err := store.DeferJoin(ctx, "j-3", 1, ms(1_000)); err != nil {
			t.Fatalf("failed to defer join: %v", err)
		}

		got, err := store.GetJoin(ctx, "w1", "t1")
		if err != nil {
			t.Fatalf("failed to get join: %v", err)
		}
		if got.Attempts != 2 || got.RetryAfter == nil || !got.RetryAfter.Equal(ms(2_000)) {
			t.Errorf("expected 2 attempts retried at 2s, got %d %v", got.Attempts, got.RetryAfter)
		}

		// j-4 is held behind deferred j-3 of the same source, whatever the time.
		tests := []struct {
			name string
			now  time.Time
			want []string
		}{
			{"both deferred", ms(500), []string{"j-2"}},
			{"fresh before retried", ms(1_000), []string{"j-2", "j-3"}},
			{"retried by retry time", ms(2_000), []string{"j-2", "j-3", "j-1"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.ListWakeCandidates(ctx, WakeQuery{Now: tt.now})
				if err != nil {
					t.Fatalf("failed to list candidates: %v", err)
				}
				if ids := joinIDs(got); !reflect.DeepEqual(ids, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, ids)
				}
			})
		}

		if err := store.DeleteJoinByID(ctx, "j-3"); err != nil {
			t.Fatalf("failed to delete join: %v", err)
		}
		if err := store.DeleteJoinByID(ctx, "j-3"); err != nil {
			t.Errorf("expected repeated delete to succeed, got %v", err)
		}
		got2, _ := store.ListWakeCandidates(ctx, WakeQuery{Now: ms(500)})
		if ids := joinIDs(got2); !reflect.DeepEqual(ids, []string{"j-2", "j-4"}) {
			t.Errorf("expected j-4 released once j-3 is gone, got %v", ids)
		}
	})
}

func TestListDuePollsOldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(0)

		for _, id := range []string{"w1", "w2", "w3", "t1"} {
			if err := store.CreateJob(ctx, newTestJob(id, "node-a", now)); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}
		for _, j := range []*Join{
			newTestJoin("j-1", "w1", "t1", now),
			newTestJoin("j-2", "w2", "t1", now),
			newTestJoin("j-3", "w3", "t1", now),
		} {
			if err := store.CreateJoin(ctx, j); err != nil {
				t.Fatalf("failed to create join: %v", err)
			}
		}
		for _, id := range []string{"j-1", "j-2"} {
			if err := store.TouchJoin(ctx, id, ms(2_000)); err != nil {
				t.Fatalf("failed to touch join: %v", err)
			}
		}

		polls, err := store.ListDuePolls(ctx, ms(2_000), 2)
		if err != nil {
			t.Fatalf("failed to list polls: %v", err)
		}
		if ids := joinIDs(polls); !reflect.DeepEqual(ids, []string{"j-3", "j-1"}) {
			t.Errorf("expected [j-3 j-1], got %v", ids)
		}
	})
}

// Both stores keep millisecond precision, so a deadline inside the same
// millisecond as the query time reads the same everywhere.
func TestMillisecondPrecision(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := ms(10_000)

		for _, id := range []string{"w1", "t1"} {
			if err := store.CreateJob(ctx, newTestJob(id, "node-a", now)); err != nil {
				t.Fatalf("failed to create job: %v", err)
			}
		}
		deadline := now.Add(500 * time.Microsecond)
		join := newTestJoin("j-1", "w1", "t1", now)
		join.Expiration = &deadline
		if err := store.CreateJoin(ctx, join); err != nil {
			t.Fatalf("failed to create join: %v", err)
		}

		got, err := store.GetJoin(ctx, "w1", "t1")
		if err != nil {
			t.Fatalf("failed to get join: %v", err)
		}
		if got.Expiration == nil || !got.Expiration.Equal(now) {
			t.Errorf("expected expiration truncated to %v, got %v", now, got.Expiration)
		}

		candidates, err := store.ListWakeCandidates(ctx, WakeQuery{Now: now})
		if err != nil {
			t.Fatalf("failed to list candidates: %v", err)
		}
		if len(candidates) != 1 {
			t.Errorf("expected the join to be expired at %v, got %v", now, joinIDs(candidates))
		}
		ids, err := store.FindJobsToWakeBetween(ctx, now)
		if err != nil {
			t.Fatalf("failed to find jobs: %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"w1"}) {
			t.Errorf("expected [w1], got %v", ids)
		}
	})
}

func jobIDs(jobs []*Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func joinIDs(joins []*Join) []string {
	ids := make([]string, 0, len(joins))
	for _, j := range joins {
		ids = append(ids, j.ID)
	}
	return ids
}
