package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cosmicstack/cosmic/pkg/stores"
)

// fakeAdmitter refuses jobs running "forbidden" and joins longer than a day.
type fakeAdmitter struct {
	joins []JoinRequest
}

func (a *fakeAdmitter) AdmitJob(_ context.Context, req CreateJobRequest) error {
	if req.Cmd == "forbidden" {
		return NewPolicyDeniedError("no-forbidden", "cmd forbidden is not allowed")
	}
	if req.Cmd == "broken" {
		return errors.New("policy store unavailable")
	}
	return nil
}

func (a *fakeAdmitter) AdmitJoin(_ context.Context, req JoinRequest) error {
	a.joins = append(a.joins, req)
	if req.Timeout > 24*time.Hour {
		return NewPolicyDeniedError("max-timeout", "join timeout exceeds one day")
	}
	return nil
}

func TestJobStoreAdmission(t *testing.T) {
	env := newTestEnv(t, stores.NewMemoryStore(), WithAdmitter(&fakeAdmitter{}))
	ctx := context.Background()

	tests := []struct {
		name   string
		cmd    string
		denied bool
	}{
		{name: "admitted", cmd: "vm.start"},
		{name: "denied", cmd: "forbidden", denied: true},
		{name: "plain error", cmd: "broken", denied: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := env.jobs.Create(ctx, CreateJobRequest{Cmd: tt.cmd, OwnerNodeID: testNode})
			if !tt.denied {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if job.ID == "" {
					t.Error("expected an id")
				}
				return
			}

			if !IsPolicyDenied(err) || !IsPermanent(err) {
				t.Fatalf("expected a permanent policy denial, got %v", err)
			}
			var ee *EngineError
			if errors.As(err, &ee) && ee.Operation != "create" {
				t.Errorf("expected operation create, got %q", ee.Operation)
			}
		})
	}

	jobs, err := env.jobs.List(ctx, stores.JobFilter{})
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("denied jobs must not be stored, got %d jobs", len(jobs))
	}
}

func TestJoinMapAdmission(t *testing.T) {
	admitter := &fakeAdmitter{}
	env := newTestEnv(t, stores.NewMemoryStore(), WithAdmitter(admitter))
	ctx := context.Background()

	parent := env.createJob(t)
	child := env.createJob(t)

	_, err := env.joins.JoinJob(ctx, JoinRequest{
		JobID:      parent.ID,
		JoinJobID:  child.ID,
		JoinNodeID: testNode,
		Timeout:    48 * time.Hour,
	})
	if !IsPolicyDenied(err) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if _, err := env.joins.GetJoinRecord(ctx, parent.ID, child.ID); !IsNotFound(err) {
		t.Errorf("denied join must not be stored, got %v", err)
	}

	env.join(t, JoinRequest{JobID: parent.ID, JoinJobID: child.ID, Timeout: time.Hour})

	if len(admitter.joins) != 2 {
		t.Fatalf("expected 2 admission calls, got %d", len(admitter.joins))
	}
	got := admitter.joins[1]
	if got.Dispatcher != testDispatcher || got.WakeupHandler != testHandler {
		t.Errorf("admitter must see the defaulted refs, got %s/%s", got.Dispatcher, got.WakeupHandler)
	}
}

func TestAdmissionSkippedForInvalidRequests(t *testing.T) {
	admitter := &fakeAdmitter{}
	env := newTestEnv(t, stores.NewMemoryStore(), WithAdmitter(admitter))

	_, err := env.joins.JoinJob(context.Background(), JoinRequest{JobID: "a", JoinJobID: "a", JoinNodeID: testNode})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(admitter.joins) != 0 {
		t.Error("field validation must run before admission")
	}
}
