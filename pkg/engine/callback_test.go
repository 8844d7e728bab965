package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
)

func TestCompletionOnComplete(t *testing.T) {
	tests := []struct {
		name       string
		result     string
		err        error
		wantStatus states.JobStatus
		wantResult string
	}{
		{
			name:       "success",
			result:     "copied 10GiB",
			wantStatus: states.JobSucceeded,
			wantResult: "copied 10GiB",
		},
		{
			name:       "success without result",
			wantStatus: states.JobSucceeded,
		},
		{
			name:       "failure",
			result:     "ignored",
			err:        errors.New("disk full"),
			wantStatus: states.JobFailed,
			wantResult: "disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, stores.NewMemoryStore())
			ctx := context.Background()
			job := env.createJob(t)

			cb := NewCompletion(env.jobs, job.ID, "node-7")
			if cb.JobID() != job.ID {
				t.Errorf("expected job id %s, got %s", job.ID, cb.JobID())
			}
			if err := cb.OnComplete(ctx, tt.result, tt.err); err != nil {
				t.Fatalf("OnComplete failed: %v", err)
			}

			got, err := env.jobs.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("failed to get job: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, got.Status)
			}
			if derefString(got.Result) != tt.wantResult {
				t.Errorf("expected result %q, got %q", tt.wantResult, derefString(got.Result))
			}
			if derefString(got.CompleteNodeID) != "node-7" {
				t.Errorf("expected complete node node-7, got %q", derefString(got.CompleteNodeID))
			}
		})
	}
}

func TestCompletionDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t, stores.NewMemoryStore())
	ctx := context.Background()
	job := env.createJob(t)

	done := NewCompletion(env.jobs, job.ID, testNode).Func(ctx)
	if err := done("first", nil); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := done("", errors.New("late failure")); err != nil {
		t.Fatalf("duplicate delivery must be tolerated: %v", err)
	}

	got, err := env.jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != states.JobSucceeded || derefString(got.Result) != "first" {
		t.Errorf("first delivery must win, got %s/%q", got.Status, derefString(got.Result))
	}
}

func TestCompletionUnknownJob(t *testing.T) {
	env := newTestEnv(t, stores.NewMemoryStore())

	err := NewCompletion(env.jobs, "missing", testNode).OnComplete(context.Background(), "", nil)
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
