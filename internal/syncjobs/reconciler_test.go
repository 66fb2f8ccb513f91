package syncjobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/attendwise/syncengine/internal/models"
)

type mockStore struct {
	jobs       []models.SyncJob
	terminated map[uuid.UUID]string
}

func newMockStore(jobs ...models.SyncJob) *mockStore {
	return &mockStore{jobs: jobs, terminated: make(map[uuid.UUID]string)}
}

func (m *mockStore) ListNonTerminal(_ context.Context, connectionID uuid.UUID) ([]models.SyncJob, error) {
	var out []models.SyncJob
	for _, j := range m.jobs {
		if j.ConnectionID == connectionID && !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *mockStore) ListNonTerminalAll(_ context.Context) ([]models.SyncJob, error) {
	var out []models.SyncJob
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *mockStore) ForceTerminate(_ context.Context, jobID uuid.UUID, outcome models.JobStatus, reason string) error {
	m.terminated[jobID] = string(outcome) + ": " + reason
	for i := range m.jobs {
		if m.jobs[i].ID == jobID {
			m.jobs[i].Status = outcome
		}
	}
	return nil
}

func jobAged(connID uuid.UUID, age, sinceProgress time.Duration, now time.Time) models.SyncJob {
	return models.SyncJob{
		ID:           uuid.New(),
		ConnectionID: connID,
		Status:       models.JobStatusRunning,
		CreatedAt:    now.Add(-age),
		UpdatedAt:    now.Add(-sinceProgress),
	}
}

func newTestReconciler(store *mockStore, now time.Time) *Reconciler {
	r := NewReconciler(store, 10*time.Minute, 30*time.Minute, nil)
	r.now = func() time.Time { return now }
	return r
}

func TestReconcileFreshJobUntouched(t *testing.T) {
	now := time.Now()
	connID := uuid.New()
	store := newMockStore(jobAged(connID, 2*time.Minute, time.Minute, now))
	cleaned, err := newTestReconciler(store, now).Reconcile(context.Background(), connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cleaned) != 0 || len(store.terminated) != 0 {
		t.Fatalf("fresh job must not be terminated: %v", store.terminated)
	}
}

func TestReconcileSoftStaleJobFailed(t *testing.T) {
	now := time.Now()
	connID := uuid.New()
	job := jobAged(connID, 15*time.Minute, 12*time.Minute, now)
	store := newMockStore(job)
	cleaned, err := newTestReconciler(store, now).Reconcile(context.Background(), connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != job.ID {
		t.Fatalf("stale job not cleaned: %v", cleaned)
	}
}

func TestReconcileOldButProgressingJobSpared(t *testing.T) {
	// Old job still making progress: below the hard limit it is left alone.
	now := time.Now()
	connID := uuid.New()
	store := newMockStore(jobAged(connID, 20*time.Minute, time.Minute, now))
	cleaned, _ := newTestReconciler(store, now).Reconcile(context.Background(), connID)
	if len(cleaned) != 0 {
		t.Fatalf("progressing job below hard limit must be spared, cleaned %v", cleaned)
	}
}

func TestReconcileHardLimitUnconditional(t *testing.T) {
	now := time.Now()
	connID := uuid.New()
	job := jobAged(connID, 45*time.Minute, time.Second, now) // still "progressing"
	store := newMockStore(job)
	cleaned, _ := newTestReconciler(store, now).Reconcile(context.Background(), connID)
	if len(cleaned) != 1 {
		t.Fatalf("hard-stuck job must be terminated regardless of progress, cleaned %v", cleaned)
	}
}

func TestReconcileCancelRequestedBecomesCancelled(t *testing.T) {
	now := time.Now()
	connID := uuid.New()
	job := jobAged(connID, 45*time.Minute, 40*time.Minute, now)
	job.CancelRequested = true
	store := newMockStore(job)
	_, _ = newTestReconciler(store, now).Reconcile(context.Background(), connID)
	if got := store.terminated[job.ID]; got == "" || got[:9] != "cancelled" {
		t.Fatalf("cancel-requested job should finalize cancelled, got %q", got)
	}
}

func TestReconcileIdempotentConvergence(t *testing.T) {
	now := time.Now()
	connID := uuid.New()
	job := jobAged(connID, 45*time.Minute, 40*time.Minute, now)
	store := newMockStore(job)
	r := newTestReconciler(store, now)

	first, _ := r.Reconcile(context.Background(), connID)
	if len(first) != 1 {
		t.Fatalf("first pass should clean the job, got %v", first)
	}
	// Second and third passes find nothing: no-ops, not errors.
	for i := 0; i < 2; i++ {
		again, err := r.Reconcile(context.Background(), connID)
		if err != nil {
			t.Fatalf("repeat reconcile errored: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("repeat reconcile must be a no-op, got %v", again)
		}
	}
}

func TestReconcileAllSpansConnections(t *testing.T) {
	now := time.Now()
	a := jobAged(uuid.New(), 45*time.Minute, 40*time.Minute, now)
	b := jobAged(uuid.New(), 45*time.Minute, 40*time.Minute, now)
	store := newMockStore(a, b)
	cleaned, err := newTestReconciler(store, now).ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cleaned) != 2 {
		t.Fatalf("want both connections swept, got %v", cleaned)
	}
}
