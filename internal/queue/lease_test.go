package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// memJobStore mimics the store's single-statement atomicity with a mutex.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.JobRecord
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.JobRecord)}
}

func (m *memJobStore) ClaimStalest(_ context.Context, platforms []string, workerID string, now time.Time) (models.JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.JobRecord
	for _, job := range m.jobs {
		if job.LeaseHolder != nil || !contains(platforms, job.Platform) {
			continue
		}
		if best == nil || job.LastCompletedAt.Before(best.LastCompletedAt) {
			best = job
		}
	}
	if best == nil {
		return models.JobRecord{}, false, nil
	}
	holder := workerID
	acquired := now
	best.LeaseHolder = &holder
	best.LeaseAcquiredAt = &acquired
	return *best, true, nil
}

func (m *memJobStore) ReleaseLease(_ context.Context, leaseID, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[leaseID]
	if !ok || job.LeaseHolder == nil || *job.LeaseHolder != workerID {
		return false, nil
	}
	job.LeaseHolder = nil
	job.LeaseAcquiredAt = nil
	job.LastCompletedAt = now
	return true, nil
}

func (m *memJobStore) SweepExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.LeaseAcquiredAt != nil && job.LeaseAcquiredAt.Before(cutoff) {
			job.LeaseHolder = nil
			job.LeaseAcquiredAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memJobStore) InsertJob(_ context.Context, job models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	m.jobs[job.LeaseID] = &j
	return nil
}

func (m *memJobStore) DeleteJobs(_ context.Context, platform, subjectKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.Platform == platform && job.SubjectKey == subjectKey {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memJobStore) CountJobs(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.jobs)), nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

type staticResolver struct{}

func (staticResolver) DisplayKey(_ context.Context, _ string, subjectKey string) (string, error) {
	return subjectKey, nil
}

func testManager(store JobStore) *Manager {
	return NewManager(store, staticResolver{}, 30*time.Second, slog.Default())
}

func seedJob(t *testing.T, store *memJobStore, leaseID, platform, key string, completed time.Time) {
	t.Helper()
	err := store.InsertJob(context.Background(), models.JobRecord{
		LeaseID:         leaseID,
		Platform:        platform,
		SubjectKey:      key,
		LastCompletedAt: completed,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestClaimStalestFirst(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitter", "alice", time.Now().Add(-time.Hour))
	seedJob(t, store, "L2", "twitter", "bob", time.Now().Add(-2*time.Hour))

	m := testManager(store)
	claim, err := m.Claim(ctx, []string{"twitter"}, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.LeaseID != "L2" {
		t.Fatalf("expected stalest job L2, got %s", claim.LeaseID)
	}
	if claim.DisplayKey != "bob" || claim.Platform != "twitter" {
		t.Fatalf("unexpected claim %+v", claim)
	}
}

func TestClaimPlatformFilter(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitch", "alice", models.Epoch)

	m := testManager(store)
	if _, err := m.Claim(ctx, []string{"twitter"}, "w1"); err != ErrNoJobAvailable {
		t.Fatalf("expected ErrNoJobAvailable, got %v", err)
	}
	if _, err := m.Claim(ctx, nil, "w1"); err != ErrNoPlatforms {
		t.Fatalf("expected ErrNoPlatforms, got %v", err)
	}
}

func TestAtMostOneClaimant(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitter", "alice", models.Epoch)
	m := testManager(store)

	const workers = 16
	granted := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			claim, err := m.Claim(ctx, []string{"twitter"}, "w")
			if err == nil {
				granted <- claim.LeaseID
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var n int
	for range granted {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", n)
	}
}

func TestStaleLeaseReclamation(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitter", "alice", models.Epoch)
	m := testManager(store)

	start := time.Now()
	m.now = func() time.Time { return start }
	if _, err := m.Claim(ctx, []string{"twitter"}, "workerA"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// Within the timeout the job stays held.
	m.now = func() time.Time { return start.Add(10 * time.Second) }
	if _, err := m.Claim(ctx, []string{"twitter"}, "workerB"); err != ErrNoJobAvailable {
		t.Fatalf("expected held job, got %v", err)
	}

	// After 31 seconds the sweep makes it claimable again.
	m.now = func() time.Time { return start.Add(31 * time.Second) }
	claim, err := m.Claim(ctx, []string{"twitter"}, "workerB")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if claim.LeaseID != "L1" {
		t.Fatalf("expected reclaimed job L1, got %s", claim.LeaseID)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitter", "alice", models.Epoch)
	m := testManager(store)

	claim, err := m.Claim(ctx, []string{"twitter"}, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	applied, err := m.Release(ctx, claim.LeaseID, "w1")
	if err != nil || !applied {
		t.Fatalf("first release applied=%v err=%v", applied, err)
	}
	applied, err = m.Release(ctx, claim.LeaseID, "w1")
	if err != nil || applied {
		t.Fatalf("second release applied=%v err=%v", applied, err)
	}
}

func TestReleaseForeignLease(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitter", "alice", models.Epoch)
	m := testManager(store)

	if _, err := m.Claim(ctx, []string{"twitter"}, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	applied, err := m.Release(ctx, "L1", "w2")
	if err != nil || applied {
		t.Fatalf("foreign release applied=%v err=%v", applied, err)
	}
}

func TestReleaseSetsCompletionOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	seedJob(t, store, "L1", "twitter", "alice", models.Epoch)
	seedJob(t, store, "L2", "twitter", "bob", models.Epoch.Add(time.Second))
	m := testManager(store)

	claim, err := m.Claim(ctx, []string{"twitter"}, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.LeaseID != "L1" {
		t.Fatalf("expected L1 first, got %s", claim.LeaseID)
	}
	if _, err := m.Release(ctx, "L1", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// After release, alice moves to the back of the line.
	claim, err = m.Claim(ctx, []string{"twitter"}, "w1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claim.LeaseID != "L2" {
		t.Fatalf("expected L2 after L1 completion, got %s", claim.LeaseID)
	}
}

func TestCreateAndDeleteJob(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()
	m := testManager(store)

	if err := m.CreateJob(ctx, "twitter", "alice"); err != nil {
		t.Fatalf("create job: %v", err)
	}
	claim, err := m.Claim(ctx, []string{"twitter"}, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.DisplayKey != "alice" {
		t.Fatalf("unexpected display key %s", claim.DisplayKey)
	}
	if _, err := m.Release(ctx, claim.LeaseID, "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := m.DeleteJob(ctx, "twitter", "alice"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if _, err := m.Claim(ctx, []string{"twitter"}, "w1"); err != ErrNoJobAvailable {
		t.Fatalf("expected empty backlog, got %v", err)
	}
}
