// Package queue implements distributed work assignment over a shared job
// backlog. No in-process state is held between requests; every claim,
// release and sweep is a conditional update at the store, so any number of
// server replicas can serve the same backlog.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jamesreprise/instrumentality/internal/models"
	"github.com/jamesreprise/instrumentality/internal/telemetry"
)

// ErrNoJobAvailable is the normal outcome of a claim that found no free job
// for the requested platforms.
var ErrNoJobAvailable = errors.New("no job available")

// ErrNoPlatforms rejects claims that name no platforms at all.
var ErrNoPlatforms = errors.New("no platforms requested")

// JobStore is the backlog accessor the manager drives. All operations must
// be atomic at the store; in particular ClaimStalest must guarantee that at
// most one concurrent caller receives any given job.
type JobStore interface {
	ClaimStalest(ctx context.Context, platforms []string, workerID string, now time.Time) (models.JobRecord, bool, error)
	ReleaseLease(ctx context.Context, leaseID, workerID string, now time.Time) (bool, error)
	SweepExpired(ctx context.Context, cutoff time.Time) (int64, error)
	InsertJob(ctx context.Context, job models.JobRecord) error
	DeleteJobs(ctx context.Context, platform, subjectKey string) (int64, error)
	CountJobs(ctx context.Context) (int64, error)
}

// DisplayResolver humanizes a job's subject key for presentation to the
// worker. It never mutates the job.
type DisplayResolver interface {
	DisplayKey(ctx context.Context, platform, subjectKey string) (string, error)
}

// Claim is what a worker receives when it is handed a job.
type Claim struct {
	LeaseID    string `json:"lease_id"`
	DisplayKey string `json:"display_key"`
	Platform   string `json:"platform"`
}

// Manager implements claim/release/sweep semantics over a JobStore.
type Manager struct {
	store    JobStore
	resolver DisplayResolver
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewManager builds a lease manager with the given lease timeout.
func NewManager(store JobStore, resolver DisplayResolver, timeout time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		resolver: resolver,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// Claim sweeps expired leases, then atomically leases the stalest free job
// matching one of the requested platforms to workerID. Returns
// ErrNoJobAvailable when nothing matches.
func (m *Manager) Claim(ctx context.Context, platforms []string, workerID string) (Claim, error) {
	if len(platforms) == 0 {
		return Claim{}, ErrNoPlatforms
	}

	m.sweep(ctx)

	now := m.now().UTC()
	job, ok, err := m.store.ClaimStalest(ctx, platforms, workerID, now)
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		telemetry.ClaimsEmpty.Inc()
		return Claim{}, ErrNoJobAvailable
	}

	display, err := m.resolver.DisplayKey(ctx, job.Platform, job.SubjectKey)
	if err != nil {
		m.log.Warn("display key resolution failed", "platform", job.Platform, "error", err)
		display = job.SubjectKey
	}

	telemetry.ClaimsGranted.Inc()
	m.log.Debug("lease granted", "lease_id", job.LeaseID, "platform", job.Platform, "worker", workerID)
	return Claim{LeaseID: job.LeaseID, DisplayKey: display, Platform: job.Platform}, nil
}

// Release clears the lease and credits the completion if workerID still
// holds it. A false return means the lease was already reclaimed or belongs
// to someone else; the caller's work is simply not credited.
func (m *Manager) Release(ctx context.Context, leaseID, workerID string) (bool, error) {
	applied, err := m.store.ReleaseLease(ctx, leaseID, workerID, m.now().UTC())
	if err != nil {
		return false, err
	}
	if applied {
		telemetry.LeasesReleased.Inc()
	}
	return applied, nil
}

// CreateJob inserts a new backlog entry for the profile. The completion
// timestamp starts at the epoch so the job is maximally eligible.
func (m *Manager) CreateJob(ctx context.Context, platform, subjectKey string) error {
	job := models.JobRecord{
		LeaseID:         uuid.New().String(),
		Platform:        platform,
		SubjectKey:      subjectKey,
		LastCompletedAt: models.Epoch,
	}
	if err := m.store.InsertJob(ctx, job); err != nil {
		return err
	}
	m.updateBacklogGauge(ctx)
	return nil
}

// DeleteJob removes the backlog entry for the profile.
func (m *Manager) DeleteJob(ctx context.Context, platform, subjectKey string) error {
	if _, err := m.store.DeleteJobs(ctx, platform, subjectKey); err != nil {
		return err
	}
	m.updateBacklogGauge(ctx)
	return nil
}

// RunSweeper clears expired leases on a fixed interval until ctx is done.
// Claim-time sweeping stays on regardless, so running this only lowers the
// tail latency of reclamation.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := m.now().UTC().Add(-m.timeout)
	reclaimed, err := m.store.SweepExpired(ctx, cutoff)
	if err != nil {
		m.log.Warn("lease sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		telemetry.LeasesReclaimed.Add(float64(reclaimed))
		m.log.Info("reclaimed expired leases", "count", reclaimed)
	}
}

func (m *Manager) updateBacklogGauge(ctx context.Context) {
	if n, err := m.store.CountJobs(ctx); err == nil {
		telemetry.JobsTracked.Set(float64(n))
	}
}
