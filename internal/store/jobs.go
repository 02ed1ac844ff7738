package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// ClaimStalest atomically leases the free job with the oldest
// last_completed_at among the given platforms. The selection and the lease
// write are a single statement, so two concurrent claimants can never
// receive the same job; the loser of the race gets the next-stalest job on
// its own execution. Returns ok=false when no free job matches.
func (s *Store) ClaimStalest(ctx context.Context, platforms []string, workerID string, now time.Time) (models.JobRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET lease_holder = $1, lease_acquired_at = $2
		WHERE lease_id = (
			SELECT lease_id FROM jobs
			WHERE lease_holder IS NULL AND platform = ANY($3)
			ORDER BY last_completed_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING lease_id, platform, subject_key, last_completed_at, lease_holder, lease_acquired_at
	`, workerID, now, platforms)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, false, nil
	}
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// ReleaseLease clears the lease and credits the completion, but only if
// workerID still holds it. Reports whether the release applied.
func (s *Store) ReleaseLease(ctx context.Context, leaseID, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_holder = NULL, lease_acquired_at = NULL, last_completed_at = $3
		WHERE lease_id = $1 AND lease_holder = $2
	`, leaseID, workerID, now)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SweepExpired unconditionally clears every lease acquired before cutoff
// and returns how many were reclaimed.
func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_holder = NULL, lease_acquired_at = NULL
		WHERE lease_acquired_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertJob adds a job to the backlog.
func (s *Store) InsertJob(ctx context.Context, job models.JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (lease_id, platform, subject_key, last_completed_at)
		VALUES ($1, $2, $3, $4)
	`, job.LeaseID, job.Platform, job.SubjectKey, job.LastCompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// DeleteJobs removes every job for the given profile and returns the count.
func (s *Store) DeleteJobs(ctx context.Context, platform, subjectKey string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE platform = $1 AND subject_key = $2
	`, platform, subjectKey)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// JobByLease fetches a job by its lease id; ok=false when absent.
func (s *Store) JobByLease(ctx context.Context, leaseID string) (models.JobRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT lease_id, platform, subject_key, last_completed_at, lease_holder, lease_acquired_at
		FROM jobs WHERE lease_id = $1
	`, leaseID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, false, nil
	}
	if err != nil {
		return models.JobRecord{}, false, fmt.Errorf("get job: %w", err)
	}
	return job, true, nil
}

// RewriteJobKey swaps a job's subject key from oldKey to newKey, but only
// while workerID still holds the lease and the job is keyed by oldKey.
func (s *Store) RewriteJobKey(ctx context.Context, leaseID, platform, oldKey, newKey, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET subject_key = $5
		WHERE lease_id = $1 AND platform = $2 AND subject_key = $3 AND lease_holder = $4
	`, leaseID, platform, oldKey, workerID, newKey)
	if err != nil {
		return false, fmt.Errorf("rewrite job key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountJobs returns the size of the backlog, for the tracked-jobs gauge.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var job models.JobRecord
	var holder pgtype.Text
	var acquired pgtype.Timestamptz
	if err := row.Scan(&job.LeaseID, &job.Platform, &job.SubjectKey, &job.LastCompletedAt, &holder, &acquired); err != nil {
		return models.JobRecord{}, err
	}
	if holder.Valid {
		job.LeaseHolder = &holder.String
	}
	if acquired.Valid {
		t := acquired.Time
		job.LeaseAcquiredAt = &t
	}
	return job, nil
}
