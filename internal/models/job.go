package models

import (
	"time"
)

// Epoch is the zero point for last_completed_at. New jobs start here so the
// stalest-first claim order picks them up before anything already serviced.
var Epoch = time.Unix(0, 0).UTC()

// JobRecord is one trackable (platform, subject_key) unit of recurring fetch
// work. A job is leased iff both LeaseHolder and LeaseAcquiredAt are set;
// the store keeps the two fields in lockstep.
type JobRecord struct {
	LeaseID         string     `json:"lease_id"`
	Platform        string     `json:"platform"`
	SubjectKey      string     `json:"subject_key"`
	LastCompletedAt time.Time  `json:"last_completed_at"`
	LeaseHolder     *string    `json:"lease_holder,omitempty"`
	LeaseAcquiredAt *time.Time `json:"lease_acquired_at,omitempty"`
}

// Leased reports whether the job is currently held by a worker.
func (j JobRecord) Leased() bool {
	return j.LeaseHolder != nil && j.LeaseAcquiredAt != nil
}

// HeldBy reports whether workerID currently holds the lease.
func (j JobRecord) HeldBy(workerID string) bool {
	return j.LeaseHolder != nil && *j.LeaseHolder == workerID
}
