// Package ingest validates, stamps and reconciles submitted data batches
// against outstanding leases before persisting them.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jamesreprise/instrumentality/internal/config"
	"github.com/jamesreprise/instrumentality/internal/models"
	"github.com/jamesreprise/instrumentality/internal/telemetry"
)

// ErrNoValidData is surfaced when a submission yields zero accepted records.
var ErrNoValidData = errors.New("no valid data submitted")

// LeaseSource finds the job a submission claims to be about.
type LeaseSource interface {
	JobByLease(ctx context.Context, leaseID string) (models.JobRecord, bool, error)
}

// Releaser credits a completed lease.
type Releaser interface {
	Release(ctx context.Context, leaseID, workerID string) (bool, error)
}

// Reconciler applies a username -> permanent id rewrite.
type Reconciler interface {
	Reconcile(ctx context.Context, leaseID, platform, discoveredID, claimedUsername, workerID string) (bool, error)
}

// RecordSink persists accepted records.
type RecordSink interface {
	InsertRecords(ctx context.Context, records []models.Record) (int, error)
}

// Pipeline runs submissions through verify, tag, lease reconciliation and
// persistence.
type Pipeline struct {
	vocab      config.Vocabularies
	leases     LeaseSource
	releaser   Releaser
	reconciler Reconciler
	sink       RecordSink
	log        *slog.Logger
	now        func() time.Time
}

// New builds a submission pipeline.
func New(vocab config.Vocabularies, leases LeaseSource, releaser Releaser, reconciler Reconciler, sink RecordSink, log *slog.Logger) *Pipeline {
	return &Pipeline{
		vocab:      vocab,
		leases:     leases,
		releaser:   releaser,
		reconciler: reconciler,
		sink:       sink,
		log:        log,
		now:        time.Now,
	}
}

// Verify drops records whose type is outside the platform's configured
// vocabulary. Unknown platforms drop the record, never fail the batch. Meta
// records pass for any platform with at least one configured type.
func (p *Pipeline) Verify(batch []models.Record) []models.Record {
	kept := batch[:0:0]
	for _, r := range batch {
		if p.verifyRecord(r) {
			kept = append(kept, r)
		} else {
			telemetry.RecordsDropped.Inc()
		}
	}
	return kept
}

func (p *Pipeline) verifyRecord(r models.Record) bool {
	switch {
	case r.Content != nil:
		return p.vocab.AllowsContent(r.Content.Platform, r.Content.ContentType)
	case r.Presence != nil:
		return p.vocab.AllowsPresence(r.Presence.Platform, r.Presence.PresenceType)
	case r.Meta != nil:
		return p.vocab.KnownPlatform(r.Meta.Platform)
	}
	return false
}

// Tag stamps submitter provenance onto every record, overwriting anything
// the client supplied.
func (p *Pipeline) Tag(batch []models.Record, submitterID string) []models.Record {
	now := p.now().UTC()
	for i := range batch {
		batch[i].Stamp(submitterID, now)
	}
	return batch
}

// ProcessAgainstLease correlates a batch with an outstanding job. An empty
// leaseID passes the batch through untouched (opportunistic submission). An
// unknown lease discards the whole batch. Otherwise the batch is filtered
// to records about the leased job, keyed by either the job's current
// subject key or the permanent id discovered from the batch's first Meta
// record. Any survivor triggers reconciliation and release; a batch with
// no on-topic records leaves the lease held.
func (p *Pipeline) ProcessAgainstLease(ctx context.Context, batch []models.Record, leaseID, workerID string) ([]models.Record, error) {
	if leaseID == "" || len(batch) == 0 {
		return batch, nil
	}

	job, found, err := p.leases.JobByLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !found {
		p.log.Debug("submission referenced unknown lease", "lease_id", leaseID)
		telemetry.RecordsDropped.Add(float64(len(batch)))
		return nil, nil
	}

	meta := firstMeta(batch)
	discoveredID := ""
	if meta != nil && (meta.SubjectKey == job.SubjectKey || meta.Username == job.SubjectKey) {
		discoveredID = meta.SubjectKey
	}

	kept := batch[:0:0]
	for _, r := range batch {
		if r.Platform() != job.Platform {
			telemetry.RecordsDropped.Inc()
			continue
		}
		key := r.SubjectKey()
		if key == job.SubjectKey || (discoveredID != "" && key == discoveredID) {
			kept = append(kept, r)
		} else {
			telemetry.RecordsDropped.Inc()
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	if discoveredID != "" && discoveredID != job.SubjectKey {
		// The job was leased under a username and the batch revealed the
		// permanent id. Rewrite before releasing so the next cycle fetches
		// by id.
		if _, err := p.reconciler.Reconcile(ctx, leaseID, job.Platform, discoveredID, job.SubjectKey, workerID); err != nil {
			p.log.Warn("identity reconciliation failed", "lease_id", leaseID, "error", err)
		}
	}

	if _, err := p.releaser.Release(ctx, leaseID, workerID); err != nil {
		p.log.Warn("lease release failed", "lease_id", leaseID, "error", err)
	}
	return kept, nil
}

// Accept persists the surviving records and returns how many were written.
func (p *Pipeline) Accept(ctx context.Context, batch []models.Record) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	n, err := p.sink.InsertRecords(ctx, batch)
	if err != nil {
		return 0, err
	}
	telemetry.RecordsAccepted.Add(float64(n))
	return n, nil
}

// Submit runs a batch through the full pipeline. ErrNoValidData is returned
// when nothing survives; the caller maps it to a client error.
func (p *Pipeline) Submit(ctx context.Context, batch models.Batch, submitterID string) (int, error) {
	verified := p.Verify(batch.Data)
	tagged := p.Tag(verified, submitterID)

	accepted, err := p.ProcessAgainstLease(ctx, tagged, batch.LeaseID, submitterID)
	if err != nil {
		return 0, err
	}
	if len(accepted) == 0 {
		telemetry.BatchesRejected.Inc()
		return 0, ErrNoValidData
	}
	return p.Accept(ctx, accepted)
}

func firstMeta(batch []models.Record) *models.Meta {
	for _, r := range batch {
		if r.Meta != nil {
			return r.Meta
		}
	}
	return nil
}
