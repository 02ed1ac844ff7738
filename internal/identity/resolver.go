// Package identity maps between the temporary usernames jobs are created
// under and the permanent platform ids discovered from ingested metadata.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamesreprise/instrumentality/internal/telemetry"
)

// MetaSource looks up the most recently observed username for a profile.
type MetaSource interface {
	LatestUsername(ctx context.Context, platform, subjectKey string) (string, bool, error)
}

// JobRewriter conditionally swaps a leased job's subject key.
type JobRewriter interface {
	RewriteJobKey(ctx context.Context, leaseID, platform, oldKey, newKey, workerID string) (bool, error)
}

// ProfileRewriter swaps a subject key in every subject profile map that
// references it.
type ProfileRewriter interface {
	RewriteProfileKeys(ctx context.Context, platform, oldKey, newKey string) (int, error)
}

// Resolver resolves display keys and applies identity reconciliation.
type Resolver struct {
	meta     MetaSource
	jobs     JobRewriter
	subjects ProfileRewriter
	cache    *redis.Client // nil disables caching
	cacheTTL time.Duration
	log      *slog.Logger
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(meta MetaSource, jobs JobRewriter, subjects ProfileRewriter, cache *redis.Client, cacheTTL time.Duration, log *slog.Logger) *Resolver {
	return &Resolver{
		meta:     meta,
		jobs:     jobs,
		subjects: subjects,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      log,
	}
}

// DisplayKey returns a human-usable value for the profile: the most
// recently observed Meta username, or subjectKey itself when no metadata
// has been ingested yet. The job is never mutated.
func (r *Resolver) DisplayKey(ctx context.Context, platform, subjectKey string) (string, error) {
	key := cacheKey(platform, subjectKey)
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key).Result(); err == nil {
			return cached, nil
		} else if err != redis.Nil {
			r.log.Debug("display key cache read failed", "error", err)
		}
	}

	username, found, err := r.meta.LatestUsername(ctx, platform, subjectKey)
	if err != nil {
		return "", err
	}
	if !found {
		username = subjectKey
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, username, r.cacheTTL).Err(); err != nil {
			r.log.Debug("display key cache write failed", "error", err)
		}
	}
	return username, nil
}

// Reconcile rewrites a job leased under claimedUsername to the permanent
// discoveredID, then rewrites matching subject profile entries. The job
// rewrite is conditional on workerID still holding the lease; the subject
// rewrite only runs once the job rewrite applied. The two writes are not
// wrapped in a transaction: a crash in between leaves subjects referencing
// the old username until a later submission reconciles them again.
func (r *Resolver) Reconcile(ctx context.Context, leaseID, platform, discoveredID, claimedUsername, workerID string) (bool, error) {
	applied, err := r.jobs.RewriteJobKey(ctx, leaseID, platform, claimedUsername, discoveredID, workerID)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	rewritten, err := r.subjects.RewriteProfileKeys(ctx, platform, claimedUsername, discoveredID)
	if err != nil {
		// The job already points at the permanent id; report the partial
		// application but do not undo it.
		return true, fmt.Errorf("rewrite subject profiles: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Del(ctx, cacheKey(platform, claimedUsername)).Err(); err != nil {
			r.log.Debug("display key cache invalidation failed", "error", err)
		}
	}

	telemetry.IdentityRewrites.Inc()
	r.log.Info("identity reconciled",
		"platform", platform,
		"discovered_id", discoveredID,
		"subjects_rewritten", rewritten,
	)
	return true, nil
}

func cacheKey(platform, subjectKey string) string {
	return "displaykey:" + platform + ":" + subjectKey
}
