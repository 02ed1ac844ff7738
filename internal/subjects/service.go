// Package subjects implements subject and group CRUD plus the job
// lifecycle hooks that keep the backlog in step with tracked profiles.
package subjects

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// ErrNotFound covers subjects/groups that do not exist or belong to another
// owner; the two cases are indistinguishable on purpose.
var ErrNotFound = errors.New("not found or not owned by requester")

// SubjectStore is the persistence surface the service drives.
type SubjectStore interface {
	InsertSubject(ctx context.Context, subject models.Subject) error
	SubjectByID(ctx context.Context, subjectID, ownerID string) (models.Subject, bool, error)
	UpdateSubject(ctx context.Context, subject models.Subject) (bool, error)
	DeleteSubject(ctx context.Context, subjectID, ownerID string) (bool, error)
	RemoveSubjectFromGroups(ctx context.Context, subjectID string) error

	InsertGroup(ctx context.Context, group models.Group) error
	UpdateGroup(ctx context.Context, group models.Group) (bool, error)
	DeleteGroup(ctx context.Context, groupID, ownerID string) (bool, error)
}

// JobLifecycle creates and deletes backlog entries as profiles come and go.
type JobLifecycle interface {
	CreateJob(ctx context.Context, platform, subjectKey string) error
	DeleteJob(ctx context.Context, platform, subjectKey string) error
}

// Service owns subject and group lifecycle.
type Service struct {
	store SubjectStore
	jobs  JobLifecycle
	log   *slog.Logger
	now   func() time.Time
}

// NewService builds the subject service.
func NewService(store SubjectStore, jobs JobLifecycle, log *slog.Logger) *Service {
	return &Service{store: store, jobs: jobs, log: log, now: time.Now}
}

// CreateSubject stores a subject and opens a job for every tracked profile.
func (s *Service) CreateSubject(ctx context.Context, ownerID, name string, profiles map[string][]string, description *string) (models.Subject, error) {
	subject := models.Subject{
		SubjectID:   uuid.New().String(),
		OwnerID:     ownerID,
		Name:        name,
		Profiles:    profiles,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertSubject(ctx, subject); err != nil {
		return models.Subject{}, err
	}
	for _, pair := range subject.ProfilePairs() {
		if err := s.jobs.CreateJob(ctx, pair.Platform, pair.SubjectKey); err != nil {
			s.log.Warn("job creation failed", "platform", pair.Platform, "subject_key", pair.SubjectKey, "error", err)
		}
	}
	return subject, nil
}

// UpdateSubject replaces a subject wholesale and reconciles the backlog:
// jobs are created for newly tracked profiles and deleted for dropped ones.
func (s *Service) UpdateSubject(ctx context.Context, ownerID, subjectID, name string, profiles map[string][]string, description *string) error {
	existing, found, err := s.store.SubjectByID(ctx, subjectID, ownerID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	added, removed := diffProfiles(existing.Profiles, profiles)

	updated := existing
	updated.Name = name
	updated.Profiles = profiles
	updated.Description = description
	applied, err := s.store.UpdateSubject(ctx, updated)
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotFound
	}

	for _, pair := range added {
		if err := s.jobs.CreateJob(ctx, pair.Platform, pair.SubjectKey); err != nil {
			s.log.Warn("job creation failed", "platform", pair.Platform, "subject_key", pair.SubjectKey, "error", err)
		}
	}
	for _, pair := range removed {
		if err := s.jobs.DeleteJob(ctx, pair.Platform, pair.SubjectKey); err != nil {
			s.log.Warn("job deletion failed", "platform", pair.Platform, "subject_key", pair.SubjectKey, "error", err)
		}
	}
	return nil
}

// DeleteSubject removes a subject, pulls it out of any groups, and deletes
// the job for every profile it referenced. The deletion is unconditional:
// a profile tracked by a second subject loses its job too, until that
// subject is next updated.
func (s *Service) DeleteSubject(ctx context.Context, ownerID, subjectID string) error {
	subject, found, err := s.store.SubjectByID(ctx, subjectID, ownerID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	if err := s.store.RemoveSubjectFromGroups(ctx, subjectID); err != nil {
		return err
	}
	applied, err := s.store.DeleteSubject(ctx, subjectID, ownerID)
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotFound
	}

	for _, pair := range subject.ProfilePairs() {
		if err := s.jobs.DeleteJob(ctx, pair.Platform, pair.SubjectKey); err != nil {
			s.log.Warn("job deletion failed", "platform", pair.Platform, "subject_key", pair.SubjectKey, "error", err)
		}
	}
	return nil
}

// CreateGroup stores a group of subject ids.
func (s *Service) CreateGroup(ctx context.Context, ownerID, name string, subjectIDs []string, description *string) (models.Group, error) {
	group := models.Group{
		GroupID:     uuid.New().String(),
		OwnerID:     ownerID,
		Name:        name,
		Subjects:    subjectIDs,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return models.Group{}, err
	}
	return group, nil
}

// UpdateGroup replaces a group wholesale, owner-checked.
func (s *Service) UpdateGroup(ctx context.Context, ownerID, groupID, name string, subjectIDs []string, description *string) error {
	applied, err := s.store.UpdateGroup(ctx, models.Group{
		GroupID:     groupID,
		OwnerID:     ownerID,
		Name:        name,
		Subjects:    subjectIDs,
		Description: description,
	})
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotFound
	}
	return nil
}

// DeleteGroup removes a group, owner-checked. Backlog entries belong to
// subjects, so none are touched.
func (s *Service) DeleteGroup(ctx context.Context, ownerID, groupID string) error {
	applied, err := s.store.DeleteGroup(ctx, groupID, ownerID)
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotFound
	}
	return nil
}

// diffProfiles returns the profile pairs present only in next (added) and
// only in prev (removed).
func diffProfiles(prev, next map[string][]string) (added, removed []models.ProfilePair) {
	prevSet := pairSet(prev)
	nextSet := pairSet(next)
	for pair := range nextSet {
		if !prevSet[pair] {
			added = append(added, pair)
		}
	}
	for pair := range prevSet {
		if !nextSet[pair] {
			removed = append(removed, pair)
		}
	}
	return added, removed
}

func pairSet(profiles map[string][]string) map[models.ProfilePair]bool {
	set := make(map[models.ProfilePair]bool)
	for platform, keys := range profiles {
		for _, key := range keys {
			set[models.ProfilePair{Platform: platform, SubjectKey: key}] = true
		}
	}
	return set
}
