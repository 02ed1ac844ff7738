package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// ErrDuplicateName is returned when a subject or group name is taken.
var ErrDuplicateName = errors.New("name already exists")

// InsertSubject stores a new subject.
func (s *Store) InsertSubject(ctx context.Context, subject models.Subject) error {
	profiles, err := json.Marshal(subject.Profiles)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO subjects (subject_id, owner_id, name, profiles, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, subject.SubjectID, subject.OwnerID, subject.Name, profiles, subject.Description, subject.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

// SubjectByID fetches a subject owned by ownerID; ok=false when it does not
// exist or belongs to someone else.
func (s *Store) SubjectByID(ctx context.Context, subjectID, ownerID string) (models.Subject, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT subject_id, owner_id, name, profiles, description, created_at
		FROM subjects WHERE subject_id = $1 AND owner_id = $2
	`, subjectID, ownerID)
	subject, err := scanSubject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subject{}, false, nil
	}
	if err != nil {
		return models.Subject{}, false, fmt.Errorf("get subject: %w", err)
	}
	return subject, true, nil
}

// SubjectsByOwner lists every subject owned by ownerID.
func (s *Store) SubjectsByOwner(ctx context.Context, ownerID string) ([]models.Subject, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id, owner_id, name, profiles, description, created_at
		FROM subjects WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// UpdateSubject replaces name, profiles and description, owner-checked.
func (s *Store) UpdateSubject(ctx context.Context, subject models.Subject) (bool, error) {
	profiles, err := json.Marshal(subject.Profiles)
	if err != nil {
		return false, fmt.Errorf("marshal profiles: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE subjects SET name = $3, profiles = $4, description = $5
		WHERE subject_id = $1 AND owner_id = $2
	`, subject.SubjectID, subject.OwnerID, subject.Name, profiles, subject.Description)
	if err != nil {
		return false, fmt.Errorf("update subject: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteSubject removes a subject, owner-checked.
func (s *Store) DeleteSubject(ctx context.Context, subjectID, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM subjects WHERE subject_id = $1 AND owner_id = $2
	`, subjectID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete subject: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RewriteProfileKeys replaces oldKey with newKey in every subject profile
// map that references it for the platform. Each subject is updated with its
// own statement; a failure partway leaves earlier rewrites in place, which
// is acceptable because the next reconciliation retries the rest.
func (s *Store) RewriteProfileKeys(ctx context.Context, platform, oldKey, newKey string) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id, owner_id, name, profiles, description, created_at
		FROM subjects WHERE profiles -> $1 ? $2
	`, platform, oldKey)
	if err != nil {
		return 0, fmt.Errorf("find subjects for rewrite: %w", err)
	}
	subjects := []models.Subject{}
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan subject for rewrite: %w", err)
		}
		subjects = append(subjects, subject)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate subjects for rewrite: %w", err)
	}

	rewritten := 0
	for _, subject := range subjects {
		keys := subject.Profiles[platform]
		for i, k := range keys {
			if k == oldKey {
				keys[i] = newKey
			}
		}
		subject.Profiles[platform] = keys

		profiles, err := json.Marshal(subject.Profiles)
		if err != nil {
			return rewritten, fmt.Errorf("marshal profiles: %w", err)
		}
		if _, err := s.pool.Exec(ctx, `
			UPDATE subjects SET profiles = $2 WHERE subject_id = $1
		`, subject.SubjectID, profiles); err != nil {
			return rewritten, fmt.Errorf("rewrite subject profiles: %w", err)
		}
		rewritten++
	}
	return rewritten, nil
}

// InsertGroup stores a new group.
func (s *Store) InsertGroup(ctx context.Context, group models.Group) error {
	subjects, err := json.Marshal(group.Subjects)
	if err != nil {
		return fmt.Errorf("marshal group subjects: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO groups (group_id, owner_id, name, subjects, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, group.GroupID, group.OwnerID, group.Name, subjects, group.Description, group.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// GroupsByOwner lists every group owned by ownerID.
func (s *Store) GroupsByOwner(ctx context.Context, ownerID string) ([]models.Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, owner_id, name, subjects, description, created_at
		FROM groups WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// UpdateGroup replaces name, subjects and description, owner-checked.
func (s *Store) UpdateGroup(ctx context.Context, group models.Group) (bool, error) {
	subjects, err := json.Marshal(group.Subjects)
	if err != nil {
		return false, fmt.Errorf("marshal group subjects: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE groups SET name = $3, subjects = $4, description = $5
		WHERE group_id = $1 AND owner_id = $2
	`, group.GroupID, group.OwnerID, group.Name, subjects, group.Description)
	if err != nil {
		return false, fmt.Errorf("update group: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteGroup removes a group, owner-checked.
func (s *Store) DeleteGroup(ctx context.Context, groupID, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM groups WHERE group_id = $1 AND owner_id = $2
	`, groupID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete group: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveSubjectFromGroups pulls a deleted subject out of every group that
// references it.
func (s *Store) RemoveSubjectFromGroups(ctx context.Context, subjectID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE groups SET subjects = subjects - $1 WHERE subjects ? $1
	`, subjectID)
	if err != nil {
		return fmt.Errorf("remove subject from groups: %w", err)
	}
	return nil
}

func scanSubject(row pgx.Row) (models.Subject, error) {
	var subject models.Subject
	var profiles []byte
	var description pgtype.Text
	if err := row.Scan(&subject.SubjectID, &subject.OwnerID, &subject.Name, &profiles, &description, &subject.CreatedAt); err != nil {
		return models.Subject{}, err
	}
	if err := json.Unmarshal(profiles, &subject.Profiles); err != nil {
		return models.Subject{}, fmt.Errorf("unmarshal profiles: %w", err)
	}
	if description.Valid {
		subject.Description = &description.String
	}
	return subject, nil
}

func scanGroup(row pgx.Row) (models.Group, error) {
	var group models.Group
	var subjects []byte
	var description pgtype.Text
	if err := row.Scan(&group.GroupID, &group.OwnerID, &group.Name, &subjects, &description, &group.CreatedAt); err != nil {
		return models.Group{}, err
	}
	if err := json.Unmarshal(subjects, &group.Subjects); err != nil {
		return models.Group{}, fmt.Errorf("unmarshal group subjects: %w", err)
	}
	if description.Valid {
		group.Description = &description.String
	}
	return group, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
