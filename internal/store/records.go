package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// InsertRecords persists a batch of verified records and returns how many
// rows were written. Content that collides on (content_id, platform,
// content_type) is skipped by the partial unique index, which makes
// re-submission of the same content idempotent.
func (s *Store) InsertRecords(ctx context.Context, records []models.Record) (int, error) {
	inserted := 0
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return inserted, fmt.Errorf("marshal record: %w", err)
		}

		var contentType, presenceType, contentID, username *string
		switch {
		case r.Content != nil:
			contentType = &r.Content.ContentType
			contentID = &r.Content.ContentID
		case r.Presence != nil:
			presenceType = &r.Presence.PresenceType
		case r.Meta != nil:
			username = &r.Meta.Username
		}

		prov := provenanceOf(r)
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO records (kind, platform, subject_key, content_type, presence_type, content_id, username, observed_at, submitted_by, submitted_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING
		`, string(r.Kind()), r.Platform(), r.SubjectKey(), contentType, presenceType, contentID, username, r.ObservedAt(), prov.SubmittedBy, prov.SubmittedAt, payload)
		if err != nil {
			return inserted, fmt.Errorf("insert record: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// LatestUsername returns the most recently observed Meta username for the
// profile; ok=false when no metadata has ever been ingested for it.
func (s *Store) LatestUsername(ctx context.Context, platform, subjectKey string) (string, bool, error) {
	var username string
	err := s.pool.QueryRow(ctx, `
		SELECT username FROM records
		WHERE kind = 'meta' AND platform = $1 AND subject_key = $2
		ORDER BY observed_at DESC
		LIMIT 1
	`, platform, subjectKey).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("latest username: %w", err)
	}
	return username, true, nil
}

// ProfileRecords is the per-profile rollup served by the view endpoint.
type ProfileRecords struct {
	Platform   string          `json:"platform"`
	SubjectKey string          `json:"subject_key"`
	Meta       *models.Record  `json:"meta,omitempty"`
	Content    []models.Record `json:"content"`
	Presence   []models.Record `json:"presence"`
}

// RecordsForProfile assembles the latest metadata plus all content and
// presence observations for one profile, newest first.
func (s *Store) RecordsForProfile(ctx context.Context, platform, subjectKey string) (ProfileRecords, error) {
	out := ProfileRecords{Platform: platform, SubjectKey: subjectKey, Content: []models.Record{}, Presence: []models.Record{}}

	rows, err := s.pool.Query(ctx, `
		SELECT kind, payload FROM records
		WHERE platform = $1 AND subject_key = $2
		ORDER BY observed_at DESC
	`, platform, subjectKey)
	if err != nil {
		return ProfileRecords{}, fmt.Errorf("query profile records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &payload); err != nil {
			return ProfileRecords{}, fmt.Errorf("scan profile record: %w", err)
		}
		var rec models.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return ProfileRecords{}, fmt.Errorf("unmarshal profile record: %w", err)
		}
		switch models.Kind(kind) {
		case models.KindMeta:
			if out.Meta == nil {
				out.Meta = &rec
			}
		case models.KindContent:
			out.Content = append(out.Content, rec)
		case models.KindPresence:
			out.Presence = append(out.Presence, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return ProfileRecords{}, fmt.Errorf("iterate profile records: %w", err)
	}
	return out, nil
}

func provenanceOf(r models.Record) models.Provenance {
	switch {
	case r.Presence != nil:
		return r.Presence.Provenance
	case r.Content != nil:
		return r.Content.Provenance
	case r.Meta != nil:
		return r.Meta.Provenance
	}
	return models.Provenance{}
}
