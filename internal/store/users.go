package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jamesreprise/instrumentality/internal/models"
)

// UserByKey resolves an API key to its user. Banned users are treated the
// same as unknown keys.
func (s *Store) UserByKey(ctx context.Context, apiKey string) (models.User, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, name, api_key, banned, created_at
		FROM users WHERE api_key = $1 AND banned = FALSE
	`, apiKey)

	var user models.User
	err := row.Scan(&user.UserID, &user.Name, &user.APIKey, &user.Banned, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, fmt.Errorf("get user by key: %w", err)
	}
	return user, true, nil
}

// InsertUser stores a new user; ErrDuplicateName when the name is taken.
func (s *Store) InsertUser(ctx context.Context, user models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, name, api_key, banned, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.UserID, user.Name, user.APIKey, user.Banned, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserNameTaken reports whether a user with the given name exists.
func (s *Store) UserNameTaken(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE name = $1)
	`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user name: %w", err)
	}
	return exists, nil
}

// InsertInvite stores a freshly minted invite code.
func (s *Store) InsertInvite(ctx context.Context, invite models.Invite) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invites (code, created_by, created_at, used)
		VALUES ($1, $2, $3, FALSE)
	`, invite.Code, invite.CreatedBy, invite.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// RedeemInvite marks an unused invite as used by userID. The conditional
// update makes each code single-use even under concurrent registration.
func (s *Store) RedeemInvite(ctx context.Context, code, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invites SET used = TRUE, used_by = $2
		WHERE code = $1 AND used = FALSE
	`, code, userID)
	if err != nil {
		return false, fmt.Errorf("redeem invite: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
