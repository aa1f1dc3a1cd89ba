// Copyright 2025 The Opsforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
)

const userColumns = `id, username, password_hash, status, is_admin,
	failed_login_attempts, locked_until, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var lockedUntil sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Status, &u.IsAdmin,
		&u.FailedLoginAttempts, &lockedUntil, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	return &u, nil
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, status, is_admin,
			failed_login_attempts, locked_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Username, u.PasswordHash, u.Status, u.IsAdmin,
		u.FailedLoginAttempts, u.LockedUntil, now, now,
	)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// UpdateUserPassword replaces the password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		id, hash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("user")
	}
	return nil
}

// RecordLoginFailure bumps the failed-attempt counter and applies the
// lockout when the caller computed one.
func (s *Store) RecordLoginFailure(ctx context.Context, id uuid.UUID, lockedUntil *time.Time) error {
	status := UserEnabled
	if lockedUntil != nil {
		status = UserLocked
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = failed_login_attempts + 1,
			locked_until = $2,
			status = CASE WHEN status = 'disabled' THEN status ELSE $3 END,
			updated_at = NOW()
		WHERE id = $1`,
		id, lockedUntil, status)
	if err != nil {
		return fmt.Errorf("recording login failure: %w", err)
	}
	return nil
}

// RecordLoginSuccess clears the failure counter and any lockout.
func (s *Store) RecordLoginSuccess(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL,
			status = CASE WHEN status = 'locked' THEN 'enabled' ELSE status END,
			updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recording login success: %w", err)
	}
	return nil
}

// InsertLoginEvent records a login attempt.
func (s *Store) InsertLoginEvent(ctx context.Context, e *LoginEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_events (id, user_id, username, success, client_ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		e.ID, e.UserID, e.Username, e.Success, e.ClientIP, e.UserAgent)
	if err != nil {
		return fmt.Errorf("inserting login event: %w", err)
	}
	return nil
}

// InsertRefreshToken stores a refresh-token digest.
func (s *Store) InsertRefreshToken(ctx context.Context, t *RefreshToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, ip_address, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		t.ID, t.UserID, t.TokenHash, t.IPAddress, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks a token record up by digest.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	var revokedAt sql.NullTime
	var replacedBy uuid.NullUUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, ip_address, expires_at, revoked_at, replaced_by, created_at
		FROM refresh_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IPAddress, &t.ExpiresAt,
			&revokedAt, &replacedBy, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.Unauthorized("invalid or expired token")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching refresh token: %w", err)
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if replacedBy.Valid {
		t.ReplacedBy = &replacedBy.UUID
	}
	return &t, nil
}

// RotateRefreshToken revokes the old record and links its replacement.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID, newID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW(), replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL`, oldID, newID)
	if err != nil {
		return fmt.Errorf("rotating refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshToken revokes a single token by digest.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// RevokeAllRefreshTokens revokes every live token of a user (logout-all).
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
