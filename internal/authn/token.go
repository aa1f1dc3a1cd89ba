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

package authn

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/config"
)

// Token types carried in the token_type claim. An access token presented
// where a refresh token is required fails verification, and vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the platform JWT payload.
type Claims struct {
	Username  string   `json:"username"`
	TokenType string   `json:"token_type"`
	Roles     []string `json:"roles,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresInSecs    int    `json:"expires_in"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	cfg config.SecurityConfig
	now func() time.Time
}

// NewTokenManager creates a manager from the security config.
func NewTokenManager(cfg config.SecurityConfig) *TokenManager {
	return &TokenManager{cfg: cfg, now: time.Now}
}

// IssuePair mints an access and a refresh token for the user. Each token
// carries a fresh jti so refresh tokens can be individually revoked.
func (m *TokenManager) IssuePair(userID uuid.UUID, username string, roles, scopes []string) (*TokenPair, error) {
	access, _, err := m.issue(userID, username, roles, scopes, TokenTypeAccess,
		time.Duration(m.cfg.AccessTokenExpSecs)*time.Second)
	if err != nil {
		return nil, err
	}

	refreshTTL := time.Duration(m.cfg.RefreshTokenExpSecs) * time.Second
	refresh, refreshClaims, err := m.issue(userID, username, nil, nil, TokenTypeRefresh, refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresInSecs:    m.cfg.AccessTokenExpSecs,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Unix(),
	}, nil
}

func (m *TokenManager) issue(userID uuid.UUID, username string, roles, scopes []string, tokenType string, ttl time.Duration) (string, *Claims, error) {
	now := m.now().UTC()
	claims := &Claims{
		Username:  username,
		TokenType: tokenType,
		Roles:     roles,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(m.cfg.JWTSecret.Expose()))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Verify parses the token, checks the signature and expiry, and requires the
// expected token type. All failures map to Unauthorized.
func (m *TokenManager) Verify(token, wantType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(m.cfg.JWTSecret.Expose()), nil
		},
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil || !parsed.Valid {
		return nil, apperror.Unauthorized("invalid or expired token")
	}
	if claims.TokenType != wantType {
		return nil, apperror.Unauthorized("invalid or expired token")
	}
	return claims, nil
}

// HashToken returns the SHA-256 hex digest used to persist refresh tokens.
// Only the digest is ever stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
