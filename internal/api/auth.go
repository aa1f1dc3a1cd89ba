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

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/authn"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/ratelimit"
	"github.com/opsforge/opsforge/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	authn.TokenPair
	User userSummary `json:"user"`
}

type userSummary struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
	Roles    []string  `json:"roles,omitempty"`
}

// handleLogin authenticates a user. Every failure path returns the same
// generic 401 so usernames cannot be probed; only the audit trail and the
// login_events table know the difference.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, apperror.Validation("username and password are required"))
		return
	}

	ctx := r.Context()
	clientIP := ratelimit.ClientIP(r, s.cfg.Security.TrustProxy)
	deny := func(user *store.User, reason string) {
		event := &store.LoginEvent{Username: req.Username, Success: false, ClientIP: clientIP, UserAgent: r.UserAgent()}
		if user != nil {
			event.UserID = &user.ID
		}
		if err := s.auth.InsertLoginEvent(ctx, event); err != nil {
			s.logger.Error("recording login event", "error", err)
		}
		s.record(r, nil, "user.login", "user", req.Username, "denied", map[string]any{"reason": reason})
		writeError(w, r, apperror.Unauthorized("invalid credentials"))
	}

	user, err := s.auth.GetUserByUsername(ctx, req.Username)
	if err != nil {
		deny(nil, "unknown user")
		return
	}
	if user.Status != store.UserEnabled {
		deny(user, "inactive account")
		return
	}
	if authn.IsLockedOut(user.LockedUntil, time.Now()) {
		deny(user, "locked out")
		return
	}

	ok, err := authn.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		lockedUntil := authn.NextLockout(s.cfg.Security, user.FailedLoginAttempts+1, time.Now())
		if err := s.auth.RecordLoginFailure(ctx, user.ID, lockedUntil); err != nil {
			s.logger.Error("recording login failure", "error", err)
		}
		deny(user, "bad password")
		return
	}

	if err := s.auth.RecordLoginSuccess(ctx, user.ID); err != nil {
		s.logger.Error("recording login success", "error", err)
	}

	subject, err := s.auth.LoadSubject(ctx, user.ID)
	if err != nil {
		writeError(w, r, apperror.Internal(err))
		return
	}

	pair, err := s.issueSession(r, user, subject, clientIP)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.auth.InsertLoginEvent(ctx, &store.LoginEvent{
		UserID: &user.ID, Username: user.Username, Success: true,
		ClientIP: clientIP, UserAgent: r.UserAgent(),
	}); err != nil {
		s.logger.Error("recording login event", "error", err)
	}
	s.record(r, subject, "user.login", "user", user.ID.String(), "success", nil)

	writeJSON(w, http.StatusOK, loginResponse{
		TokenPair: *pair,
		User:      summaryFor(user, subject),
	})
}

func (s *Server) issueSession(r *http.Request, user *store.User, subject *authz.Subject, clientIP string) (*authn.TokenPair, error) {
	pair, err := s.tokens.IssuePair(user.ID, user.Username, roleNames(subject), nil)
	if err != nil {
		return nil, err
	}
	err = s.auth.InsertRefreshToken(r.Context(), &store.RefreshToken{
		UserID:    user.ID,
		TokenHash: authn.HashToken(pair.RefreshToken),
		IPAddress: clientIP,
		ExpiresAt: time.Unix(pair.RefreshExpiresAt, 0),
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func roleNames(subject *authz.Subject) []string {
	var names []string
	seen := map[string]struct{}{}
	for _, b := range subject.Bindings {
		if _, ok := seen[b.RoleName]; ok {
			continue
		}
		seen[b.RoleName] = struct{}{}
		names = append(names, b.RoleName)
	}
	return names
}

func summaryFor(user *store.User, subject *authz.Subject) userSummary {
	return userSummary{
		ID:       user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
		Roles:    roleNames(subject),
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates a refresh token: the presented token is revoked
// and linked to its replacement, so replay of the old token fails.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	claims, err := s.tokens.Verify(req.RefreshToken, "refresh")
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, r, apperror.Unauthorized("invalid or expired token"))
		return
	}

	ctx := r.Context()
	record, err := s.auth.GetRefreshToken(ctx, authn.HashToken(req.RefreshToken))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !record.Usable(time.Now()) || record.UserID != userID {
		writeError(w, r, apperror.Unauthorized("invalid or expired token"))
		return
	}

	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		writeError(w, r, apperror.Unauthorized("invalid or expired token"))
		return
	}
	subject, err := s.auth.LoadSubject(ctx, userID)
	if err != nil {
		writeError(w, r, apperror.Internal(err))
		return
	}

	clientIP := ratelimit.ClientIP(r, s.cfg.Security.TrustProxy)
	pair, err := s.tokens.IssuePair(user.ID, user.Username, roleNames(subject), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	replacement := &store.RefreshToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: authn.HashToken(pair.RefreshToken),
		IPAddress: clientIP,
		ExpiresAt: time.Unix(pair.RefreshExpiresAt, 0),
	}
	if err := s.auth.InsertRefreshToken(ctx, replacement); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.auth.RotateRefreshToken(ctx, record.ID, replacement.ID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		TokenPair: *pair,
		User:      summaryFor(user, subject),
	})
}

// handleLogout revokes one refresh token. Revoking an already-revoked or
// unknown token still succeeds; logout is idempotent.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.auth.RevokeRefreshToken(r.Context(), authn.HashToken(req.RefreshToken)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogoutAll revokes every live session of the caller.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFrom(r.Context())
	if !ok {
		writeError(w, r, apperror.Unauthorized("missing credentials"))
		return
	}
	n, err := s.auth.RevokeAllRefreshTokens(r.Context(), subject.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "user.logout", "user", subject.UserID.String(), "success",
		map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// handleMe returns the caller's identity and bindings.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFrom(r.Context())
	if !ok {
		writeError(w, r, apperror.Unauthorized("missing credentials"))
		return
	}
	user, err := s.auth.GetUser(r.Context(), subject.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     summaryFor(user, &subject),
		"bindings": subject.Bindings,
	})
}
