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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/authn"
	"github.com/opsforge/opsforge/internal/store"
)

func TestLoginSuccessReturnsTokenPair(t *testing.T) {
	e := newTestEnv(t)
	e.identity.addUser("alice", "s3cret-pass", adminSubject())

	w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "alice", Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "alice", resp.User.Username)

	// the refresh token is stored hashed, never in the clear
	_, ok := e.identity.tokens[resp.RefreshToken]
	assert.False(t, ok)
	_, ok = e.identity.tokens[authn.HashToken(resp.RefreshToken)]
	assert.True(t, ok)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	e := newTestEnv(t)
	subject := adminSubject()
	user := e.identity.addUser("alice", "s3cret-pass", subject)

	cases := map[string]loginRequest{
		"unknown user": {Username: "nobody", Password: "whatever"},
		"bad password": {Username: "alice", Password: "wrong"},
	}

	var bodies []string
	for name, req := range cases {
		w := e.do(t, http.MethodPost, "/api/v1/auth/login", "", req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)

		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "invalid credentials", body.Error.Message, name)
		bodies = append(bodies, body.Error.Message)
	}
	assert.Equal(t, bodies[0], bodies[1])

	// disabled accounts get the same answer
	user.Status = store.UserDisabled
	w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "alice", Password: "s3cret-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid credentials", body.Error.Message)
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	e := newTestEnv(t)
	user := e.identity.addUser("alice", "s3cret-pass", adminSubject())

	for i := 0; i < 5; i++ {
		w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
			loginRequest{Username: "alice", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	require.NotNil(t, user.LockedUntil)
	assert.True(t, user.LockedUntil.After(time.Now()))

	// the right password is refused while the lockout holds
	w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "alice", Password: "s3cret-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshRotatesAndBlocksReplay(t *testing.T) {
	e := newTestEnv(t)
	e.identity.addUser("alice", "s3cret-pass", adminSubject())

	w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "alice", Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	w = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		refreshRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	var refreshed loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	old := e.identity.tokens[authn.HashToken(login.RefreshToken)]
	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedBy)

	// replaying the rotated token fails
	w = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		refreshRequest{RefreshToken: login.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// the replacement still works
	w = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		refreshRequest{RefreshToken: refreshed.RefreshToken})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	e := newTestEnv(t)
	subject := adminSubject()
	e.identity.addUser("alice", "s3cret-pass", subject)

	access := e.accessToken(t, subject)
	w := e.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		refreshRequest{RefreshToken: access})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.identity.addUser("alice", "s3cret-pass", adminSubject())

	w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		loginRequest{Username: "alice", Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	w = e.do(t, http.MethodPost, "/api/v1/auth/logout", "",
		refreshRequest{RefreshToken: login.RefreshToken})
	assert.Equal(t, http.StatusNoContent, w.Code)

	// again, and with garbage
	w = e.do(t, http.MethodPost, "/api/v1/auth/logout", "",
		refreshRequest{RefreshToken: login.RefreshToken})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/auth/logout", "",
		refreshRequest{RefreshToken: "never-issued"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	e := newTestEnv(t)
	subject := adminSubject()
	e.identity.addUser("alice", "s3cret-pass", subject)

	for i := 0; i < 3; i++ {
		w := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
			loginRequest{Username: "alice", Password: "s3cret-pass"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	access := e.accessToken(t, subject)
	w := e.do(t, http.MethodPost, "/api/v1/auth/logout-all", access, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp["revoked"])
}

func TestMeReturnsIdentityAndBindings(t *testing.T) {
	e := newTestEnv(t)
	subject := devReader()
	e.identity.addUser("dev", "s3cret-pass", subject)

	access := e.accessToken(t, subject)
	w := e.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		User     userSummary       `json:"user"`
		Bindings []json.RawMessage `json:"bindings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dev", resp.User.Username)
	assert.Len(t, resp.Bindings, 1)
}
