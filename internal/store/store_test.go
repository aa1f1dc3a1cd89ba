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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/protocol"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM users WHERE username`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetUserByUsername(context.Background(), "ghost")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByUsername(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM users WHERE username`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "password_hash", "status", "is_admin",
			"failed_login_attempts", "locked_until", "created_at", "updated_at",
		}).AddRow(id, "alice", "$argon2id$hash", UserEnabled, false, 2, nil, now, now))

	u, err := s.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, 2, u.FailedLoginAttempts)
	assert.Nil(t, u.LockedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHostOptimisticLock(t *testing.T) {
	s, mock := newMockStore(t)
	h := &Host{ID: uuid.New(), GroupID: uuid.New(), Name: "web-1",
		Address: "10.0.0.5", Port: 22, Environment: "production",
		HostKeyPolicy: HostKeyStrict}

	// stale version: zero rows, then the existence re-check succeeds
	mock.ExpectExec(`UPDATE hosts SET .+ WHERE id = \$1 AND version = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM hosts WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "group_id", "name", "address", "port", "environment",
			"ssh_user", "ssh_credential", "host_key_policy", "version", "created_at", "updated_at",
		}).AddRow(h.ID, h.GroupID, "web-1", "10.0.0.5", 22, "production", nil, nil, "strict", int64(4), now, now))

	err := s.UpdateHost(context.Background(), h, 3)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHostVersionBump(t *testing.T) {
	s, mock := newMockStore(t)
	h := &Host{ID: uuid.New(), GroupID: uuid.New(), Name: "web-1",
		Address: "10.0.0.5", Port: 22, Environment: "staging",
		HostKeyPolicy: HostKeyAccept}

	mock.ExpectExec(`UPDATE hosts SET .+ WHERE id = \$1 AND version = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateHost(context.Background(), h, 3))
	assert.Equal(t, int64(4), h.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveRunnerSlotAtCapacity(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE runners SET current_jobs = current_jobs \+ 1.+current_jobs < max_concurrent_jobs`).
		WithArgs("runner-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ReserveRunnerSlot(context.Background(), "runner-1")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTaskStaleStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE tasks SET status.+WHERE id = \$1 AND status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// a terminal task cannot be moved back to running
	err := s.TransitionTask(context.Background(), uuid.New(), TaskSucceeded, TaskRunning)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobConditional(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET status.+WHERE id = \$1 AND status = \$2`).
		WithArgs(id, JobPending, JobRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.TransitionJob(context.Background(), id, JobPending, JobRunning))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHeartbeatUnknownRunner(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE runners SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RecordHeartbeat(context.Background(), &protocol.RunnerHeartbeat{
		Name: "nobody", Status: protocol.RunnerStatusActive,
	})
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStatusCounts(t *testing.T) {
	s, mock := newMockStore(t)
	jobID := uuid.New()
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM tasks WHERE job_id`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(TaskSucceeded, 3).
			AddRow(TaskFailed, 1).
			AddRow(TaskPending, 2))

	counts, err := s.TaskStatusCounts(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{TaskSucceeded: 3, TaskFailed: 1, TaskPending: 2}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAuditLogsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM audit_logs WHERE 1=1 AND user_id = \$1 AND action LIKE \$2.+ORDER BY created_at DESC LIMIT \$3`).
		WithArgs(userID, "job.%", 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "request_id", "trace_id", "user_id", "username", "action",
			"resource_type", "resource_id", "result", "detail", "client_ip", "created_at",
		}).AddRow(uuid.New(), uuid.New(), "t-1", userID, "alice", "job.execute",
			"job", uuid.NewString(), audit.ResultSuccess, []byte(`{"k":"v"}`), "203.0.113.7", time.Now()))

	entries, err := s.QueryAuditLogs(context.Background(), audit.Filter{
		UserID: &userID, ActionPrefix: "job.", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job.execute", entries[0].Action)
	assert.Equal(t, "v", entries[0].Detail["k"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeRoleBindingTwice(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec(`UPDATE role_bindings SET revoked_at.+revoked_at IS NULL`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RevokeRoleBinding(context.Background(), id)
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenUsable(t *testing.T) {
	now := time.Now()
	revoked := now.Add(-time.Hour)

	live := &RefreshToken{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, live.Usable(now))

	expired := &RefreshToken{ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, expired.Usable(now))

	dead := &RefreshToken{ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked}
	assert.False(t, dead.Usable(now))
}

func TestRunnerLoadAndHealth(t *testing.T) {
	hb := time.Now().Add(-time.Minute)
	r := &Runner{MaxConcurrentJobs: 4, CurrentJobs: 1, LastHeartbeat: &hb}

	assert.InDelta(t, 25.0, r.LoadPercent(), 0.01)
	assert.True(t, r.Healthy(time.Now()))

	stale := time.Now().Add(-3 * time.Minute)
	r.LastHeartbeat = &stale
	assert.False(t, r.Healthy(time.Now()))
}
