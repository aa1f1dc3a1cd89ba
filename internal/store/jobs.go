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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
)

const jobColumns = `id, name, kind, status, command, script, parameters,
	target_hosts, target_groups, environment, build_type, stop_on_failure,
	timeout_secs, retry_of, approval_request_id, created_by,
	started_at, finished_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var command, script, environment, buildType sql.NullString
	var paramsJSON, hostsJSON, groupsJSON []byte
	var timeoutSecs sql.NullInt64
	var retryOf, approvalID uuid.NullUUID
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&j.ID, &j.Name, &j.Kind, &j.Status, &command, &script,
		&paramsJSON, &hostsJSON, &groupsJSON, &environment, &buildType,
		&j.StopOnFailure, &timeoutSecs, &retryOf, &approvalID, &j.CreatedBy,
		&startedAt, &finishedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("job")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	j.Command = command.String
	j.Script = script.String
	j.Environment = environment.String
	j.BuildType = buildType.String
	if timeoutSecs.Valid {
		v := int(timeoutSecs.Int64)
		j.TimeoutSecs = &v
	}
	if retryOf.Valid {
		j.RetryOf = &retryOf.UUID
	}
	if approvalID.Valid {
		j.ApprovalRequestID = &approvalID.UUID
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	if len(paramsJSON) > 0 {
		json.Unmarshal(paramsJSON, &j.Parameters)
	}
	if len(hostsJSON) > 0 {
		json.Unmarshal(hostsJSON, &j.TargetHosts)
	}
	if len(groupsJSON) > 0 {
		json.Unmarshal(groupsJSON, &j.TargetGroups)
	}
	return &j, nil
}

// CreateJob inserts a job with its tasks in one transaction.
func (s *Store) CreateJob(ctx context.Context, j *Job, tasks []*Task) error {
	paramsJSON, err := json.Marshal(j.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	hostsJSON, err := json.Marshal(j.TargetHosts)
	if err != nil {
		return fmt.Errorf("encoding target hosts: %w", err)
	}
	groupsJSON, err := json.Marshal(j.TargetGroups)
	if err != nil {
		return fmt.Errorf("encoding target groups: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, kind, status, command, script, parameters,
			target_hosts, target_groups, environment, build_type, stop_on_failure,
			timeout_secs, retry_of, approval_request_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		j.ID, j.Name, j.Kind, j.Status, j.Command, j.Script, paramsJSON,
		hostsJSON, groupsJSON, j.Environment, j.BuildType, j.StopOnFailure,
		j.TimeoutSecs, j.RetryOf, j.ApprovalRequestID, j.CreatedBy, now, now,
	); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, job_id, host_id, runner_name, status, command,
				retry_of, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, t.JobID, t.HostID, t.RunnerName, t.Status, t.Command,
			t.RetryOf, now, now,
		); err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	j.CreatedAt, j.UpdatedAt = now, now
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status       string
	Kind         string
	CreatedBy    *uuid.UUID
	Environments []string
	Limit        int
	Offset       int
}

// ListJobs lists jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	idx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", idx)
		args = append(args, f.Kind)
		idx++
	}
	if f.CreatedBy != nil {
		query += fmt.Sprintf(" AND created_by = $%d", idx)
		args = append(args, *f.CreatedBy)
		idx++
	}
	if len(f.Environments) > 0 {
		query += fmt.Sprintf(" AND environment = ANY($%d)", idx)
		args = append(args, f.Environments)
		idx++
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job from one status to another. The update is
// conditional on the current status so concurrent transitions cannot race a
// terminal state back to life.
func (s *Store) TransitionJob(ctx context.Context, id uuid.UUID, from, to string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $3,
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $3 IN ('succeeded','failed','cancelled','timeout') THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transitioning job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.Conflict(fmt.Sprintf("job is not in status %s", from))
	}
	return nil
}

// SetJobStatus forces a job status without a precondition; reserved for
// consumer-driven recomputation where the new status derives from task rows.
func (s *Store) SetJobStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2,
			finished_at = CASE WHEN $2 IN ('succeeded','failed','cancelled','timeout') THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("setting job status: %w", err)
	}
	return nil
}

// DeleteJob removes a job; tasks and artifacts cascade.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("job")
	}
	return nil
}

const taskColumns = `id, job_id, host_id, runner_name, status, command,
	exit_code, output, error, error_category, retry_of,
	started_at, finished_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var hostID, retryOf uuid.NullUUID
	var runnerName, command, output, errMsg, errCat sql.NullString
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&t.ID, &t.JobID, &hostID, &runnerName, &t.Status, &command,
		&exitCode, &output, &errMsg, &errCat, &retryOf,
		&startedAt, &finishedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("task")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	if hostID.Valid {
		t.HostID = &hostID.UUID
	}
	if retryOf.Valid {
		t.RetryOf = &retryOf.UUID
	}
	t.RunnerName = runnerName.String
	t.Command = command.String
	t.Output = output.String
	t.Error = errMsg.String
	t.ErrorCategory = errCat.String
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// ListTasks returns a job's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a task (used by Retry, which links the original).
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, job_id, host_id, runner_name, status, command,
			retry_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		t.ID, t.JobID, t.HostID, t.RunnerName, t.Status, t.Command, t.RetryOf)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// TransitionTask updates a task's status conditionally on its current one.
// Terminal statuses never revert; a stale update returns Conflict.
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to string, opts ...TaskOption) error {
	u := &taskUpdate{}
	for _, opt := range opts {
		opt(u)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $3,
			runner_name = COALESCE(NULLIF($4, ''), runner_name),
			exit_code = COALESCE($5, exit_code),
			output = CASE WHEN $6::text IS NOT NULL THEN $6 ELSE output END,
			error = CASE WHEN $7::text IS NOT NULL THEN $7 ELSE error END,
			error_category = COALESCE(NULLIF($8, ''), error_category),
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $3 IN ('succeeded','failed','timeout','cancelled','skipped') THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to, u.runnerName, u.exitCode, u.output, u.errMsg, u.errCategory)
	if err != nil {
		return fmt.Errorf("transitioning task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.Conflict(fmt.Sprintf("task is not in status %s", from))
	}
	return nil
}

type taskUpdate struct {
	runnerName  string
	exitCode    *int
	output      *string
	errMsg      *string
	errCategory string
}

// TaskOption sets an optional field on a task transition.
type TaskOption func(*taskUpdate)

func WithRunnerName(name string) TaskOption { return func(u *taskUpdate) { u.runnerName = name } }
func WithExitCode(code int) TaskOption      { return func(u *taskUpdate) { u.exitCode = &code } }
func WithOutput(output string) TaskOption   { return func(u *taskUpdate) { u.output = &output } }
func WithTaskError(msg string) TaskOption   { return func(u *taskUpdate) { u.errMsg = &msg } }
func WithErrorCategory(c string) TaskOption { return func(u *taskUpdate) { u.errCategory = c } }

// AppendTaskOutput appends a log chunk to a task's output.
func (s *Store) AppendTaskOutput(ctx context.Context, id uuid.UUID, chunk string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET output = COALESCE(output, '') || $2, updated_at = NOW()
		WHERE id = $1`, id, chunk)
	if err != nil {
		return fmt.Errorf("appending task output: %w", err)
	}
	return nil
}

// TaskStatusCounts is the per-status tally used for job stats recomputation.
func (s *Store) TaskStatusCounts(ctx context.Context, jobID uuid.UUID) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("counting task statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CreateArtifact records a build artifact.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, task_id, name, path, kind, size_bytes, sha256, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		a.ID, a.JobID, a.TaskID, a.Name, a.Path, a.Kind, a.SizeBytes, a.SHA256, a.Version)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error) {
	var a Artifact
	var taskID uuid.NullUUID
	var kind, sha, version sql.NullString
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, task_id, name, path, kind, size_bytes, sha256, version, created_at
		FROM artifacts WHERE id = $1`, id).
		Scan(&a.ID, &a.JobID, &taskID, &a.Name, &a.Path, &kind, &size, &sha, &version, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("artifact")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching artifact: %w", err)
	}
	if taskID.Valid {
		a.TaskID = &taskID.UUID
	}
	a.Kind = kind.String
	a.SHA256 = sha.String
	a.Version = version.String
	a.SizeBytes = size.Int64
	return &a, nil
}

// ListArtifacts returns a job's artifacts.
func (s *Store) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, task_id, name, path, kind, size_bytes, sha256, version, created_at
		FROM artifacts WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		var taskID uuid.NullUUID
		var kind, sha, version sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&a.ID, &a.JobID, &taskID, &a.Name, &a.Path, &kind, &size, &sha, &version, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		if taskID.Valid {
			a.TaskID = &taskID.UUID
		}
		a.Kind = kind.String
		a.SHA256 = sha.String
		a.Version = version.String
		a.SizeBytes = size.Int64
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
