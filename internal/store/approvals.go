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

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
)

const approvalColumns = `id, job_id, title, triggers, required_approvers,
	current_approvals, status, requested_by, expires_at, created_at, updated_at`

func scanApproval(row interface{ Scan(...any) error }) (*ApprovalRequest, error) {
	var a ApprovalRequest
	var jobID uuid.NullUUID
	var triggersJSON []byte
	var expiresAt sql.NullTime

	err := row.Scan(&a.ID, &jobID, &a.Title, &triggersJSON, &a.RequiredApprovers,
		&a.CurrentApprovals, &a.Status, &a.RequestedBy, &expiresAt,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("approval request")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning approval request: %w", err)
	}

	if jobID.Valid {
		a.JobID = &jobID.UUID
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}
	if len(triggersJSON) > 0 {
		json.Unmarshal(triggersJSON, &a.Triggers)
	}
	return &a, nil
}

// CreateApprovalRequest inserts a pending request.
func (s *Store) CreateApprovalRequest(ctx context.Context, a *ApprovalRequest) error {
	triggersJSON, err := json.Marshal(a.Triggers)
	if err != nil {
		return fmt.Errorf("encoding triggers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, job_id, title, triggers, required_approvers,
			current_approvals, status, requested_by, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		a.ID, a.JobID, a.Title, triggersJSON, a.RequiredApprovers,
		a.CurrentApprovals, a.Status, a.RequestedBy, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creating approval request: %w", err)
	}
	return nil
}

// GetApprovalRequest fetches a request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error) {
	return scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
}

// ListApprovalRequests lists requests, optionally by status, newest first.
func (s *Store) ListApprovalRequests(ctx context.Context, status string, limit, offset int) ([]*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE 1=1`
	args := []any{}
	idx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, limit)
		idx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, a)
	}
	return requests, rows.Err()
}

// AddApprovalRecord records one approver's decision and bumps the approval
// count when the decision is an approval. The insert fails on a duplicate
// (request, approver) pair.
func (s *Store) AddApprovalRecord(ctx context.Context, r *ApprovalRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_records (id, request_id, approver_id, decision, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		r.ID, r.RequestID, r.ApproverID, r.Decision, r.Comment); err != nil {
		return apperror.Conflict("approver already decided on this request")
	}

	if r.Decision == ApprovalApproved {
		if _, err := tx.ExecContext(ctx, `
			UPDATE approval_requests SET current_approvals = current_approvals + 1, updated_at = NOW()
			WHERE id = $1`, r.RequestID); err != nil {
			return fmt.Errorf("bumping approval count: %w", err)
		}
	}
	return tx.Commit()
}

// ListApprovalRecords returns the decisions on a request.
func (s *Store) ListApprovalRecords(ctx context.Context, requestID uuid.UUID) ([]*ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, approver_id, decision, comment, created_at
		FROM approval_records WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing approval records: %w", err)
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var comment sql.NullString
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ApproverID, &r.Decision, &comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning approval record: %w", err)
		}
		r.Comment = comment.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// TransitionApproval moves a request between statuses conditionally;
// terminal statuses never revert.
func (s *Store) TransitionApproval(ctx context.Context, id uuid.UUID, from, to string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("transitioning approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.Conflict(fmt.Sprintf("approval request is not in status %s", from))
	}
	return nil
}

// ExpirePendingApprovals times out pending requests whose deadline passed
// and returns their ids so jobs can be parked accordingly.
func (s *Store) ExpirePendingApprovals(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE approval_requests SET status = 'timeout', updated_at = NOW()
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < NOW()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("expiring approvals: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired approval: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateApprovalGroup inserts a quorum policy group.
func (s *Store) CreateApprovalGroup(ctx context.Context, g *ApprovalGroup) error {
	envsJSON, err := json.Marshal(g.Environments)
	if err != nil {
		return fmt.Errorf("encoding environments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_groups (id, name, priority, required_approvers, environments, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		g.ID, g.Name, g.Priority, g.RequiredApprovers, envsJSON)
	if err != nil {
		return fmt.Errorf("creating approval group: %w", err)
	}
	return nil
}

// ListApprovalGroups returns groups by priority descending then creation
// time, so the best-matching group comes first.
func (s *Store) ListApprovalGroups(ctx context.Context) ([]*ApprovalGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, required_approvers, environments, created_at
		FROM approval_groups ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing approval groups: %w", err)
	}
	defer rows.Close()

	var groups []*ApprovalGroup
	for rows.Next() {
		var g ApprovalGroup
		var envsJSON []byte
		if err := rows.Scan(&g.ID, &g.Name, &g.Priority, &g.RequiredApprovers, &envsJSON, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning approval group: %w", err)
		}
		if len(envsJSON) > 0 {
			json.Unmarshal(envsJSON, &g.Environments)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// CreateJobTemplate inserts a template.
func (s *Store) CreateJobTemplate(ctx context.Context, t *JobTemplateRecord) error {
	paramsJSON, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_templates (id, name, description, kind, command, parameters, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		t.ID, t.Name, t.Description, t.Kind, t.Command, paramsJSON, t.CreatedBy)
	if err != nil {
		return fmt.Errorf("creating job template: %w", err)
	}
	return nil
}

// GetJobTemplate fetches a template by id.
func (s *Store) GetJobTemplate(ctx context.Context, id uuid.UUID) (*JobTemplateRecord, error) {
	var t JobTemplateRecord
	var description, command sql.NullString
	var paramsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, kind, command, parameters, created_by, created_at, updated_at
		FROM job_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &description, &t.Kind, &command, &paramsJSON,
			&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("job template")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job template: %w", err)
	}
	t.Description = description.String
	t.Command = command.String
	if len(paramsJSON) > 0 {
		json.Unmarshal(paramsJSON, &t.Parameters)
	}
	return &t, nil
}

// ListJobTemplates returns all templates ordered by name.
func (s *Store) ListJobTemplates(ctx context.Context) ([]*JobTemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, kind, command, parameters, created_by, created_at, updated_at
		FROM job_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing job templates: %w", err)
	}
	defer rows.Close()

	var templates []*JobTemplateRecord
	for rows.Next() {
		var t JobTemplateRecord
		var description, command sql.NullString
		var paramsJSON []byte
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.Kind, &command, &paramsJSON,
			&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job template: %w", err)
		}
		t.Description = description.String
		t.Command = command.String
		if len(paramsJSON) > 0 {
			json.Unmarshal(paramsJSON, &t.Parameters)
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}
