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
	"fmt"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/audit"
)

// InsertAuditLog appends one entry. Rows are never updated or deleted.
func (s *Store) InsertAuditLog(ctx context.Context, e audit.Entry) error {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("encoding audit detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, request_id, trace_id, user_id, username,
			action, resource_type, resource_id, result, detail, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.RequestID, e.TraceID, e.UserID, e.Username,
		e.Action, e.ResourceType, e.ResourceID, e.Result, detailJSON, e.ClientIP, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// QueryAuditLogs returns entries matching the filter, newest first.
func (s *Store) QueryAuditLogs(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	query := `
		SELECT id, request_id, trace_id, user_id, username, action,
			resource_type, resource_id, result, detail, client_ip, created_at
		FROM audit_logs WHERE 1=1`
	args := []any{}
	idx := 1

	if f.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *f.UserID)
		idx++
	}
	if f.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", idx)
		args = append(args, f.ResourceType)
		idx++
	}
	if f.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", idx)
		args = append(args, f.ResourceID)
		idx++
	}
	if f.ActionPrefix != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", idx)
		args = append(args, f.ActionPrefix+"%")
		idx++
	}
	if f.Result != "" {
		query += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	if f.TraceID != "" {
		query += fmt.Sprintf(" AND trace_id = $%d", idx)
		args = append(args, f.TraceID)
		idx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.Since)
		idx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *f.Until)
		idx++
	}

	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", idx)
	args = append(args, limit)
	idx++
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var traceID, username, resourceType, resourceID, clientIP sql.NullString
		var userID uuid.NullUUID
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &traceID, &userID, &username,
			&e.Action, &resourceType, &resourceID, &e.Result, &detailJSON,
			&clientIP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log: %w", err)
		}
		e.TraceID = traceID.String
		e.Username = username.String
		e.ResourceType = resourceType.String
		e.ResourceID = resourceID.String
		e.ClientIP = clientIP.String
		if userID.Valid {
			e.UserID = &userID.UUID
		}
		if len(detailJSON) > 0 {
			json.Unmarshal(detailJSON, &e.Detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
