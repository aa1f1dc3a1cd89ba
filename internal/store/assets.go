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

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
)

// CreateAssetGroup inserts a group.
func (s *Store) CreateAssetGroup(ctx context.Context, g *AssetGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_groups (id, name, description, is_critical, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())`,
		g.ID, g.Name, g.Description, g.IsCritical)
	if err != nil {
		return fmt.Errorf("creating asset group: %w", err)
	}
	return nil
}

// GetAssetGroup fetches a group by id.
func (s *Store) GetAssetGroup(ctx context.Context, id uuid.UUID) (*AssetGroup, error) {
	var g AssetGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, is_critical, created_at, updated_at
		FROM asset_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.IsCritical, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("asset group")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching asset group: %w", err)
	}
	return &g, nil
}

// ListAssetGroups lists groups, optionally restricted to the given ids.
func (s *Store) ListAssetGroups(ctx context.Context, onlyIDs []uuid.UUID) ([]*AssetGroup, error) {
	query := `SELECT id, name, description, is_critical, created_at, updated_at FROM asset_groups`
	args := []any{}
	if len(onlyIDs) > 0 {
		query += ` WHERE id = ANY($1)`
		args = append(args, idStrings(onlyIDs))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing asset groups: %w", err)
	}
	defer rows.Close()

	var groups []*AssetGroup
	for rows.Next() {
		var g AssetGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.IsCritical, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning asset group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// UpdateAssetGroup rewrites a group's mutable fields.
func (s *Store) UpdateAssetGroup(ctx context.Context, g *AssetGroup) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE asset_groups SET name = $2, description = $3, is_critical = $4, updated_at = NOW()
		WHERE id = $1`,
		g.ID, g.Name, g.Description, g.IsCritical)
	if err != nil {
		return fmt.Errorf("updating asset group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("asset group")
	}
	return nil
}

// DeleteAssetGroup removes an empty group. Hosts must be moved or deleted
// first; the FK on hosts.group_id rejects the delete otherwise.
func (s *Store) DeleteAssetGroup(ctx context.Context, id uuid.UUID) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hosts WHERE group_id = $1`, id).Scan(&n); err != nil {
		return fmt.Errorf("counting group hosts: %w", err)
	}
	if n > 0 {
		return apperror.Conflict("group still has hosts")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM asset_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting asset group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("asset group")
	}
	return nil
}

const hostColumns = `id, group_id, name, address, port, environment,
	ssh_user, ssh_credential, host_key_policy, version, created_at, updated_at`

func scanHost(row interface{ Scan(...any) error }) (*Host, error) {
	var h Host
	var sshUser, sshCred sql.NullString
	err := row.Scan(&h.ID, &h.GroupID, &h.Name, &h.Address, &h.Port, &h.Environment,
		&sshUser, &sshCred, &h.HostKeyPolicy, &h.Version, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("host")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning host: %w", err)
	}
	h.SSHUser = sshUser.String
	h.SSHCredential = sshCred.String
	return &h, nil
}

// CreateHost inserts a host at version 1.
func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	h.Version = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, group_id, name, address, port, environment,
			ssh_user, ssh_credential, host_key_policy, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		h.ID, h.GroupID, h.Name, h.Address, h.Port, h.Environment,
		h.SSHUser, h.SSHCredential, h.HostKeyPolicy, h.Version)
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}
	return nil
}

// GetHost fetches a host by id.
func (s *Store) GetHost(ctx context.Context, id uuid.UUID) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id))
}

// GetHosts fetches a batch of hosts by id.
func (s *Store) GetHosts(ctx context.Context, ids []uuid.UUID) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = ANY($1)`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("fetching hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// HostFilter narrows ListHosts.
type HostFilter struct {
	GroupID      *uuid.UUID
	Environment  string
	Environments []string
	Limit        int
	Offset       int
}

// ListHosts lists hosts matching the filter, newest first.
func (s *Store) ListHosts(ctx context.Context, f HostFilter) ([]*Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE 1=1`
	args := []any{}
	idx := 1

	if f.GroupID != nil {
		query += fmt.Sprintf(" AND group_id = $%d", idx)
		args = append(args, *f.GroupID)
		idx++
	}
	if f.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", idx)
		args = append(args, f.Environment)
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
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// UpdateHost applies an optimistic-concurrency update: the write succeeds
// only when the stored version still matches expectedVersion, and bumps the
// version by one. A mismatch returns Conflict.
func (s *Store) UpdateHost(ctx context.Context, h *Host, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET group_id = $3, name = $4, address = $5, port = $6,
			environment = $7, ssh_user = $8, ssh_credential = $9,
			host_key_policy = $10, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		h.ID, expectedVersion, h.GroupID, h.Name, h.Address, h.Port,
		h.Environment, h.SSHUser, h.SSHCredential, h.HostKeyPolicy)
	if err != nil {
		return fmt.Errorf("updating host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// either the row is gone or someone else updated it first
		if _, getErr := s.GetHost(ctx, h.ID); getErr != nil {
			return getErr
		}
		return apperror.Conflict("host was modified concurrently")
	}
	h.Version = expectedVersion + 1
	return nil
}

// DeleteHost removes a host.
func (s *Store) DeleteHost(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("host")
	}
	return nil
}

// idStrings renders uuids for ANY($1) array binds.
func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
