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
	"github.com/opsforge/opsforge/internal/authz"
)

// CreateRole inserts a role with its permissions in one transaction.
func (s *Store) CreateRole(ctx context.Context, r *Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roles (id, name, description, created_at)
		VALUES ($1, $2, $3, NOW())`,
		r.ID, r.Name, r.Description); err != nil {
		return fmt.Errorf("creating role: %w", err)
	}

	for i := range r.Permissions {
		p := &r.Permissions[i]
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.RoleID = r.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (id, role_id, resource, action)
			VALUES ($1, $2, $3, $4)`,
			p.ID, p.RoleID, p.Resource, p.Action); err != nil {
			return fmt.Errorf("creating permission: %w", err)
		}
	}
	return tx.Commit()
}

// GetRole fetches a role and its permissions.
func (s *Store) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	var r Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at FROM roles WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("role")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching role: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role_id, resource, action FROM permissions WHERE role_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("fetching permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.RoleID, &p.Resource, &p.Action); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		r.Permissions = append(r.Permissions, p)
	}
	return &r, rows.Err()
}

// ListRoles lists all roles without permissions.
func (s *Store) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, &r)
	}
	return roles, rows.Err()
}

// CreateRoleBinding grants a role at a scope.
func (s *Store) CreateRoleBinding(ctx context.Context, b *RoleBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_bindings (id, user_id, role_id, scope_type, scope_value, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		b.ID, b.UserID, b.RoleID, b.ScopeType, b.ScopeValue)
	if err != nil {
		return fmt.Errorf("creating role binding: %w", err)
	}
	return nil
}

// RevokeRoleBinding marks a binding revoked; revoked bindings stop granting
// immediately but stay for the audit trail.
func (s *Store) RevokeRoleBinding(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE role_bindings SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoking role binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("role binding")
	}
	return nil
}

// LoadSubject assembles the authorization view of a user: admin flag plus
// all non-revoked bindings with their role permissions.
func (s *Store) LoadSubject(ctx context.Context, userID uuid.UUID) (*authz.Subject, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rb.id, r.name, rb.scope_type, rb.scope_value, p.resource, p.action
		FROM role_bindings rb
		JOIN roles r ON r.id = rb.role_id
		JOIN permissions p ON p.role_id = r.id
		WHERE rb.user_id = $1 AND rb.revoked_at IS NULL
		ORDER BY rb.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading role bindings: %w", err)
	}
	defer rows.Close()

	subject := &authz.Subject{
		UserID:   u.ID,
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
	}

	byBinding := make(map[uuid.UUID]*authz.Binding)
	var order []uuid.UUID
	for rows.Next() {
		var bindingID uuid.UUID
		var roleName, scopeType, scopeValue, resource, action string
		if err := rows.Scan(&bindingID, &roleName, &scopeType, &scopeValue, &resource, &action); err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		b, ok := byBinding[bindingID]
		if !ok {
			b = &authz.Binding{
				RoleName: roleName,
				Scope: authz.Scope{
					Type:  authz.ScopeType(scopeType),
					Value: scopeValue,
				},
			}
			byBinding[bindingID] = b
			order = append(order, bindingID)
		}
		b.Permissions = append(b.Permissions, authz.Permission{Resource: resource, Action: action})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range order {
		subject.Bindings = append(subject.Bindings, *byBinding[id])
	}
	return subject, nil
}
