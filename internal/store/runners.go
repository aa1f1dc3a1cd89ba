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
	"github.com/opsforge/opsforge/internal/protocol"
)

const runnerColumns = `id, name, capabilities, status, docker_supported,
	max_concurrent_jobs, current_jobs, os, arch, version, hostname,
	last_heartbeat, last_error, system_info, created_at, updated_at`

func scanRunner(row interface{ Scan(...any) error }) (*Runner, error) {
	var r Runner
	var capsJSON, sysJSON []byte
	var os, arch, version, hostname, lastError sql.NullString
	var lastHeartbeat sql.NullTime

	err := row.Scan(&r.ID, &r.Name, &capsJSON, &r.Status, &r.DockerSupported,
		&r.MaxConcurrentJobs, &r.CurrentJobs, &os, &arch, &version, &hostname,
		&lastHeartbeat, &lastError, &sysJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("runner")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning runner: %w", err)
	}

	r.OS = os.String
	r.Arch = arch.String
	r.Version = version.String
	r.Hostname = hostname.String
	r.LastError = lastError.String
	if lastHeartbeat.Valid {
		r.LastHeartbeat = &lastHeartbeat.Time
	}
	if len(capsJSON) > 0 {
		json.Unmarshal(capsJSON, &r.Capabilities)
	}
	if len(sysJSON) > 0 {
		var info protocol.SystemInfo
		if json.Unmarshal(sysJSON, &info) == nil {
			r.SystemInfo = &info
		}
	}
	return &r, nil
}

// UpsertRunner registers a runner or refreshes an existing registration.
// Re-registration resets current_jobs; the runner just restarted.
func (s *Store) UpsertRunner(ctx context.Context, r *Runner) error {
	capsJSON, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runners (id, name, capabilities, status, docker_supported,
			max_concurrent_jobs, current_jobs, os, arch, version, hostname,
			last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, NOW(), NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			docker_supported = EXCLUDED.docker_supported,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			current_jobs = 0,
			os = EXCLUDED.os, arch = EXCLUDED.arch,
			version = EXCLUDED.version, hostname = EXCLUDED.hostname,
			last_heartbeat = NOW(), updated_at = NOW()`,
		r.ID, r.Name, capsJSON, r.Status, r.DockerSupported,
		r.MaxConcurrentJobs, r.OS, r.Arch, r.Version, r.Hostname)
	if err != nil {
		return fmt.Errorf("upserting runner: %w", err)
	}
	return nil
}

// GetRunner fetches a runner by name.
func (s *Store) GetRunner(ctx context.Context, name string) (*Runner, error) {
	return scanRunner(s.db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE name = $1`, name))
}

// ListRunners returns all runners ordered by name.
func (s *Store) ListRunners(ctx context.Context) ([]*Runner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}
	defer rows.Close()

	var runners []*Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

// ListSchedulableRunners returns active runners with a fresh heartbeat and
// spare capacity. The scheduler applies capability matching on top.
func (s *Store) ListSchedulableRunners(ctx context.Context) ([]*Runner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runnerColumns+` FROM runners
		WHERE status IN ('online', 'active')
		  AND last_heartbeat > NOW() - INTERVAL '2 minutes'
		  AND current_jobs < max_concurrent_jobs
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing schedulable runners: %w", err)
	}
	defer rows.Close()

	var runners []*Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

// RecordHeartbeat refreshes a runner's liveness and load report.
func (s *Store) RecordHeartbeat(ctx context.Context, hb *protocol.RunnerHeartbeat) error {
	sysJSON, err := json.Marshal(hb.System)
	if err != nil {
		return fmt.Errorf("encoding system info: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET status = $2, current_jobs = $3, last_error = $4,
			system_info = $5, last_heartbeat = NOW(), updated_at = NOW()
		WHERE name = $1`,
		hb.Name, string(hb.Status), hb.CurrentJobs, hb.LastError, sysJSON)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("runner")
	}
	return nil
}

// ReserveRunnerSlot atomically claims one job slot. The condition re-checks
// capacity so concurrent schedulers cannot overbook; zero rows means lost
// race.
func (s *Store) ReserveRunnerSlot(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET current_jobs = current_jobs + 1, updated_at = NOW()
		WHERE name = $1 AND current_jobs < max_concurrent_jobs`, name)
	if err != nil {
		return fmt.Errorf("reserving runner slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.Conflict("runner is at capacity")
	}
	return nil
}

// ReleaseRunnerSlot returns a job slot on terminal task status. The floor
// guard keeps the counter from going negative on duplicate releases.
func (s *Store) ReleaseRunnerSlot(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runners SET current_jobs = GREATEST(current_jobs - 1, 0), updated_at = NOW()
		WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("releasing runner slot: %w", err)
	}
	return nil
}

// SetRunnerStatus sets maintenance/offline transitions from the API.
func (s *Store) SetRunnerStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET status = $2, updated_at = NOW() WHERE name = $1`,
		name, status)
	if err != nil {
		return fmt.Errorf("setting runner status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("runner")
	}
	return nil
}

// MarkStaleRunnersOffline flips runners whose heartbeat lapsed. Returns the
// number of runners transitioned.
func (s *Store) MarkStaleRunnersOffline(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET status = 'offline', updated_at = NOW()
		WHERE status IN ('online', 'active')
		  AND last_heartbeat < NOW() - INTERVAL '2 minutes'`)
	if err != nil {
		return 0, fmt.Errorf("marking stale runners: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetDockerConfig fetches one layered config row.
func (s *Store) GetDockerConfig(ctx context.Context, level, key string) (*RunnerDockerConfig, error) {
	var c RunnerDockerConfig
	var cfgJSON []byte
	var updatedBy uuid.NullUUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, level, key, config, version, updated_by, created_at, updated_at
		FROM runner_docker_configs WHERE level = $1 AND key = $2`, level, key).
		Scan(&c.ID, &c.Level, &c.Key, &cfgJSON, &c.Version, &updatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("runner config")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching runner config: %w", err)
	}
	if updatedBy.Valid {
		c.UpdatedBy = &updatedBy.UUID
	}
	if err := json.Unmarshal(cfgJSON, &c.Config); err != nil {
		return nil, fmt.Errorf("decoding runner config: %w", err)
	}
	return &c, nil
}

// ListDockerConfigs returns every layered config row.
func (s *Store) ListDockerConfigs(ctx context.Context) ([]*RunnerDockerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, key, config, version, updated_by, created_at, updated_at
		FROM runner_docker_configs ORDER BY level, key`)
	if err != nil {
		return nil, fmt.Errorf("listing runner configs: %w", err)
	}
	defer rows.Close()

	var configs []*RunnerDockerConfig
	for rows.Next() {
		var c RunnerDockerConfig
		var cfgJSON []byte
		var updatedBy uuid.NullUUID
		if err := rows.Scan(&c.ID, &c.Level, &c.Key, &cfgJSON, &c.Version, &updatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning runner config: %w", err)
		}
		if updatedBy.Valid {
			c.UpdatedBy = &updatedBy.UUID
		}
		if err := json.Unmarshal(cfgJSON, &c.Config); err != nil {
			return nil, fmt.Errorf("decoding runner config: %w", err)
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

// UpsertDockerConfig writes a config layer, bumps its version, and appends
// the change to the history table in the same transaction.
func (s *Store) UpsertDockerConfig(ctx context.Context, c *RunnerDockerConfig, changeReason string, changedBy *uuid.UUID) error {
	newJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encoding runner config: %w", err)
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var oldJSON []byte
	var configID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id, config FROM runner_docker_configs WHERE level = $1 AND key = $2`,
		c.Level, c.Key).Scan(&configID, &oldJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		configID = c.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runner_docker_configs (id, level, key, config, version, updated_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, NOW(), NOW())`,
			c.ID, c.Level, c.Key, newJSON, changedBy); err != nil {
			return fmt.Errorf("inserting runner config: %w", err)
		}
		c.Version = 1
	case err != nil:
		return fmt.Errorf("fetching runner config: %w", err)
	default:
		c.ID = configID
		if err := tx.QueryRowContext(ctx, `
			UPDATE runner_docker_configs
			SET config = $3, version = version + 1, updated_by = $4, updated_at = NOW()
			WHERE level = $1 AND key = $2
			RETURNING version`,
			c.Level, c.Key, newJSON, changedBy).Scan(&c.Version); err != nil {
			return fmt.Errorf("updating runner config: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runner_config_history (id, config_id, old_config, new_config, change_reason, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), configID, oldJSON, newJSON, changeReason, changedBy); err != nil {
		return fmt.Errorf("recording config history: %w", err)
	}

	return tx.Commit()
}

// ListConfigHistory returns the change history of one config row, newest
// first.
func (s *Store) ListConfigHistory(ctx context.Context, configID uuid.UUID, limit int) ([]*RunnerConfigHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, old_config, new_config, change_reason, changed_by, created_at
		FROM runner_config_history WHERE config_id = $1
		ORDER BY created_at DESC LIMIT $2`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing config history: %w", err)
	}
	defer rows.Close()

	var history []*RunnerConfigHistory
	for rows.Next() {
		var h RunnerConfigHistory
		var oldJSON, newJSON []byte
		var reason sql.NullString
		var changedBy uuid.NullUUID
		if err := rows.Scan(&h.ID, &h.ConfigID, &oldJSON, &newJSON, &reason, &changedBy, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning config history: %w", err)
		}
		h.ChangeReason = reason.String
		if changedBy.Valid {
			h.ChangedBy = &changedBy.UUID
		}
		if len(oldJSON) > 0 {
			var old protocol.DockerConfig
			if json.Unmarshal(oldJSON, &old) == nil {
				h.OldConfig = &old
			}
		}
		if err := json.Unmarshal(newJSON, &h.NewConfig); err != nil {
			return nil, fmt.Errorf("decoding config history: %w", err)
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
