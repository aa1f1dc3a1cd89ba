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

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username VARCHAR(255) NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'enabled',
		is_admin BOOLEAN NOT NULL DEFAULT false,
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id UUID PRIMARY KEY,
		role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		resource VARCHAR(255) NOT NULL,
		action VARCHAR(255) NOT NULL,
		UNIQUE(role_id, resource, action)
	)`,
	`CREATE TABLE IF NOT EXISTS role_bindings (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		scope_type VARCHAR(20) NOT NULL,
		scope_value VARCHAR(255) NOT NULL DEFAULT '',
		revoked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_role_bindings_user ON role_bindings(user_id)`,
	`CREATE TABLE IF NOT EXISTS asset_groups (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		description TEXT,
		is_critical BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS hosts (
		id UUID PRIMARY KEY,
		group_id UUID NOT NULL REFERENCES asset_groups(id),
		name VARCHAR(255) NOT NULL,
		address VARCHAR(255) NOT NULL,
		port INTEGER NOT NULL DEFAULT 22,
		environment VARCHAR(255) NOT NULL,
		ssh_user VARCHAR(255),
		ssh_credential TEXT,
		host_key_policy VARCHAR(20) NOT NULL DEFAULT 'strict',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hosts_environment ON hosts(environment)`,
	`CREATE INDEX IF NOT EXISTS idx_hosts_group ON hosts(group_id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		kind VARCHAR(20) NOT NULL,
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		command TEXT,
		script TEXT,
		parameters JSONB,
		target_hosts JSONB,
		target_groups JSONB,
		environment VARCHAR(255),
		build_type VARCHAR(100),
		stop_on_failure BOOLEAN NOT NULL DEFAULT false,
		timeout_secs INTEGER,
		retry_of UUID,
		approval_request_id UUID,
		created_by UUID NOT NULL REFERENCES users(id),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_by ON jobs(created_by)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		host_id UUID,
		runner_name VARCHAR(255),
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		command TEXT,
		exit_code INTEGER,
		output TEXT,
		error TEXT,
		error_category VARCHAR(50),
		retry_of UUID,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		task_id UUID,
		name VARCHAR(255) NOT NULL,
		path TEXT NOT NULL,
		kind VARCHAR(50),
		size_bytes BIGINT,
		sha256 VARCHAR(64),
		version VARCHAR(100),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS runners (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		capabilities JSONB NOT NULL DEFAULT '[]',
		status VARCHAR(20) NOT NULL DEFAULT 'online',
		docker_supported BOOLEAN NOT NULL DEFAULT false,
		max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
		current_jobs INTEGER NOT NULL DEFAULT 0,
		os VARCHAR(50),
		arch VARCHAR(50),
		version VARCHAR(50),
		hostname VARCHAR(255),
		last_heartbeat TIMESTAMPTZ,
		last_error TEXT,
		system_info JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS runner_docker_configs (
		id UUID PRIMARY KEY,
		level VARCHAR(20) NOT NULL,
		key VARCHAR(255) NOT NULL DEFAULT '',
		config JSONB NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		updated_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(level, key)
	)`,
	`CREATE TABLE IF NOT EXISTS runner_config_history (
		id UUID PRIMARY KEY,
		config_id UUID NOT NULL REFERENCES runner_docker_configs(id) ON DELETE CASCADE,
		old_config JSONB,
		new_config JSONB NOT NULL,
		change_reason TEXT,
		changed_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id UUID PRIMARY KEY,
		job_id UUID,
		title VARCHAR(255) NOT NULL,
		triggers JSONB NOT NULL DEFAULT '[]',
		required_approvers INTEGER NOT NULL DEFAULT 1,
		current_approvals INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		requested_by UUID NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS approval_records (
		id UUID PRIMARY KEY,
		request_id UUID NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
		approver_id UUID NOT NULL,
		decision VARCHAR(20) NOT NULL,
		comment TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(request_id, approver_id)
	)`,
	`CREATE TABLE IF NOT EXISTS approval_groups (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		priority INTEGER NOT NULL DEFAULT 0,
		required_approvers INTEGER NOT NULL DEFAULT 1,
		environments JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS job_templates (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		description TEXT,
		kind VARCHAR(20) NOT NULL,
		command TEXT,
		parameters JSONB,
		created_by UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		request_id UUID NOT NULL,
		trace_id VARCHAR(64),
		user_id UUID,
		username VARCHAR(255),
		action VARCHAR(255) NOT NULL,
		resource_type VARCHAR(100),
		resource_id VARCHAR(100),
		result VARCHAR(20) NOT NULL,
		detail JSONB,
		client_ip VARCHAR(45),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
	`CREATE TABLE IF NOT EXISTS login_events (
		id UUID PRIMARY KEY,
		user_id UUID,
		username VARCHAR(255) NOT NULL,
		success BOOLEAN NOT NULL,
		client_ip VARCHAR(45),
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_login_events_user ON login_events(user_id)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash VARCHAR(64) NOT NULL UNIQUE,
		ip_address VARCHAR(45),
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		replaced_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_hash ON refresh_tokens(token_hash)`,
	// The system user owns webhook-submitted builds. The empty password
	// hash and disabled status make it unable to log in.
	`INSERT INTO users (id, username, password_hash, status, is_admin)
	VALUES ('00000000-0000-0000-0000-000000000001', 'system', '', 'disabled', false)
	ON CONFLICT (username) DO NOTHING`,
}
