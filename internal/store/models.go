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
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/protocol"
)

// SystemUserID owns jobs submitted by machine integrations rather than a
// logged-in user. The row is seeded by the migrations.
var SystemUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// User statuses. locked_until > now implies StatusLocked.
const (
	UserEnabled  = "enabled"
	UserDisabled = "disabled"
	UserLocked   = "locked"
)

type User struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"`
	Status              string     `json:"status"`
	IsAdmin             bool       `json:"is_admin"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Role struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Permission struct {
	ID       uuid.UUID `json:"id"`
	RoleID   uuid.UUID `json:"role_id"`
	Resource string    `json:"resource"`
	Action   string    `json:"action"`
}

type RoleBinding struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	RoleID     uuid.UUID  `json:"role_id"`
	RoleName   string     `json:"role_name,omitempty"`
	ScopeType  string     `json:"scope_type"`
	ScopeValue string     `json:"scope_value,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type AssetGroup struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsCritical  bool      `json:"is_critical"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Host key verification policies.
const (
	HostKeyStrict   = "strict"
	HostKeyAccept   = "accept"
	HostKeyDisabled = "disabled"
)

// Host is version-stamped; updates carry the expected version and fail on
// mismatch.
type Host struct {
	ID            uuid.UUID `json:"id"`
	GroupID       uuid.UUID `json:"group_id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Environment   string    `json:"environment"`
	SSHUser       string    `json:"ssh_user,omitempty"`
	SSHCredential string    `json:"-"`
	HostKeyPolicy string    `json:"host_key_policy"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Job kinds.
const (
	JobCommand  = "command"
	JobScript   = "script"
	JobBuild    = "build"
	JobTemplate = "template"
)

// Job statuses.
const (
	JobPending          = "pending"
	JobAwaitingApproval = "awaiting_approval"
	JobRunning          = "running"
	JobSucceeded        = "succeeded"
	JobFailed           = "failed"
	JobCancelled        = "cancelled"
	JobTimeout          = "timeout"
)

type Job struct {
	ID                uuid.UUID      `json:"id"`
	Name              string         `json:"name"`
	Kind              string         `json:"kind"`
	Status            string         `json:"status"`
	Command           string         `json:"command,omitempty"`
	Script            string         `json:"script,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	TargetHosts       []uuid.UUID    `json:"target_hosts,omitempty"`
	TargetGroups      []uuid.UUID    `json:"target_groups,omitempty"`
	Environment       string         `json:"environment,omitempty"`
	BuildType         string         `json:"build_type,omitempty"`
	StopOnFailure     bool           `json:"stop_on_failure"`
	TimeoutSecs       *int           `json:"timeout_secs,omitempty"`
	RetryOf           *uuid.UUID     `json:"retry_of,omitempty"`
	ApprovalRequestID *uuid.UUID     `json:"approval_request_id,omitempty"`
	CreatedBy         uuid.UUID      `json:"created_by"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Task statuses. Succeeded and failed are terminal; retry creates a fresh
// task linked through RetryOf.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
	TaskCancelled = "cancelled"
	TaskSkipped   = "skipped"
)

type Task struct {
	ID            uuid.UUID  `json:"id"`
	JobID         uuid.UUID  `json:"job_id"`
	HostID        *uuid.UUID `json:"host_id,omitempty"`
	RunnerName    string     `json:"runner_name,omitempty"`
	Status        string     `json:"status"`
	Command       string     `json:"command,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	RetryOf       *uuid.UUID `json:"retry_of,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Artifact struct {
	ID        uuid.UUID  `json:"id"`
	JobID     uuid.UUID  `json:"job_id"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Kind      string     `json:"kind,omitempty"`
	SizeBytes int64      `json:"size_bytes,omitempty"`
	SHA256    string     `json:"sha256,omitempty"`
	Version   string     `json:"version,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Runner statuses.
const (
	RunnerOnline      = "online"
	RunnerActive      = "active"
	RunnerMaintenance = "maintenance"
	RunnerOffline     = "offline"
)

// HeartbeatFreshness is how recent a heartbeat must be for a runner to be
// schedulable.
const HeartbeatFreshness = 2 * time.Minute

type Runner struct {
	ID                uuid.UUID            `json:"id"`
	Name              string               `json:"name"`
	Capabilities      []string             `json:"capabilities"`
	Status            string               `json:"status"`
	DockerSupported   bool                 `json:"docker_supported"`
	MaxConcurrentJobs int                  `json:"max_concurrent_jobs"`
	CurrentJobs       int                  `json:"current_jobs"`
	OS                string               `json:"os,omitempty"`
	Arch              string               `json:"arch,omitempty"`
	Version           string               `json:"version,omitempty"`
	Hostname          string               `json:"hostname,omitempty"`
	LastHeartbeat     *time.Time           `json:"last_heartbeat,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
	SystemInfo        *protocol.SystemInfo `json:"system_info,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// LoadPercent is current_jobs over capacity, as a percentage.
func (r *Runner) LoadPercent() float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 0
	}
	return float64(r.CurrentJobs) / float64(r.MaxConcurrentJobs) * 100
}

// Healthy reports whether the last heartbeat is fresh.
func (r *Runner) Healthy(now time.Time) bool {
	return r.LastHeartbeat != nil && now.Sub(*r.LastHeartbeat) < HeartbeatFreshness
}

// Docker config override levels, most specific last.
const (
	ConfigLevelDefault    = "default"
	ConfigLevelCapability = "capability"
	ConfigLevelRunner     = "runner"
)

type RunnerDockerConfig struct {
	ID        uuid.UUID             `json:"id"`
	Level     string                `json:"level"`
	Key       string                `json:"key,omitempty"`
	Config    protocol.DockerConfig `json:"config"`
	Version   int64                 `json:"version"`
	UpdatedBy *uuid.UUID            `json:"updated_by,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type RunnerConfigHistory struct {
	ID           uuid.UUID              `json:"id"`
	ConfigID     uuid.UUID              `json:"config_id"`
	OldConfig    *protocol.DockerConfig `json:"old_config,omitempty"`
	NewConfig    protocol.DockerConfig  `json:"new_config"`
	ChangeReason string                 `json:"change_reason,omitempty"`
	ChangedBy    *uuid.UUID             `json:"changed_by,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Approval statuses; terminal statuses never revert.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalCancelled = "cancelled"
	ApprovalTimeout   = "timeout"
)

type ApprovalRequest struct {
	ID                uuid.UUID  `json:"id"`
	JobID             *uuid.UUID `json:"job_id,omitempty"`
	Title             string     `json:"title"`
	Triggers          []string   `json:"triggers"`
	RequiredApprovers int        `json:"required_approvers"`
	CurrentApprovals  int        `json:"current_approvals"`
	Status            string     `json:"status"`
	RequestedBy       uuid.UUID  `json:"requested_by"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type ApprovalRecord struct {
	ID         uuid.UUID `json:"id"`
	RequestID  uuid.UUID `json:"request_id"`
	ApproverID uuid.UUID `json:"approver_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ApprovalGroup struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Priority          int       `json:"priority"`
	RequiredApprovers int       `json:"required_approvers"`
	Environments      []string  `json:"environments"`
	CreatedAt         time.Time `json:"created_at"`
}

type JobTemplateRecord struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Kind        string         `json:"kind"`
	Command     string         `json:"command,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	CreatedBy   uuid.UUID      `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type LoginEvent struct {
	ID        uuid.UUID  `json:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Username  string     `json:"username"`
	Success   bool       `json:"success"`
	ClientIP  string     `json:"client_ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RefreshToken is usable iff revoked_at is unset and expires_at is in the
// future. Only the SHA-256 digest of the token is stored.
type RefreshToken struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	TokenHash  string     `json:"-"`
	IPAddress  string     `json:"ip_address,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy *uuid.UUID `json:"replaced_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Usable reports whether the token may still refresh a session.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}
