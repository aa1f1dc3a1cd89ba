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

// Package protocol defines the JSON wire contract between the control plane
// and runners: message shapes, exchange and queue names, and routing keys.
//
// All messages are JSON with snake_case field names and RFC 3339 UTC
// timestamps. Unknown fields are ignored on decode.
package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic exchanges.
const (
	ExchangeBuild  = "build"
	ExchangeRunner = "runner"
)

// Routing keys.
const (
	RoutingKeyBuildTask       = "build.task"
	RoutingKeyBuildStatus     = "build.status"
	RoutingKeyBuildLog        = "build.log"
	RoutingKeyRunnerRegister  = "runner.register"
	RoutingKeyRunnerHeartbeat = "runner.heartbeat"
)

// Queue name suffixes.
const (
	DeadLetterSuffix = ".dlq"
	RetrySuffix      = ".retry"
	QueueSuffix      = ".queue"
)

// DirectedRoutingKey builds the routing key for dispatching a task to one
// specific runner: build.<buildType>.<runnerName>. Exactly the runner whose
// queue is bound with BindingPattern(runnerName) consumes it.
func DirectedRoutingKey(buildType, runnerName string) string {
	return "build." + buildType + "." + runnerName
}

// BindingPattern returns the wildcard pattern a per-runner queue binds with.
func BindingPattern(runnerName string) string {
	return "build.*." + runnerName
}

// RunnerQueueName returns the durable queue name owned by a runner. Dashes
// in the runner name become underscores so queue names stay uniform.
func RunnerQueueName(prefix, runnerName string) string {
	return prefix + "." + strings.ReplaceAll(runnerName, "-", "_") + QueueSuffix
}

// DeadLetterQueue returns the paired dead-letter queue for a main queue.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// RetryQueue returns the paired retry queue for a main queue.
func RetryQueue(queue string) string {
	return queue + RetrySuffix
}

// BuildStatus is the task lifecycle reported by runners.
type BuildStatus string

const (
	BuildStatusReceived  BuildStatus = "received"
	BuildStatusPreparing BuildStatus = "preparing"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusTimeout   BuildStatus = "timeout"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status never changes again.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusTimeout, BuildStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the per-step lifecycle.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusTimeout   StepStatus = "timeout"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepType classifies a build step.
type StepType string

const (
	StepTypeCommand StepType = "command"
	StepTypeScript  StepType = "script"
	StepTypeInstall StepType = "install"
	StepTypeBuild   StepType = "build"
	StepTypeTest    StepType = "test"
	StepTypePackage StepType = "package"
	StepTypePublish StepType = "publish"
)

// RunnerStatus is the runner availability state.
type RunnerStatus string

const (
	RunnerStatusOnline      RunnerStatus = "online"
	RunnerStatusActive      RunnerStatus = "active"
	RunnerStatusMaintenance RunnerStatus = "maintenance"
	RunnerStatusOffline     RunnerStatus = "offline"
)

// Schedulable reports whether the status admits new work.
func (s RunnerStatus) Schedulable() bool {
	return s == RunnerStatusOnline || s == RunnerStatusActive
}

// LogLevel classifies a log line.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ErrorCategory classifies a build failure for reporting.
type ErrorCategory string

const (
	ErrorCategoryNetwork    ErrorCategory = "network"
	ErrorCategoryAuth       ErrorCategory = "auth"
	ErrorCategoryDependency ErrorCategory = "dependency"
	ErrorCategoryBuild      ErrorCategory = "build"
	ErrorCategoryTest       ErrorCategory = "test"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryResource   ErrorCategory = "resource"
	ErrorCategoryPermission ErrorCategory = "permission"
	ErrorCategoryUnknown    ErrorCategory = "unknown"
)

// BuildTask is the control plane → runner task message.
type BuildTask struct {
	TaskID        uuid.UUID      `json:"task_id"`
	JobID         uuid.UUID      `json:"job_id"`
	Project       ProjectInfo    `json:"project"`
	Build         BuildParams    `json:"build"`
	Steps         []BuildStep    `json:"steps"`
	PublishTarget *PublishTarget `json:"publish_target,omitempty"`
}

// ProjectInfo identifies the repository a build task works on.
type ProjectInfo struct {
	Name          string    `json:"name"`
	RepositoryURL string    `json:"repository_url"`
	Branch        string    `json:"branch"`
	Commit        string    `json:"commit"`
	TriggeredBy   uuid.UUID `json:"triggered_by"`
}

// BuildParams carries the build type and free-form parameters.
type BuildParams struct {
	BuildType  string            `json:"build_type"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
}

// BuildStep is one unit of work inside a task. Steps run in order; a failing
// step with ContinueOnFailure false marks the remaining steps skipped.
type BuildStep struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	StepType          StepType `json:"step_type"`
	Command           string   `json:"command,omitempty"`
	Script            string   `json:"script,omitempty"`
	WorkingDir        string   `json:"working_dir,omitempty"`
	TimeoutSecs       uint64   `json:"timeout_secs,omitempty"`
	ContinueOnFailure bool     `json:"continue_on_failure,omitempty"`
	ProducesArtifact  bool     `json:"produces_artifact,omitempty"`
	DockerImage       string   `json:"docker_image,omitempty"`
}

// PublishTarget describes where a packaged artifact gets pushed.
type PublishTarget struct {
	TargetType string    `json:"target_type"`
	URL        string    `json:"url"`
	Auth       *AuthInfo `json:"auth,omitempty"`
}

// AuthInfo carries publish credentials. Values must never be logged.
type AuthInfo struct {
	AuthType string `json:"auth_type"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// BuildStatusMessage is the runner → control plane status update.
type BuildStatusMessage struct {
	TaskID        uuid.UUID         `json:"task_id"`
	JobID         uuid.UUID         `json:"job_id"`
	RunnerName    string            `json:"runner_name"`
	Status        BuildStatus       `json:"status"`
	StepStatus    *StepStatusUpdate `json:"step_status,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorCategory ErrorCategory     `json:"error_category,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// StepStatusUpdate reports one step's progress inside a status message.
type StepStatusUpdate struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Artifact    *BuildArtifact `json:"artifact,omitempty"`
}

// BuildArtifact describes an artifact produced by a step.
type BuildArtifact struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	ArtifactType string `json:"artifact_type"`
	Size         uint64 `json:"size"`
	SHA256       string `json:"sha256"`
	Version      string `json:"version"`
}

// BuildLogMessage is the runner → control plane log chunk. Offset is
// monotone per (task_id, step_id); consumers order by it and treat an
// out-of-order arrival as a retransmit.
type BuildLogMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	JobID      uuid.UUID `json:"job_id"`
	StepID     string    `json:"step_id"`
	RunnerName string    `json:"runner_name"`
	Level      LogLevel  `json:"level,omitempty"`
	Content    string    `json:"content"`
	Offset     uint64    `json:"offset"`
	IsFinal    bool      `json:"is_final,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunnerRegistration is published once when a runner starts.
type RunnerRegistration struct {
	Name              string    `json:"name"`
	Capabilities      []string  `json:"capabilities"`
	DockerSupported   bool      `json:"docker_supported"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	OutboundAllowlist []string  `json:"outbound_allowlist"`
	OS                string    `json:"os"`
	Arch              string    `json:"arch"`
	Version           string    `json:"version"`
	Hostname          string    `json:"hostname"`
	IP                []string  `json:"ip"`
	Timestamp         time.Time `json:"timestamp"`
}

// RunnerHeartbeat is published every heartbeat interval. The control plane
// answers with the runner's effective DockerConfig.
type RunnerHeartbeat struct {
	Name        string       `json:"name"`
	Status      RunnerStatus `json:"status"`
	CurrentJobs int          `json:"current_jobs"`
	LastError   string       `json:"last_error,omitempty"`
	System      SystemInfo   `json:"system"`
	Timestamp   time.Time    `json:"timestamp"`
}

// SystemInfo is the resource snapshot attached to heartbeats.
type SystemInfo struct {
	CPUUsagePercent    float32 `json:"cpu_usage_percent"`
	MemoryUsagePercent float32 `json:"memory_usage_percent"`
	DiskUsagePercent   float32 `json:"disk_usage_percent"`
	AvailableMemoryMB  uint64  `json:"available_memory_mb"`
	AvailableDiskGB    float64 `json:"available_disk_gb"`
}

// DockerConfig is the effective container execution configuration a runner
// receives in heartbeat responses and adopts without restart.
type DockerConfig struct {
	Enabled            bool              `json:"enabled"`
	DefaultImage       string            `json:"default_image"`
	ImagesByType       map[string]string `json:"images_by_type,omitempty"`
	MemoryLimitGB      *int64            `json:"memory_limit_gb,omitempty"`
	CPUShares          *int64            `json:"cpu_shares,omitempty"`
	PidsLimit          *int64            `json:"pids_limit,omitempty"`
	DefaultTimeoutSecs uint64            `json:"default_timeout_secs"`
}

// ImageFor returns the image for a build type, falling back to the default.
func (c *DockerConfig) ImageFor(buildType string) string {
	if img, ok := c.ImagesByType[buildType]; ok && img != "" {
		return img
	}
	return c.DefaultImage
}

// ControlAction names a runner control command.
type ControlAction string

// ControlActionCancel interrupts an in-progress task.
const ControlActionCancel ControlAction = "cancel"

// ControlMessage is a control plane → runner control command. It travels
// through the per-runner queue using a directed routing key with build type
// "control", so it matches the same binding as task messages.
type ControlMessage struct {
	TaskID    uuid.UUID     `json:"task_id"`
	JobID     uuid.UUID     `json:"job_id"`
	Action    ControlAction `json:"action"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ControlRoutingKey builds the directed routing key for control commands.
func ControlRoutingKey(runnerName string) string {
	return DirectedRoutingKey("control", runnerName)
}

// RunnerConfigMessage answers a heartbeat with the runner's effective
// docker configuration. It rides the per-runner queue so the runner can
// adopt updates without restart.
type RunnerConfigMessage struct {
	RunnerName string       `json:"runner_name"`
	Config     DockerConfig `json:"config"`
	Timestamp  time.Time    `json:"timestamp"`
}

// ConfigRoutingKey builds the directed routing key for config fan-out.
func ConfigRoutingKey(runnerName string) string {
	return DirectedRoutingKey("config", runnerName)
}

// ExitCodeTimeout is the task exit code that denotes a timeout.
const ExitCodeTimeout = 124
