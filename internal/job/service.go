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

// Package job drives the job and task lifecycle: creation with approval
// gating and concurrency admission, dispatch over SSH or to build runners,
// status and log ingestion, cancellation and retry.
package job

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/approval"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/concurrency"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/scheduler"
	"github.com/opsforge/opsforge/internal/sshexec"
	"github.com/opsforge/opsforge/internal/store"
)

// Store is the persistence surface the job service depends on.
type Store interface {
	CreateJob(ctx context.Context, j *store.Job, tasks []*store.Task) error
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from, to string) error
	SetJobStatus(ctx context.Context, id uuid.UUID, status string) error

	GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]*store.Task, error)
	CreateTask(ctx context.Context, t *store.Task) error
	TransitionTask(ctx context.Context, id uuid.UUID, from, to string, opts ...store.TaskOption) error
	AppendTaskOutput(ctx context.Context, id uuid.UUID, chunk string) error
	TaskStatusCounts(ctx context.Context, jobID uuid.UUID) (map[string]int, error)

	GetHosts(ctx context.Context, ids []uuid.UUID) ([]*store.Host, error)
	ListHosts(ctx context.Context, f store.HostFilter) ([]*store.Host, error)
	ListAssetGroups(ctx context.Context, onlyIDs []uuid.UUID) ([]*store.AssetGroup, error)
	GetJobTemplate(ctx context.Context, id uuid.UUID) (*store.JobTemplateRecord, error)

	CreateArtifact(ctx context.Context, a *store.Artifact) error
}

// Scheduler picks runners for build tasks.
type Scheduler interface {
	Schedule(ctx context.Context, buildType string, requiredCapabilities []string) (*scheduler.ScheduleResult, error)
	Release(ctx context.Context, runnerName string) error
}

// Publisher pushes messages to the broker.
type Publisher interface {
	PublishTask(ctx context.Context, task *protocol.BuildTask, buildType, runnerName string) error
	PublishCancel(ctx context.Context, msg *protocol.ControlMessage, runnerName string) error
}

// Gater evaluates approval triggers for a job draft.
type Gater interface {
	Gate(ctx context.Context, d approval.Draft) (*store.ApprovalRequest, error)
}

// SSHRunner executes command and script tasks on remote hosts.
type SSHRunner interface {
	Execute(ctx context.Context, host *store.Host, command string, timeoutSecs int) (*sshexec.Result, error)
	ExecuteScript(ctx context.Context, host *store.Host, script string, timeoutSecs int) (*sshexec.Result, error)
}

// Service is the job lifecycle engine.
type Service struct {
	store       Store
	sched       Scheduler
	publisher   Publisher
	gater       Gater
	admission   *concurrency.Controller
	ssh         SSHRunner
	bus         *events.Bus
	auditor     *audit.Sink
	logger      *slog.Logger
	maskOutput  func(string) string
	dispatchCtx context.Context

	mu      sync.Mutex
	permits map[uuid.UUID]*concurrency.Permit
}

// New creates the service. dispatchCtx bounds background dispatch work and
// should be the process lifetime context.
func New(
	dispatchCtx context.Context,
	s Store,
	sched Scheduler,
	publisher Publisher,
	gater Gater,
	admission *concurrency.Controller,
	ssh SSHRunner,
	bus *events.Bus,
	auditor *audit.Sink,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:       s,
		sched:       sched,
		publisher:   publisher,
		gater:       gater,
		admission:   admission,
		ssh:         ssh,
		bus:         bus,
		auditor:     auditor,
		logger:      logger,
		maskOutput:  events.MaskOutput,
		dispatchCtx: dispatchCtx,
		permits:     make(map[uuid.UUID]*concurrency.Permit),
	}
}

// Get returns a job with its stats. Denied access reads as a missing job.
func (s *Service) Get(ctx context.Context, subject authz.Subject, id uuid.UUID) (*store.Job, *Stats, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := authz.RequireRead(subject, "job", "read", scopeForJob(j), "job"); err != nil {
		return nil, nil, err
	}

	counts, err := s.store.TaskStatusCounts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	stats := ComputeStats(counts)
	return j, &stats, nil
}

// List returns jobs visible to the subject, scope-filtered before the query.
func (s *Service) List(ctx context.Context, subject authz.Subject, f store.JobFilter) ([]*store.Job, error) {
	envs := authz.FilterByScope(subject, "job", "read", authz.ScopeEnvironment)
	if !envs.All {
		if len(envs.Values) == 0 {
			return nil, nil
		}
		f.Environments = envs.Values
	}
	return s.store.ListJobs(ctx, f)
}

// TaskView is a task projection; Output and Error are cleared when the
// subject lacks the output-detail permission.
type TaskView struct {
	store.Task
	OutputRedacted bool `json:"output_redacted,omitempty"`
}

// Tasks returns a job's tasks. Full rows require the job.output_detail
// permission; everyone else gets a summary projection without stdout or
// stderr. Every full-output view is audited.
func (s *Service) Tasks(ctx context.Context, subject authz.Subject, jobID uuid.UUID, clientIP string) ([]*TaskView, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authz.RequireRead(subject, "job", "read", scopeForJob(j), "job"); err != nil {
		return nil, err
	}

	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	fullDetail := authz.Check(subject, "job", "output_detail", scopeForJob(j))

	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := &TaskView{Task: *t}
		if !fullDetail {
			v.Output = ""
			v.Error = ""
			v.OutputRedacted = true
		}
		views = append(views, v)
	}

	detail := map[string]any{"task_count": len(tasks)}
	if !fullDetail {
		detail["note"] = "output detail redacted"
	}
	s.auditor.Record(audit.Entry{
		UserID:       &subject.UserID,
		Username:     subject.Username,
		Action:       "job.output_view",
		ResourceType: "job",
		ResourceID:   jobID.String(),
		Result:       audit.ResultSuccess,
		Detail:       detail,
		ClientIP:     clientIP,
	})
	return views, nil
}

// RecomputeStatus re-derives a job's status from its task tally and stores
// it when the job is in a recomputable state.
func (s *Service) RecomputeStatus(ctx context.Context, jobID uuid.UUID) (*Stats, error) {
	counts, err := s.store.TaskStatusCounts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats := ComputeStats(counts)

	if stats.IsCompleted && stats.Total > 0 {
		j, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Status == store.JobRunning || j.Status == store.JobPending {
			newStatus := stats.JobStatus()
			if err := s.store.SetJobStatus(ctx, jobID, newStatus); err != nil {
				return nil, err
			}
			s.bus.PublishJobStatus(jobID, j.Status, newStatus)
			s.releasePermit(jobID)
		}
	}
	return &stats, nil
}

// scopeForJob is the environment scope a job read is checked against.
func scopeForJob(j *store.Job) *authz.Scope {
	if j.Environment == "" {
		return nil
	}
	return &authz.Scope{Type: authz.ScopeEnvironment, Value: j.Environment}
}

// trackPermit parks an admission permit until the job completes.
func (s *Service) trackPermit(jobID uuid.UUID, p *concurrency.Permit) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.permits[jobID] = p
	s.mu.Unlock()
}

// releasePermit releases and forgets a job's admission permit. Safe to call
// for jobs that never held one.
func (s *Service) releasePermit(jobID uuid.UUID) {
	s.mu.Lock()
	p := s.permits[jobID]
	delete(s.permits, jobID)
	s.mu.Unlock()
	if p != nil {
		p.Release()
	}
}
