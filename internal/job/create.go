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

package job

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/approval"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/store"
)

// TargetRequest names the hosts a job runs on, directly or via groups.
type TargetRequest struct {
	Hosts       []uuid.UUID `json:"target_hosts,omitempty"`
	Groups      []uuid.UUID `json:"target_groups,omitempty"`
	Environment string      `json:"environment,omitempty"`
}

// ApprovalOptions tune gating for one request.
type ApprovalOptions struct {
	CustomRules       []string `json:"custom_rules,omitempty"`
	RequiredApprovers int      `json:"required_approvers,omitempty"`
	TimeoutMins       int      `json:"timeout_mins,omitempty"`
}

// CommandRequest submits a single remote command.
type CommandRequest struct {
	Name          string `json:"name"`
	Command       string `json:"command"`
	StopOnFailure bool   `json:"stop_on_failure"`
	TimeoutSecs   *int   `json:"timeout_secs,omitempty"`
	TargetRequest
	ApprovalOptions
}

// ScriptRequest submits a multi-line script.
type ScriptRequest struct {
	Name          string `json:"name"`
	Script        string `json:"script"`
	StopOnFailure bool   `json:"stop_on_failure"`
	TimeoutSecs   *int   `json:"timeout_secs,omitempty"`
	TargetRequest
	ApprovalOptions
}

// TemplateRequest instantiates a stored job template.
type TemplateRequest struct {
	TemplateID uuid.UUID      `json:"template_id"`
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TargetRequest
	ApprovalOptions
}

// CreateCommand validates, gates, admits and persists a command job.
func (s *Service) CreateCommand(ctx context.Context, subject authz.Subject, req CommandRequest, clientIP string) (*store.Job, error) {
	if req.Command == "" {
		return nil, apperror.Validation("command is required")
	}
	j := &store.Job{
		ID:            uuid.New(),
		Name:          req.Name,
		Kind:          store.JobCommand,
		Command:       req.Command,
		StopOnFailure: req.StopOnFailure,
		TimeoutSecs:   req.TimeoutSecs,
		CreatedBy:     subject.UserID,
	}
	return s.create(ctx, subject, j, req.TargetRequest, req.ApprovalOptions, clientIP)
}

// CreateScript validates, gates, admits and persists a script job.
func (s *Service) CreateScript(ctx context.Context, subject authz.Subject, req ScriptRequest, clientIP string) (*store.Job, error) {
	if req.Script == "" {
		return nil, apperror.Validation("script is required")
	}
	j := &store.Job{
		ID:            uuid.New(),
		Name:          req.Name,
		Kind:          store.JobScript,
		Script:        req.Script,
		StopOnFailure: req.StopOnFailure,
		TimeoutSecs:   req.TimeoutSecs,
		CreatedBy:     subject.UserID,
	}
	return s.create(ctx, subject, j, req.TargetRequest, req.ApprovalOptions, clientIP)
}

// CreateFromTemplate expands a stored template into a job. The template's
// command wins; request parameters overlay the template's.
func (s *Service) CreateFromTemplate(ctx context.Context, subject authz.Subject, req TemplateRequest, clientIP string) (*store.Job, error) {
	tpl, err := s.store.GetJobTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(tpl.Parameters)+len(req.Parameters))
	for k, v := range tpl.Parameters {
		params[k] = v
	}
	for k, v := range req.Parameters {
		params[k] = v
	}

	name := req.Name
	if name == "" {
		name = tpl.Name
	}

	j := &store.Job{
		ID:         uuid.New(),
		Name:       name,
		Kind:       store.JobTemplate,
		Command:    tpl.Command,
		Parameters: params,
		CreatedBy:  subject.UserID,
	}
	return s.create(ctx, subject, j, req.TargetRequest, req.ApprovalOptions, clientIP)
}

// create runs the shared submission pipeline: resolve and authorize targets,
// evaluate approval gating, acquire admission, persist, dispatch.
func (s *Service) create(ctx context.Context, subject authz.Subject, j *store.Job, targets TargetRequest, opts ApprovalOptions, clientIP string) (*store.Job, error) {
	hosts, groups, env, err := s.resolveTargets(ctx, subject, targets)
	if err != nil {
		return nil, err
	}
	j.Environment = env
	j.TargetHosts = hostIDs(hosts)
	j.TargetGroups = targets.Groups

	req, err := s.gater.Gate(ctx, approval.Draft{
		JobID:             &j.ID,
		Title:             j.Name,
		Command:           j.Command,
		Environment:       env,
		TargetGroups:      groups,
		TargetCount:       len(hosts),
		CustomRules:       opts.CustomRules,
		RequestedBy:       subject.UserID,
		RequiredApprovers: opts.RequiredApprovers,
		TimeoutMins:       opts.TimeoutMins,
	})
	if err != nil {
		return nil, err
	}

	j.Status = store.JobPending
	if req != nil {
		j.Status = store.JobAwaitingApproval
		j.ApprovalRequestID = &req.ID
	} else {
		// ungated jobs pass admission control at submission time
		permit, err := s.admission.Acquire(ctx, admissionGroup(targets.Groups), env)
		if err != nil {
			return nil, err
		}
		s.trackPermit(j.ID, permit)
	}

	tasks := tasksFor(j, hosts)
	if err := s.store.CreateJob(ctx, j, tasks); err != nil {
		s.releasePermit(j.ID)
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		UserID:       &subject.UserID,
		Username:     subject.Username,
		Action:       "job.create",
		ResourceType: "job",
		ResourceID:   j.ID.String(),
		Result:       audit.ResultSuccess,
		Detail: map[string]any{
			"kind":        j.Kind,
			"environment": env,
			"targets":     len(hosts),
			"gated":       req != nil,
		},
		ClientIP: clientIP,
	})

	if req == nil {
		s.dispatch(j.ID)
	} else {
		s.logger.Info("job parked awaiting approval",
			"job_id", j.ID, "approval_id", req.ID)
	}
	return j, nil
}

// resolveTargets expands groups to hosts, dedupes, and enforces both scope
// dimensions. Denied targets are a 403, not a 404: the caller already named
// them, so there is nothing to hide.
func (s *Service) resolveTargets(ctx context.Context, subject authz.Subject, targets TargetRequest) ([]*store.Host, []*store.AssetGroup, string, error) {
	if len(targets.Hosts) == 0 && len(targets.Groups) == 0 {
		return nil, nil, "", apperror.Validation("at least one target host or group is required")
	}

	var groups []*store.AssetGroup
	if len(targets.Groups) > 0 {
		var err error
		groups, err = s.store.ListAssetGroups(ctx, targets.Groups)
		if err != nil {
			return nil, nil, "", err
		}
		if len(groups) != len(targets.Groups) {
			return nil, nil, "", apperror.NotFound("asset group")
		}
	}

	groupScope := authz.FilterByScope(subject, "job", "execute", authz.ScopeGroup)
	if !groupScope.All {
		for _, g := range groups {
			if !groupScope.Contains(g.ID.String()) {
				return nil, nil, "", apperror.Forbidden("insufficient permissions for target group")
			}
		}
	}

	seen := make(map[uuid.UUID]struct{})
	var hosts []*store.Host

	for _, g := range groups {
		groupHosts, err := s.store.ListHosts(ctx, store.HostFilter{GroupID: &g.ID})
		if err != nil {
			return nil, nil, "", err
		}
		for _, h := range groupHosts {
			if _, ok := seen[h.ID]; !ok {
				seen[h.ID] = struct{}{}
				hosts = append(hosts, h)
			}
		}
	}

	if len(targets.Hosts) > 0 {
		explicit, err := s.store.GetHosts(ctx, targets.Hosts)
		if err != nil {
			return nil, nil, "", err
		}
		if len(explicit) != len(targets.Hosts) {
			return nil, nil, "", apperror.NotFound("host")
		}
		for _, h := range explicit {
			if _, ok := seen[h.ID]; !ok {
				seen[h.ID] = struct{}{}
				hosts = append(hosts, h)
			}
		}
	}

	if len(hosts) == 0 {
		return nil, nil, "", apperror.Validation("target groups contain no hosts")
	}

	env := targets.Environment
	for _, h := range hosts {
		if env == "" {
			env = h.Environment
		}
		if h.Environment != env {
			return nil, nil, "", apperror.Validationf(
				"host %s is in environment %q, expected %q", h.Name, h.Environment, env)
		}
	}

	envScope := authz.FilterByScope(subject, "job", "execute", authz.ScopeEnvironment)
	if !envScope.All && !envScope.Contains(env) {
		return nil, nil, "", apperror.Forbidden("insufficient permissions for target environment")
	}
	return hosts, groups, env, nil
}

// tasksFor expands a job into one pending task per target host.
func tasksFor(j *store.Job, hosts []*store.Host) []*store.Task {
	tasks := make([]*store.Task, 0, len(hosts))
	for _, h := range hosts {
		hostID := h.ID
		tasks = append(tasks, &store.Task{
			ID:      uuid.New(),
			JobID:   j.ID,
			HostID:  &hostID,
			Status:  store.TaskPending,
			Command: j.Command,
		})
	}
	return tasks
}

func hostIDs(hosts []*store.Host) []uuid.UUID {
	ids := make([]uuid.UUID, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	return ids
}

// admissionGroup is the group key the concurrency controller partitions on.
func admissionGroup(groups []uuid.UUID) string {
	if len(groups) == 0 {
		return ""
	}
	return groups[0].String()
}

// OnApprovalGranted releases a parked job: admission, then dispatch. Wire it
// into the approval engine's callbacks at startup.
func (s *Service) OnApprovalGranted(ctx context.Context, jobID uuid.UUID) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("fetching approved job", "job_id", jobID, "error", err)
		return
	}
	if err := s.store.TransitionJob(ctx, jobID, store.JobAwaitingApproval, store.JobPending); err != nil {
		s.logger.Warn("approved job not awaiting approval", "job_id", jobID, "error", err)
		return
	}
	s.bus.PublishJobStatus(jobID, store.JobAwaitingApproval, store.JobPending)

	permit, err := s.admission.Acquire(ctx, admissionGroup(j.TargetGroups), j.Environment)
	if err != nil {
		s.logger.Error("admission failed for approved job", "job_id", jobID, "error", err)
		s.failJob(ctx, jobID, fmt.Sprintf("admission failed: %v", apperror.ClientMessage(err)))
		return
	}
	s.trackPermit(jobID, permit)
	s.dispatch(jobID)
}

// OnApprovalClosed closes a parked job after a rejection, cancellation or
// timeout. The job never publishes work.
func (s *Service) OnApprovalClosed(ctx context.Context, jobID uuid.UUID, outcome string) {
	newStatus := store.JobCancelled
	if outcome == store.ApprovalTimeout {
		newStatus = store.JobTimeout
	}
	if err := s.store.TransitionJob(ctx, jobID, store.JobAwaitingApproval, newStatus); err != nil {
		s.logger.Warn("closing parked job", "job_id", jobID, "outcome", outcome, "error", err)
		return
	}
	s.cancelPendingTasks(ctx, jobID)
	s.bus.PublishJobStatus(jobID, store.JobAwaitingApproval, newStatus)
	s.logger.Info("parked job closed", "job_id", jobID, "outcome", outcome)
}

// failJob force-fails a job and its pending tasks.
func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, reason string) {
	if err := s.store.SetJobStatus(ctx, jobID, store.JobFailed); err != nil {
		s.logger.Error("failing job", "job_id", jobID, "error", err)
		return
	}
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.Status == store.TaskPending {
			s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskFailed,
				store.WithTaskError(reason))
		}
	}
	s.releasePermit(jobID)
}

func (s *Service) cancelPendingTasks(ctx context.Context, jobID uuid.UUID) {
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		s.logger.Error("listing tasks for cancellation", "job_id", jobID, "error", err)
		return
	}
	for _, t := range tasks {
		if t.Status == store.TaskPending {
			if err := s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskCancelled); err != nil {
				s.logger.Warn("cancelling task", "task_id", t.ID, "error", err)
			}
		}
	}
}
