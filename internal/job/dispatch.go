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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/sshexec"
	"github.com/opsforge/opsforge/internal/store"
)

// dispatch launches the background run of a job.
func (s *Service) dispatch(jobID uuid.UUID) {
	go s.run(jobID)
}

// run moves a job from Pending to Running and executes it to completion.
func (s *Service) run(jobID uuid.UUID) {
	ctx := s.dispatchCtx

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("fetching job for dispatch", "job_id", jobID, "error", err)
		return
	}
	if err := s.store.TransitionJob(ctx, jobID, store.JobPending, store.JobRunning); err != nil {
		s.logger.Warn("job not pending at dispatch", "job_id", jobID, "error", err)
		return
	}
	s.bus.PublishJobStatus(jobID, store.JobPending, store.JobRunning)

	switch j.Kind {
	case store.JobBuild:
		s.runBuildJob(ctx, j)
	default:
		s.runSSHJob(ctx, j)
	}
}

// runSSHJob executes command and script tasks sequentially over SSH. A
// failure with stop_on_failure skips the remaining tasks.
func (s *Service) runSSHJob(ctx context.Context, j *store.Job) {
	tasks, err := s.store.ListTasks(ctx, j.ID)
	if err != nil {
		s.logger.Error("listing tasks", "job_id", j.ID, "error", err)
		return
	}

	hostsByID := make(map[uuid.UUID]*store.Host)
	if len(j.TargetHosts) > 0 {
		hosts, err := s.store.GetHosts(ctx, j.TargetHosts)
		if err != nil {
			s.logger.Error("loading target hosts", "job_id", j.ID, "error", err)
			s.failJob(ctx, j.ID, "target hosts unavailable")
			return
		}
		for _, h := range hosts {
			hostsByID[h.ID] = h
		}
	}

	timeout := 0
	if j.TimeoutSecs != nil {
		timeout = *j.TimeoutSecs
	}

	stopped := false
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		if stopped {
			if err := s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskSkipped); err == nil {
				s.bus.PublishTaskStatus(t.ID, j.ID, store.TaskPending, store.TaskSkipped)
			}
			continue
		}

		// cancellation lands as a job status change between tasks
		if cur, err := s.store.GetJob(ctx, j.ID); err != nil || cur.Status != store.JobRunning {
			break
		}

		var host *store.Host
		if t.HostID != nil {
			host = hostsByID[*t.HostID]
		}
		if host == nil {
			s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskFailed,
				store.WithTaskError("target host no longer exists"))
			stopped = j.StopOnFailure
			continue
		}

		if err := s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskRunning); err != nil {
			continue
		}
		s.bus.PublishTaskStatus(t.ID, j.ID, store.TaskPending, store.TaskRunning)

		status := s.executeSSHTask(ctx, j, t, host, timeout)
		if status != store.TaskSucceeded && j.StopOnFailure {
			stopped = true
		}
	}

	if _, err := s.RecomputeStatus(ctx, j.ID); err != nil {
		s.logger.Error("recomputing job status", "job_id", j.ID, "error", err)
	}
}

// executeSSHTask runs one task on its host and records the terminal status.
func (s *Service) executeSSHTask(ctx context.Context, j *store.Job, t *store.Task, host *store.Host, timeoutSecs int) string {
	var (
		res *sshexec.Result
		err error
	)
	if j.Kind == store.JobScript {
		res, err = s.ssh.ExecuteScript(ctx, host, j.Script, timeoutSecs)
	} else {
		res, err = s.ssh.Execute(ctx, host, t.Command, timeoutSecs)
	}

	if err != nil {
		s.logger.Warn("ssh task failed", "task_id", t.ID, "host", host.Name, "error", err)
		s.store.TransitionTask(ctx, t.ID, store.TaskRunning, store.TaskFailed,
			store.WithTaskError(s.maskOutput(apperror.ClientMessage(err))),
			store.WithErrorCategory(string(protocol.ErrorCategoryUnknown)))
		s.bus.PublishTaskStatus(t.ID, j.ID, store.TaskRunning, store.TaskFailed)
		return store.TaskFailed
	}

	status := store.TaskSucceeded
	opts := []store.TaskOption{
		store.WithExitCode(res.ExitCode),
		store.WithOutput(s.maskOutput(res.Output)),
	}
	switch {
	case res.TimedOut():
		status = store.TaskTimeout
		opts = append(opts, store.WithErrorCategory(string(protocol.ErrorCategoryTimeout)))
	case res.ExitCode != 0:
		status = store.TaskFailed
	}

	if err := s.store.TransitionTask(ctx, t.ID, store.TaskRunning, status, opts...); err != nil {
		s.logger.Warn("recording task result", "task_id", t.ID, "error", err)
	}
	s.bus.PublishTaskStatus(t.ID, j.ID, store.TaskRunning, status)
	s.bus.PublishTaskOutput(t.ID, j.ID, s.maskOutput(res.Output), true)
	return status
}

// buildPayload is the build job description stashed in the job's parameters.
type buildPayload struct {
	Project              protocol.ProjectInfo `json:"project"`
	EnvVars              map[string]string    `json:"env_vars,omitempty"`
	Parameters           map[string]any       `json:"build_parameters,omitempty"`
	Steps                []protocol.BuildStep `json:"steps"`
	RequiredCapabilities []string             `json:"required_capabilities,omitempty"`
}

func decodeBuildPayload(params map[string]any) (*buildPayload, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding build parameters: %w", err)
	}
	var p buildPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding build parameters: %w", err)
	}
	return &p, nil
}

// runBuildJob schedules each pending task onto a runner and publishes the
// directed task message. Status flows back through the status consumer.
func (s *Service) runBuildJob(ctx context.Context, j *store.Job) {
	payload, err := decodeBuildPayload(j.Parameters)
	if err != nil {
		s.logger.Error("bad build payload", "job_id", j.ID, "error", err)
		s.failJob(ctx, j.ID, "invalid build parameters")
		return
	}

	tasks, err := s.store.ListTasks(ctx, j.ID)
	if err != nil {
		s.logger.Error("listing build tasks", "job_id", j.ID, "error", err)
		return
	}

	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}

		res, err := s.sched.Schedule(ctx, j.BuildType, payload.RequiredCapabilities)
		if err != nil {
			s.logger.Warn("scheduling build task", "task_id", t.ID, "error", err)
			s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskFailed,
				store.WithTaskError(apperror.ClientMessage(err)),
				store.WithErrorCategory(string(protocol.ErrorCategoryResource)))
			s.bus.PublishTaskStatus(t.ID, j.ID, store.TaskPending, store.TaskFailed)
			continue
		}

		msg := &protocol.BuildTask{
			TaskID:  t.ID,
			JobID:   j.ID,
			Project: payload.Project,
			Build: protocol.BuildParams{
				BuildType:  j.BuildType,
				EnvVars:    payload.EnvVars,
				Parameters: payload.Parameters,
			},
			Steps: payload.Steps,
		}
		if err := s.publisher.PublishTask(ctx, msg, j.BuildType, res.RunnerName); err != nil {
			s.logger.Error("publishing build task", "task_id", t.ID, "runner", res.RunnerName, "error", err)
			s.sched.Release(ctx, res.RunnerName)
			s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskFailed,
				store.WithTaskError("failed to dispatch task to runner"))
			s.bus.PublishTaskStatus(t.ID, j.ID, store.TaskPending, store.TaskFailed)
			continue
		}

		// keep the task pending until the runner reports; remember the owner
		if err := s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskPending,
			store.WithRunnerName(res.RunnerName)); err != nil {
			s.logger.Warn("recording task runner", "task_id", t.ID, "error", err)
		}
	}

	if _, err := s.RecomputeStatus(ctx, j.ID); err != nil {
		s.logger.Error("recomputing job status", "job_id", j.ID, "error", err)
	}
}

// BuildRequest creates a build job, typically from a repository webhook.
type BuildRequest struct {
	Name                 string               `json:"name"`
	BuildType            string               `json:"build_type"`
	Project              protocol.ProjectInfo `json:"project"`
	EnvVars              map[string]string    `json:"env_vars,omitempty"`
	Parameters           map[string]any       `json:"parameters,omitempty"`
	Steps                []protocol.BuildStep `json:"steps"`
	RequiredCapabilities []string             `json:"required_capabilities,omitempty"`
}

// CreateBuild persists and dispatches a build job. Build jobs target runners
// instead of hosts and skip approval gating; the webhook surface is already
// API-key gated.
func (s *Service) CreateBuild(ctx context.Context, createdBy uuid.UUID, req BuildRequest, clientIP string) (*store.Job, error) {
	if req.BuildType == "" {
		return nil, apperror.Validation("build_type is required")
	}
	if len(req.Steps) == 0 {
		return nil, apperror.Validation("at least one build step is required")
	}

	payload := buildPayload{
		Project:              req.Project,
		EnvVars:              req.EnvVars,
		Parameters:           req.Parameters,
		Steps:                req.Steps,
		RequiredCapabilities: req.RequiredCapabilities,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding build payload: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("encoding build payload: %w", err)
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s build %s", req.BuildType, req.Project.Name)
	}

	j := &store.Job{
		ID:         uuid.New(),
		Name:       name,
		Kind:       store.JobBuild,
		Status:     store.JobPending,
		Parameters: params,
		BuildType:  req.BuildType,
		CreatedBy:  createdBy,
	}
	task := &store.Task{ID: uuid.New(), JobID: j.ID, Status: store.TaskPending}

	permit, err := s.admission.Acquire(ctx, "", "")
	if err != nil {
		return nil, err
	}
	s.trackPermit(j.ID, permit)

	if err := s.store.CreateJob(ctx, j, []*store.Task{task}); err != nil {
		s.releasePermit(j.ID)
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		UserID:       &createdBy,
		Action:       "job.create",
		ResourceType: "job",
		ResourceID:   j.ID.String(),
		Result:       audit.ResultSuccess,
		Detail:       map[string]any{"kind": store.JobBuild, "build_type": req.BuildType},
		ClientIP:     clientIP,
	})

	s.dispatch(j.ID)
	return j, nil
}

// Cancel stops a non-terminal job. Pending tasks flip to Cancelled
// immediately; running build tasks get a control message and flip on the
// runner's acknowledgment.
func (s *Service) Cancel(ctx context.Context, subject authz.Subject, jobID uuid.UUID, reason, clientIP string) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := authz.RequireRead(subject, "job", "read", scopeForJob(j), "job"); err != nil {
		return err
	}
	if err := authz.RequireWrite(subject, "job", "cancel", scopeForJob(j)); err != nil {
		return err
	}

	switch j.Status {
	case store.JobAwaitingApproval:
		if err := s.store.TransitionJob(ctx, jobID, store.JobAwaitingApproval, store.JobCancelled); err != nil {
			return err
		}
		s.cancelPendingTasks(ctx, jobID)
		s.bus.PublishJobStatus(jobID, store.JobAwaitingApproval, store.JobCancelled)
	case store.JobPending, store.JobRunning:
		tasks, err := s.store.ListTasks(ctx, jobID)
		if err != nil {
			return err
		}
		anyRunning := false
		for _, t := range tasks {
			switch t.Status {
			case store.TaskPending:
				if err := s.store.TransitionTask(ctx, t.ID, store.TaskPending, store.TaskCancelled); err == nil {
					s.bus.PublishTaskStatus(t.ID, jobID, store.TaskPending, store.TaskCancelled)
				}
			case store.TaskRunning:
				anyRunning = true
				if t.RunnerName != "" {
					msg := &protocol.ControlMessage{
						TaskID:    t.ID,
						JobID:     jobID,
						Action:    protocol.ControlActionCancel,
						Reason:    reason,
						Timestamp: time.Now().UTC(),
					}
					if err := s.publisher.PublishCancel(ctx, msg, t.RunnerName); err != nil {
						s.logger.Error("publishing cancel", "task_id", t.ID, "runner", t.RunnerName, "error", err)
					}
				}
			}
		}
		if !anyRunning {
			if err := s.store.SetJobStatus(ctx, jobID, store.JobCancelled); err != nil {
				return err
			}
			s.bus.PublishJobStatus(jobID, j.Status, store.JobCancelled)
			s.releasePermit(jobID)
		}
	default:
		return apperror.Conflict("job is already in a terminal state")
	}

	s.auditor.Record(audit.Entry{
		UserID:       &subject.UserID,
		Username:     subject.Username,
		Action:       "job.cancel",
		ResourceType: "job",
		ResourceID:   jobID.String(),
		Result:       audit.ResultSuccess,
		Detail:       map[string]any{"reason": reason},
		ClientIP:     clientIP,
	})
	return nil
}

// RetryOptions tune which tasks a retry re-runs.
type RetryOptions struct {
	// AllTasks re-runs every task instead of only failed and timed out ones.
	AllTasks bool `json:"all_tasks"`
}

// Retry spawns a new job referencing the original, re-running its failed
// tasks by default. The new job inherits targets and parameters.
func (s *Service) Retry(ctx context.Context, subject authz.Subject, jobID uuid.UUID, opts RetryOptions, clientIP string) (*store.Job, error) {
	orig, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authz.RequireRead(subject, "job", "read", scopeForJob(orig), "job"); err != nil {
		return nil, err
	}
	if err := authz.RequireWrite(subject, "job", "execute", scopeForJob(orig)); err != nil {
		return nil, err
	}

	switch orig.Status {
	case store.JobSucceeded, store.JobFailed, store.JobTimeout, store.JobCancelled:
	default:
		return nil, apperror.Conflict("job has not finished yet")
	}

	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var retryable []*store.Task
	for _, t := range tasks {
		if opts.AllTasks || t.Status == store.TaskFailed || t.Status == store.TaskTimeout {
			retryable = append(retryable, t)
		}
	}
	if len(retryable) == 0 {
		return nil, apperror.Validation("no failed tasks to retry")
	}

	retry := &store.Job{
		ID:            uuid.New(),
		Name:          orig.Name + " (retry)",
		Kind:          orig.Kind,
		Status:        store.JobPending,
		Command:       orig.Command,
		Script:        orig.Script,
		Parameters:    orig.Parameters,
		TargetGroups:  orig.TargetGroups,
		Environment:   orig.Environment,
		BuildType:     orig.BuildType,
		StopOnFailure: orig.StopOnFailure,
		TimeoutSecs:   orig.TimeoutSecs,
		RetryOf:       &orig.ID,
		CreatedBy:     subject.UserID,
	}

	newTasks := make([]*store.Task, 0, len(retryable))
	for _, t := range retryable {
		origID := t.ID
		nt := &store.Task{
			ID:      uuid.New(),
			JobID:   retry.ID,
			HostID:  t.HostID,
			Status:  store.TaskPending,
			Command: t.Command,
			RetryOf: &origID,
		}
		if nt.HostID != nil {
			retry.TargetHosts = append(retry.TargetHosts, *nt.HostID)
		}
		newTasks = append(newTasks, nt)
	}

	permit, err := s.admission.Acquire(ctx, admissionGroup(retry.TargetGroups), retry.Environment)
	if err != nil {
		return nil, err
	}
	s.trackPermit(retry.ID, permit)

	if err := s.store.CreateJob(ctx, retry, newTasks); err != nil {
		s.releasePermit(retry.ID)
		return nil, err
	}

	s.auditor.Record(audit.Entry{
		UserID:       &subject.UserID,
		Username:     subject.Username,
		Action:       "job.retry",
		ResourceType: "job",
		ResourceID:   retry.ID.String(),
		Result:       audit.ResultSuccess,
		Detail:       map[string]any{"retry_of": orig.ID, "tasks": len(newTasks)},
		ClientIP:     clientIP,
	})

	s.dispatch(retry.ID)
	return retry, nil
}
