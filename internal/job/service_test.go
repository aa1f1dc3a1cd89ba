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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/approval"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/concurrency"
	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/scheduler"
	"github.com/opsforge/opsforge/internal/sshexec"
	"github.com/opsforge/opsforge/internal/store"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*store.Job
	tasks     map[uuid.UUID]*store.Task
	hosts     map[uuid.UUID]*store.Host
	groups    map[uuid.UUID]*store.AssetGroup
	templates map[uuid.UUID]*store.JobTemplateRecord
	artifacts []*store.Artifact
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[uuid.UUID]*store.Job),
		tasks:     make(map[uuid.UUID]*store.Task),
		hosts:     make(map[uuid.UUID]*store.Host),
		groups:    make(map[uuid.UUID]*store.AssetGroup),
		templates: make(map[uuid.UUID]*store.JobTemplateRecord),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, j *store.Job, tasks []*store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperror.NotFound("job")
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) ListJobs(_ context.Context, filter store.JobFilter) ([]*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Job
	for _, j := range f.jobs {
		if len(filter.Environments) > 0 && !contains(filter.Environments, j.Environment) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (f *fakeStore) TransitionJob(_ context.Context, id uuid.UUID, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != from {
		return apperror.Conflict("job is not in status " + from)
	}
	j.Status = to
	return nil
}

func (f *fakeStore) SetJobStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return apperror.NotFound("job")
	}
	j.Status = status
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, apperror.NotFound("task")
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListTasks(_ context.Context, jobID uuid.UUID) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Task
	for _, t := range f.tasks {
		if t.JobID == jobID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTask(_ context.Context, t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) TransitionTask(_ context.Context, id uuid.UUID, from, to string, opts ...store.TaskOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != from {
		return apperror.Conflict("task is not in status " + from)
	}
	t.Status = to
	// option closures mutate unexported SQL fields; the fake tracks status only
	_ = opts
	return nil
}

func (f *fakeStore) AppendTaskOutput(_ context.Context, id uuid.UUID, chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return apperror.NotFound("task")
	}
	t.Output += chunk
	return nil
}

func (f *fakeStore) TaskStatusCounts(_ context.Context, jobID uuid.UUID) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range f.tasks {
		if t.JobID == jobID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (f *fakeStore) GetHosts(_ context.Context, ids []uuid.UUID) ([]*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Host
	for _, id := range ids {
		if h, ok := f.hosts[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) ListHosts(_ context.Context, filter store.HostFilter) ([]*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Host
	for _, h := range f.hosts {
		if filter.GroupID != nil && h.GroupID != *filter.GroupID {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeStore) ListAssetGroups(_ context.Context, onlyIDs []uuid.UUID) ([]*store.AssetGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.AssetGroup
	for _, id := range onlyIDs {
		if g, ok := f.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) GetJobTemplate(_ context.Context, id uuid.UUID) (*store.JobTemplateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[id]
	if !ok {
		return nil, apperror.NotFound("job template")
	}
	return t, nil
}

func (f *fakeStore) CreateArtifact(_ context.Context, a *store.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, a)
	return nil
}

func (f *fakeStore) taskStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

func (f *fakeStore) jobStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

type fakeScheduler struct {
	mu       sync.Mutex
	result   *scheduler.ScheduleResult
	err      error
	released []string
}

func (f *fakeScheduler) Schedule(context.Context, string, []string) (*scheduler.ScheduleResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeScheduler) Release(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, name)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	tasks   []*protocol.BuildTask
	cancels []*protocol.ControlMessage
	err     error
}

func (f *fakePublisher) PublishTask(_ context.Context, task *protocol.BuildTask, _, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakePublisher) PublishCancel(_ context.Context, msg *protocol.ControlMessage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, msg)
	return nil
}

type fakeGater struct {
	request *store.ApprovalRequest
}

func (f *fakeGater) Gate(context.Context, approval.Draft) (*store.ApprovalRequest, error) {
	return f.request, nil
}

type fakeSSH struct {
	mu      sync.Mutex
	results map[string]*sshexec.Result
	calls   []string
}

func (f *fakeSSH) resultFor(host *store.Host) *sshexec.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, host.Name)
	if r, ok := f.results[host.Name]; ok {
		return r
	}
	return &sshexec.Result{ExitCode: 0, Output: "ok\n"}
}

func (f *fakeSSH) Execute(_ context.Context, host *store.Host, _ string, _ int) (*sshexec.Result, error) {
	return f.resultFor(host), nil
}

func (f *fakeSSH) ExecuteScript(_ context.Context, host *store.Host, _ string, _ int) (*sshexec.Result, error) {
	return f.resultFor(host), nil
}

type env struct {
	store   *fakeStore
	sched   *fakeScheduler
	pub     *fakePublisher
	gater   *fakeGater
	ssh     *fakeSSH
	svc     *Service
	ctrl    *concurrency.Controller
	auditor *audit.Sink
	writer  *memAuditWriter
}

type memAuditWriter struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (w *memAuditWriter) InsertAuditLog(_ context.Context, e audit.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return nil
}

func (w *memAuditWriter) actions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, e := range w.entries {
		out = append(out, e.Action)
	}
	return out
}

func newEnv(t *testing.T, ccfg config.ConcurrencyConfig) *env {
	t.Helper()
	logger := log.New(log.DefaultConfig())
	writer := &memAuditWriter{}
	auditor := audit.NewSink(writer, logger)
	t.Cleanup(auditor.Close)

	e := &env{
		store:   newFakeStore(),
		sched:   &fakeScheduler{},
		pub:     &fakePublisher{},
		gater:   &fakeGater{},
		ssh:     &fakeSSH{results: make(map[string]*sshexec.Result)},
		auditor: auditor,
		writer:  writer,
	}
	e.ctrl = concurrency.New(ccfg, logger)
	e.svc = New(context.Background(), e.store, e.sched, e.pub, e.gater,
		e.ctrl, e.ssh, events.NewBus(64), auditor, logger)
	return e
}

func defaultConcurrency() config.ConcurrencyConfig {
	return config.ConcurrencyConfig{
		GlobalLimit: 50, GroupLimit: 10, EnvironmentLimit: 20,
		ProductionLimit: 5, AcquireTimeoutSecs: 1,
		Strategy: string(concurrency.StrategyReject),
	}
}

func adminSubject() authz.Subject {
	return authz.Subject{UserID: uuid.New(), Username: "root", IsAdmin: true}
}

func operatorSubject(env string) authz.Subject {
	return authz.Subject{
		UserID:   uuid.New(),
		Username: "operator",
		Bindings: []authz.Binding{{
			RoleName: "operator",
			Permissions: []authz.Permission{
				{Resource: "job", Action: "read"},
				{Resource: "job", Action: "execute"},
				{Resource: "job", Action: "cancel"},
			},
			Scope: authz.Scope{Type: authz.ScopeEnvironment, Value: env},
		}},
	}
}

func (e *env) addHost(envName string) *store.Host {
	h := &store.Host{
		ID: uuid.New(), GroupID: uuid.New(), Name: "host-" + uuid.NewString()[:8],
		Address: "10.0.0.1", Port: 22, Environment: envName,
		HostKeyPolicy: store.HostKeyDisabled,
	}
	e.store.hosts[h.ID] = h
	return h
}

// waitForJobStatus polls until the background dispatch settles.
func (e *env) waitForJobStatus(t *testing.T, jobID uuid.UUID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.store.jobStatus(jobID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q (got %q)", jobID, want, e.store.jobStatus(jobID))
}

func TestCreateCommandRunsToSuccess(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("staging")

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Name:          "uptime check",
		Command:       "uptime",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, j.Status)
	assert.Equal(t, "staging", j.Environment)

	e.waitForJobStatus(t, j.ID, store.JobSucceeded)
	assert.Equal(t, []string{h.Name}, e.ssh.calls)
}

func TestCreateCommandRequiresTargets(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	_, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command: "uptime",
	}, "")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestCreateCommandScopeDeniedIsForbidden(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("production")

	// operator scoped to staging names a production host: 403, not 404
	_, err := e.svc.CreateCommand(context.Background(), operatorSubject("staging"), CommandRequest{
		Command:       "uptime",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	assert.True(t, apperror.IsKind(err, apperror.KindForbidden))
	assert.Equal(t, 403, apperror.Status(err))
}

func TestCreateCommandConcurrencyReject(t *testing.T) {
	cfg := defaultConcurrency()
	cfg.GlobalLimit = 1
	e := newEnv(t, cfg)
	h := e.addHost("staging")

	// an unrelated workload holds the only global permit
	permit, err := e.ctrl.Acquire(context.Background(), "", "staging")
	require.NoError(t, err)
	defer permit.Release()

	_, err = e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "uptime",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindConcurrencyRejected))
	assert.Equal(t, 429, apperror.Status(err))
}

func TestCreateCommandGatedParksJob(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("production")

	reqID := uuid.New()
	e.gater.request = &store.ApprovalRequest{ID: reqID, Status: store.ApprovalPending}

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "systemctl restart app",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, store.JobAwaitingApproval, j.Status)
	require.NotNil(t, j.ApprovalRequestID)
	assert.Equal(t, reqID, *j.ApprovalRequestID)
	assert.Empty(t, e.ssh.calls, "parked job must not execute")
}

func TestOnApprovalGrantedReleasesJob(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("production")

	e.gater.request = &store.ApprovalRequest{ID: uuid.New(), Status: store.ApprovalPending}
	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "deploy",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)

	e.svc.OnApprovalGranted(context.Background(), j.ID)
	e.waitForJobStatus(t, j.ID, store.JobSucceeded)
}

func TestOnApprovalClosedTimeoutNeverPublishes(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("production")

	e.gater.request = &store.ApprovalRequest{ID: uuid.New(), Status: store.ApprovalPending}
	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "deploy",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)

	e.svc.OnApprovalClosed(context.Background(), j.ID, store.ApprovalTimeout)

	assert.Equal(t, store.JobTimeout, e.store.jobStatus(j.ID))
	assert.Empty(t, e.ssh.calls)
	assert.Empty(t, e.pub.tasks)
	for _, task := range e.store.tasks {
		assert.Equal(t, store.TaskCancelled, task.Status)
	}
}

func TestStopOnFailureSkipsRemaining(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h1 := e.addHost("staging")
	h2 := e.addHost("staging")
	e.ssh.results[h1.Name] = &sshexec.Result{ExitCode: 2, Output: "boom"}
	e.ssh.results[h2.Name] = &sshexec.Result{ExitCode: 0}

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "deploy",
		StopOnFailure: true,
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h1.ID, h2.ID}},
	}, "")
	require.NoError(t, err)

	e.waitForJobStatus(t, j.ID, store.JobFailed)

	counts, err := e.store.TaskStatusCounts(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.TaskFailed])
	assert.Equal(t, 1, counts[store.TaskSkipped])
}

func TestTasksRedactsWithoutOutputDetail(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("staging")

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "cat /etc/passwd",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)
	e.waitForJobStatus(t, j.ID, store.JobSucceeded)

	// seed output directly; the fake transition does not persist options
	for _, task := range e.store.tasks {
		task.Output = "root:x:0:0"
	}

	limited := operatorSubject("staging")
	views, err := e.svc.Tasks(context.Background(), limited, j.ID, "203.0.113.9")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].OutputRedacted)
	assert.Empty(t, views[0].Output)
	assert.Empty(t, views[0].Error)

	full := adminSubject()
	views, err = e.svc.Tasks(context.Background(), full, j.ID, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, views[0].OutputRedacted)
	assert.Equal(t, "root:x:0:0", views[0].Output)

	e.auditor.Close()
	assert.Contains(t, e.writer.actions(), "job.output_view")
}

func TestGetDeniedReadsAsNotFound(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("production")

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "uptime",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)
	e.waitForJobStatus(t, j.ID, store.JobSucceeded)

	_, _, err = e.svc.Get(context.Background(), operatorSubject("staging"), j.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	_, _, err = e.svc.Get(context.Background(), operatorSubject("staging"), uuid.New())
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound),
		"denied and missing must be indistinguishable")
}

func TestRetryOnlyFailedTasks(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h1 := e.addHost("staging")
	h2 := e.addHost("staging")
	e.ssh.results[h1.Name] = &sshexec.Result{ExitCode: 1}

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "deploy",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h1.ID, h2.ID}},
	}, "")
	require.NoError(t, err)
	e.waitForJobStatus(t, j.ID, store.JobFailed)

	// fix the flaky host, then retry
	e.ssh.mu.Lock()
	delete(e.ssh.results, h1.Name)
	e.ssh.mu.Unlock()

	retry, err := e.svc.Retry(context.Background(), adminSubject(), j.ID, RetryOptions{}, "")
	require.NoError(t, err)
	assert.Equal(t, &j.ID, retry.RetryOf)
	assert.NotEqual(t, j.ID, retry.ID)

	tasks, err := e.store.ListTasks(context.Background(), retry.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "only the failed task is retried")
	assert.Equal(t, &h1.ID, tasks[0].HostID)
	require.NotNil(t, tasks[0].RetryOf)

	e.waitForJobStatus(t, retry.ID, store.JobSucceeded)
}

func TestRetryRunningJobConflicts(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("staging")

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "uptime",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)
	e.waitForJobStatus(t, j.ID, store.JobSucceeded)

	e.store.mu.Lock()
	e.store.jobs[j.ID].Status = store.JobRunning
	e.store.mu.Unlock()

	_, err = e.svc.Retry(context.Background(), adminSubject(), j.ID, RetryOptions{}, "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestCancelAwaitingApproval(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("production")

	e.gater.request = &store.ApprovalRequest{ID: uuid.New(), Status: store.ApprovalPending}
	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "deploy",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)

	require.NoError(t, e.svc.Cancel(context.Background(), adminSubject(), j.ID, "changed my mind", ""))
	assert.Equal(t, store.JobCancelled, e.store.jobStatus(j.ID))
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("staging")

	j, err := e.svc.CreateCommand(context.Background(), adminSubject(), CommandRequest{
		Command:       "uptime",
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)
	e.waitForJobStatus(t, j.ID, store.JobSucceeded)

	err = e.svc.Cancel(context.Background(), adminSubject(), j.ID, "", "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestCancelRunningBuildPublishesControl(t *testing.T) {
	e := newEnv(t, defaultConcurrency())

	jobID := uuid.New()
	taskID := uuid.New()
	e.store.jobs[jobID] = &store.Job{ID: jobID, Kind: store.JobBuild, Status: store.JobRunning}
	e.store.tasks[taskID] = &store.Task{
		ID: taskID, JobID: jobID, Status: store.TaskRunning, RunnerName: "runner-a",
	}

	require.NoError(t, e.svc.Cancel(context.Background(), adminSubject(), jobID, "abort", ""))

	require.Len(t, e.pub.cancels, 1)
	assert.Equal(t, taskID, e.pub.cancels[0].TaskID)
	assert.Equal(t, protocol.ControlActionCancel, e.pub.cancels[0].Action)
	// job stays running until the runner acknowledges
	assert.Equal(t, store.JobRunning, e.store.jobStatus(jobID))
}

func TestListFiltersByScope(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	e.store.jobs[uuid.New()] = &store.Job{ID: uuid.New(), Environment: "staging", Status: store.JobSucceeded}
	stagingID := uuid.New()
	e.store.jobs[stagingID] = &store.Job{ID: stagingID, Environment: "production", Status: store.JobSucceeded}

	jobs, err := e.svc.List(context.Background(), operatorSubject("staging"), store.JobFilter{})
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, "staging", j.Environment)
	}

	all, err := e.svc.List(context.Background(), adminSubject(), store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateFromTemplateOverlaysParameters(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	h := e.addHost("staging")

	tplID := uuid.New()
	e.store.templates[tplID] = &store.JobTemplateRecord{
		ID: tplID, Name: "restart nginx", Kind: store.JobCommand,
		Command:    "systemctl restart nginx",
		Parameters: map[string]any{"unit": "nginx", "graceful": true},
	}

	j, err := e.svc.CreateFromTemplate(context.Background(), adminSubject(), TemplateRequest{
		TemplateID:    tplID,
		Parameters:    map[string]any{"unit": "nginx-edge"},
		TargetRequest: TargetRequest{Hosts: []uuid.UUID{h.ID}},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "restart nginx", j.Name)
	assert.Equal(t, "systemctl restart nginx", j.Command)
	assert.Equal(t, "nginx-edge", j.Parameters["unit"])
	assert.Equal(t, true, j.Parameters["graceful"])
	e.waitForJobStatus(t, j.ID, store.JobSucceeded)
}
