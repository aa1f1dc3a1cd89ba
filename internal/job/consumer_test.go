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
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/scheduler"
	"github.com/opsforge/opsforge/internal/store"
)

func (e *env) seedBuildJob(status, taskStatus string) (uuid.UUID, uuid.UUID) {
	jobID := uuid.New()
	taskID := uuid.New()
	e.store.jobs[jobID] = &store.Job{ID: jobID, Kind: store.JobBuild, Status: status, BuildType: "node"}
	e.store.tasks[taskID] = &store.Task{ID: taskID, JobID: jobID, Status: taskStatus, RunnerName: "runner-a"}
	return jobID, taskID
}

func statusDelivery(t *testing.T, msg *protocol.BuildStatusMessage) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func TestStatusHandlerMarksRunning(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobRunning, store.TaskPending)

	handler := e.svc.StatusHandler()
	err := handler(context.Background(), statusDelivery(t, &protocol.BuildStatusMessage{
		TaskID: taskID, JobID: jobID, RunnerName: "runner-a",
		Status: protocol.BuildStatusRunning, Timestamp: time.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, e.store.taskStatus(taskID))
}

func TestStatusHandlerProgressAfterRunningIsIdempotent(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobRunning, store.TaskRunning)

	handler := e.svc.StatusHandler()
	err := handler(context.Background(), statusDelivery(t, &protocol.BuildStatusMessage{
		TaskID: taskID, JobID: jobID, RunnerName: "runner-a",
		Status: protocol.BuildStatusPreparing, Timestamp: time.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, e.store.taskStatus(taskID))
}

func TestStatusHandlerTerminalReleasesRunner(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobRunning, store.TaskRunning)

	handler := e.svc.StatusHandler()
	err := handler(context.Background(), statusDelivery(t, &protocol.BuildStatusMessage{
		TaskID: taskID, JobID: jobID, RunnerName: "runner-a",
		Status: protocol.BuildStatusSucceeded, Timestamp: time.Now(),
	}))
	require.NoError(t, err)

	assert.Equal(t, store.TaskSucceeded, e.store.taskStatus(taskID))
	assert.Equal(t, []string{"runner-a"}, e.sched.released)
	assert.Equal(t, store.JobSucceeded, e.store.jobStatus(jobID))
}

func TestStatusHandlerFailureBeforeRunningAck(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobRunning, store.TaskPending)

	// runner crashed during preparation: terminal arrives for a pending task
	handler := e.svc.StatusHandler()
	err := handler(context.Background(), statusDelivery(t, &protocol.BuildStatusMessage{
		TaskID: taskID, JobID: jobID, RunnerName: "runner-a",
		Status: protocol.BuildStatusFailed, Error: "workspace setup failed",
		ErrorCategory: protocol.ErrorCategoryResource, Timestamp: time.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, e.store.taskStatus(taskID))
	assert.Equal(t, store.JobFailed, e.store.jobStatus(jobID))
}

func TestStatusHandlerStaleTerminalIgnored(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobSucceeded, store.TaskSucceeded)

	// duplicate delivery after the task already finished must not error,
	// otherwise the broker would retry it forever
	handler := e.svc.StatusHandler()
	err := handler(context.Background(), statusDelivery(t, &protocol.BuildStatusMessage{
		TaskID: taskID, JobID: jobID, RunnerName: "runner-a",
		Status: protocol.BuildStatusCancelled, Timestamp: time.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, store.TaskSucceeded, e.store.taskStatus(taskID))
}

func TestStatusHandlerRecordsArtifact(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobRunning, store.TaskRunning)

	exitCode := 0
	handler := e.svc.StatusHandler()
	err := handler(context.Background(), statusDelivery(t, &protocol.BuildStatusMessage{
		TaskID: taskID, JobID: jobID, RunnerName: "runner-a",
		Status: protocol.BuildStatusSucceeded,
		StepStatus: &protocol.StepStatusUpdate{
			StepID: "package", Status: protocol.StepStatusSucceeded, ExitCode: &exitCode,
			Artifact: &protocol.BuildArtifact{
				Path: "s3://artifacts/app-1.2.3.tar.gz", Name: "app-1.2.3.tar.gz",
				ArtifactType: "tarball", Size: 1024, SHA256: "abc123", Version: "1.2.3",
			},
		},
		Timestamp: time.Now(),
	}))
	require.NoError(t, err)

	require.Len(t, e.store.artifacts, 1)
	a := e.store.artifacts[0]
	assert.Equal(t, jobID, a.JobID)
	assert.Equal(t, "app-1.2.3.tar.gz", a.Name)
	assert.Equal(t, "abc123", a.SHA256)
}

func TestStatusHandlerBadPayload(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	handler := e.svc.StatusHandler()
	err := handler(context.Background(), amqp.Delivery{Body: []byte("not json")})
	assert.Error(t, err)
}

func TestLogHandlerAppendsMaskedOutput(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	jobID, taskID := e.seedBuildJob(store.JobRunning, store.TaskRunning)

	body, err := json.Marshal(&protocol.BuildLogMessage{
		TaskID: taskID, JobID: jobID, StepID: "build", RunnerName: "runner-a",
		Content: "exporting password=hunter2 to env\n", Offset: 0, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	handler := e.svc.LogHandler()
	require.NoError(t, handler(context.Background(), amqp.Delivery{Body: body}))

	out := e.store.tasks[taskID].Output
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "exporting")
}

func TestRunBuildJobDispatchesToScheduledRunner(t *testing.T) {
	e := newEnv(t, defaultConcurrency())
	e.sched.result = &scheduler.ScheduleResult{
		RunnerID:   uuid.New(),
		RunnerName: "runner-b",
		RoutingKey: protocol.DirectedRoutingKey("node", "runner-b"),
	}

	j, err := e.svc.CreateBuild(context.Background(), uuid.New(), BuildRequest{
		BuildType: "node",
		Project:   protocol.ProjectInfo{Name: "webapp", RepositoryURL: "https://git.example.com/webapp.git"},
		Steps: []protocol.BuildStep{
			{ID: "install", Name: "install", StepType: protocol.StepTypeInstall, Command: "npm ci"},
		},
	}, "")
	require.NoError(t, err)

	e.waitForJobStatus(t, j.ID, store.JobRunning)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.pub.mu.Lock()
		n := len(e.pub.tasks)
		e.pub.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.pub.mu.Lock()
	defer e.pub.mu.Unlock()
	require.Len(t, e.pub.tasks, 1)
	assert.Equal(t, j.ID, e.pub.tasks[0].JobID)
	assert.Equal(t, "webapp", e.pub.tasks[0].Project.Name)
	assert.Equal(t, "node", e.pub.tasks[0].Build.BuildType)
}
