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

package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/protocol"
)

type capturingPublisher struct {
	mu       sync.Mutex
	statuses []*protocol.BuildStatusMessage
	logs     []*protocol.BuildLogMessage
}

func (p *capturingPublisher) PublishStatus(_ context.Context, msg *protocol.BuildStatusMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, msg)
	return nil
}

func (p *capturingPublisher) PublishLog(_ context.Context, msg *protocol.BuildLogMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, msg)
	return nil
}

func (p *capturingPublisher) taskStatuses() []protocol.BuildStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.BuildStatus
	for _, m := range p.statuses {
		if m.StepStatus == nil {
			out = append(out, m.Status)
		}
	}
	return out
}

func (p *capturingPublisher) stepUpdates(stepID string) []*protocol.StepStatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.StepStatusUpdate
	for _, m := range p.statuses {
		if m.StepStatus != nil && m.StepStatus.StepID == stepID {
			out = append(out, m.StepStatus)
		}
	}
	return out
}

func (p *capturingPublisher) stepLogs(stepID string) []*protocol.BuildLogMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.BuildLogMessage
	for _, m := range p.logs {
		if m.StepID == stepID {
			out = append(out, m)
		}
	}
	return out
}

func noDocker() protocol.DockerConfig { return protocol.DockerConfig{} }

func newTestExecutor(t *testing.T, pub *capturingPublisher) *Executor {
	t.Helper()
	cfg := &Config{
		Name:             "runner-a",
		WorkspaceDir:     t.TempDir(),
		CleanupWorkspace: true,
		StepTimeoutSecs:  10,
	}
	return NewExecutor(cfg, pub, noDocker,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func task(steps ...protocol.BuildStep) *protocol.BuildTask {
	return &protocol.BuildTask{
		TaskID: uuid.New(),
		JobID:  uuid.New(),
		Build:  protocol.BuildParams{BuildType: "node"},
		Steps:  steps,
	}
}

func TestExecuteSuccess(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	exec.Execute(context.Background(), task(
		protocol.BuildStep{ID: "s1", Name: "greet", Command: "echo hello"},
	))

	assert.Equal(t, []protocol.BuildStatus{
		protocol.BuildStatusReceived,
		protocol.BuildStatusPreparing,
		protocol.BuildStatusRunning,
		protocol.BuildStatusSucceeded,
	}, pub.taskStatuses())

	updates := pub.stepUpdates("s1")
	require.Len(t, updates, 2)
	assert.Equal(t, protocol.StepStatusRunning, updates[0].Status)
	assert.Equal(t, protocol.StepStatusSucceeded, updates[1].Status)
	require.NotNil(t, updates[1].ExitCode)
	assert.Equal(t, 0, *updates[1].ExitCode)
}

func TestExecuteStreamsLogsWithMonotoneOffsets(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	exec.Execute(context.Background(), task(
		protocol.BuildStep{ID: "s1", Name: "count", Script: "echo one; echo two; echo three"},
	))

	logs := pub.stepLogs("s1")
	require.NotEmpty(t, logs)
	for i, msg := range logs {
		assert.Equal(t, uint64(i), msg.Offset)
	}
	last := logs[len(logs)-1]
	assert.True(t, last.IsFinal)

	var contents []string
	for _, msg := range logs {
		if !msg.IsFinal {
			contents = append(contents, msg.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestExecuteFailureSkipsRemainingSteps(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	exec.Execute(context.Background(), task(
		protocol.BuildStep{ID: "s1", Name: "boom", Command: "exit 3"},
		protocol.BuildStep{ID: "s2", Name: "never", Command: "echo unreachable"},
	))

	statuses := pub.taskStatuses()
	assert.Equal(t, protocol.BuildStatusFailed, statuses[len(statuses)-1])

	s1 := pub.stepUpdates("s1")
	require.Len(t, s1, 2)
	assert.Equal(t, protocol.StepStatusFailed, s1[1].Status)
	require.NotNil(t, s1[1].ExitCode)
	assert.Equal(t, 3, *s1[1].ExitCode)

	s2 := pub.stepUpdates("s2")
	require.Len(t, s2, 1)
	assert.Equal(t, protocol.StepStatusSkipped, s2[0].Status)
}

func TestExecuteContinueOnFailure(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	exec.Execute(context.Background(), task(
		protocol.BuildStep{ID: "s1", Name: "boom", Command: "exit 1", ContinueOnFailure: true},
		protocol.BuildStep{ID: "s2", Name: "after", Command: "echo ok"},
	))

	s2 := pub.stepUpdates("s2")
	require.Len(t, s2, 2)
	assert.Equal(t, protocol.StepStatusSucceeded, s2[1].Status)

	statuses := pub.taskStatuses()
	assert.Equal(t, protocol.BuildStatusSucceeded, statuses[len(statuses)-1])
}

func TestExecuteTimeout(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	exec.Execute(context.Background(), task(
		protocol.BuildStep{ID: "s1", Name: "slow", Command: "sleep 30", TimeoutSecs: 1},
	))

	statuses := pub.taskStatuses()
	assert.Equal(t, protocol.BuildStatusTimeout, statuses[len(statuses)-1])

	updates := pub.stepUpdates("s1")
	last := updates[len(updates)-1]
	assert.Equal(t, protocol.StepStatusTimeout, last.Status)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, protocol.ExitCodeTimeout, *last.ExitCode)
}

func TestExecuteCancellation(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	exec.Execute(ctx, task(
		protocol.BuildStep{ID: "s1", Name: "slow", Command: "sleep 30"},
	))

	statuses := pub.taskStatuses()
	assert.Equal(t, protocol.BuildStatusCancelled, statuses[len(statuses)-1])
}

func TestExecuteRecordsArtifact(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	tk := task(protocol.BuildStep{
		ID:               "s1",
		Name:             "package",
		Script:           "printf opsforge > artifacts/app.tar",
		ProducesArtifact: true,
	})
	tk.Build.Parameters = map[string]any{"version": "1.2.3"}
	exec.Execute(context.Background(), tk)

	updates := pub.stepUpdates("s1")
	last := updates[len(updates)-1]
	require.NotNil(t, last.Artifact)
	assert.Equal(t, "app.tar", last.Artifact.Name)
	assert.Equal(t, uint64(8), last.Artifact.Size)
	assert.Equal(t, "1.2.3", last.Artifact.Version)
	// sha256("opsforge")
	assert.Len(t, last.Artifact.SHA256, 64)
}

func TestExecuteStepWithoutCommandFails(t *testing.T) {
	pub := &capturingPublisher{}
	exec := newTestExecutor(t, pub)

	exec.Execute(context.Background(), task(
		protocol.BuildStep{ID: "s1", Name: "empty"},
	))

	statuses := pub.taskStatuses()
	assert.Equal(t, protocol.BuildStatusFailed, statuses[len(statuses)-1])
}
