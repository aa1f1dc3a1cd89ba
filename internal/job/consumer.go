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

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/broker"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

// StatusHandler consumes runner status messages from the shared status
// queue. A handler error sends the message through the retry budget.
func (s *Service) StatusHandler() broker.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var msg protocol.BuildStatusMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("decoding status message: %w", err)
		}
		return s.applyStatus(ctx, &msg)
	}
}

func (s *Service) applyStatus(ctx context.Context, msg *protocol.BuildStatusMessage) error {
	if msg.Status.Terminal() {
		return s.applyTerminalStatus(ctx, msg)
	}

	// received/preparing/running all mean the runner owns the task now
	err := s.store.TransitionTask(ctx, msg.TaskID, store.TaskPending, store.TaskRunning,
		store.WithRunnerName(msg.RunnerName))
	if err != nil {
		// already running: progress updates are not an error
		if apperror.IsKind(err, apperror.KindConflict) {
			return nil
		}
		return err
	}
	s.bus.PublishTaskStatus(msg.TaskID, msg.JobID, store.TaskPending, store.TaskRunning)
	return nil
}

func (s *Service) applyTerminalStatus(ctx context.Context, msg *protocol.BuildStatusMessage) error {
	status := taskStatusFor(msg.Status)

	opts := []store.TaskOption{store.WithRunnerName(msg.RunnerName)}
	if msg.Error != "" {
		opts = append(opts, store.WithTaskError(s.maskOutput(msg.Error)))
	}
	if msg.ErrorCategory != "" {
		opts = append(opts, store.WithErrorCategory(string(msg.ErrorCategory)))
	}
	if msg.StepStatus != nil && msg.StepStatus.ExitCode != nil {
		opts = append(opts, store.WithExitCode(*msg.StepStatus.ExitCode))
	}

	err := s.store.TransitionTask(ctx, msg.TaskID, store.TaskRunning, status, opts...)
	if apperror.IsKind(err, apperror.KindConflict) {
		// runner may fail before ever acking the running state
		err = s.store.TransitionTask(ctx, msg.TaskID, store.TaskPending, status, opts...)
		if apperror.IsKind(err, apperror.KindConflict) {
			s.logger.Warn("stale terminal status ignored",
				"task_id", msg.TaskID, "status", status)
			return nil
		}
	}
	if err != nil {
		return err
	}

	s.bus.PublishTaskStatus(msg.TaskID, msg.JobID, store.TaskRunning, status)

	if msg.StepStatus != nil && msg.StepStatus.Artifact != nil {
		a := msg.StepStatus.Artifact
		if err := s.store.CreateArtifact(ctx, &store.Artifact{
			JobID:     msg.JobID,
			TaskID:    &msg.TaskID,
			Name:      a.Name,
			Path:      a.Path,
			Kind:      a.ArtifactType,
			SizeBytes: int64(a.Size),
			SHA256:    a.SHA256,
			Version:   a.Version,
		}); err != nil {
			s.logger.Error("recording artifact", "task_id", msg.TaskID, "error", err)
		}
	}

	if msg.RunnerName != "" {
		if err := s.sched.Release(ctx, msg.RunnerName); err != nil {
			s.logger.Error("releasing runner slot", "runner", msg.RunnerName, "error", err)
		}
	}

	if _, err := s.RecomputeStatus(ctx, msg.JobID); err != nil {
		s.logger.Error("recomputing job status", "job_id", msg.JobID, "error", err)
	}
	return nil
}

// taskStatusFor maps wire statuses onto task rows.
func taskStatusFor(s protocol.BuildStatus) string {
	switch s {
	case protocol.BuildStatusSucceeded:
		return store.TaskSucceeded
	case protocol.BuildStatusTimeout:
		return store.TaskTimeout
	case protocol.BuildStatusCancelled:
		return store.TaskCancelled
	default:
		return store.TaskFailed
	}
}

// LogHandler consumes runner log chunks: append to the task transcript and
// fan out over SSE, secrets masked on both paths.
func (s *Service) LogHandler() broker.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var msg protocol.BuildLogMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("decoding log message: %w", err)
		}

		masked := s.maskOutput(msg.Content)
		if err := s.store.AppendTaskOutput(ctx, msg.TaskID, masked); err != nil {
			return err
		}
		s.bus.PublishTaskOutput(msg.TaskID, msg.JobID, masked, msg.IsFinal)
		return nil
	}
}
