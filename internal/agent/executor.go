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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/protocol"
)

// artifactsDirName is the workspace subdirectory steps drop artifacts into.
const artifactsDirName = "artifacts"

type taskPublisher interface {
	PublishStatus(ctx context.Context, msg *protocol.BuildStatusMessage) error
	PublishLog(ctx context.Context, msg *protocol.BuildLogMessage) error
}

// Executor runs one build task: workspace, steps in order, log streaming,
// artifact hashing and status reporting. Execution failures are reported
// through status messages, never as handler errors, so a broken build is
// not redelivered.
type Executor struct {
	runnerName  string
	baseDir     string
	cleanup     bool
	stepTimeout time.Duration
	pub         taskPublisher
	logger      *slog.Logger

	// docker returns the current effective docker config; the agent swaps
	// it on config messages.
	docker func() protocol.DockerConfig
}

// NewExecutor builds an executor.
func NewExecutor(cfg *Config, pub taskPublisher, docker func() protocol.DockerConfig, logger *slog.Logger) *Executor {
	return &Executor{
		runnerName:  cfg.Name,
		baseDir:     cfg.WorkspaceDir,
		cleanup:     cfg.CleanupWorkspace,
		stepTimeout: time.Duration(cfg.StepTimeoutSecs) * time.Second,
		pub:         pub,
		docker:      docker,
		logger:      logger,
	}
}

type stepResult struct {
	status   protocol.StepStatus
	exitCode int
	artifact *protocol.BuildArtifact
	err      error
}

// Execute runs the task to a terminal status. The context carries the
// cancellation signal from control messages.
func (e *Executor) Execute(ctx context.Context, task *protocol.BuildTask) {
	logger := log.WithJobContext(e.logger, task.JobID.String(), task.TaskID.String())
	e.report(task, protocol.BuildStatusReceived, nil, "", "")

	workspace := filepath.Join(e.baseDir, task.TaskID.String())
	e.report(task, protocol.BuildStatusPreparing, nil, "", "")
	if err := os.MkdirAll(filepath.Join(workspace, artifactsDirName), 0o755); err != nil {
		e.report(task, protocol.BuildStatusFailed, nil,
			fmt.Sprintf("creating workspace: %v", err), protocol.ErrorCategoryResource)
		return
	}
	if e.cleanup {
		defer func() {
			if err := os.RemoveAll(workspace); err != nil {
				logger.Warn("removing workspace", log.Error(err))
			}
		}()
	}

	e.report(task, protocol.BuildStatusRunning, nil, "", "")

	final := protocol.BuildStatusSucceeded
	finalErr := ""
	finalCategory := protocol.ErrorCategory("")
	skipRemaining := false

	for _, step := range task.Steps {
		if skipRemaining {
			e.reportStep(task, step, &protocol.StepStatusUpdate{
				StepID:    step.ID,
				Status:    protocol.StepStatusSkipped,
				StartedAt: time.Now().UTC(),
			})
			continue
		}

		res := e.runStep(ctx, task, workspace, step)
		if res.status == protocol.StepStatusSucceeded {
			continue
		}

		switch {
		case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			final = protocol.BuildStatusCancelled
			finalErr = "task cancelled"
			skipRemaining = true
		case res.status == protocol.StepStatusTimeout:
			final = protocol.BuildStatusTimeout
			finalErr = fmt.Sprintf("step %s timed out", step.Name)
			finalCategory = protocol.ErrorCategoryTimeout
			skipRemaining = !step.ContinueOnFailure
		default:
			if !step.ContinueOnFailure {
				final = protocol.BuildStatusFailed
				if res.err != nil {
					finalErr = res.err.Error()
				} else {
					finalErr = fmt.Sprintf("step %s exited with code %d", step.Name, res.exitCode)
				}
				finalCategory = protocol.ErrorCategoryBuild
				skipRemaining = true
			}
		}
	}

	e.report(task, final, nil, finalErr, finalCategory)
	logger.Info("task finished", "status", string(final))
}

// runStep executes one step, streaming output and reporting its status.
func (e *Executor) runStep(ctx context.Context, task *protocol.BuildTask, workspace string, step protocol.BuildStep) stepResult {
	timeout := e.stepTimeout
	if step.TimeoutSecs > 0 {
		timeout = time.Duration(step.TimeoutSecs) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now().UTC()
	e.reportStep(task, step, &protocol.StepStatusUpdate{
		StepID:    step.ID,
		Status:    protocol.StepStatusRunning,
		StartedAt: started,
	})

	before := e.snapshotArtifacts(workspace)

	cmd, err := e.buildCommand(stepCtx, task, workspace, step)
	res := stepResult{status: protocol.StepStatusSucceeded}
	if err != nil {
		res = stepResult{status: protocol.StepStatusFailed, exitCode: -1, err: err}
	} else {
		res = e.runAndStream(stepCtx, task, step, cmd)
	}

	if res.status == protocol.StepStatusSucceeded && step.ProducesArtifact {
		res.artifact = e.collectArtifact(task, workspace, before)
	}

	completed := time.Now().UTC()
	exit := res.exitCode
	e.reportStep(task, step, &protocol.StepStatusUpdate{
		StepID:      step.ID,
		Status:      res.status,
		StartedAt:   started,
		CompletedAt: &completed,
		ExitCode:    &exit,
		Artifact:    res.artifact,
	})
	return res
}

// buildCommand chooses the execution channel: a docker container when the
// effective config enables one for this step, local exec otherwise.
func (e *Executor) buildCommand(ctx context.Context, task *protocol.BuildTask, workspace string, step protocol.BuildStep) (*exec.Cmd, error) {
	shell := step.Command
	if step.Script != "" {
		shell = step.Script
	}
	if shell == "" {
		return nil, fmt.Errorf("step %s has neither command nor script", step.Name)
	}

	cfg := e.docker()
	image := step.DockerImage
	if image == "" && cfg.Enabled {
		image = cfg.ImageFor(task.Build.BuildType)
	}

	if cfg.Enabled && image != "" {
		args := []string{
			"run", "--rm",
			"-v", workspace + ":/workspace",
			"-w", containerWorkdir(step.WorkingDir),
		}
		if cfg.MemoryLimitGB != nil {
			args = append(args, "--memory", fmt.Sprintf("%dg", *cfg.MemoryLimitGB))
		}
		if cfg.CPUShares != nil {
			args = append(args, "--cpu-shares", strconv.FormatInt(*cfg.CPUShares, 10))
		}
		if cfg.PidsLimit != nil {
			args = append(args, "--pids-limit", strconv.FormatInt(*cfg.PidsLimit, 10))
		}
		for k, v := range task.Build.EnvVars {
			args = append(args, "-e", k+"="+v)
		}
		args = append(args, image, "sh", "-c", shell)
		return exec.CommandContext(ctx, "docker", args...), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", shell)
	cmd.Dir = workspace
	if step.WorkingDir != "" {
		cmd.Dir = filepath.Join(workspace, step.WorkingDir)
	}
	cmd.Env = os.Environ()
	for k, v := range task.Build.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd, nil
}

func containerWorkdir(workingDir string) string {
	if workingDir == "" {
		return "/workspace"
	}
	return filepath.Join("/workspace", workingDir)
}

// runAndStream starts the command and relays its output as build.log
// messages with monotone offsets per step.
func (e *Executor) runAndStream(ctx context.Context, task *protocol.BuildTask, step protocol.BuildStep, cmd *exec.Cmd) stepResult {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return stepResult{status: protocol.StepStatusFailed, exitCode: -1, err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return stepResult{status: protocol.StepStatusFailed, exitCode: -1, err: err}
	}
	if err := cmd.Start(); err != nil {
		return stepResult{status: protocol.StepStatusFailed, exitCode: -1,
			err: fmt.Errorf("starting step %s: %w", step.Name, err)}
	}

	stream := &logStream{exec: e, task: task, stepID: step.ID}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stream.relay(stdout, protocol.LogLevelInfo) }()
	go func() { defer wg.Done(); stream.relay(stderr, protocol.LogLevelError) }()
	wg.Wait()

	waitErr := cmd.Wait()
	stream.finish()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stepResult{status: protocol.StepStatusTimeout, exitCode: protocol.ExitCodeTimeout}
		}
		return stepResult{status: protocol.StepStatusFailed, exitCode: -1, err: ctx.Err()}
	}
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stepResult{status: protocol.StepStatusFailed, exitCode: code, err: waitErr}
	}
	return stepResult{status: protocol.StepStatusSucceeded, exitCode: 0}
}

// logStream serializes log publication so offsets stay monotone even with
// stdout and stderr relayed concurrently.
type logStream struct {
	exec   *Executor
	task   *protocol.BuildTask
	stepID string

	mu     sync.Mutex
	offset uint64
}

func (s *logStream) relay(r io.Reader, level protocol.LogLevel) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.emit(scanner.Text(), level, false)
	}
}

func (s *logStream) emit(content string, level protocol.LogLevel, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &protocol.BuildLogMessage{
		TaskID:     s.task.TaskID,
		JobID:      s.task.JobID,
		StepID:     s.stepID,
		RunnerName: s.exec.runnerName,
		Level:      level,
		Content:    content,
		Offset:     s.offset,
		IsFinal:    final,
		Timestamp:  time.Now().UTC(),
	}
	s.offset++
	if err := s.exec.pub.PublishLog(context.Background(), msg); err != nil {
		s.exec.logger.Warn("publishing log chunk", log.Error(err))
	}
}

// finish emits the closing chunk so consumers can tell the stream ended.
func (s *logStream) finish() {
	s.emit("", protocol.LogLevelInfo, true)
}

func (e *Executor) snapshotArtifacts(workspace string) map[string]struct{} {
	seen := map[string]struct{}{}
	dir := filepath.Join(workspace, artifactsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return seen
	}
	for _, entry := range entries {
		seen[entry.Name()] = struct{}{}
	}
	return seen
}

// collectArtifact records the first file the step added to the artifacts
// directory, with its SHA-256 digest.
func (e *Executor) collectArtifact(task *protocol.BuildTask, workspace string, before map[string]struct{}) *protocol.BuildArtifact {
	dir := filepath.Join(workspace, artifactsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := before[entry.Name()]; ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		sum, size, err := sha256File(path)
		if err != nil {
			e.logger.Warn("hashing artifact", "path", entry.Name(), log.Error(err))
			continue
		}
		version := ""
		if v, ok := task.Build.Parameters["version"].(string); ok {
			version = v
		}
		return &protocol.BuildArtifact{
			Path:         filepath.Join(task.TaskID.String(), artifactsDirName, entry.Name()),
			Name:         entry.Name(),
			ArtifactType: task.Build.BuildType,
			Size:         uint64(size),
			SHA256:       sum,
			Version:      version,
		}
	}
	return nil
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (e *Executor) report(task *protocol.BuildTask, status protocol.BuildStatus, step *protocol.StepStatusUpdate, errMsg string, category protocol.ErrorCategory) {
	msg := &protocol.BuildStatusMessage{
		TaskID:        task.TaskID,
		JobID:         task.JobID,
		RunnerName:    e.runnerName,
		Status:        status,
		StepStatus:    step,
		Error:         errMsg,
		ErrorCategory: category,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.pub.PublishStatus(context.Background(), msg); err != nil {
		e.logger.Error("publishing status", "status", string(status), log.Error(err))
	}
}

func (e *Executor) reportStep(task *protocol.BuildTask, step protocol.BuildStep, update *protocol.StepStatusUpdate) {
	status := protocol.BuildStatusRunning
	e.report(task, status, update, "", "")
}
