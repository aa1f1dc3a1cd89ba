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

// Package agent is the runner: it registers with the control plane over
// AMQP, heartbeats, consumes directed build tasks from its own queue and
// executes them, streaming logs and status back.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opsforge/opsforge/internal/broker"
	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/protocol"
)

// Agent is the runner process.
type Agent struct {
	cfg    *Config
	client *broker.Client
	pub    *broker.Publisher
	exec   *Executor
	logger *slog.Logger

	// sem bounds concurrent task execution to max_concurrent_jobs; the
	// consume loop itself never blocks on it.
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.RWMutex
	docker protocol.DockerConfig

	tasksMu sync.Mutex
	active  map[uuid.UUID]context.CancelFunc

	jobsMu      sync.Mutex
	currentJobs int
}

// New connects to the broker and assembles the agent.
func New(cfg *Config, logger *slog.Logger) (*Agent, error) {
	client, err := broker.NewClient(cfg.RabbitMQ(), logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	pub := broker.NewPublisher(client, cfg.RabbitMQ(), logger)

	maxJobs := cfg.MaxConcurrentJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	a := &Agent{
		cfg:    cfg,
		client: client,
		pub:    pub,
		logger: log.WithRunner(logger, cfg.Name),
		sem:    semaphore.NewWeighted(int64(maxJobs)),
		active: map[uuid.UUID]context.CancelFunc{},
	}
	a.exec = NewExecutor(cfg, pub, a.dockerConfig, a.logger)
	return a, nil
}

// Run registers, starts the heartbeat loop and consumes the per-runner
// queue until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.DeclareTopology(); err != nil {
		return fmt.Errorf("declaring topology: %w", err)
	}
	queue, err := a.client.DeclareRunnerQueue(a.cfg.Name)
	if err != nil {
		return fmt.Errorf("declaring runner queue: %w", err)
	}

	if err := a.register(ctx); err != nil {
		return err
	}
	a.logger.Info("runner registered", "queue", queue,
		"capabilities", a.cfg.Capabilities,
		"max_concurrent_jobs", a.cfg.MaxConcurrentJobs)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.runHeartbeats(ctx)
		return nil
	})
	g.Go(func() error {
		consumer := broker.NewConsumer(a.client, a.cfg.RabbitMQ(), a.logger, queue)
		return consumer.Run(ctx, a.handleDelivery)
	})

	err = g.Wait()
	a.wg.Wait()
	a.pub.Close()
	if closeErr := a.client.Close(); closeErr != nil {
		a.logger.Warn("closing broker client", log.Error(closeErr))
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	return a.pub.PublishRegistration(ctx, &protocol.RunnerRegistration{
		Name:              a.cfg.Name,
		Capabilities:      a.cfg.Capabilities,
		DockerSupported:   true,
		MaxConcurrentJobs: a.cfg.MaxConcurrentJobs,
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		Hostname:          hostname,
		IP:                localAddrs(),
		Timestamp:         time.Now().UTC(),
	})
}

// runHeartbeats publishes a heartbeat every interval. The control plane
// answers over the per-runner queue with the effective docker config.
func (a *Agent) runHeartbeats(ctx context.Context) {
	interval := time.Duration(a.cfg.HeartbeatIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	status := protocol.RunnerStatusOnline
	if a.activeJobs() > 0 {
		status = protocol.RunnerStatusActive
	}
	err := a.pub.PublishHeartbeat(ctx, &protocol.RunnerHeartbeat{
		Name:        a.cfg.Name,
		Status:      status,
		CurrentJobs: a.activeJobs(),
		System:      collectSystemInfo(a.cfg.WorkspaceDir),
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("publishing heartbeat", log.Error(err))
	}
}

// handleDelivery dispatches on the directed routing key's middle segment:
// build.<kind>.<runner> where kind is a build type, "control" or "config".
func (a *Agent) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	switch routingKind(d.RoutingKey) {
	case "control":
		return a.handleControl(d)
	case "config":
		return a.handleConfig(d)
	default:
		return a.handleTask(ctx, d)
	}
}

func routingKind(key string) string {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// handleTask acks by returning immediately and executes in the background.
// Control and config messages ride the same queue, so a blocked consume
// loop would make a running task uncancellable.
func (a *Agent) handleTask(ctx context.Context, d amqp.Delivery) error {
	var task protocol.BuildTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		return fmt.Errorf("decoding task: %w", err)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	a.tasksMu.Lock()
	a.active[task.TaskID] = cancel
	a.tasksMu.Unlock()
	a.addJobs(1)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			cancel()
			a.tasksMu.Lock()
			delete(a.active, task.TaskID)
			a.tasksMu.Unlock()
			a.addJobs(-1)
		}()

		if err := a.sem.Acquire(taskCtx, 1); err != nil {
			a.logger.Info("task cancelled before start", "task_id", task.TaskID.String())
			return
		}
		defer a.sem.Release(1)
		a.exec.Execute(taskCtx, &task)
	}()
	return nil
}

// handleControl interrupts an active task. Cancels for unknown or already
// finished tasks are ignored.
func (a *Agent) handleControl(d amqp.Delivery) error {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decoding control message: %w", err)
	}
	if msg.Action != protocol.ControlActionCancel {
		a.logger.Warn("unknown control action", "action", string(msg.Action))
		return nil
	}

	a.tasksMu.Lock()
	cancel, ok := a.active[msg.TaskID]
	a.tasksMu.Unlock()
	if !ok {
		a.logger.Info("cancel for inactive task", "task_id", msg.TaskID.String())
		return nil
	}
	a.logger.Info("cancelling task", "task_id", msg.TaskID.String(), "reason", msg.Reason)
	cancel()
	return nil
}

// handleConfig adopts the docker config answered to a heartbeat.
func (a *Agent) handleConfig(d amqp.Delivery) error {
	var msg protocol.RunnerConfigMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decoding config message: %w", err)
	}
	a.mu.Lock()
	a.docker = msg.Config
	a.mu.Unlock()
	a.logger.Debug("docker config updated",
		"enabled", msg.Config.Enabled, "default_image", msg.Config.DefaultImage)
	return nil
}

func (a *Agent) dockerConfig() protocol.DockerConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.docker
}

func (a *Agent) activeJobs() int {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	return a.currentJobs
}

func (a *Agent) addJobs(delta int) {
	a.jobsMu.Lock()
	a.currentJobs += delta
	a.jobsMu.Unlock()
}

func localAddrs() []string {
	var out []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}
