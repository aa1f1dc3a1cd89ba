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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/broker"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

// OfflineSweepInterval is how often silent runners are flipped offline.
const OfflineSweepInterval = 30 * time.Second

type fleetStore interface {
	UpsertRunner(ctx context.Context, r *store.Runner) error
	GetRunner(ctx context.Context, name string) (*store.Runner, error)
	RecordHeartbeat(ctx context.Context, hb *protocol.RunnerHeartbeat) error
	MarkStaleRunnersOffline(ctx context.Context) (int64, error)
}

type queueDeclarer interface {
	DeclareRunnerQueue(runnerName string) (string, error)
}

type configResolver interface {
	ResolveFor(ctx context.Context, runnerName string, capabilities []string) (protocol.DockerConfig, error)
}

type configPublisher interface {
	PublishConfig(ctx context.Context, msg *protocol.RunnerConfigMessage) error
}

// Fleet consumes runner registrations and heartbeats, keeps runner rows
// current, and answers each heartbeat with the resolved docker config.
type Fleet struct {
	store    fleetStore
	queues   queueDeclarer
	resolver configResolver
	pub      configPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewFleet wires the runner lifecycle consumers.
func NewFleet(s fleetStore, queues queueDeclarer, resolver configResolver, pub configPublisher, logger *slog.Logger) *Fleet {
	return &Fleet{
		store:    s,
		queues:   queues,
		resolver: resolver,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterHandler consumes runner.register announcements. Registration is
// idempotent; a restarted runner re-registers with current_jobs reset.
func (f *Fleet) RegisterHandler() broker.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var msg protocol.RunnerRegistration
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("decoding registration: %w", err)
		}
		if msg.Name == "" {
			return apperror.Validation("registration without a runner name")
		}

		maxJobs := msg.MaxConcurrentJobs
		if maxJobs <= 0 {
			maxJobs = 1
		}
		r := &store.Runner{
			Name:              msg.Name,
			Capabilities:      msg.Capabilities,
			Status:            store.RunnerOnline,
			DockerSupported:   msg.DockerSupported,
			MaxConcurrentJobs: maxJobs,
			OS:                msg.OS,
			Arch:              msg.Arch,
			Version:           msg.Version,
			Hostname:          msg.Hostname,
		}
		if err := f.store.UpsertRunner(ctx, r); err != nil {
			return err
		}

		queue, err := f.queues.DeclareRunnerQueue(msg.Name)
		if err != nil {
			return fmt.Errorf("declaring queue for %s: %w", msg.Name, err)
		}

		f.logger.Info("runner registered",
			"runner", msg.Name,
			"capabilities", msg.Capabilities,
			"max_concurrent_jobs", maxJobs,
			"queue", queue,
		)
		return nil
	}
}

// HeartbeatHandler consumes runner.heartbeat reports. Each accepted
// heartbeat is answered with the runner's effective docker config over its
// directed queue, so config changes propagate without restarts.
func (f *Fleet) HeartbeatHandler() broker.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var msg protocol.RunnerHeartbeat
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("decoding heartbeat: %w", err)
		}

		if err := f.store.RecordHeartbeat(ctx, &msg); err != nil {
			// unknown runner: its registration may still be in flight,
			// the next heartbeat will land
			if apperror.IsKind(err, apperror.KindNotFound) {
				f.logger.Warn("heartbeat from unregistered runner", "runner", msg.Name)
				return nil
			}
			return err
		}

		r, err := f.store.GetRunner(ctx, msg.Name)
		if err != nil {
			return err
		}
		cfg, err := f.resolver.ResolveFor(ctx, r.Name, r.Capabilities)
		if err != nil {
			f.logger.Error("resolving runner config", "runner", r.Name, "error", err)
			return nil
		}
		if err := f.pub.PublishConfig(ctx, &protocol.RunnerConfigMessage{
			RunnerName: r.Name,
			Config:     cfg,
			Timestamp:  f.now().UTC(),
		}); err != nil {
			f.logger.Error("publishing config response", "runner", r.Name, "error", err)
		}
		return nil
	}
}

// RunOfflineSweeper periodically flips runners with stale heartbeats to
// offline until ctx is cancelled.
func (f *Fleet) RunOfflineSweeper(ctx context.Context) {
	ticker := time.NewTicker(OfflineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := f.store.MarkStaleRunnersOffline(ctx)
			if err != nil {
				f.logger.Error("marking stale runners offline", "error", err)
				continue
			}
			if n > 0 {
				f.logger.Info("runners marked offline", "count", n)
			}
		}
	}
}
