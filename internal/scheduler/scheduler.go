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

// Package scheduler picks the runner for a build task. Selection is
// deterministic: lowest load first, then largest capacity, then
// lexicographically smallest name.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

// runnerStore is the slice of the store the scheduler needs.
type runnerStore interface {
	ListSchedulableRunners(ctx context.Context) ([]*store.Runner, error)
	ReserveRunnerSlot(ctx context.Context, name string) error
	ReleaseRunnerSlot(ctx context.Context, name string) error
}

// ScheduleResult names the chosen runner and the directed routing key for
// the task publish.
type ScheduleResult struct {
	RunnerID   uuid.UUID `json:"runner_id"`
	RunnerName string    `json:"runner_name"`
	RoutingKey string    `json:"routing_key"`
}

// Scheduler selects runners and manages their job-slot counters.
type Scheduler struct {
	store  runnerStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler.
func New(s runnerStore, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: s, logger: logger, now: time.Now}
}

// Schedule picks a runner for (buildType, requiredCapabilities), atomically
// claims one of its job slots, and returns the directed routing key. When a
// claim races with another scheduler the next candidate is tried. Zero
// candidates is a distinguishable NoRunnerAvailable failure.
func (s *Scheduler) Schedule(ctx context.Context, buildType string, requiredCapabilities []string) (*ScheduleResult, error) {
	runners, err := s.store.ListSchedulableRunners(ctx)
	if err != nil {
		return nil, err
	}

	candidates := Rank(runners, buildType, requiredCapabilities, s.now())
	if len(candidates) == 0 {
		return nil, apperror.NoRunnerAvailable(buildType)
	}

	for _, r := range candidates {
		if err := s.store.ReserveRunnerSlot(ctx, r.Name); err != nil {
			if apperror.IsKind(err, apperror.KindConflict) {
				continue
			}
			return nil, err
		}
		s.logger.Info("scheduled build task",
			"runner", r.Name,
			"build_type", buildType,
			"load", r.LoadPercent(),
		)
		return &ScheduleResult{
			RunnerID:   r.ID,
			RunnerName: r.Name,
			RoutingKey: protocol.DirectedRoutingKey(buildType, r.Name),
		}, nil
	}
	return nil, apperror.NoRunnerAvailable(buildType)
}

// Release returns a runner's job slot after a terminal task status.
func (s *Scheduler) Release(ctx context.Context, runnerName string) error {
	return s.store.ReleaseRunnerSlot(ctx, runnerName)
}

// Rank filters and orders candidate runners. The required set is enlarged
// with the build type and "general"; a runner qualifies when its
// capabilities intersect the required set or it advertises "general".
func Rank(runners []*store.Runner, buildType string, requiredCapabilities []string, now time.Time) []*store.Runner {
	required := make(map[string]struct{}, len(requiredCapabilities)+2)
	for _, c := range requiredCapabilities {
		required[c] = struct{}{}
	}
	if buildType != "" {
		required[buildType] = struct{}{}
	}
	required["general"] = struct{}{}

	var kept []*store.Runner
	for _, r := range runners {
		if !protocol.RunnerStatus(r.Status).Schedulable() || !r.Healthy(now) {
			continue
		}
		if r.CurrentJobs >= r.MaxConcurrentJobs {
			continue
		}
		if !capabilityMatch(r.Capabilities, required) {
			continue
		}
		kept = append(kept, r)
	}

	sort.Slice(kept, func(i, j int) bool {
		li := load(kept[i])
		lj := load(kept[j])
		if li != lj {
			return li < lj
		}
		if kept[i].MaxConcurrentJobs != kept[j].MaxConcurrentJobs {
			return kept[i].MaxConcurrentJobs > kept[j].MaxConcurrentJobs
		}
		return kept[i].Name < kept[j].Name
	})
	return kept
}

func capabilityMatch(capabilities []string, required map[string]struct{}) bool {
	for _, c := range capabilities {
		if c == "general" {
			return true
		}
		if _, ok := required[c]; ok {
			return true
		}
	}
	return false
}

func load(r *store.Runner) float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(r.CurrentJobs) / float64(r.MaxConcurrentJobs)
}
