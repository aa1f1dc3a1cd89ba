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

// Package concurrency gates job admission with three levels of weighted
// semaphores: one global, one per asset group, one per environment.
//
// Acquisition order is fixed at global → group → environment. When a level
// fails, everything acquired before it is released before returning. The
// "production" environment takes a stricter capacity than other
// environments.
package concurrency

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/config"
)

// Strategy selects the over-limit behavior.
type Strategy string

const (
	// StrategyReject fails immediately when any level is at capacity.
	StrategyReject Strategy = "reject"
	// StrategyWait blocks up to the acquire timeout per level.
	StrategyWait Strategy = "wait"
	// StrategyQueue behaves as StrategyWait. A bounded FIFO was considered
	// and rejected: the queue_max_length knob is validated but unused.
	StrategyQueue Strategy = "queue"
)

// Unlimited is the effective capacity when global_limit <= 0.
const Unlimited = 10000

// ProductionEnvironment is the environment name that takes the stricter
// production capacity.
const ProductionEnvironment = "production"

type scopeSem struct {
	sem   *semaphore.Weighted
	limit int64

	mu   sync.Mutex
	used int64
}

func newScopeSem(limit int64) *scopeSem {
	return &scopeSem{sem: semaphore.NewWeighted(limit), limit: limit}
}

func (s *scopeSem) tryAcquire() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.mu.Lock()
	s.used++
	s.mu.Unlock()
	return true
}

func (s *scopeSem) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.used++
	s.mu.Unlock()
	return nil
}

func (s *scopeSem) release() {
	s.mu.Lock()
	s.used--
	s.mu.Unlock()
	s.sem.Release(1)
}

func (s *scopeSem) usage() (used, limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.limit
}

// Controller is the tri-level admission controller.
type Controller struct {
	cfg    config.ConcurrencyConfig
	logger *slog.Logger

	global *scopeSem

	mu     sync.Mutex
	groups map[string]*scopeSem
	envs   map[string]*scopeSem
}

// Permit is an opaque handle for acquired capacity. Release returns the
// permits in reverse acquisition order. Release is idempotent.
type Permit struct {
	once  sync.Once
	stack []*scopeSem
}

// Release returns all held permits.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		for i := len(p.stack) - 1; i >= 0; i-- {
			p.stack[i].release()
		}
	})
}

// New creates a Controller from configuration.
func New(cfg config.ConcurrencyConfig, logger *slog.Logger) *Controller {
	limit := int64(cfg.GlobalLimit)
	if limit <= 0 {
		limit = Unlimited
	}
	return &Controller{
		cfg:    cfg,
		logger: logger,
		global: newScopeSem(limit),
		groups: make(map[string]*scopeSem),
		envs:   make(map[string]*scopeSem),
	}
}

func (c *Controller) groupSem(group string) *scopeSem {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.groups[group]
	if !ok {
		limit := int64(c.cfg.GroupLimit)
		if limit <= 0 {
			limit = Unlimited
		}
		s = newScopeSem(limit)
		c.groups[group] = s
	}
	return s
}

func (c *Controller) envSem(env string) *scopeSem {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.envs[env]
	if !ok {
		limit := int64(c.cfg.EnvironmentLimit)
		if env == ProductionEnvironment && c.cfg.ProductionLimit > 0 {
			limit = int64(c.cfg.ProductionLimit)
		}
		if limit <= 0 {
			limit = Unlimited
		}
		s = newScopeSem(limit)
		c.envs[env] = s
	}
	return s
}

// levels returns the semaphores to acquire, in order, with their scope
// labels for error reporting.
func (c *Controller) levels(group, env string) ([]*scopeSem, []string) {
	sems := []*scopeSem{c.global}
	labels := []string{"global"}
	if group != "" {
		sems = append(sems, c.groupSem(group))
		labels = append(labels, "group")
	}
	if env != "" {
		sems = append(sems, c.envSem(env))
		labels = append(labels, "environment")
	}
	return sems, labels
}

// Acquire obtains a permit across all applicable levels. Empty group or env
// skips that level. The returned error is a typed concurrency error whose
// HTTP mapping matches the configured strategy.
func (c *Controller) Acquire(ctx context.Context, group, env string) (*Permit, error) {
	sems, labels := c.levels(group, env)

	switch Strategy(c.cfg.Strategy) {
	case StrategyReject:
		return c.acquireReject(sems, labels)
	default:
		return c.acquireWait(ctx, sems, labels)
	}
}

func (c *Controller) acquireReject(sems []*scopeSem, labels []string) (*Permit, error) {
	permit := &Permit{}
	for i, s := range sems {
		if !s.tryAcquire() {
			permit.Release()
			c.logger.Warn("admission rejected",
				"scope", labels[i],
				"strategy", string(StrategyReject),
			)
			return nil, apperror.ConcurrencyRejected(labels[i])
		}
		permit.stack = append(permit.stack, s)
	}
	return permit, nil
}

func (c *Controller) acquireWait(ctx context.Context, sems []*scopeSem, labels []string) (*Permit, error) {
	timeout := time.Duration(c.cfg.AcquireTimeoutSecs) * time.Second
	permit := &Permit{}
	for i, s := range sems {
		levelCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.acquire(levelCtx)
		cancel()
		if err != nil {
			permit.Release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("admission timed out",
				"scope", labels[i],
				"timeout_secs", c.cfg.AcquireTimeoutSecs,
			)
			return nil, apperror.ConcurrencyTimeout(labels[i])
		}
		permit.stack = append(permit.stack, s)
	}
	return permit, nil
}

// ScopeStats reports one semaphore's usage.
type ScopeStats struct {
	Scope       string  `json:"scope,omitempty"`
	Limit       int64   `json:"limit"`
	Used        int64   `json:"used"`
	Available   int64   `json:"available"`
	Utilization float64 `json:"utilization"`
}

// Stats is the controller-wide usage snapshot.
type Stats struct {
	Strategy     string       `json:"strategy"`
	Global       ScopeStats   `json:"global"`
	Groups       []ScopeStats `json:"groups"`
	Environments []ScopeStats `json:"environments"`
}

func snapshot(label string, s *scopeSem) ScopeStats {
	used, limit := s.usage()
	st := ScopeStats{
		Scope:     label,
		Limit:     limit,
		Used:      used,
		Available: limit - used,
	}
	if limit > 0 {
		st.Utilization = float64(used) / float64(limit)
	}
	return st
}

// GetStats returns the current usage at every level, with a deterministic
// per-scope ordering.
func (c *Controller) GetStats() Stats {
	stats := Stats{
		Strategy: c.cfg.Strategy,
		Global:   snapshot("", c.global),
	}

	c.mu.Lock()
	for name, s := range c.groups {
		stats.Groups = append(stats.Groups, snapshot(name, s))
	}
	for name, s := range c.envs {
		stats.Environments = append(stats.Environments, snapshot(name, s))
	}
	c.mu.Unlock()

	sort.Slice(stats.Groups, func(i, j int) bool { return stats.Groups[i].Scope < stats.Groups[j].Scope })
	sort.Slice(stats.Environments, func(i, j int) bool { return stats.Environments[i].Scope < stats.Environments[j].Scope })
	return stats
}
