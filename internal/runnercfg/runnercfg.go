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

// Package runnercfg resolves the layered Docker configuration handed to
// runners: default, then per-capability overlays, then the per-runner
// override. The resolved config rides every heartbeat response so runners
// adopt changes without restart.
package runnercfg

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

// Validation bounds for stored config values.
const (
	MinTimeoutSecs = 60
	MaxTimeoutSecs = 86400
	MinMemoryGB    = 1
	MaxMemoryGB    = 128
	MinCPUShares   = 128
	MaxCPUShares   = 4096
	MinPidsLimit   = 64
	MaxPidsLimit   = 65536
)

type configStore interface {
	ListDockerConfigs(ctx context.Context) ([]*store.RunnerDockerConfig, error)
	UpsertDockerConfig(ctx context.Context, c *store.RunnerDockerConfig, changeReason string, changedBy *uuid.UUID) error
	ListConfigHistory(ctx context.Context, configID uuid.UUID, limit int) ([]*store.RunnerConfigHistory, error)
}

// Service resolves and updates runner Docker configuration.
type Service struct {
	store  configStore
	logger *slog.Logger
}

// New creates the service.
func New(s configStore, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Fallback is the config used when no default layer is stored.
func Fallback() protocol.DockerConfig {
	return protocol.DockerConfig{
		Enabled:            false,
		DefaultImage:       "ubuntu:24.04",
		DefaultTimeoutSecs: 3600,
	}
}

// ResolveFor computes the effective config for a runner: default layer,
// each matching capability overlay in sorted capability order, then the
// per-runner overlay last.
func (s *Service) ResolveFor(ctx context.Context, runnerName string, capabilities []string) (protocol.DockerConfig, error) {
	configs, err := s.store.ListDockerConfigs(ctx)
	if err != nil {
		return protocol.DockerConfig{}, err
	}

	byLevel := make(map[string]map[string]protocol.DockerConfig)
	for _, c := range configs {
		if byLevel[c.Level] == nil {
			byLevel[c.Level] = make(map[string]protocol.DockerConfig)
		}
		byLevel[c.Level][c.Key] = c.Config
	}

	resolved := Fallback()
	if base, ok := byLevel[store.ConfigLevelDefault][""]; ok {
		resolved = base
	}

	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)
	for _, capability := range caps {
		if overlay, ok := byLevel[store.ConfigLevelCapability][capability]; ok {
			resolved = merge(resolved, overlay)
		}
	}

	if overlay, ok := byLevel[store.ConfigLevelRunner][runnerName]; ok {
		resolved = merge(resolved, overlay)
	}
	return resolved, nil
}

// merge applies an overlay onto a base config. The overlay's Enabled flag
// always wins since a more specific layer may disable Docker outright; the
// remaining fields override only when set.
func merge(base, overlay protocol.DockerConfig) protocol.DockerConfig {
	out := base
	out.Enabled = overlay.Enabled

	if overlay.DefaultImage != "" {
		out.DefaultImage = overlay.DefaultImage
	}
	if len(overlay.ImagesByType) > 0 {
		merged := make(map[string]string, len(base.ImagesByType)+len(overlay.ImagesByType))
		for k, v := range base.ImagesByType {
			merged[k] = v
		}
		for k, v := range overlay.ImagesByType {
			merged[k] = v
		}
		out.ImagesByType = merged
	}
	if overlay.MemoryLimitGB != nil {
		out.MemoryLimitGB = overlay.MemoryLimitGB
	}
	if overlay.CPUShares != nil {
		out.CPUShares = overlay.CPUShares
	}
	if overlay.PidsLimit != nil {
		out.PidsLimit = overlay.PidsLimit
	}
	if overlay.DefaultTimeoutSecs > 0 {
		out.DefaultTimeoutSecs = overlay.DefaultTimeoutSecs
	}
	return out
}

// Validate checks a config against the stored-value bounds.
func Validate(c protocol.DockerConfig) error {
	if c.DefaultTimeoutSecs < MinTimeoutSecs || c.DefaultTimeoutSecs > MaxTimeoutSecs {
		return apperror.Validationf("default_timeout_secs must be between %d and %d", MinTimeoutSecs, MaxTimeoutSecs)
	}
	if c.MemoryLimitGB != nil && (*c.MemoryLimitGB < MinMemoryGB || *c.MemoryLimitGB > MaxMemoryGB) {
		return apperror.Validationf("memory_limit_gb must be between %d and %d", MinMemoryGB, MaxMemoryGB)
	}
	if c.CPUShares != nil && (*c.CPUShares < MinCPUShares || *c.CPUShares > MaxCPUShares) {
		return apperror.Validationf("cpu_shares must be between %d and %d", MinCPUShares, MaxCPUShares)
	}
	if c.PidsLimit != nil && (*c.PidsLimit < MinPidsLimit || *c.PidsLimit > MaxPidsLimit) {
		return apperror.Validationf("pids_limit must be between %d and %d", MinPidsLimit, MaxPidsLimit)
	}
	if c.Enabled && c.DefaultImage == "" {
		return apperror.Validation("default_image is required when docker is enabled")
	}
	return nil
}

// Update validates and persists a config layer, recording the change in the
// history table.
func (s *Service) Update(ctx context.Context, level, key string, cfg protocol.DockerConfig, changeReason string, changedBy *uuid.UUID) (*store.RunnerDockerConfig, error) {
	switch level {
	case store.ConfigLevelDefault:
		if key != "" {
			return nil, apperror.Validation("default config takes no key")
		}
	case store.ConfigLevelCapability, store.ConfigLevelRunner:
		if key == "" {
			return nil, apperror.Validationf("%s config requires a key", level)
		}
	default:
		return nil, apperror.Validationf("unknown config level %q", level)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	record := &store.RunnerDockerConfig{Level: level, Key: key, Config: cfg}
	if err := s.store.UpsertDockerConfig(ctx, record, changeReason, changedBy); err != nil {
		return nil, err
	}

	s.logger.Info("runner config updated",
		"level", level, "key", key, "version", record.Version)
	return record, nil
}

// History returns the change log of a config row.
func (s *Service) History(ctx context.Context, configID uuid.UUID, limit int) ([]*store.RunnerConfigHistory, error) {
	return s.store.ListConfigHistory(ctx, configID, limit)
}
