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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/opsforge/opsforge/internal/config"
)

// Config is the runner agent configuration, read from RUNNER_* environment
// variables. The agent shares the broker wire types with the control plane
// but carries its own, flatter configuration surface.
type Config struct {
	Name            string
	ControlPlaneURL string
	APIKey          config.Secret
	AMQPURL         config.Secret

	Capabilities      []string
	MaxConcurrentJobs int
	WorkspaceDir      string
	CleanupWorkspace  bool

	HeartbeatIntervalSecs int
	StepTimeoutSecs       int
	Prefetch              int

	BuildExchange  string
	RunnerExchange string
	QueuePrefix    string
}

// FromEnv loads the agent configuration. A .env file is honored when
// present; explicit environment variables win.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Name:                  os.Getenv("RUNNER_NAME"),
		ControlPlaneURL:       os.Getenv("CONTROL_PLANE_API_URL"),
		APIKey:                config.Secret(os.Getenv("RUNNER_API_KEY")),
		AMQPURL:               config.Secret(os.Getenv("RABBITMQ_AMQP_URL")),
		MaxConcurrentJobs:     1,
		WorkspaceDir:          filepath.Join(os.TempDir(), "ops-runner"),
		CleanupWorkspace:      true,
		HeartbeatIntervalSecs: 30,
		StepTimeoutSecs:       1800,
		Prefetch:              1,
		BuildExchange:         "build",
		RunnerExchange:        "runner",
		QueuePrefix:           "runner",
	}

	if v := os.Getenv("RUNNER_CAPABILITIES"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Capabilities = append(cfg.Capabilities, c)
			}
		}
	}
	if v := os.Getenv("RUNNER_WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	envPosInt("RUNNER_MAX_CONCURRENT_JOBS", &cfg.MaxConcurrentJobs)
	envPosInt("RUNNER_HEARTBEAT_INTERVAL_SECS", &cfg.HeartbeatIntervalSecs)
	envPosInt("RUNNER_STEP_TIMEOUT_SECS", &cfg.StepTimeoutSecs)
	envPosInt("RUNNER_PREFETCH", &cfg.Prefetch)
	if v := os.Getenv("RUNNER_CLEANUP_WORKSPACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CleanupWorkspace = b
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the required settings.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("RUNNER_NAME is required")
	case c.ControlPlaneURL == "":
		return fmt.Errorf("CONTROL_PLANE_API_URL is required")
	case c.APIKey == "":
		return fmt.Errorf("RUNNER_API_KEY is required")
	case c.AMQPURL == "":
		return fmt.Errorf("RABBITMQ_AMQP_URL is required")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("RUNNER_MAX_CONCURRENT_JOBS must be positive")
	}
	return nil
}

// RabbitMQ adapts the agent settings to the shared broker client config.
func (c *Config) RabbitMQ() config.RabbitMQConfig {
	return config.RabbitMQConfig{
		AMQPURL:            c.AMQPURL,
		BuildExchange:      c.BuildExchange,
		RunnerExchange:     c.RunnerExchange,
		QueuePrefix:        c.QueuePrefix,
		PoolSize:           2,
		PublishTimeoutSecs: 10,
		ConsumerRetryLimit: 3,
		ConsumerPrefetch:   c.Prefetch,
	}
}

func envPosInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*target = n
		}
	}
}
