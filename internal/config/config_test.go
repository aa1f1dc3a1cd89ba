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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-with-at-least-32-characters!"

func clearOpsEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "OPS_") || strings.HasPrefix(key, "STORAGE_") {
			t.Setenv(key, "") // registers restore on cleanup
			os.Unsetenv(key)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearOpsEnv(t)
	t.Setenv("OPS_DATABASE__URL", "postgres://ops:pw@localhost:5432/ops")
	t.Setenv("OPS_SECURITY__JWT_SECRET", testJWTSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Server.GracefulShutdownTimeoutSecs)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 50, cfg.Concurrency.GlobalLimit)
	assert.Equal(t, "wait", cfg.Concurrency.Strategy)
	assert.Equal(t, "build", cfg.RabbitMQ.BuildExchange)
	assert.Equal(t, "runner", cfg.RabbitMQ.RunnerExchange)
	assert.Equal(t, "ops", cfg.RabbitMQ.QueuePrefix)
	assert.Equal(t, 2, cfg.RabbitMQ.ConsumerRetryLimit)
	assert.Equal(t, 100, cfg.RateLimit.GeneralMaxRequests)
	assert.Equal(t, 10, cfg.RateLimit.LoginMaxRequests)
	assert.Equal(t, "local", cfg.Storage.Type)
}

func TestEnvOverrides(t *testing.T) {
	clearOpsEnv(t)
	t.Setenv("OPS_DATABASE__URL", "postgres://ops:pw@localhost:5432/ops")
	t.Setenv("OPS_SECURITY__JWT_SECRET", testJWTSecret)
	t.Setenv("OPS_SERVER__ADDR", "127.0.0.1:8080")
	t.Setenv("OPS_CONCURRENCY__STRATEGY", "reject")
	t.Setenv("OPS_CONCURRENCY__GLOBAL_LIMIT", "2")
	t.Setenv("OPS_SECURITY__TRUST_PROXY", "false")
	t.Setenv("STORAGE_TYPE", "s3")
	t.Setenv("STORAGE_S3_BUCKET", "artifacts")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "reject", cfg.Concurrency.Strategy)
	assert.Equal(t, 2, cfg.Concurrency.GlobalLimit)
	assert.False(t, cfg.Security.TrustProxy)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "artifacts", cfg.Storage.S3Bucket)
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	clearOpsEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "ops.yaml")
	yaml := fmt.Sprintf(`
server:
  addr: "0.0.0.0:9000"
database:
  url: "postgres://file:file@db/ops"
security:
  jwt_secret: %q
rabbitmq:
  queue_prefix: "fileprefix"
`, testJWTSecret)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("OPS_CONFIG_FILE", path)
	t.Setenv("OPS_RABBITMQ__QUEUE_PREFIX", "envprefix")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "envprefix", cfg.RabbitMQ.QueuePrefix, "env must override file")
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://ops:pw@localhost/ops"
		cfg.Security.JWTSecret = testJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"privileged port", func(c *Config) { c.Server.Addr = "0.0.0.0:80" }, "port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "pretty" }, "log format"},
		{"missing db url", func(c *Config) { c.Database.URL = "" }, "OPS_DATABASE__URL"},
		{"pool inversion", func(c *Config) { c.Database.MaxConnections = 1 }, "min_connections"},
		{"short jwt secret", func(c *Config) { c.Security.JWTSecret = "short" }, "32 characters"},
		{"access token exp", func(c *Config) { c.Security.AccessTokenExpSecs = 30 }, "access_token_exp_secs"},
		{"password min length", func(c *Config) { c.Security.PasswordMinLength = 2 }, "password_min_length"},
		{"login attempts", func(c *Config) { c.Security.MaxLoginAttempts = 50 }, "max_login_attempts"},
		{"host key policy", func(c *Config) { c.SSH.HostKeyVerification = "maybe" }, "host_key_verification"},
		{"strategy", func(c *Config) { c.Concurrency.Strategy = "drop" }, "strategy"},
		{"global limit cap", func(c *Config) { c.Concurrency.GlobalLimit = 5000 }, "global_limit"},
		{"pool size", func(c *Config) { c.RabbitMQ.PoolSize = 0 }, "pool_size"},
		{"consumer prefetch", func(c *Config) { c.RabbitMQ.ConsumerPrefetch = 0 }, "consumer_prefetch"},
		{"storage type", func(c *Config) { c.Storage.Type = "ftp" }, "storage type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAcceptsZeroGlobalLimit(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://ops:pw@localhost/ops"
	cfg.Security.JWTSecret = testJWTSecret
	cfg.Concurrency.GlobalLimit = 0

	assert.NoError(t, cfg.Validate())
}

func TestSecretNeverLeaks(t *testing.T) {
	s := Secret("super-secret-password")

	assert.Equal(t, "***", s.String())
	assert.Equal(t, "***", fmt.Sprintf("%v", s))
	assert.Equal(t, "***", fmt.Sprintf("%#v", s))
	assert.Equal(t, "super-secret-password", s.Expose())

	data, err := json.Marshal(struct {
		Password Secret `json:"password"`
	}{Password: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"***"}`, string(data))

	assert.Equal(t, "", Secret("").String())
}
