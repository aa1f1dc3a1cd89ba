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

// Package store is the PostgreSQL persistence layer. It speaks database/sql
// over the pgx stdlib driver and owns the schema migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/config"
)

// Compile-time interface assertions.
var (
	_ audit.Writer  = (*Store)(nil)
	_ audit.Querier = (*Store)(nil)
)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	db *sql.DB
}

// New opens the pool, verifies connectivity, and applies migrations.
func New(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL.Expose())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MinConnections > 0 {
		db.SetMaxIdleConns(cfg.MinConnections)
	}
	if cfg.MaxLifetimeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeSecs) * time.Second)
	}
	if cfg.IdleTimeoutSecs > 0 {
		db.SetConnMaxIdleTime(time.Duration(cfg.IdleTimeoutSecs) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing handle; tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
