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

// Package audit is the append-only action trail. Writes are best-effort and
// asynchronous: a failed or slow audit write never blocks or fails the
// business action it describes.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/log"
)

// Results recorded per entry. Only the audit log distinguishes a denied read
// from a missing resource.
const (
	ResultSuccess = "success"
	ResultDenied  = "denied"
	ResultFailure = "failure"
)

// Entry is one audit record. Action names are dot-separated, for example
// user.login, asset.host.create, job.execute, approval.approve.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	RequestID    uuid.UUID      `json:"request_id"`
	TraceID      string         `json:"trace_id,omitempty"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"`
	Username     string         `json:"username,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Result       string         `json:"result"`
	Detail       map[string]any `json:"detail,omitempty"`
	ClientIP     string         `json:"client_ip,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Writer persists entries. The store package provides the Postgres-backed
// implementation.
type Writer interface {
	InsertAuditLog(ctx context.Context, e Entry) error
}

// Querier reads entries back with filtering.
type Querier interface {
	QueryAuditLogs(ctx context.Context, f Filter) ([]Entry, error)
}

// Filter narrows a query. Zero values mean "any".
type Filter struct {
	UserID       *uuid.UUID
	ResourceType string
	ResourceID   string
	ActionPrefix string
	Result       string
	TraceID      string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// Sink accepts entries and writes them on a background worker.
type Sink struct {
	writer Writer
	logger *slog.Logger

	entries chan Entry
	done    chan struct{}
	once    sync.Once
}

// queueSize bounds pending audit writes; overflow drops with a warning.
const queueSize = 256

// NewSink starts the background writer.
func NewSink(writer Writer, logger *slog.Logger) *Sink {
	s := &Sink{
		writer:  writer,
		logger:  logger,
		entries: make(chan Entry, queueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.entries {
		// writes never ride the request context; the action already finished
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.writer.InsertAuditLog(ctx, e); err != nil {
			s.logger.Error("audit write failed",
				"action", e.Action,
				"resource_type", e.ResourceType,
				log.Error(err),
			)
		}
		cancel()
	}
}

// Record queues an entry. A fresh request id and timestamp are synthesized
// when missing. Record never blocks; if the queue is full the entry is
// dropped and the drop logged.
func (s *Sink) Record(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RequestID == uuid.Nil {
		e.RequestID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}

	select {
	case s.entries <- e:
	default:
		s.logger.Warn("audit queue full, entry dropped", "action", e.Action)
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.entries)
	})
	<-s.done
}
