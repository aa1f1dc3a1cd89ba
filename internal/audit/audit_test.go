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

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/log"
)

type captureWriter struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	block   chan struct{}
}

func (w *captureWriter) InsertAuditLog(_ context.Context, e Entry) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, e)
	return nil
}

func (w *captureWriter) all() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

func testLogger() *slog.Logger {
	return log.New(log.DefaultConfig())
}

func TestRecordSynthesizesIdentifiers(t *testing.T) {
	w := &captureWriter{}
	sink := NewSink(w, testLogger())

	sink.Record(Entry{Action: "user.login", Username: "alice"})
	sink.Close()

	entries := w.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.NotEqual(t, uuid.Nil, e.RequestID)
	assert.Equal(t, ResultSuccess, e.Result)
	assert.WithinDuration(t, time.Now(), e.CreatedAt, 5*time.Second)
}

func TestRecordKeepsCallerFields(t *testing.T) {
	w := &captureWriter{}
	sink := NewSink(w, testLogger())

	userID := uuid.New()
	sink.Record(Entry{
		Action:       "job.execute",
		UserID:       &userID,
		ResourceType: "job",
		ResourceID:   uuid.NewString(),
		Result:       ResultDenied,
		TraceID:      "trace-123",
		ClientIP:     "203.0.113.7",
	})
	sink.Close()

	entries := w.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ResultDenied, entries[0].Result)
	assert.Equal(t, "trace-123", entries[0].TraceID)
	assert.Equal(t, &userID, entries[0].UserID)
}

func TestWriteFailureDoesNotPropagate(t *testing.T) {
	w := &captureWriter{err: errors.New("db down")}
	sink := NewSink(w, testLogger())

	// must not panic or surface anywhere
	sink.Record(Entry{Action: "user.login"})
	sink.Close()
}

func TestRecordNeverBlocks(t *testing.T) {
	w := &captureWriter{block: make(chan struct{})}
	sink := NewSink(w, testLogger())

	done := make(chan struct{})
	go func() {
		// one entry occupies the worker; the rest overflow the queue
		for i := 0; i < queueSize+50; i++ {
			sink.Record(Entry{Action: "job.execute"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Record blocked on a slow writer")
	}
	close(w.block)
	sink.Close()
}

func TestCloseDrainsQueue(t *testing.T) {
	w := &captureWriter{}
	sink := NewSink(w, testLogger())

	for i := 0; i < 20; i++ {
		sink.Record(Entry{Action: "asset.host.create"})
	}
	sink.Close()

	assert.Len(t, w.all(), 20)
}
