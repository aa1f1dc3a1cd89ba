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

// Package events is the in-process topic bus feeding the SSE endpoints.
//
// Topics are "approvals" and "job:{uuid}". Delivery is best-effort: each
// subscriber has a bounded buffer and a publish that would overflow it drops
// the subscriber's oldest buffered event instead of blocking the producer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber buffer capacity.
const DefaultBufferSize = 1000

// TopicApprovals carries approval lifecycle events.
const TopicApprovals = "approvals"

// JobTopic returns the per-job topic name.
func JobTopic(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}

// Event types published on the bus.
const (
	TypeJobStatusChanged      = "job_status_changed"
	TypeTaskStatusChanged     = "task_status_changed"
	TypeTaskOutputUpdate      = "task_output_update"
	TypeApprovalStatusChanged = "approval_status_changed"
	TypeNewApprovalRequest    = "new_approval_request"
	TypeHeartbeat             = "heartbeat"
)

// Event is one bus message. Data must be JSON-marshalable.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Heartbeat returns a keepalive event.
func Heartbeat() Event {
	return Event{Type: TypeHeartbeat, Data: map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
}

// Subscription is one receiver on a topic. Read from C; call Cancel when
// done (Cancel is idempotent and closes C).
type Subscription struct {
	topic string
	bus   *Bus

	mu      sync.Mutex
	buf     []Event
	dropped uint64
	closed  bool

	wake chan struct{}
	quit chan struct{}

	// C delivers events in publish order.
	C chan Event
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel unsubscribes and closes C. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= cap(s.buf) {
		// drop-oldest keeps the producer non-blocking
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
	}
	s.buf = append(s.buf, e)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// pump moves buffered events to C until Cancel.
func (s *Subscription) pump() {
	defer close(s.C)
	for {
		s.mu.Lock()
		var next *Event
		if len(s.buf) > 0 {
			e := s.buf[0]
			copy(s.buf, s.buf[1:])
			s.buf = s.buf[:len(s.buf)-1]
			next = &e
		}
		s.mu.Unlock()

		if next != nil {
			select {
			case s.C <- *next:
				continue
			case <-s.quit:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// Bus is the topic broker.
type Bus struct {
	bufferSize int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// NewBus creates a bus. bufferSize <= 0 takes DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		topics:     make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a receiver on a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	s := &Subscription{
		topic: topic,
		bus:   b,
		buf:   make([]Event, 0, b.bufferSize),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		C:     make(chan Event),
	}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	b.mu.Unlock()
}

// Publish delivers the event to every current subscriber of the topic. It
// never blocks on slow consumers.
func (b *Bus) Publish(topic string, e Event) {
	b.mu.RLock()
	for s := range b.topics[topic] {
		s.push(e)
	}
	b.mu.RUnlock()
}

// SubscriberCount reports the current receivers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// PublishJobStatus emits a job status transition on the job's topic.
func (b *Bus) PublishJobStatus(jobID uuid.UUID, oldStatus, newStatus string) {
	b.Publish(JobTopic(jobID), Event{Type: TypeJobStatusChanged, Data: map[string]any{
		"job_id":     jobID,
		"old_status": oldStatus,
		"new_status": newStatus,
	}})
}

// PublishTaskStatus emits a task status transition on the owning job's topic.
func (b *Bus) PublishTaskStatus(taskID, jobID uuid.UUID, oldStatus, newStatus string) {
	b.Publish(JobTopic(jobID), Event{Type: TypeTaskStatusChanged, Data: map[string]any{
		"task_id":    taskID,
		"job_id":     jobID,
		"old_status": oldStatus,
		"new_status": newStatus,
	}})
}

// PublishTaskOutput emits an output chunk on the owning job's topic.
func (b *Bus) PublishTaskOutput(taskID, jobID uuid.UUID, output string, isComplete bool) {
	b.Publish(JobTopic(jobID), Event{Type: TypeTaskOutputUpdate, Data: map[string]any{
		"task_id":     taskID,
		"job_id":      jobID,
		"output":      output,
		"is_complete": isComplete,
	}})
}

// PublishApprovalStatus emits an approval transition on the approvals topic.
func (b *Bus) PublishApprovalStatus(approvalID uuid.UUID, oldStatus, newStatus string) {
	b.Publish(TopicApprovals, Event{Type: TypeApprovalStatusChanged, Data: map[string]any{
		"approval_id": approvalID,
		"old_status":  oldStatus,
		"new_status":  newStatus,
	}})
}

// PublishNewApproval announces a new approval request.
func (b *Bus) PublishNewApproval(approvalID uuid.UUID, jobID *uuid.UUID, title string, requestedBy uuid.UUID) {
	b.Publish(TopicApprovals, Event{Type: TypeNewApprovalRequest, Data: map[string]any{
		"approval_id":  approvalID,
		"job_id":       jobID,
		"title":        title,
		"requested_by": requestedBy,
	}})
}
