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

package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvTimeout(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription channel closed unexpectedly")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(10)
	jobID := uuid.New()

	s1 := bus.Subscribe(JobTopic(jobID))
	s2 := bus.Subscribe(JobTopic(jobID))
	defer s1.Cancel()
	defer s2.Cancel()

	bus.PublishJobStatus(jobID, "pending", "running")

	e1 := recvTimeout(t, s1)
	e2 := recvTimeout(t, s2)
	assert.Equal(t, TypeJobStatusChanged, e1.Type)
	assert.Equal(t, TypeJobStatusChanged, e2.Type)
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus(10)
	jobA := uuid.New()
	jobB := uuid.New()

	subA := bus.Subscribe(JobTopic(jobA))
	defer subA.Cancel()

	bus.PublishJobStatus(jobB, "pending", "running")
	bus.PublishJobStatus(jobA, "pending", "running")

	e := recvTimeout(t, subA)
	data := e.Data.(map[string]any)
	assert.Equal(t, jobA, data["job_id"])

	select {
	case e := <-subA.C:
		t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(3)
	topic := "approvals"

	sub := bus.Subscribe(topic)
	defer sub.Cancel()

	// The pump takes one event into the channel send; fill well past the
	// buffer without reading.
	for i := 0; i < 20; i++ {
		bus.Publish(topic, Event{Type: "e", Data: i})
	}

	// give the pump a moment to settle
	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, sub.Dropped(), uint64(0))

	// newest events survive; drain and check the last one is 19
	var last Event
	for {
		var done bool
		select {
		case e := <-sub.C:
			last = e
		case <-time.After(200 * time.Millisecond):
			done = true
		}
		if done {
			break
		}
	}
	assert.Equal(t, 19, last.Data)
}

func TestCancelUnsubscribesAndClosesChannel(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe(TopicApprovals)

	assert.Equal(t, 1, bus.SubscriberCount(TopicApprovals))

	sub.Cancel()
	sub.Cancel() // idempotent

	assert.Equal(t, 0, bus.SubscriberCount(TopicApprovals))

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel should be closed after Cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Cancel")
	}

	// publishing to a topic with no subscribers must not panic or block
	bus.Publish(TopicApprovals, Event{Type: "e"})
}

func TestPublishNeverBlocksProducer(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe(TopicApprovals)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(TopicApprovals, Event{Type: "e", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestFormatSSE(t *testing.T) {
	frame, err := FormatSSE(Event{Type: "approval_status_changed", Data: map[string]string{"k": "v"}})
	require.NoError(t, err)

	assert.Equal(t, "event: approval_status_changed\ndata: {\"type\":\"approval_status_changed\",\"data\":{\"k\":\"v\"}}\n\n", frame)
}

func TestMaskOutput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains []string
		excludes []string
	}{
		{
			name:     "password assignment",
			input:    "password=secret123\nusername=admin",
			contains: []string{"username=admin", "****"},
			excludes: []string{"secret123"},
		},
		{
			name:     "token with colon",
			input:    "token: abc.def.ghi",
			contains: []string{"****"},
			excludes: []string{"abc.def.ghi"},
		},
		{
			name:     "api key case-insensitive",
			input:    "API_KEY = AKIAEXAMPLE",
			contains: []string{"****"},
			excludes: []string{"AKIAEXAMPLE"},
		},
		{
			name:     "email keeps domain",
			input:    "contact test@example.com for access",
			contains: []string{"***@example.com"},
			excludes: []string{"test@example.com"},
		},
		{
			name:     "clean output untouched",
			input:    "build succeeded in 42s",
			contains: []string{"build succeeded in 42s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskOutput(tt.input)
			for _, s := range tt.contains {
				assert.Contains(t, got, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, got, s)
			}
		})
	}
}

func TestJobTopicName(t *testing.T) {
	id := uuid.MustParse("5f0c3e0a-53bd-4f3a-9d2a-000000000001")
	assert.Equal(t, fmt.Sprintf("job:%s", id), JobTopic(id))
}
