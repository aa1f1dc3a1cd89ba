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

package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/protocol"
)

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"no headers", nil, 0},
		{"missing key", amqp.Table{"other": int32(3)}, 0},
		{"int32", amqp.Table{retryCountHeader: int32(2)}, 2},
		{"int64", amqp.Table{retryCountHeader: int64(1)}, 1},
		{"int", amqp.Table{retryCountHeader: 4}, 4},
		{"wrong type", amqp.Table{retryCountHeader: "2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryCount(tt.headers))
		})
	}
}

func TestExhausted(t *testing.T) {
	// limit 2: first failure retries, second dead-letters
	assert.False(t, exhausted(1, 2))
	assert.True(t, exhausted(2, 2))
	assert.True(t, exhausted(3, 2))

	// degenerate limits mean no retry at all
	assert.True(t, exhausted(1, 0))
	assert.True(t, exhausted(1, -5))
}

func TestSharedQueueNames(t *testing.T) {
	assert.Equal(t, "build.status.queue", StatusQueue)
	assert.Equal(t, "build.log.queue", LogQueue)
	assert.Equal(t, "build.status.queue.dlq", protocol.DeadLetterQueue(StatusQueue))
	assert.Equal(t, "build.log.queue.retry", protocol.RetryQueue(LogQueue))
}

func TestRunnerQueueTopology(t *testing.T) {
	queue := protocol.RunnerQueueName("ops", "runner-east-1")
	assert.Equal(t, "ops.runner_east_1.queue", queue)
	assert.Equal(t, "build.*.runner-east-1", protocol.BindingPattern("runner-east-1"))
	assert.Equal(t, "build.docker.runner-east-1", protocol.DirectedRoutingKey("docker", "runner-east-1"))
}

type recordedPublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublishChannel struct {
	published []recordedPublish
}

func (f *fakePublishChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, recordedPublish{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAcknowledger struct {
	acks  int
	nacks int
}

func (f *fakeAcknowledger) Ack(uint64, bool) error        { f.acks++; return nil }
func (f *fakeAcknowledger) Nack(uint64, bool, bool) error { f.nacks++; return nil }
func (f *fakeAcknowledger) Reject(uint64, bool) error     { return nil }

func newTestConsumer(retryLimit int) *Consumer {
	cfg := config.RabbitMQConfig{ConsumerRetryLimit: retryLimit, ConsumerPrefetch: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(nil, cfg, logger, StatusQueue)
}

func failingHandler(context.Context, amqp.Delivery) error {
	return errors.New("cannot decode")
}

func TestHandleRequeuesWithStampedAttempt(t *testing.T) {
	c := newTestConsumer(2)
	ch := &fakePublishChannel{}
	acker := &fakeAcknowledger{}

	c.handle(context.Background(), ch, amqp.Delivery{
		Acknowledger: acker,
		RoutingKey:   "build.status",
		Body:         []byte("not json"),
	}, failingHandler)

	require.Len(t, ch.published, 1)
	assert.Equal(t, "", ch.published[0].exchange)
	assert.Equal(t, StatusQueue, ch.published[0].key)
	assert.Equal(t, int32(1), ch.published[0].msg.Headers[retryCountHeader])
	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
}

func TestHandleDeadLettersOnExhaustedBudget(t *testing.T) {
	c := newTestConsumer(2)
	ch := &fakePublishChannel{}
	acker := &fakeAcknowledger{}

	// the message already burned one attempt; this failure exhausts it
	c.handle(context.Background(), ch, amqp.Delivery{
		Acknowledger: acker,
		RoutingKey:   "build.status",
		Headers:      amqp.Table{retryCountHeader: int32(1)},
		Body:         []byte("not json"),
	}, failingHandler)

	require.Len(t, ch.published, 1)
	assert.Equal(t, "", ch.published[0].exchange)
	assert.Equal(t, protocol.DeadLetterQueue(StatusQueue), ch.published[0].key)
	assert.Equal(t, "build.status", ch.published[0].msg.Headers["x-original-routing-key"])
	assert.Equal(t, 1, acker.acks)

	// the queue keeps flowing: the next good message acks cleanly
	c.handle(context.Background(), ch, amqp.Delivery{
		Acknowledger: acker,
		RoutingKey:   "build.status",
		Body:         []byte("{}"),
	}, func(context.Context, amqp.Delivery) error { return nil })
	assert.Len(t, ch.published, 1)
	assert.Equal(t, 2, acker.acks)
}

func TestHandleLogsDeliveries(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.RabbitMQConfig{ConsumerRetryLimit: 2, ConsumerPrefetch: 1}
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewConsumer(nil, cfg, logger, StatusQueue)

	c.handle(context.Background(), &fakePublishChannel{}, amqp.Delivery{
		Acknowledger: &fakeAcknowledger{},
		RoutingKey:   "build.status",
		Body:         []byte("{}"),
	}, func(context.Context, amqp.Delivery) error { return nil })

	assert.Contains(t, buf.String(), "delivery_received")
	assert.Contains(t, buf.String(), "delivery_handled")
}
