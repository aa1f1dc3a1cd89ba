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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/protocol"
)

// retryCountHeader tracks how many redeliveries a message has consumed.
const retryCountHeader = "x-retry-count"

// Handler processes one delivery. A non-nil error consumes one retry; when
// the budget is exhausted the message moves to the queue's dead-letter
// companion.
type Handler func(ctx context.Context, d amqp.Delivery) error

// publishChannel is the slice of amqp.Channel the retry and dead-letter
// paths need.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer reads one queue with a bounded retry budget.
type Consumer struct {
	client *Client
	cfg    config.RabbitMQConfig
	logger *slog.Logger
	queue  string
	mw     *log.DeliveryMiddleware
}

// NewConsumer creates a consumer for the queue.
func NewConsumer(client *Client, cfg config.RabbitMQConfig, logger *slog.Logger, queue string) *Consumer {
	scoped := logger.With("queue", queue)
	return &Consumer{
		client: client,
		cfg:    cfg,
		logger: scoped,
		queue:  queue,
		mw:     log.NewDeliveryMiddleware(scoped),
	}
}

// Run consumes until ctx is cancelled. The channel is reopened after broker
// failures with a short delay.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if err := c.consumeOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("consumer channel lost, reopening", log.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, handler Handler) error {
	ch, err := c.client.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	prefetch := c.cfg.ConsumerPrefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("starting consume on %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, ch, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ch publishChannel, d amqp.Delivery, handler Handler) {
	err := c.mw.Handle(&log.Delivery{
		Queue:       c.queue,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
	}, func() error {
		return handler(ctx, d)
	})
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", log.Error(ackErr))
		}
		return
	}

	attempts := retryCount(d.Headers) + 1
	c.logger.Warn("handler failed",
		log.RoutingKeyKey, d.RoutingKey,
		"attempt", attempts,
		log.Error(err),
	)

	if exhausted(attempts, c.cfg.ConsumerRetryLimit) {
		if dlqErr := c.deadLetter(ctx, ch, d); dlqErr != nil {
			c.logger.Error("dead-lettering failed, requeueing", log.Error(dlqErr))
			_ = d.Nack(false, true)
			return
		}
		c.logger.Error("retry budget exhausted, message dead-lettered",
			log.RoutingKeyKey, d.RoutingKey, "attempts", attempts)
		_ = d.Ack(false)
		return
	}

	if reqErr := c.requeue(ctx, ch, d, attempts); reqErr != nil {
		c.logger.Error("requeue failed, nacking", log.Error(reqErr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// requeue republishes the message to the same queue with the attempt count
// stamped, so the budget survives broker restarts.
func (c *Consumer) requeue(ctx context.Context, ch publishChannel, d amqp.Delivery, attempts int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(attempts)

	return ch.PublishWithContext(ctx,
		"",      // default exchange
		c.queue, // routing key == queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Timestamp:    time.Now().UTC(),
			Body:         d.Body,
		})
}

func (c *Consumer) deadLetter(ctx context.Context, ch publishChannel, d amqp.Delivery) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-original-routing-key"] = d.RoutingKey
	headers["x-dead-lettered-at"] = time.Now().UTC().Format(time.RFC3339)

	return ch.PublishWithContext(ctx,
		"", // default exchange
		protocol.DeadLetterQueue(c.queue), // paired dead-letter queue
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         d.Body,
		})
}

// retryCount reads the attempt counter from delivery headers. Brokers hand
// header integers back in several widths.
func retryCount(headers amqp.Table) int {
	v, ok := headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// exhausted reports whether a message that has now failed `attempts` times
// has used up its budget. A non-positive limit means one attempt, no retry.
func exhausted(attempts, limit int) bool {
	if limit < 1 {
		limit = 1
	}
	return attempts >= limit
}
