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

// Package broker manages the AMQP side of the platform: connection
// lifecycle, exchange and queue topology, a confirming publisher pool, and
// consumers with a bounded retry budget backed by dead-letter queues.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/protocol"
)

// Well-known shared queues on the control plane side.
const (
	StatusQueue    = "build.status.queue"
	LogQueue       = "build.log.queue"
	RegisterQueue  = "runner.register.queue"
	HeartbeatQueue = "runner.heartbeat.queue"
)

// Client owns one AMQP connection and reconnects with exponential backoff
// when the broker drops it.
type Client struct {
	cfg    config.RabbitMQConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewClient connects to the broker. The initial connection retries with
// exponential backoff up to one minute.
func NewClient(cfg config.RabbitMQConfig, logger *slog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute

	err := backoff.Retry(func() error {
		conn, err := amqp.Dial(cfg.AMQPURL.Expose())
		if err != nil {
			logger.Warn("broker connection failed, retrying",
				"url", log.SanitizeURL(cfg.AMQPURL.Expose()),
				log.Error(err),
			)
			return err
		}
		c.conn = conn
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	c.logger.Info("connected to rabbitmq", "url", log.SanitizeURL(cfg.AMQPURL.Expose()))
	return c, nil
}

// Channel opens a channel on the current connection, reconnecting first if
// the connection has been lost.
func (c *Client) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.cfg.AMQPURL.Expose())
		if err != nil {
			return nil, fmt.Errorf("reconnecting to rabbitmq: %w", err)
		}
		c.conn = conn
		c.logger.Info("reconnected to rabbitmq")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return ch, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// IsHealthy reports whether the connection is currently open.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// DeclareTopology declares the durable exchanges and the shared control
// plane queues: build and runner topic exchanges, the build DLQ exchange,
// and the status/log queues with their wildcard bindings.
func (c *Client) DeclareTopology() error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, exchange := range []string{c.cfg.BuildExchange, c.cfg.RunnerExchange} {
		if err := ch.ExchangeDeclare(
			exchange, // name
			"topic",  // kind
			true,     // durable
			false,    // auto-delete
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", exchange, err)
		}
	}

	dlx := c.cfg.BuildExchange + protocol.DeadLetterSuffix
	if err := ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange %s: %w", dlx, err)
	}

	shared := []struct {
		queue    string
		exchange string
		pattern  string
	}{
		{StatusQueue, c.cfg.BuildExchange, protocol.RoutingKeyBuildStatus + ".#"},
		{LogQueue, c.cfg.BuildExchange, protocol.RoutingKeyBuildLog + ".#"},
		{RegisterQueue, c.cfg.RunnerExchange, protocol.RoutingKeyRunnerRegister},
		{HeartbeatQueue, c.cfg.RunnerExchange, protocol.RoutingKeyRunnerHeartbeat},
	}
	for _, q := range shared {
		if err := c.declareWorkQueue(ch, q.queue, q.exchange, q.pattern); err != nil {
			return err
		}
	}

	c.logger.Info("declared broker topology",
		"build_exchange", c.cfg.BuildExchange,
		"runner_exchange", c.cfg.RunnerExchange,
	)
	return nil
}

// DeclareRunnerQueue declares a runner's work queue bound with the directed
// wildcard pattern, plus its .dlq and .retry companions.
func (c *Client) DeclareRunnerQueue(runnerName string) (string, error) {
	ch, err := c.Channel()
	if err != nil {
		return "", err
	}
	defer ch.Close()

	queue := protocol.RunnerQueueName(c.cfg.QueuePrefix, runnerName)
	if err := c.declareWorkQueue(ch, queue, c.cfg.BuildExchange, protocol.BindingPattern(runnerName)); err != nil {
		return "", err
	}

	// status and log bindings for the same exchange already exist; the
	// runner also needs the broadcast task key for untargeted dispatch
	if err := ch.QueueBind(queue, protocol.RoutingKeyBuildTask, c.cfg.BuildExchange, false, nil); err != nil {
		return "", fmt.Errorf("binding queue %s to %s: %w", queue, protocol.RoutingKeyBuildTask, err)
	}

	return queue, nil
}

// declareWorkQueue declares a durable queue with its paired dead-letter and
// retry queues, and binds the main queue to the exchange.
func (c *Client) declareWorkQueue(ch *amqp.Channel, queue, exchange, pattern string) error {
	if _, err := ch.QueueDeclare(
		protocol.DeadLetterQueue(queue), // name
		true,                            // durable
		false,                           // delete when unused
		false,                           // exclusive
		false,                           // no-wait
		nil,                             // arguments
	); err != nil {
		return fmt.Errorf("declaring queue %s: %w", protocol.DeadLetterQueue(queue), err)
	}

	if _, err := ch.QueueDeclare(protocol.RetryQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", protocol.RetryQueue(queue), err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, pattern, exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s to %s with %s: %w", queue, exchange, pattern, err)
	}
	return nil
}
