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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/protocol"
)

// Publisher is a pool of confirm-mode channels. Every publish waits for the
// broker acknowledgment; a failed publish is retried once on a fresh channel
// before the error surfaces to the caller.
type Publisher struct {
	client *Client
	cfg    config.RabbitMQConfig
	logger *slog.Logger

	breaker *gobreaker.CircuitBreaker
	next    atomic.Uint64
	slots   []*pubSlot
}

// pubSlot is one pooled channel. Slots are lazily opened and replaced when a
// publish on them fails.
type pubSlot struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher builds the pool. Channels open lazily on first use.
func NewPublisher(client *Client, cfg config.RabbitMQConfig, logger *slog.Logger) *Publisher {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}
	slots := make([]*pubSlot, size)
	for i := range slots {
		slots[i] = &pubSlot{}
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger,
		slots:  slots,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "amqp-publish",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("publish circuit state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// PublishTask sends a build task to the directed per-runner routing key with
// persistent delivery.
func (p *Publisher) PublishTask(ctx context.Context, task *protocol.BuildTask, buildType, runnerName string) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding build task: %w", err)
	}
	return p.Publish(ctx, p.cfg.BuildExchange, protocol.DirectedRoutingKey(buildType, runnerName), body, true)
}

// PublishCancel sends a cancel control message on the runner's directed
// binding.
func (p *Publisher) PublishCancel(ctx context.Context, msg *protocol.ControlMessage, runnerName string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding control message: %w", err)
	}
	return p.Publish(ctx, p.cfg.BuildExchange, protocol.ControlRoutingKey(runnerName), body, true)
}

// PublishStatus sends a status update from the runner side.
func (p *Publisher) PublishStatus(ctx context.Context, msg *protocol.BuildStatusMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding status message: %w", err)
	}
	return p.Publish(ctx, p.cfg.BuildExchange, protocol.RoutingKeyBuildStatus, body, true)
}

// PublishLog sends a log chunk from the runner side. Log traffic is
// transient; losing a chunk on broker restart is acceptable.
func (p *Publisher) PublishLog(ctx context.Context, msg *protocol.BuildLogMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding log message: %w", err)
	}
	return p.Publish(ctx, p.cfg.BuildExchange, protocol.RoutingKeyBuildLog, body, false)
}

// PublishRegistration announces a runner on the runner exchange.
func (p *Publisher) PublishRegistration(ctx context.Context, msg *protocol.RunnerRegistration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	return p.Publish(ctx, p.cfg.RunnerExchange, protocol.RoutingKeyRunnerRegister, body, false)
}

// PublishHeartbeat sends a runner heartbeat on the runner exchange.
func (p *Publisher) PublishHeartbeat(ctx context.Context, msg *protocol.RunnerHeartbeat) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}
	return p.Publish(ctx, p.cfg.RunnerExchange, protocol.RoutingKeyRunnerHeartbeat, body, false)
}

// PublishConfig fans a resolved docker config out to one runner's queue.
func (p *Publisher) PublishConfig(ctx context.Context, msg *protocol.RunnerConfigMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding config message: %w", err)
	}
	return p.Publish(ctx, p.cfg.BuildExchange, protocol.ConfigRoutingKey(msg.RunnerName), body, false)
}

// Publish sends body to exchange with the given routing key and waits for
// the broker confirm, bounded by the configured publish timeout. On failure
// the slot's channel is discarded and the publish retried once.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error {
	timeout := time.Duration(p.cfg.PublishTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := p.breaker.Execute(func() (any, error) {
		slot := p.slots[p.next.Add(1)%uint64(len(p.slots))]
		slot.mu.Lock()
		defer slot.mu.Unlock()

		err := p.publishOnSlot(ctx, slot, exchange, routingKey, body, persistent)
		if err == nil {
			return nil, nil
		}

		p.logger.Warn("publish failed, retrying on fresh channel",
			log.RoutingKeyKey, routingKey, log.Error(err))
		slot.reset()

		if err := p.publishOnSlot(ctx, slot, exchange, routingKey, body, persistent); err != nil {
			slot.reset()
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("publishing to %s with key %s: %w", exchange, routingKey, err)
	}
	return nil
}

func (p *Publisher) publishOnSlot(ctx context.Context, slot *pubSlot, exchange, routingKey string, body []byte, persistent bool) error {
	if slot.ch == nil || slot.ch.IsClosed() {
		ch, err := p.client.Channel()
		if err != nil {
			return err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return fmt.Errorf("enabling confirms: %w", err)
		}
		slot.ch = ch
	}

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	confirm, err := slot.ch.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected publish")
	}
	return nil
}

func (s *pubSlot) reset() {
	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
	}
}

// Close tears down all pooled channels.
func (p *Publisher) Close() {
	for _, slot := range p.slots {
		slot.mu.Lock()
		slot.reset()
		slot.mu.Unlock()
	}
}
