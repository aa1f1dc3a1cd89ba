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

package log

import (
	"log/slog"
	"time"
)

// Delivery describes a consumed broker message for logging purposes.
type Delivery struct {
	// Queue is the queue the message was consumed from.
	Queue string

	// RoutingKey is the routing key the message was published with.
	RoutingKey string

	// MessageID is the broker message ID, if set by the publisher.
	MessageID string

	// Redelivered indicates the broker is redelivering the message.
	Redelivered bool

	// Metadata contains additional delivery metadata.
	Metadata map[string]interface{}
}

// LogDelivery logs a consumed broker message.
func LogDelivery(logger *slog.Logger, d *Delivery) {
	attrs := []any{
		EventKey, "delivery_received",
		"queue", d.Queue,
		RoutingKeyKey, d.RoutingKey,
	}

	if d.MessageID != "" {
		attrs = append(attrs, "message_id", d.MessageID)
	}

	if d.Redelivered {
		attrs = append(attrs, "redelivered", true)
	}

	for k, v := range d.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Debug("delivery received", attrs...)
}

// LogDeliveryResult logs the outcome of handling a consumed message.
func LogDeliveryResult(logger *slog.Logger, d *Delivery, err error, duration time.Duration) {
	attrs := []any{
		EventKey, "delivery_handled",
		"queue", d.Queue,
		RoutingKeyKey, d.RoutingKey,
		DurationKey, duration.Milliseconds(),
	}

	if d.MessageID != "" {
		attrs = append(attrs, "message_id", d.MessageID)
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		logger.Error("delivery failed", attrs...)
		return
	}

	logger.Debug("delivery handled", attrs...)
}

// DeliveryMiddleware wraps a message handler with logging.
type DeliveryMiddleware struct {
	logger *slog.Logger
}

// NewDeliveryMiddleware creates a new delivery logging middleware.
func NewDeliveryMiddleware(logger *slog.Logger) *DeliveryMiddleware {
	return &DeliveryMiddleware{logger: logger}
}

// Handle wraps a function that processes a consumed message.
// It logs the delivery when it arrives and the result when handling completes.
func (m *DeliveryMiddleware) Handle(d *Delivery, handler func() error) error {
	start := time.Now()

	LogDelivery(m.logger, d)

	err := handler()

	LogDeliveryResult(m.logger, d, err, time.Since(start))

	return err
}
