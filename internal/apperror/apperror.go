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

// Package apperror defines the closed error taxonomy shared by the control
// plane and the runner agent, together with its HTTP status mapping.
//
// Business code returns *Error values; the HTTP edge converts them with
// Status and FromError. Database, config and internal errors never expose
// their underlying message to clients.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one member of the closed error taxonomy.
type Kind int

const (
	// KindInternal covers database, config and other unrecoverable errors.
	KindInternal Kind = iota
	// KindUnauthorized means missing or invalid credentials.
	KindUnauthorized
	// KindForbidden means the caller lacks permission for a write.
	KindForbidden
	// KindNotFound covers both missing resources and denied reads.
	KindNotFound
	// KindValidation means the request was malformed or semantically invalid.
	KindValidation
	// KindConflict means the write lost an optimistic-concurrency race.
	KindConflict
	// KindRateLimited means the per-IP sliding window rejected the request.
	KindRateLimited
	// KindTimeout means a bounded operation exceeded its deadline.
	KindTimeout
	// KindConcurrencyRejected means a Reject-strategy permit acquisition failed.
	KindConcurrencyRejected
	// KindConcurrencyQueueFull means the admission queue is at capacity.
	KindConcurrencyQueueFull
	// KindConcurrencyTimeout means a Wait-strategy acquisition timed out.
	KindConcurrencyTimeout
	// KindSSH covers connection, auth and exec failures on the SSH channel.
	KindSSH
	// KindNoRunnerAvailable means the scheduler found zero candidates.
	KindNoRunnerAvailable
	// KindUnavailable means a dependency (broker, database) is unreachable.
	KindUnavailable
)

// Error is a typed domain error. Message is safe to show to clients for the
// kinds whose taxonomy row says so; Err holds the internal cause for logs.
type Error struct {
	Kind     Kind
	Message  string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

// Unwrap returns the wrapped cause so errors.Is/As see through *Error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality, so errors.Is(err, apperror.NotFound("")) works
// against any not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind with an internal cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Unauthorized returns a 401 error. The message shown to clients is generic.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "authentication required"
	}
	return &Error{Kind: KindUnauthorized, Message: message}
}

// Forbidden returns a 403 error.
func Forbidden(message string) *Error {
	if message == "" {
		message = "permission denied"
	}
	return &Error{Kind: KindForbidden, Message: message}
}

// NotFound returns a 404 error naming only the resource type. It is also
// used for denied reads so clients cannot probe for existence.
func NotFound(resource string) *Error {
	msg := "not found"
	if resource != "" {
		msg = resource + " not found"
	}
	return &Error{Kind: KindNotFound, Message: msg, Resource: resource}
}

// Validation returns a 400 error with a safe echo of the problem.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf returns a 400 error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a 409 error, used for optimistic-lock version mismatches.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// RateLimited returns a 429 error.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
}

// Timeout returns a 408 error naming the operation.
func Timeout(operation string) *Error {
	return &Error{Kind: KindTimeout, Message: operation + " timed out", Resource: operation}
}

// ConcurrencyRejected returns a 429 error labeled with the rejecting scope.
func ConcurrencyRejected(scope string) *Error {
	return &Error{
		Kind:     KindConcurrencyRejected,
		Message:  "concurrency limit reached at " + scope + " scope",
		Resource: scope,
	}
}

// ConcurrencyQueueFull returns a 503 error.
func ConcurrencyQueueFull() *Error {
	return &Error{Kind: KindConcurrencyQueueFull, Message: "admission queue full"}
}

// ConcurrencyTimeout returns a 504 error labeled with the blocking scope.
func ConcurrencyTimeout(scope string) *Error {
	return &Error{
		Kind:     KindConcurrencyTimeout,
		Message:  "timed out waiting for " + scope + " permit",
		Resource: scope,
	}
}

// SSH wraps an SSH-channel failure. The client sees a generic message; the
// cause goes to logs and the task result.
func SSH(stage string, err error) *Error {
	return &Error{Kind: KindSSH, Message: "remote execution failed", Resource: stage, Err: err}
}

// NoRunnerAvailable returns a 503 error naming the build type so callers can
// distinguish "no capacity" from a generic outage.
func NoRunnerAvailable(buildType string) *Error {
	return &Error{
		Kind:     KindNoRunnerAvailable,
		Message:  "no runner available for build type " + buildType,
		Resource: buildType,
	}
}

// Unavailable returns a 503 error for an unreachable dependency.
func Unavailable(dependency string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: dependency + " unavailable", Resource: dependency, Err: err}
}

// Internal wraps an unrecoverable error. Clients see a generic message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// Status maps an error to its HTTP status code. Unknown errors map to 500.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited, KindConcurrencyRejected:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindConcurrencyQueueFull, KindNoRunnerAvailable, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindConcurrencyTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to surface to clients. Internal and
// SSH errors are reduced to their generic message regardless of the cause.
func ClientMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindInternal, KindSSH, KindUnavailable:
		if e.Message != "" {
			return e.Message
		}
		return "internal error"
	default:
		return e.Message
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
