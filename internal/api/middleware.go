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

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/metrics"
	"github.com/opsforge/opsforge/internal/ratelimit"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyTraceID
	ctxKeySubject
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func traceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyTraceID).(string)
	return id
}

func subjectFrom(ctx context.Context) (authz.Subject, bool) {
	s, ok := ctx.Value(ctxKeySubject).(authz.Subject)
	return s, ok
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE handlers keep streaming.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestID assigns a fresh request id, propagates an inbound trace id,
// and echoes the request id back as a header.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		if trace := r.Header.Get("X-Trace-Id"); trace != "" {
			ctx = context.WithValue(ctx, ctxKeyTraceID, trace)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests emits one completion line per request and feeds the HTTP
// metrics. The route label is the mux pattern, not the raw path, to keep
// metric cardinality bounded.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, route, fmt.Sprintf("%d", rec.status), elapsed.Seconds())
		s.logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

// rateLimit applies a per-IP limiter to the wrapped handler.
func (s *Server) rateLimit(limiter *ratelimit.Limiter, name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ratelimit.ClientIP(r, s.cfg.Security.TrustProxy)
		if !limiter.Allow(ip) {
			metrics.RecordRateLimited(name)
			writeError(w, r, apperror.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the bearer access token and loads the caller's
// authorization subject into the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, apperror.Unauthorized("missing credentials"))
			return
		}
		claims, err := s.tokens.Verify(token, "access")
		if err != nil {
			writeError(w, r, err)
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			writeError(w, r, apperror.Unauthorized("invalid or expired token"))
			return
		}
		subject, err := s.auth.LoadSubject(r.Context(), userID)
		if err != nil {
			writeError(w, r, apperror.Unauthorized("invalid or expired token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySubject, *subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRunnerKey guards runner-facing endpoints with the shared API key,
// accepted as X-Runner-Api-Key or a bearer token.
func (s *Server) requireRunnerKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Security.RunnerAPIKey.Expose()
		got := r.Header.Get("X-Runner-Api-Key")
		if got == "" {
			got = bearerToken(r)
		}
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, r, apperror.Unauthorized("invalid runner key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
