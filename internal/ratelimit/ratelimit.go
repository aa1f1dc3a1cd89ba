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

// Package ratelimit is a per-IP sliding-window limiter. Two independent
// instances cover general traffic and login attempts.
package ratelimit

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Tracked-IP bounds for the background trimmer.
const (
	maxTrackedIPs = 10000
	evictBatch    = 5000
)

// Limiter admits requests per client IP within a sliding window.
type Limiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	windows map[string]*ipWindow
}

type ipWindow struct {
	times    []time.Time
	lastSeen time.Time
}

// New creates a limiter admitting maxRequests per window per IP.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		windows:     make(map[string]*ipWindow),
	}
}

// Allow records a request for ip and reports whether it is admitted. The
// request that overflows the window is not recorded, so a rejected burst
// does not extend the penalty.
func (l *Limiter) Allow(ip string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[ip]
	if !ok {
		w = &ipWindow{}
		l.windows[ip] = w
		if len(l.windows) > maxTrackedIPs {
			l.evictOldest()
		}
	}
	w.lastSeen = now

	// drop timestamps that fell out of the window
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = keep

	if len(w.times) >= l.maxRequests {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// evictOldest removes the least recently seen half of the tracked IPs.
// Caller holds the lock.
func (l *Limiter) evictOldest() {
	type entry struct {
		ip       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.windows))
	for ip, w := range l.windows {
		entries = append(entries, entry{ip, w.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})

	n := evictBatch
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		delete(l.windows, e.ip)
	}
}

// TrackedIPs reports how many IPs currently hold a window.
func (l *Limiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Trim drops IPs whose whole window has expired. Run it periodically.
func (l *Limiter) Trim() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, w := range l.windows {
		if w.lastSeen.Before(cutoff) {
			delete(l.windows, ip)
		}
	}
}

// proxyHeaders in trust order. X-Forwarded-For takes its first
// comma-separated token.
var proxyHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"X-Original-Forwarded-For",
}

// ClientIP extracts the caller address. With trustProxy the forwarding
// headers are consulted in order before the transport peer; loopback is the
// last resort.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, h := range proxyHeaders {
			v := strings.TrimSpace(r.Header.Get(h))
			if v == "" {
				continue
			}
			if h == "X-Forwarded-For" {
				first, _, _ := strings.Cut(v, ",")
				v = strings.TrimSpace(first)
			}
			if net.ParseIP(v) != nil {
				return v
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}
	return "127.0.0.1"
}
