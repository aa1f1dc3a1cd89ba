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
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HeartbeatInterval is how often an SSE stream emits a keepalive event.
const HeartbeatInterval = 30 * time.Second

// FormatSSE renders one event as a text/event-stream frame.
func FormatSSE(e Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding sse event: %w", err)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data), nil
}

// ServeSSE streams a subscription to an HTTP response until the client
// disconnects. It owns the subscription and cancels it on return.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription) {
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// disable proxy buffering so events reach the client immediately
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	write := func(e Event) bool {
		frame, err := FormatSSE(e)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !write(Heartbeat()) {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !write(e) {
				return
			}
		}
	}
}
