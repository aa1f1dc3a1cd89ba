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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/opsforge/opsforge/internal/apperror"
)

// errorBody is the error envelope on every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("writing JSON response", "error", err)
	}
}

// writeError converts a typed error into the envelope. Internal details
// never reach the client; ClientMessage already strips them.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperror.Status(err)
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      status,
		Message:   apperror.ClientMessage(err),
		RequestID: requestIDFrom(r.Context()),
	}})
}

// decodeBody decodes a JSON request body, rejecting unparsable input.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.Validation("invalid request body")
	}
	return nil
}
