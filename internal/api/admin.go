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
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

// runnerSummary is the fleet view: row fields plus derived load.
type runnerSummary struct {
	*store.Runner
	LoadPercent float64 `json:"load_percent"`
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "runner", "read", nil) {
		writeError(w, r, apperror.Forbidden("runner access denied"))
		return
	}
	runners, err := s.fleet.ListRunners(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]runnerSummary, 0, len(runners))
	for _, runner := range runners {
		out = append(out, runnerSummary{Runner: runner, LoadPercent: runner.LoadPercent()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "runner", "read", nil) {
		writeError(w, r, apperror.Forbidden("runner access denied"))
		return
	}
	configs, err := s.fleet.ListDockerConfigs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if configs == nil {
		configs = []*store.RunnerDockerConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

type configUpdateRequest struct {
	Key          string                `json:"key,omitempty"`
	Config       protocol.DockerConfig `json:"config"`
	ChangeReason string                `json:"change_reason"`
}

// handleUpdateConfig writes one layer of the docker config. The level is
// the path segment; capability and runner levels need a key.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if err := authz.RequireWrite(subject, "runner", "write", nil); err != nil {
		writeError(w, r, err)
		return
	}
	var req configUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	level := r.PathValue("level")
	updated, err := s.configs.Update(r.Context(), level, req.Key, req.Config,
		req.ChangeReason, &subject.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "runner.config.update", "runner_docker_config", updated.ID.String(),
		"success", map[string]any{"level": level, "key": req.Key, "reason": req.ChangeReason})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleConfigHistory(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "runner", "read", nil) {
		writeError(w, r, apperror.Forbidden("runner access denied"))
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, _ := pagination(r)
	history, err := s.configs.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*store.RunnerConfigHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleQueryAudit filters the audit trail. Reading audit data is itself
// a privileged operation.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "audit", "read", nil) {
		writeError(w, r, apperror.Forbidden("audit access denied"))
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		ActionPrefix: q.Get("action"),
		Result:       q.Get("result"),
		TraceID:      q.Get("trace_id"),
	}
	f.Limit, f.Offset = pagination(r)
	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, apperror.Validation("invalid user_id"))
			return
		}
		f.UserID = &id
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, apperror.Validation("invalid since timestamp"))
			return
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, apperror.Validation("invalid until timestamp"))
			return
		}
		f.Until = &t
	}

	entries, err := s.auditQuery.QueryAuditLogs(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConcurrencyStats(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "job", "read", nil) {
		writeError(w, r, apperror.Forbidden("job access denied"))
		return
	}
	writeJSON(w, http.StatusOK, s.admission.GetStats())
}
