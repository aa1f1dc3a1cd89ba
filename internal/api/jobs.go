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

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/job"
	"github.com/opsforge/opsforge/internal/metrics"
	"github.com/opsforge/opsforge/internal/ratelimit"
	"github.com/opsforge/opsforge/internal/store"
)

func (s *Server) clientIP(r *http.Request) string {
	return ratelimit.ClientIP(r, s.cfg.Security.TrustProxy)
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	var req job.CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	j, err := s.jobs.CreateCommand(r.Context(), subject, req, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordJobCreated(j.Kind)
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	var req job.ScriptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	j, err := s.jobs.CreateScript(r.Context(), subject, req, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordJobCreated(j.Kind)
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	var req job.TemplateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	j, err := s.jobs.CreateFromTemplate(r.Context(), subject, req, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordJobCreated(j.Kind)
	writeJSON(w, http.StatusCreated, j)
}

// handleBuildWebhook accepts build submissions from CI integrations. The
// route is guarded by the runner API key; the build runs as the system
// user.
func (s *Server) handleBuildWebhook(w http.ResponseWriter, r *http.Request) {
	var req job.BuildRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	j, err := s.jobs.CreateBuild(r.Context(), store.SystemUserID, req, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordJobCreated(j.Kind)
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	q := r.URL.Query()
	f := store.JobFilter{
		Status: q.Get("status"),
		Kind:   q.Get("kind"),
	}
	f.Limit, f.Offset = pagination(r)
	if v := q.Get("created_by"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, apperror.Validation("invalid created_by"))
			return
		}
		f.CreatedBy = &id
	}

	jobs, err := s.jobs.List(r.Context(), subject, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

type jobResponse struct {
	*store.Job
	Stats *job.Stats `json:"stats,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	j, stats, err := s.jobs.Get(r.Context(), subject, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: j, Stats: stats})
}

func (s *Server) handleJobStatistics(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, stats, err := s.jobs.Get(r.Context(), subject, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.jobs.Tasks(r.Context(), subject, id, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*job.TaskView{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := s.jobs.Cancel(r.Context(), subject, id, req.Reason, s.clientIP(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var opts job.RetryOptions
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeError(w, r, err)
			return
		}
	}
	j, err := s.jobs.Retry(r.Context(), subject, id, opts, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordJobCreated(j.Kind)
	writeJSON(w, http.StatusCreated, j)
}

// handleJobEvents streams a job's status and output over SSE. The scope
// check reuses Get so a denied job looks missing here too.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, _, err := s.jobs.Get(r.Context(), subject, id); err != nil {
		writeError(w, r, err)
		return
	}

	topic := events.JobTopic(id)
	sub := s.bus.Subscribe(topic)
	metrics.AddSSESubscriber("job", 1)
	defer metrics.AddSSESubscriber("job", -1)
	events.ServeSSE(w, r, sub)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	// the job read enforces scope and anti-enumeration
	if _, _, err := s.jobs.Get(r.Context(), subject, id); err != nil {
		writeError(w, r, err)
		return
	}
	artifacts, err := s.artifacts.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []*store.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// handleArtifactDownload answers with a presigned or resolved URL rather
// than proxying bytes through the control plane.
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.artifacts.GetArtifact(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, _, err := s.jobs.Get(r.Context(), subject, a.JobID); err != nil {
		writeError(w, r, err)
		return
	}

	url, err := s.storage.PresignedURL(r.Context(), a.Path, a.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "artifact.download", "artifact", a.ID.String(), "success",
		map[string]any{"job_id": a.JobID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
