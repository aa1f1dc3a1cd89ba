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

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/metrics"
	"github.com/opsforge/opsforge/internal/store"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "approval", "read", nil) {
		writeError(w, r, apperror.Forbidden("approval access denied"))
		return
	}
	limit, offset := pagination(r)
	requests, err := s.approvals.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if requests == nil {
		requests = []*store.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

type approvalResponse struct {
	*store.ApprovalRequest
	Records []*store.ApprovalRecord `json:"records"`
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := authz.RequireRead(subject, "approval", "read", nil, "approval request"); err != nil {
		writeError(w, r, err)
		return
	}
	request, records, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*store.ApprovalRecord{}
	}
	writeJSON(w, http.StatusOK, approvalResponse{ApprovalRequest: request, Records: records})
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// handleApprovalDecision records an approve or reject vote. The engine
// enforces the self-approval ban and terminal-state immutability.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !authz.Check(subject, "approval", "approve", nil) {
		writeError(w, r, apperror.Forbidden("approval access denied"))
		return
	}
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		request *store.ApprovalRequest
		action  string
	)
	switch req.Decision {
	case "approve":
		action = "approval.approve"
		request, err = s.approvals.Approve(r.Context(), id, subject.UserID, req.Comment)
	case "reject":
		action = "approval.reject"
		request, err = s.approvals.Reject(r.Context(), id, subject.UserID, req.Comment)
	default:
		writeError(w, r, apperror.Validation("decision must be approve or reject"))
		return
	}
	if err != nil {
		s.record(r, &subject, action, "approval_request", id.String(), "denied", nil)
		writeError(w, r, err)
		return
	}

	s.record(r, &subject, action, "approval_request", id.String(), "success",
		map[string]any{"status": request.Status})
	if request.Status != store.ApprovalPending {
		metrics.RecordApprovalResolved(request.Status)
	}
	writeJSON(w, http.StatusOK, request)
}

// handleCancelApproval withdraws a pending request. Only the requester may
// cancel; the engine checks ownership.
func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.approvals.Cancel(r.Context(), id, subject.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "approval.cancel", "approval_request", id.String(), "success", nil)
	metrics.RecordApprovalResolved(store.ApprovalCancelled)
	w.WriteHeader(http.StatusNoContent)
}

// handleApprovalEvents streams new approvals and status changes over SSE.
func (s *Server) handleApprovalEvents(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if !authz.Check(subject, "approval", "read", nil) {
		writeError(w, r, apperror.Forbidden("approval access denied"))
		return
	}
	sub := s.bus.Subscribe(events.TopicApprovals)
	metrics.AddSSESubscriber("approvals", 1)
	defer metrics.AddSSESubscriber("approvals", -1)
	events.ServeSSE(w, r, sub)
}
