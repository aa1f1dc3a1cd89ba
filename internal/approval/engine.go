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

// Package approval gates risky jobs behind a quorum of human decisions.
// A request moves Pending -> {Approved | Rejected | Cancelled | Timeout};
// terminal statuses never revert.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/store"
)

// DefaultTimeoutMins bounds how long a request stays pending.
const DefaultTimeoutMins = 30

// DefaultRequiredApprovers applies when neither the request nor any approval
// group specifies a quorum.
const DefaultRequiredApprovers = 1

// SweepInterval is how often the timeout sweeper runs.
const SweepInterval = time.Minute

type approvalStore interface {
	CreateApprovalRequest(ctx context.Context, a *store.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id uuid.UUID) (*store.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, status string, limit, offset int) ([]*store.ApprovalRequest, error)
	AddApprovalRecord(ctx context.Context, r *store.ApprovalRecord) error
	ListApprovalRecords(ctx context.Context, requestID uuid.UUID) ([]*store.ApprovalRecord, error)
	TransitionApproval(ctx context.Context, id uuid.UUID, from, to string) error
	ExpirePendingApprovals(ctx context.Context) ([]uuid.UUID, error)
	ListApprovalGroups(ctx context.Context) ([]*store.ApprovalGroup, error)
}

// Engine evaluates gating triggers and drives the approval state machine.
// The job service registers callbacks for quorum and terminal outcomes so
// parked jobs get released or closed.
type Engine struct {
	store  approvalStore
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	onApproved func(ctx context.Context, jobID uuid.UUID)
	onClosed   func(ctx context.Context, jobID uuid.UUID, outcome string)
}

// New creates an engine.
func New(s approvalStore, bus *events.Bus, logger *slog.Logger) *Engine {
	return &Engine{store: s, bus: bus, logger: logger, now: time.Now}
}

// SetCallbacks registers the parked-job hooks. Must be called before any
// decision traffic; the engine holds no lock around them.
func (e *Engine) SetCallbacks(
	onApproved func(ctx context.Context, jobID uuid.UUID),
	onClosed func(ctx context.Context, jobID uuid.UUID, outcome string),
) {
	e.onApproved = onApproved
	e.onClosed = onClosed
}

// Gate evaluates the draft's triggers and, when any match, creates a pending
// approval request. A nil request means the job runs ungated.
func (e *Engine) Gate(ctx context.Context, d Draft) (*store.ApprovalRequest, error) {
	triggers := EvaluateTriggers(d)
	if len(triggers) == 0 {
		return nil, nil
	}

	required := d.RequiredApprovers
	if required <= 0 {
		var err error
		required, err = e.quorumFor(ctx, d.Environment)
		if err != nil {
			return nil, err
		}
	}

	timeout := d.TimeoutMins
	if timeout <= 0 {
		timeout = DefaultTimeoutMins
	}
	expires := e.now().Add(time.Duration(timeout) * time.Minute)

	req := &store.ApprovalRequest{
		ID:                uuid.New(),
		JobID:             d.JobID,
		Title:             d.Title,
		Triggers:          triggers,
		RequiredApprovers: required,
		Status:            store.ApprovalPending,
		RequestedBy:       d.RequestedBy,
		ExpiresAt:         &expires,
	}
	if err := e.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Info("approval required",
		"approval_id", req.ID,
		"triggers", triggers,
		"required_approvers", required,
	)
	e.bus.PublishNewApproval(req.ID, req.JobID, req.Title, req.RequestedBy)
	return req, nil
}

// quorumFor picks the required approver count from the best-matching
// approval group. Groups come back priority-descending, creation-ascending;
// the first one covering the environment wins.
func (e *Engine) quorumFor(ctx context.Context, environment string) (int, error) {
	groups, err := e.store.ListApprovalGroups(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if matchesEnvironment(g, environment) {
			return g.RequiredApprovers, nil
		}
	}
	return DefaultRequiredApprovers, nil
}

// matchesEnvironment treats an empty environment list as match-all.
func matchesEnvironment(g *store.ApprovalGroup, environment string) bool {
	if len(g.Environments) == 0 {
		return true
	}
	for _, env := range g.Environments {
		if env == environment {
			return true
		}
	}
	return false
}

// Approve records one approver's decision and, on quorum, flips the request
// to Approved and releases the parked job.
func (e *Engine) Approve(ctx context.Context, requestID, approverID uuid.UUID, comment string) (*store.ApprovalRequest, error) {
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.ApprovalPending {
		return nil, apperror.Conflict("approval request is no longer pending")
	}
	if req.RequestedBy == approverID {
		return nil, apperror.Forbidden("requester cannot approve their own request")
	}

	if err := e.store.AddApprovalRecord(ctx, &store.ApprovalRecord{
		ID:         uuid.New(),
		RequestID:  requestID,
		ApproverID: approverID,
		Decision:   store.ApprovalApproved,
		Comment:    comment,
	}); err != nil {
		return nil, err
	}
	req.CurrentApprovals++

	if req.CurrentApprovals >= req.RequiredApprovers {
		if err := e.store.TransitionApproval(ctx, requestID, store.ApprovalPending, store.ApprovalApproved); err != nil {
			// concurrent decision won; the state machine stays consistent
			if apperror.IsKind(err, apperror.KindConflict) {
				return e.store.GetApprovalRequest(ctx, requestID)
			}
			return nil, err
		}
		req.Status = store.ApprovalApproved
		e.logger.Info("approval quorum reached", "approval_id", requestID)
		e.bus.PublishApprovalStatus(requestID, store.ApprovalPending, store.ApprovalApproved)
		if req.JobID != nil && e.onApproved != nil {
			e.onApproved(ctx, *req.JobID)
		}
	}
	return req, nil
}

// Reject records a rejection; a single reject terminates the request.
func (e *Engine) Reject(ctx context.Context, requestID, approverID uuid.UUID, comment string) (*store.ApprovalRequest, error) {
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.ApprovalPending {
		return nil, apperror.Conflict("approval request is no longer pending")
	}

	if err := e.store.AddApprovalRecord(ctx, &store.ApprovalRecord{
		ID:         uuid.New(),
		RequestID:  requestID,
		ApproverID: approverID,
		Decision:   store.ApprovalRejected,
		Comment:    comment,
	}); err != nil {
		return nil, err
	}
	if err := e.store.TransitionApproval(ctx, requestID, store.ApprovalPending, store.ApprovalRejected); err != nil {
		return nil, err
	}
	req.Status = store.ApprovalRejected

	e.bus.PublishApprovalStatus(requestID, store.ApprovalPending, store.ApprovalRejected)
	if req.JobID != nil && e.onClosed != nil {
		e.onClosed(ctx, *req.JobID, store.ApprovalRejected)
	}
	return req, nil
}

// Cancel is requester-initiated and only valid from Pending.
func (e *Engine) Cancel(ctx context.Context, requestID, requesterID uuid.UUID) error {
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RequestedBy != requesterID {
		return apperror.Forbidden("only the requester may cancel an approval request")
	}
	if err := e.store.TransitionApproval(ctx, requestID, store.ApprovalPending, store.ApprovalCancelled); err != nil {
		return err
	}

	e.bus.PublishApprovalStatus(requestID, store.ApprovalPending, store.ApprovalCancelled)
	if req.JobID != nil && e.onClosed != nil {
		e.onClosed(ctx, *req.JobID, store.ApprovalCancelled)
	}
	return nil
}

// Get returns a request with its decision records.
func (e *Engine) Get(ctx context.Context, requestID uuid.UUID) (*store.ApprovalRequest, []*store.ApprovalRecord, error) {
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	records, err := e.store.ListApprovalRecords(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, records, nil
}

// List returns requests filtered by status.
func (e *Engine) List(ctx context.Context, status string, limit, offset int) ([]*store.ApprovalRequest, error) {
	return e.store.ListApprovalRequests(ctx, status, limit, offset)
}

// SweepTimeouts flips expired pending requests to Timeout and closes their
// parked jobs. Returns how many requests expired.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	ids, err := e.store.ExpirePendingApprovals(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.logger.Info("approval request timed out", "approval_id", id)
		e.bus.PublishApprovalStatus(id, store.ApprovalPending, store.ApprovalTimeout)

		req, err := e.store.GetApprovalRequest(ctx, id)
		if err != nil {
			e.logger.Warn("fetching expired approval", "approval_id", id, "error", err)
			continue
		}
		if req.JobID != nil && e.onClosed != nil {
			e.onClosed(ctx, *req.JobID, store.ApprovalTimeout)
		}
	}
	return len(ids), nil
}

// RunSweeper drives SweepTimeouts until the context ends.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepTimeouts(ctx); err != nil {
				e.logger.Error("approval timeout sweep failed", "error", err)
			}
		}
	}
}
