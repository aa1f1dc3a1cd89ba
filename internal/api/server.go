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

// Package api is the control plane's HTTP edge: routing, middleware,
// request decoding and the error envelope. Business rules live in the
// service packages; handlers translate between HTTP and those services.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authn"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/concurrency"
	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/job"
	"github.com/opsforge/opsforge/internal/metrics"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/ratelimit"
	"github.com/opsforge/opsforge/internal/store"
)

type jobService interface {
	CreateCommand(ctx context.Context, subject authz.Subject, req job.CommandRequest, clientIP string) (*store.Job, error)
	CreateScript(ctx context.Context, subject authz.Subject, req job.ScriptRequest, clientIP string) (*store.Job, error)
	CreateFromTemplate(ctx context.Context, subject authz.Subject, req job.TemplateRequest, clientIP string) (*store.Job, error)
	CreateBuild(ctx context.Context, createdBy uuid.UUID, req job.BuildRequest, clientIP string) (*store.Job, error)
	Get(ctx context.Context, subject authz.Subject, id uuid.UUID) (*store.Job, *job.Stats, error)
	List(ctx context.Context, subject authz.Subject, f store.JobFilter) ([]*store.Job, error)
	Tasks(ctx context.Context, subject authz.Subject, jobID uuid.UUID, clientIP string) ([]*job.TaskView, error)
	Cancel(ctx context.Context, subject authz.Subject, jobID uuid.UUID, reason, clientIP string) error
	Retry(ctx context.Context, subject authz.Subject, jobID uuid.UUID, opts job.RetryOptions, clientIP string) (*store.Job, error)
}

type approvalService interface {
	List(ctx context.Context, status string, limit, offset int) ([]*store.ApprovalRequest, error)
	Get(ctx context.Context, requestID uuid.UUID) (*store.ApprovalRequest, []*store.ApprovalRecord, error)
	Approve(ctx context.Context, requestID, approverID uuid.UUID, comment string) (*store.ApprovalRequest, error)
	Reject(ctx context.Context, requestID, approverID uuid.UUID, comment string) (*store.ApprovalRequest, error)
	Cancel(ctx context.Context, requestID, requesterID uuid.UUID) error
}

type runnerConfigService interface {
	Update(ctx context.Context, level, key string, cfg protocol.DockerConfig, changeReason string, changedBy *uuid.UUID) (*store.RunnerDockerConfig, error)
	History(ctx context.Context, configID uuid.UUID, limit int) ([]*store.RunnerConfigHistory, error)
}

type storageService interface {
	PresignedURL(ctx context.Context, artifactPath string, artifactID uuid.UUID) (string, error)
	ResolvePath(artifactPath string) string
	HealthCheck(ctx context.Context) bool
	Type() string
}

// identityStore covers login, sessions and subject loading.
type identityStore interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	RecordLoginFailure(ctx context.Context, id uuid.UUID, lockedUntil *time.Time) error
	RecordLoginSuccess(ctx context.Context, id uuid.UUID) error
	InsertLoginEvent(ctx context.Context, e *store.LoginEvent) error
	InsertRefreshToken(ctx context.Context, t *store.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*store.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldID, newID uuid.UUID) error
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error)
	LoadSubject(ctx context.Context, userID uuid.UUID) (*authz.Subject, error)
}

type assetStore interface {
	CreateAssetGroup(ctx context.Context, g *store.AssetGroup) error
	GetAssetGroup(ctx context.Context, id uuid.UUID) (*store.AssetGroup, error)
	ListAssetGroups(ctx context.Context, onlyIDs []uuid.UUID) ([]*store.AssetGroup, error)
	UpdateAssetGroup(ctx context.Context, g *store.AssetGroup) error
	DeleteAssetGroup(ctx context.Context, id uuid.UUID) error
	CreateHost(ctx context.Context, h *store.Host) error
	GetHost(ctx context.Context, id uuid.UUID) (*store.Host, error)
	ListHosts(ctx context.Context, f store.HostFilter) ([]*store.Host, error)
	UpdateHost(ctx context.Context, h *store.Host, expectedVersion int64) error
	DeleteHost(ctx context.Context, id uuid.UUID) error
}

type fleetStore interface {
	ListRunners(ctx context.Context) ([]*store.Runner, error)
	ListDockerConfigs(ctx context.Context) ([]*store.RunnerDockerConfig, error)
}

type artifactStore interface {
	GetArtifact(ctx context.Context, id uuid.UUID) (*store.Artifact, error)
	ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*store.Artifact, error)
}

type admissionStats interface {
	GetStats() concurrency.Stats
}

// Deps bundles everything the HTTP edge talks to.
type Deps struct {
	Auth       identityStore
	Assets     assetStore
	Fleet      fleetStore
	Artifacts  artifactStore
	Jobs       jobService
	Approvals  approvalService
	Configs    runnerConfigService
	Storage    storageService
	Bus        *events.Bus
	Auditor    *audit.Sink
	AuditQuery audit.Querier
	Tokens     *authn.TokenManager
	Admission  admissionStats

	// Readiness probes.
	DBPing       func(ctx context.Context) error
	BrokerHealth func() bool
}

// Server is the HTTP edge.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	auth       identityStore
	assets     assetStore
	fleet      fleetStore
	artifacts  artifactStore
	jobs       jobService
	approvals  approvalService
	configs    runnerConfigService
	storage    storageService
	bus        *events.Bus
	auditor    *audit.Sink
	auditQuery audit.Querier
	tokens     *authn.TokenManager
	admission  admissionStats

	dbPing       func(ctx context.Context) error
	brokerHealth func() bool

	generalLimiter *ratelimit.Limiter
	loginLimiter   *ratelimit.Limiter

	httpServer *http.Server
}

// New builds the server and its two rate limiters from config.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		auth:       deps.Auth,
		assets:     deps.Assets,
		fleet:      deps.Fleet,
		artifacts:  deps.Artifacts,
		jobs:       deps.Jobs,
		approvals:  deps.Approvals,
		configs:    deps.Configs,
		storage:    deps.Storage,
		bus:        deps.Bus,
		auditor:    deps.Auditor,
		auditQuery: deps.AuditQuery,
		tokens:     deps.Tokens,
		admission:  deps.Admission,

		dbPing:       deps.DBPing,
		brokerHealth: deps.BrokerHealth,

		generalLimiter: ratelimit.New(cfg.RateLimit.GeneralMaxRequests,
			time.Duration(cfg.RateLimit.GeneralWindowSecs)*time.Second),
		loginLimiter: ratelimit.New(cfg.RateLimit.LoginMaxRequests,
			time.Duration(cfg.RateLimit.LoginWindowSecs)*time.Second),
	}
}

// Handler assembles the full route table with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// open endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	// login is rate limited separately and never authenticated
	mux.Handle("POST /api/v1/auth/login",
		s.rateLimit(s.loginLimiter, "login", http.HandlerFunc(s.handleLogin)))
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)

	// runner-facing endpoints carry the shared key, not a user token
	mux.Handle("POST /api/v1/builds/webhook",
		s.requireRunnerKey(http.HandlerFunc(s.handleBuildWebhook)))

	// everything else requires an access token
	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/v1/auth/logout-all", s.handleLogoutAll)
	authed.HandleFunc("GET /api/v1/auth/me", s.handleMe)

	authed.HandleFunc("GET /api/v1/asset/groups", s.handleListGroups)
	authed.HandleFunc("POST /api/v1/asset/groups", s.handleCreateGroup)
	authed.HandleFunc("GET /api/v1/asset/groups/{id}", s.handleGetGroup)
	authed.HandleFunc("PUT /api/v1/asset/groups/{id}", s.handleUpdateGroup)
	authed.HandleFunc("DELETE /api/v1/asset/groups/{id}", s.handleDeleteGroup)

	authed.HandleFunc("GET /api/v1/asset/hosts", s.handleListHosts)
	authed.HandleFunc("POST /api/v1/asset/hosts", s.handleCreateHost)
	authed.HandleFunc("GET /api/v1/asset/hosts/{id}", s.handleGetHost)
	authed.HandleFunc("PUT /api/v1/asset/hosts/{id}", s.handleUpdateHost)
	authed.HandleFunc("DELETE /api/v1/asset/hosts/{id}", s.handleDeleteHost)

	authed.HandleFunc("POST /api/v1/jobs/command", s.handleCreateCommand)
	authed.HandleFunc("POST /api/v1/jobs/script", s.handleCreateScript)
	authed.HandleFunc("POST /api/v1/jobs/template", s.handleCreateFromTemplate)
	authed.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	authed.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	authed.HandleFunc("GET /api/v1/jobs/{id}/tasks", s.handleJobTasks)
	authed.HandleFunc("GET /api/v1/jobs/{id}/statistics", s.handleJobStatistics)
	authed.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	authed.HandleFunc("POST /api/v1/jobs/{id}/retry", s.handleRetryJob)
	authed.HandleFunc("GET /api/v1/jobs/{id}/events", s.handleJobEvents)
	authed.HandleFunc("GET /api/v1/jobs/{id}/artifacts", s.handleListArtifacts)
	authed.HandleFunc("GET /api/v1/artifacts/{id}/download", s.handleArtifactDownload)

	authed.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	authed.HandleFunc("GET /api/v1/approvals/{id}", s.handleGetApproval)
	authed.HandleFunc("POST /api/v1/approvals/{id}/decision", s.handleApprovalDecision)
	authed.HandleFunc("POST /api/v1/approvals/{id}/cancel", s.handleCancelApproval)
	authed.HandleFunc("GET /api/v1/approvals/events", s.handleApprovalEvents)

	authed.HandleFunc("GET /api/v1/runners", s.handleListRunners)
	authed.HandleFunc("GET /api/v1/runner-configs", s.handleListConfigs)
	authed.HandleFunc("PUT /api/v1/runner-configs/{level}", s.handleUpdateConfig)
	authed.HandleFunc("GET /api/v1/runner-configs/{id}/history", s.handleConfigHistory)

	authed.HandleFunc("GET /api/v1/audit", s.handleQueryAudit)
	authed.HandleFunc("GET /api/v1/concurrency/stats", s.handleConcurrencyStats)

	mux.Handle("/api/v1/", s.authenticate(authed))

	var handler http.Handler = mux
	handler = s.rateLimit(s.generalLimiter, "general", handler)
	handler = s.logRequests(handler)
	handler = s.requestID(handler)
	return handler
}

// Run serves until ctx is cancelled, then drains within the configured
// graceful shutdown window.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", "addr", s.cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.Server.GracefulShutdownTimeoutSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// record sends an audit entry without blocking the request path.
func (s *Server) record(r *http.Request, subject *authz.Subject, action, resourceType, resourceID, result string, detail map[string]any) {
	if s.auditor == nil {
		return
	}
	e := audit.Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       result,
		Detail:       detail,
		TraceID:      traceIDFrom(r.Context()),
		ClientIP:     ratelimit.ClientIP(r, s.cfg.Security.TrustProxy),
	}
	if subject != nil {
		e.UserID = &subject.UserID
		e.Username = subject.Username
	}
	s.auditor.Record(e)
}
