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
	"strconv"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/authz"
	"github.com/opsforge/opsforge/internal/store"
)

// pathUUID parses the {id} path segment.
func pathUUID(r *http.Request, segment string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(segment))
	if err != nil {
		return uuid.Nil, apperror.Validation("invalid id")
	}
	return id, nil
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	filter := authz.FilterByScope(subject, "asset", "read", authz.ScopeGroup)

	var only []uuid.UUID
	if !filter.All {
		for _, v := range filter.Values {
			if id, err := uuid.Parse(v); err == nil {
				only = append(only, id)
			}
		}
		if len(only) == 0 {
			writeJSON(w, http.StatusOK, []*store.AssetGroup{})
			return
		}
	}

	groups, err := s.assets.ListAssetGroups(r.Context(), only)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []*store.AssetGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsCritical  bool   `json:"is_critical"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if err := authz.RequireWrite(subject, "asset", "write", nil); err != nil {
		writeError(w, r, err)
		return
	}
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, apperror.Validation("group name is required"))
		return
	}

	g := &store.AssetGroup{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		IsCritical:  req.IsCritical,
	}
	if err := s.assets.CreateAssetGroup(r.Context(), g); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "asset.group.create", "asset_group", g.ID.String(), "success", nil)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.assets.GetAssetGroup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope := authz.Scope{Type: authz.ScopeGroup, Value: g.ID.String()}
	if err := authz.RequireRead(subject, "asset", "read", &scope, "asset group"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if err := authz.RequireWrite(subject, "asset", "write", nil); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, apperror.Validation("group name is required"))
		return
	}

	g := &store.AssetGroup{ID: id, Name: req.Name, Description: req.Description, IsCritical: req.IsCritical}
	if err := s.assets.UpdateAssetGroup(r.Context(), g); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "asset.group.update", "asset_group", id.String(), "success", nil)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	if err := authz.RequireWrite(subject, "asset", "write", nil); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.assets.DeleteAssetGroup(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "asset.group.delete", "asset_group", id.String(), "success", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())

	f := store.HostFilter{Environment: r.URL.Query().Get("environment")}
	if g := r.URL.Query().Get("group_id"); g != "" {
		id, err := uuid.Parse(g)
		if err != nil {
			writeError(w, r, apperror.Validation("invalid group_id"))
			return
		}
		f.GroupID = &id
	}
	f.Limit, f.Offset = pagination(r)

	filter := authz.FilterByScope(subject, "asset", "read", authz.ScopeEnvironment)
	if !filter.All {
		if f.Environment != "" && !filter.Contains(f.Environment) {
			writeJSON(w, http.StatusOK, []*store.Host{})
			return
		}
		if f.Environment == "" {
			f.Environments = filter.Values
			if len(f.Environments) == 0 {
				writeJSON(w, http.StatusOK, []*store.Host{})
				return
			}
		}
	}

	hosts, err := s.assets.ListHosts(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hosts == nil {
		hosts = []*store.Host{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

type hostRequest struct {
	GroupID       uuid.UUID `json:"group_id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Environment   string    `json:"environment"`
	SSHUser       string    `json:"ssh_user"`
	SSHCredential string    `json:"ssh_credential"`
	HostKeyPolicy string    `json:"host_key_policy"`
	Version       int64     `json:"version"`
}

func (req *hostRequest) validate() error {
	switch {
	case req.Name == "":
		return apperror.Validation("host name is required")
	case req.Address == "":
		return apperror.Validation("host address is required")
	case req.Environment == "":
		return apperror.Validation("host environment is required")
	case req.GroupID == uuid.Nil:
		return apperror.Validation("group_id is required")
	}
	switch req.HostKeyPolicy {
	case "", store.HostKeyStrict, store.HostKeyAccept, store.HostKeyDisabled:
	default:
		return apperror.Validation("invalid host_key_policy")
	}
	return nil
}

func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	var req hostRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	scope := authz.Scope{Type: authz.ScopeEnvironment, Value: req.Environment}
	if err := authz.RequireWrite(subject, "asset", "write", &scope); err != nil {
		writeError(w, r, err)
		return
	}

	if req.Port == 0 {
		req.Port = 22
	}
	h := &store.Host{
		ID:            uuid.New(),
		GroupID:       req.GroupID,
		Name:          req.Name,
		Address:       req.Address,
		Port:          req.Port,
		Environment:   req.Environment,
		SSHUser:       req.SSHUser,
		SSHCredential: req.SSHCredential,
		HostKeyPolicy: req.HostKeyPolicy,
	}
	if err := s.assets.CreateHost(r.Context(), h); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "asset.host.create", "host", h.ID.String(), "success",
		map[string]any{"environment": h.Environment})
	writeJSON(w, http.StatusCreated, h)
}

// handleGetHost reads a host. A host outside the caller's environment
// scope yields the same 404 as a missing one.
func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.assets.GetHost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope := authz.Scope{Type: authz.ScopeEnvironment, Value: h.Environment}
	if err := authz.RequireRead(subject, "asset", "read", &scope, "host"); err != nil {
		s.record(r, &subject, "asset.host.read", "host", id.String(), "denied", nil)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleUpdateHost rewrites a host under optimistic locking; the body's
// version must match the stored row or the update fails.
func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req hostRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Version <= 0 {
		writeError(w, r, apperror.Validation("version is required"))
		return
	}

	existing, err := s.assets.GetHost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// the caller needs write on both the old and the new environment
	for _, env := range []string{existing.Environment, req.Environment} {
		scope := authz.Scope{Type: authz.ScopeEnvironment, Value: env}
		if err := authz.RequireWrite(subject, "asset", "write", &scope); err != nil {
			writeError(w, r, err)
			return
		}
	}

	h := &store.Host{
		ID:            id,
		GroupID:       req.GroupID,
		Name:          req.Name,
		Address:       req.Address,
		Port:          req.Port,
		Environment:   req.Environment,
		SSHUser:       req.SSHUser,
		SSHCredential: req.SSHCredential,
		HostKeyPolicy: req.HostKeyPolicy,
	}
	if err := s.assets.UpdateHost(r.Context(), h, req.Version); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "asset.host.update", "host", id.String(), "success", nil)
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	subject, _ := subjectFrom(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.assets.GetHost(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope := authz.Scope{Type: authz.ScopeEnvironment, Value: h.Environment}
	if err := authz.RequireWrite(subject, "asset", "write", &scope); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.assets.DeleteHost(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, &subject, "asset.host.delete", "host", id.String(), "success", nil)
	w.WriteHeader(http.StatusNoContent)
}

// pagination reads limit/offset query parameters with sane bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
