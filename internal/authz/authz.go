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

// Package authz implements the role-binding scope engine. A binding ties a
// role's (resource, action) permissions to a scope of type global, group, or
// environment; denied reads surface as not-found so callers cannot probe for
// resource existence.
package authz

import (
	"sort"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
)

// ScopeType is the breadth of a role binding.
type ScopeType string

const (
	ScopeGlobal      ScopeType = "global"
	ScopeGroup       ScopeType = "group"
	ScopeEnvironment ScopeType = "environment"
)

// Wildcard grants any resource or action in a permission.
const Wildcard = "*"

// Scope is where a binding applies. Value is empty for global, a group UUID
// for group, an environment name for environment.
type Scope struct {
	Type  ScopeType `json:"type"`
	Value string    `json:"value,omitempty"`
}

// GlobalScope is the scope matching every request.
func GlobalScope() Scope { return Scope{Type: ScopeGlobal} }

// Validate enforces the scope shape invariant.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeGlobal:
		if s.Value != "" {
			return apperror.Validation("global scope must not carry a value")
		}
	case ScopeGroup:
		if _, err := uuid.Parse(s.Value); err != nil {
			return apperror.Validation("group scope value must be a group id")
		}
	case ScopeEnvironment:
		if s.Value == "" {
			return apperror.Validation("environment scope requires an environment name")
		}
	default:
		return apperror.Validationf("unknown scope type %q", s.Type)
	}
	return nil
}

// Satisfies reports whether a binding at scope s covers the required scope.
// Global covers everything; group and environment scopes cover only an exact
// match on their value.
func (s Scope) Satisfies(required Scope) bool {
	if s.Type == ScopeGlobal {
		return true
	}
	return s.Type == required.Type && s.Value == required.Value
}

// Permission is one (resource, action) grant, either side may be a wildcard.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Allows reports whether this permission covers (resource, action).
func (p Permission) Allows(resource, action string) bool {
	return (p.Resource == Wildcard || p.Resource == resource) &&
		(p.Action == Wildcard || p.Action == action)
}

// Binding is a user's role at a scope.
type Binding struct {
	RoleName    string       `json:"role_name"`
	Permissions []Permission `json:"permissions"`
	Scope       Scope        `json:"scope"`
}

// Subject is the authorization view of a caller.
type Subject struct {
	UserID   uuid.UUID
	Username string
	IsAdmin  bool
	Bindings []Binding
}

// Check reports whether the subject may perform (resource, action) at the
// required scope. Admins hold an implicit global *:* grant. A nil required
// scope means any binding granting the permission suffices.
func Check(subject Subject, resource, action string, required *Scope) bool {
	if subject.IsAdmin {
		return true
	}
	for _, b := range subject.Bindings {
		granted := false
		for _, p := range b.Permissions {
			if p.Allows(resource, action) {
				granted = true
				break
			}
		}
		if !granted {
			continue
		}
		if required == nil || b.Scope.Satisfies(*required) {
			return true
		}
	}
	return false
}

// Filter is the result of FilterByScope: either unrestricted access or the
// enumerated set of scope values visible to the subject.
type Filter struct {
	All    bool
	Values []string
}

// Contains reports whether a value passes the filter.
func (f Filter) Contains(value string) bool {
	if f.All {
		return true
	}
	for _, v := range f.Values {
		if v == value {
			return true
		}
	}
	return false
}

// FilterByScope computes the scope values of the given type the subject may
// list for (resource, action). A global binding with the permission grants
// everything. Values come back sorted and deduplicated.
func FilterByScope(subject Subject, resource, action string, scopeType ScopeType) Filter {
	if subject.IsAdmin {
		return Filter{All: true}
	}

	seen := make(map[string]struct{})
	for _, b := range subject.Bindings {
		granted := false
		for _, p := range b.Permissions {
			if p.Allows(resource, action) {
				granted = true
				break
			}
		}
		if !granted {
			continue
		}
		if b.Scope.Type == ScopeGlobal {
			return Filter{All: true}
		}
		if b.Scope.Type == scopeType {
			seen[b.Scope.Value] = struct{}{}
		}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return Filter{Values: values}
}

// RequireRead wraps a read-path scope check: a denial returns the same
// not-found error as a missing resource, so callers cannot enumerate.
func RequireRead(subject Subject, resource, action string, required *Scope, resourceName string) error {
	if Check(subject, resource, action, required) {
		return nil
	}
	return apperror.NotFound(resourceName)
}

// RequireWrite wraps a write-path scope check with an explicit 403.
func RequireWrite(subject Subject, resource, action string, required *Scope) error {
	if Check(subject, resource, action, required) {
		return nil
	}
	return apperror.Forbidden("insufficient permissions")
}
