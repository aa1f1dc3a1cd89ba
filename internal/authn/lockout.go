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

package authn

import (
	"time"

	"github.com/opsforge/opsforge/internal/config"
)

// IsLockedOut reports whether a user is currently locked out.
func IsLockedOut(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && now.Before(*lockedUntil)
}

// NextLockout computes the lockout expiry after a failed login attempt.
// failedAttempts is the count including the attempt that just failed; it
// returns nil while the account is still under the configured threshold.
func NextLockout(cfg config.SecurityConfig, failedAttempts int, now time.Time) *time.Time {
	if failedAttempts < cfg.MaxLoginAttempts {
		return nil
	}
	until := now.Add(time.Duration(cfg.LoginLockoutDurationSecs) * time.Second)
	return &until
}
