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

package job

import "github.com/opsforge/opsforge/internal/store"

// Stats is the per-job task tally.
type Stats struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Timeout     int     `json:"timeout"`
	Cancelled   int     `json:"cancelled"`
	Skipped     int     `json:"skipped"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	SuccessRate float64 `json:"success_rate"`
	IsCompleted bool    `json:"is_completed"`
}

// ComputeStats derives job statistics from per-status task counts.
func ComputeStats(counts map[string]int) Stats {
	s := Stats{
		Succeeded: counts[store.TaskSucceeded],
		Failed:    counts[store.TaskFailed],
		Timeout:   counts[store.TaskTimeout],
		Cancelled: counts[store.TaskCancelled],
		Skipped:   counts[store.TaskSkipped],
		Pending:   counts[store.TaskPending],
		Running:   counts[store.TaskRunning],
	}
	for _, n := range counts {
		s.Total += n
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	s.IsCompleted = s.Pending+s.Running == 0
	return s
}

// JobStatus maps a completed tally onto the job's own status. The worst
// terminal outcome wins: timeout beats failed beats cancelled.
func (s Stats) JobStatus() string {
	if !s.IsCompleted {
		return store.JobRunning
	}
	switch {
	case s.Timeout > 0:
		return store.JobTimeout
	case s.Failed > 0:
		return store.JobFailed
	case s.Cancelled > 0 && s.Succeeded == 0:
		return store.JobCancelled
	default:
		return store.JobSucceeded
	}
}
