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

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsforge/opsforge/internal/store"
)

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
		want   Stats
	}{
		{
			name:   "empty job",
			counts: map[string]int{},
			want:   Stats{IsCompleted: true},
		},
		{
			name: "in flight",
			counts: map[string]int{
				store.TaskSucceeded: 2,
				store.TaskRunning:   1,
				store.TaskPending:   1,
			},
			want: Stats{Total: 4, Succeeded: 2, Running: 1, Pending: 1, SuccessRate: 0.5},
		},
		{
			name: "all outcomes",
			counts: map[string]int{
				store.TaskSucceeded: 3,
				store.TaskFailed:    1,
				store.TaskTimeout:   1,
				store.TaskCancelled: 1,
				store.TaskSkipped:   2,
			},
			want: Stats{
				Total: 8, Succeeded: 3, Failed: 1, Timeout: 1, Cancelled: 1,
				Skipped: 2, SuccessRate: 0.375, IsCompleted: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeStats(tt.counts))
		})
	}
}

func TestStatsJobStatus(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
		want   string
	}{
		{"still running", map[string]int{store.TaskRunning: 1}, store.JobRunning},
		{"all succeeded", map[string]int{store.TaskSucceeded: 3}, store.JobSucceeded},
		{"timeout beats failed", map[string]int{store.TaskTimeout: 1, store.TaskFailed: 2}, store.JobTimeout},
		{"failed beats cancelled", map[string]int{store.TaskFailed: 1, store.TaskCancelled: 1}, store.JobFailed},
		{"all cancelled", map[string]int{store.TaskCancelled: 2}, store.JobCancelled},
		{"partial success with cancels", map[string]int{store.TaskSucceeded: 1, store.TaskCancelled: 1}, store.JobSucceeded},
		{"skipped only counts as success", map[string]int{store.TaskSucceeded: 1, store.TaskSkipped: 2}, store.JobSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeStats(tt.counts).JobStatus())
		})
	}
}
