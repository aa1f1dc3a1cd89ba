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

package approval

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/store"
)

// Trigger names. Evaluation is disjunctive: any match gates the job.
const (
	TriggerProductionEnvironment = "production_environment"
	TriggerCriticalGroup         = "critical_group"
	TriggerHighRiskCommand       = "high_risk_command"
	TriggerTargetCountThreshold  = "target_count_threshold"
	TriggerCustomRule            = "custom_rule"
)

// DefaultTargetThreshold is the target-host count at and above which a job
// requires approval.
const DefaultTargetThreshold = 10

// highRiskPatterns match commands destructive enough to always gate.
var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)\btruncate\s+table\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/\S*`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// Draft is what the job service hands over for gating evaluation, built
// before the job row exists.
type Draft struct {
	JobID        *uuid.UUID
	Title        string
	Command      string
	Environment  string
	TargetGroups []*store.AssetGroup
	TargetCount  int

	// CustomRules are caller-supplied regexes matched against the command.
	CustomRules []string

	RequestedBy       uuid.UUID
	RequiredApprovers int
	TimeoutMins       int
}

// EvaluateTriggers returns the matching trigger names for a draft. An empty
// result means the job runs ungated.
func EvaluateTriggers(d Draft) []string {
	var triggers []string

	if d.Environment == "production" {
		triggers = append(triggers, TriggerProductionEnvironment)
	}
	for _, g := range d.TargetGroups {
		if g != nil && g.IsCritical {
			triggers = append(triggers, TriggerCriticalGroup)
			break
		}
	}
	if d.Command != "" && isHighRisk(d.Command) {
		triggers = append(triggers, TriggerHighRiskCommand)
	}
	if d.TargetCount >= DefaultTargetThreshold {
		triggers = append(triggers, TriggerTargetCountThreshold)
	}
	for _, rule := range d.CustomRules {
		re, err := regexp.Compile(rule)
		if err != nil {
			continue
		}
		if re.MatchString(d.Command) {
			triggers = append(triggers, TriggerCustomRule)
			break
		}
	}
	return triggers
}

func isHighRisk(command string) bool {
	for _, re := range highRiskPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
