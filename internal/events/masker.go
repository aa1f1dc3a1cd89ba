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

package events

import "regexp"

// Credential assignments and emails are masked in task output before it is
// persisted or streamed.
var (
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)passwd\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)pwd\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)api_key\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)token\s*[:=]\s*\S+`),
	}
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
)

// MaskOutput removes credential-looking values and email local parts from
// command output.
func MaskOutput(output string) string {
	masked := output
	for _, re := range secretPatterns {
		masked = re.ReplaceAllString(masked, "****")
	}
	return emailPattern.ReplaceAllString(masked, "***@$1")
}

// MaskError sanitizes an error message the same way as output.
func MaskError(msg string) string {
	return MaskOutput(msg)
}
