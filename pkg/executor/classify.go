/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package executor

import "strings"

// repairPattern pairs a substring found in a lowercased error message with
// the suggestion surfaced to the planner when it matches (spec §7, §9.2).
type repairPattern struct {
	substr     string
	suggestion string
}

// repairPatterns enumerates the auto-repair categories the spec names as
// examples, not an exhaustive list: "no such file", "permission denied",
// "command not found", "timeout", "connection refused", "syntax error",
// "not a directory", "no space left".
var repairPatterns = []repairPattern{
	{"no such file", "verify the path exists before referencing it"},
	{"no such directory", "verify the path exists before referencing it"},
	{"not a directory", "the parent path segment is a file, not a directory"},
	{"permission denied", "retry with elevated privileges or adjust file mode"},
	{"command not found", "install the missing binary or correct the command name"},
	{"connection refused", "confirm the target service is reachable and retry"},
	{"timeout", "increase the step timeout or break the action into smaller steps"},
	{"syntax error", "correct the command syntax and resubmit"},
	{"no space left", "free disk space on the target before retrying"},
}

// fatalPattern marks substrings that are never repairable regardless of
// matching a repairPattern first (out-of-memory / allocator failures, §7).
var fatalPatterns = []string{
	"out of memory",
	"oom",
	"cannot allocate memory",
	"segmentation fault",
}

// Classification is the outcome of classifying an executor error.
type Classification struct {
	Repairable bool
	Suggestion string
}

// Classify inspects an executor error's message and decides whether it is
// step_execution_repairable or step_execution_fatal (spec §7). Unmatched
// errors default to fatal: an unrecognized failure mode gets no repair
// guess.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	msg := strings.ToLower(err.Error())

	for _, f := range fatalPatterns {
		if strings.Contains(msg, f) {
			return Classification{Repairable: false}
		}
	}
	for _, p := range repairPatterns {
		if strings.Contains(msg, p.substr) {
			return Classification{Repairable: true, Suggestion: p.suggestion}
		}
	}
	return Classification{Repairable: false}
}
