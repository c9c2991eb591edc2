// Copyright 2024 Alexandre Mahdhaoui
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

package ssh

import (
	"context"
	"strings"
)

// Runner defines the interface for executing commands on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error)
}

// Operators are passed to the remote shell unquoted.
var operators = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	">":  {},
	">>": {},
	"&":  {},
}

// FormatCmd joins cmd into a single POSIX shell command line. Every argument
// except shell operators is single-quoted.
func FormatCmd(cmd ...string) string {
	parts := make([]string, 0, len(cmd))
	for _, s := range cmd {
		if _, ok := operators[s]; ok {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, Quote(s))
	}
	return strings.Join(parts, " ")
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:@,+%", r)
}
