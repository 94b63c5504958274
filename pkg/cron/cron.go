// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cron evaluates 5-field cron expressions against wall-clock
// minutes. The dialect is deliberately small: literals, "*", comma lists,
// and "*/N" steps. Ranges and macros are not supported; an expression the
// matcher does not understand simply never matches, so a typo in a campaign
// schedule cannot fire at unexpected times.
package cron

import (
	"strconv"
	"strings"
	"time"
)

// Matches evaluates a 5-field cron expression against a time.
// Field order: minute hour day-of-month month day-of-week (0=Sunday).
func Matches(expr string, t time.Time) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}

	checks := []struct {
		field string
		value int
	}{
		{fields[0], t.Minute()},
		{fields[1], t.Hour()},
		{fields[2], t.Day()},
		{fields[3], int(t.Month())},
		{fields[4], int(t.Weekday())},
	}

	for _, c := range checks {
		if !fieldMatches(c.field, c.value) {
			return false
		}
	}
	return true
}

// fieldMatches checks a single cron field against a time component.
func fieldMatches(field string, value int) bool {
	if field == "*" {
		return true
	}

	// Step: */N matches when the component is divisible by N.
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return false
		}
		return value%n == 0
	}

	// Comma list of literals.
	if strings.Contains(field, ",") {
		for _, part := range strings.Split(field, ",") {
			n, err := strconv.Atoi(part)
			if err != nil {
				return false
			}
			if n == value {
				return true
			}
		}
		return false
	}

	n, err := strconv.Atoi(field)
	if err != nil {
		return false
	}
	return n == value
}
