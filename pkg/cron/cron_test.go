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

package cron

import (
	"testing"
	"time"
)

func TestMatches(t *testing.T) {
	// Tuesday 2026-08-25 14:30 UTC.
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"all wildcards", "* * * * *", true},
		{"exact minute and hour", "30 14 * * *", true},
		{"wrong minute", "31 14 * * *", false},
		{"wrong hour", "30 15 * * *", false},
		{"day of month", "30 14 25 * *", true},
		{"wrong day of month", "30 14 26 * *", false},
		{"month", "30 14 * 8 *", true},
		{"day of week tuesday", "30 14 * * 2", true},
		{"wrong day of week", "30 14 * * 3", false},
		{"minute list hit", "0,30 * * * *", true},
		{"minute list miss", "0,15,45 * * * *", false},
		{"step hit", "*/15 * * * *", true},
		{"step miss", "*/7 * * * *", false},
		{"step hour", "30 */2 * * *", true},
		{"too few fields", "30 14 * *", false},
		{"too many fields", "30 14 * * * *", false},
		{"garbage field", "30 14 * * x", false},
		{"range unsupported", "0-30 * * * *", false},
		{"macro unsupported", "@hourly", false},
		{"zero step", "*/0 * * * *", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.expr, at); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestMatchesMidnightSunday(t *testing.T) {
	// Sunday 2026-08-23 00:00 UTC: weekday 0 and zero-valued fields.
	at := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)

	if !Matches("0 0 * * 0", at) {
		t.Error("weekly sunday-midnight schedule did not match")
	}
	if !Matches("*/10 * * * *", at) {
		t.Error("minute 0 should match every step")
	}
}
