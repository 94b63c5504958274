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

// Package collector persists campaign results and the global kill switch
// through the gateway's secret-store tools.
//
// Layout in the secret store:
//
//	<prefix>/latest         last result for a campaign (authoritative)
//	<prefix>/runs/<run-id>  historical results
//	campaigns/global-kill   "true" halts all runs
//
// where <prefix> is the campaign's configured setecKey, defaulting to
// campaigns/<id>.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/gateway"
)

// Secret-store tool names exposed by the gateway.
const (
	toolSecretGet = "juggler_setec_get"
	toolSecretPut = "juggler_setec_put"
)

// KillSwitchKey is the secret holding the global kill switch.
const KillSwitchKey = "campaigns/global-kill"

// Collector reads and writes durable campaign state via the gateway.
type Collector struct {
	gw gateway.Client
}

// New creates a collector backed by the given gateway client.
func New(gw gateway.Client) *Collector {
	return &Collector{gw: gw}
}

// StoreResult persists a result at <prefix>/latest and <prefix>/runs/<run-id>.
// The /latest write is the authoritative record and its failure is returned;
// the history write is best-effort.
func (c *Collector) StoreResult(ctx context.Context, camp *campaign.Campaign, result *campaign.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	prefix := camp.ResultKeyPrefix()
	latestKey := prefix + "/latest"
	if _, err := c.gw.CallTool(ctx, toolSecretPut, map[string]any{
		"name":  latestKey,
		"value": string(data),
	}); err != nil {
		return fmt.Errorf("store %s: %w", latestKey, err)
	}
	slog.Info("Stored campaign result", "campaign", camp.ID, "key", latestKey, "status", result.Status)

	historyKey := fmt.Sprintf("%s/runs/%s", prefix, result.RunID)
	if _, err := c.gw.CallTool(ctx, toolSecretPut, map[string]any{
		"name":  historyKey,
		"value": string(data),
	}); err != nil {
		slog.Warn("History store failed", "campaign", camp.ID, "key", historyKey, "error", err)
	}
	return nil
}

// PreviousFindings returns the findings from the campaign's last stored
// result, or nil when there is no previous result or it cannot be parsed.
func (c *Collector) PreviousFindings(ctx context.Context, camp *campaign.Campaign) []campaign.Finding {
	key := camp.ResultKeyPrefix() + "/latest"
	value, err := c.gw.CallTool(ctx, toolSecretGet, map[string]any{"name": key})
	if err != nil {
		return nil
	}

	var prev campaign.Result
	if err := json.Unmarshal([]byte(value), &prev); err != nil {
		return nil
	}
	return prev.Findings
}

// CheckKillSwitch reports whether the global kill switch is active. A
// missing key or any read failure counts as inactive so a broken secret
// store cannot halt campaigns on its own.
func (c *Collector) CheckKillSwitch(ctx context.Context) bool {
	value, err := c.gw.CallTool(ctx, toolSecretGet, map[string]any{"name": KillSwitchKey})
	if err != nil {
		return false
	}
	return value == "true"
}

// ClearKillSwitch resets the global kill switch.
func (c *Collector) ClearKillSwitch(ctx context.Context) error {
	if _, err := c.gw.CallTool(ctx, toolSecretPut, map[string]any{
		"name":  KillSwitchKey,
		"value": "false",
	}); err != nil {
		return fmt.Errorf("clear kill switch: %w", err)
	}
	return nil
}
