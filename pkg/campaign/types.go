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

package campaign

import (
	"fmt"
	"time"
)

// Run statuses recorded on a Result.
const (
	StatusSuccess        = "success"
	StatusFailure        = "failure"
	StatusTimeout        = "timeout"
	StatusError          = "error"
	StatusBudgetExceeded = "budget_exceeded"
)

// Agent tags a campaign can name. The empty tag and AgentGatewayDirect both
// select direct gateway fan-out; the others select adapter sidecars.
const (
	AgentGatewayDirect = "gateway-direct"
	AgentGeneralist    = "generalist"
	AgentHexstrike     = "hexstrike"
	AgentUpstream      = "upstream"
)

// DefaultMaxDuration bounds a run when guardrails carry no parseable value.
const DefaultMaxDuration = 30 * time.Minute

// Campaign is a full campaign definition loaded from JSON.
type Campaign struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Agent       string     `json:"agent"`
	Trigger     Trigger    `json:"trigger"`
	Targets     []Target   `json:"targets,omitempty"`
	Tools       []string   `json:"tools,omitempty"`
	Process     []string   `json:"process,omitempty"`
	Outputs     Outputs    `json:"outputs"`
	Guardrails  Guardrails `json:"guardrails"`
	Feedback    Feedback   `json:"feedback"`
	Metrics     Metrics    `json:"metrics"`
}

// Trigger defines when a campaign should run.
type Trigger struct {
	Schedule    string   `json:"schedule,omitempty"`
	Event       string   `json:"event,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	PathFilters []string `json:"pathFilters,omitempty"`
}

// Target identifies a forge/org/repo/branch tuple.
type Target struct {
	Forge  string `json:"forge"`
	Org    string `json:"org"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
}

// Outputs describes where campaign results and findings land.
type Outputs struct {
	SetecKey       string   `json:"setecKey,omitempty"`
	IssueLabels    []string `json:"issueLabels,omitempty"`
	IssueRepo      string   `json:"issueRepo,omitempty"`
	PRBranchPrefix string   `json:"prBranchPrefix,omitempty"`
	PRBodyTemplate string   `json:"prBodyTemplate,omitempty"`
}

// Guardrails define safety constraints for campaign execution.
type Guardrails struct {
	MaxDuration string    `json:"maxDuration,omitempty"`
	ReadOnly    bool      `json:"readOnly,omitempty"`
	KillSwitch  string    `json:"killSwitch,omitempty"`
	AIApiBudget *AIBudget `json:"aiApiBudget,omitempty"`
}

// AIBudget caps AI API usage per campaign run.
type AIBudget struct {
	MaxTokens int `json:"maxTokens"`
}

// Feedback defines how campaign results feed back into the org.
type Feedback struct {
	CreateIssues        bool `json:"createIssues,omitempty"`
	CreatePRs           bool `json:"createPRs,omitempty"`
	CloseResolvedIssues bool `json:"closeResolvedIssues,omitempty"`
}

// Metrics defines success criteria and KPIs.
type Metrics struct {
	SuccessCriteria string   `json:"successCriteria,omitempty"`
	KPIs            []string `json:"kpis,omitempty"`
}

// Index is the registry of all campaigns in a campaigns directory.
type Index struct {
	Version   string                `json:"version"`
	Campaigns map[string]IndexEntry `json:"campaigns"`
}

// IndexEntry is a single entry in the campaign index.
type IndexEntry struct {
	File       string  `json:"file"`
	Enabled    bool    `json:"enabled"`
	LastRun    *string `json:"lastRun"`
	LastResult *string `json:"lastResult"`
}

// Result captures the outcome of a campaign run.
type Result struct {
	CampaignID    string           `json:"campaign_id"`
	RunID         string           `json:"run_id"`
	Status        string           `json:"status"`
	StartedAt     string           `json:"started_at"`
	FinishedAt    string           `json:"finished_at"`
	Agent         string           `json:"agent"`
	KPIs          map[string]any   `json:"kpis,omitempty"`
	Error         string           `json:"error,omitempty"`
	ToolCalls     int              `json:"tool_calls"`
	TokensUsed    int              `json:"tokens_used,omitempty"`
	ToolTrace     []ToolTraceEntry `json:"tool_trace,omitempty"`
	Phases        []PhaseResult    `json:"phases,omitempty"`
	Findings      []Finding        `json:"findings,omitempty"`
	DiscussionURL string           `json:"discussion_url,omitempty"`
}

// PhaseResult captures the outcome of a single phase in a multi-phase campaign.
type PhaseResult struct {
	Phase     int    `json:"phase"`
	Agent     string `json:"agent"`
	Status    string `json:"status"`
	ToolCalls int    `json:"tool_calls"`
	Error     string `json:"error,omitempty"`
}

// ToolTraceEntry records a single gateway tool call made during a run.
type ToolTraceEntry struct {
	Timestamp string `json:"timestamp"`
	Tool      string `json:"tool"`
	Summary   string `json:"summary,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Finding is a structured observation emitted by a run. The fingerprint is
// the dedup key across issues, PRs, and handoffs.
type Finding struct {
	Title            string            `json:"title"`
	Body             string            `json:"body,omitempty"`
	Severity         string            `json:"severity"`
	Labels           []string          `json:"labels,omitempty"`
	CampaignID       string            `json:"campaign_id,omitempty"`
	RunID            string            `json:"run_id,omitempty"`
	Fingerprint      string            `json:"fingerprint"`
	Fixable          bool              `json:"fixable,omitempty"`
	RemediationType  string            `json:"remediation_type,omitempty"`
	RemediationHints map[string]string `json:"remediation_hints,omitempty"`
}

// ParseDuration parses a guardrail duration string, falling back to the
// default when the value is empty or unparseable.
func ParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return DefaultMaxDuration
	}
	return d
}

// MaxDuration returns the run timeout for this campaign.
func (c *Campaign) MaxDuration() time.Duration {
	return ParseDuration(c.Guardrails.MaxDuration)
}

// ResultKeyPrefix returns the secret-store prefix for this campaign's
// results: the configured setecKey, or "campaigns/<id>" when unset.
func (c *Campaign) ResultKeyPrefix() string {
	if c.Outputs.SetecKey != "" {
		return c.Outputs.SetecKey
	}
	return "campaigns/" + c.ID
}

// Validate checks a campaign definition for errors that would make runs
// misbehave. Loaders skip invalid campaigns rather than aborting.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if (c.Feedback.CreateIssues || c.Feedback.CreatePRs) && c.Outputs.IssueRepo == "" {
		return fmt.Errorf("outputs.issueRepo is required when feedback creates issues or PRs")
	}
	for _, dep := range c.Trigger.DependsOn {
		if dep == c.ID {
			return fmt.Errorf("trigger.dependsOn must not reference the campaign itself")
		}
	}
	return nil
}
