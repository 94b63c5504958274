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

// Package router hands findings off between agents.
//
// Findings are matched against an ordered rule list; the first matching
// rule names the target agent and the labels to apply. Handoff metadata
// travels as an rj-meta HTML comment embedded in discussion bodies, so
// agents reading a discussion can recover the structured context.
package router

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
)

// Rule matches findings for handoff. All non-empty criteria must hold.
type Rule struct {
	SourceAgent    string
	SeverityIn     []string
	LabelContains  string
	CampaignPrefix string

	TargetAgent string
	Labels      []string
	Priority    int
}

// Meta is the structured handoff metadata embedded in discussion comments.
type Meta struct {
	Version            string         `json:"version"`
	From               string         `json:"from"`
	To                 string         `json:"to,omitempty"`
	MessageType        string         `json:"message_type"`
	Priority           string         `json:"priority,omitempty"`
	FindingFingerprint string         `json:"finding_fingerprint,omitempty"`
	CampaignID         string         `json:"campaign_id"`
	RunID              string         `json:"run_id,omitempty"`
	Timestamp          string         `json:"timestamp"`
	ActionRequested    string         `json:"action_requested,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

// RoutedFinding pairs a finding with its handoff decision.
type RoutedFinding struct {
	Finding     campaign.Finding
	TargetAgent string
	Labels      []string
	Meta        Meta
}

// Router evaluates findings against an ordered rule list.
type Router struct {
	rules []Rule
}

// New creates a router with the default rules.
func New() *Router {
	return &Router{rules: DefaultRules()}
}

// NewWithRules creates a router with a custom rule list, evaluated in order.
func NewWithRules(rules []Rule) *Router {
	return &Router{rules: rules}
}

// DefaultRules returns the built-in handoff rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			SeverityIn:    []string{"critical", "high"},
			LabelContains: "security",
			TargetAgent:   campaign.AgentHexstrike,
			Labels:        []string{"handoff:security-agent", "severity:high"},
			Priority:      1,
		},
		{
			LabelContains: "credential",
			TargetAgent:   campaign.AgentHexstrike,
			Labels:        []string{"handoff:security-agent"},
			Priority:      2,
		},
		{
			SourceAgent:   campaign.AgentHexstrike,
			LabelContains: "code-quality",
			TargetAgent:   campaign.AgentGeneralist,
			Labels:        []string{"handoff:general-agent"},
			Priority:      3,
		},
		{
			LabelContains: "dependency",
			TargetAgent:   campaign.AgentGeneralist,
			Labels:        []string{"handoff:general-agent"},
			Priority:      4,
		},
		{
			CampaignPrefix: "xa-upstream",
			TargetAgent:    campaign.AgentUpstream,
			Labels:         []string{"handoff:upstream-agent"},
			Priority:       5,
		},
	}
}

// Route returns the findings that match a rule, each paired with its
// handoff metadata. Findings matching no rule are omitted.
func (r *Router) Route(camp *campaign.Campaign, runID string, findings []campaign.Finding) []RoutedFinding {
	var routed []RoutedFinding
	for _, f := range findings {
		rule, ok := r.match(camp, f)
		if !ok {
			continue
		}
		routed = append(routed, RoutedFinding{
			Finding:     f,
			TargetAgent: rule.TargetAgent,
			Labels:      rule.Labels,
			Meta: Meta{
				Version:            "1",
				From:               camp.Agent,
				To:                 rule.TargetAgent,
				MessageType:        "handoff",
				Priority:           f.Severity,
				FindingFingerprint: Fingerprint(camp.ID, f.Title),
				CampaignID:         camp.ID,
				RunID:              runID,
				Timestamp:          time.Now().UTC().Format(time.RFC3339),
				ActionRequested:    "review",
			},
		})
	}
	return routed
}

// match returns the first rule whose criteria all hold for the finding.
func (r *Router) match(camp *campaign.Campaign, f campaign.Finding) (Rule, bool) {
	for _, rule := range r.rules {
		if ruleMatches(rule, camp, f) {
			return rule, true
		}
	}
	return Rule{}, false
}

func ruleMatches(rule Rule, camp *campaign.Campaign, f campaign.Finding) bool {
	if rule.SourceAgent != "" && camp.Agent != rule.SourceAgent {
		return false
	}
	if len(rule.SeverityIn) > 0 && !contains(rule.SeverityIn, f.Severity) {
		return false
	}
	if rule.LabelContains != "" && !anyLabelContains(f.Labels, rule.LabelContains) {
		return false
	}
	if rule.CampaignPrefix != "" && !strings.HasPrefix(camp.ID, rule.CampaignPrefix) {
		return false
	}
	return true
}

// Fingerprint derives a stable dedup key for a finding.
func Fingerprint(campaignID, title string) string {
	h := sha256.Sum256([]byte(campaignID + ":" + title))
	return fmt.Sprintf("%x", h)
}

// FormatMeta renders handoff metadata as an rj-meta HTML comment suitable
// for embedding in markdown bodies.
func FormatMeta(meta Meta) string {
	b, _ := json.MarshalIndent(meta, "", "  ")
	return fmt.Sprintf("\n<!-- rj-meta\n%s\n-->\n", string(b))
}

// ParseMeta extracts the first rj-meta block from free text.
func ParseMeta(text string) (Meta, bool) {
	start := strings.Index(text, "<!-- rj-meta")
	if start == -1 {
		return Meta{}, false
	}
	end := strings.Index(text[start:], "-->")
	if end == -1 {
		return Meta{}, false
	}

	jsonStart := start + len("<!-- rj-meta\n")
	jsonEnd := start + end
	if jsonStart >= jsonEnd {
		return Meta{}, false
	}

	var meta Meta
	if err := json.Unmarshal([]byte(strings.TrimSpace(text[jsonStart:jsonEnd])), &meta); err != nil {
		return Meta{}, false
	}
	return meta, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func anyLabelContains(labels []string, substr string) bool {
	for _, l := range labels {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
