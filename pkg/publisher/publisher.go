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

// Package publisher posts sanitised campaign results to GitHub Discussions.
//
// Every string that leaves the runner passes through sanitisation first:
// known secret prefixes and internal hostnames are redacted, and
// high-entropy KPI strings are dropped entirely. The discussion body also
// carries the handoff metadata for any routed findings, so downstream
// agents can pick them up from the discussion itself.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/router"
)

// Discussion category names the publisher files reports under.
const (
	CategoryAgentReports       = "Agent Reports"
	CategorySecurityAdvisories = "Security Advisories"
	CategoryWeeklyDigest       = "Weekly Digest"
)

const defaultGraphQLURL = "https://api.github.com/graphql"
const defaultRESTBase = "https://api.github.com"

// Publisher creates discussion posts for campaign results.
type Publisher struct {
	httpClient *http.Client
	graphqlURL string
	restBase   string
	repoOwner  string
	repoName   string

	mu          sync.RWMutex
	token       string
	repoID      string
	categoryIDs map[string]string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithEndpoints overrides the GraphQL and REST endpoints, typically to
// point at a test server.
func WithEndpoints(graphqlURL, restBase string) Option {
	return func(p *Publisher) {
		p.graphqlURL = graphqlURL
		p.restBase = strings.TrimSuffix(restBase, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) {
		p.httpClient = c
	}
}

// New creates a publisher for the given repository.
func New(token, repoOwner, repoName string, opts ...Option) *Publisher {
	p := &Publisher{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		token:       token,
		graphqlURL:  defaultGraphQLURL,
		restBase:    defaultRESTBase,
		repoOwner:   repoOwner,
		repoName:    repoName,
		categoryIDs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UpdateToken replaces the stored token after an app-token refresh.
func (p *Publisher) UpdateToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// Init resolves the repository node id and discussion category ids.
// Must be called before Publish.
func (p *Publisher) Init(ctx context.Context) error {
	query := `query($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    id
    discussionCategories(first: 100) {
      nodes {
        id
        name
      }
    }
  }
}`
	resp, err := p.graphql(ctx, query, map[string]string{"owner": p.repoOwner, "name": p.repoName})
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	var result struct {
		Data struct {
			Repository struct {
				ID                   string `json:"id"`
				DiscussionCategories struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"discussionCategories"`
			} `json:"repository"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("parse init response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", result.Errors[0].Message)
	}

	p.mu.Lock()
	p.repoID = result.Data.Repository.ID
	for _, cat := range result.Data.Repository.DiscussionCategories.Nodes {
		p.categoryIDs[cat.Name] = cat.ID
	}
	p.mu.Unlock()

	slog.Info("Publisher initialised", "repo", p.repoOwner+"/"+p.repoName,
		"categories", len(result.Data.Repository.DiscussionCategories.Nodes))
	return nil
}

// Publish creates a discussion for the result and fires a
// repository-dispatch event. Handoff metadata for routed findings is
// embedded in the body. Returns the discussion URL.
func (p *Publisher) Publish(ctx context.Context, camp *campaign.Campaign, result *campaign.Result, routed []router.RoutedFinding) (string, error) {
	p.mu.RLock()
	repoID := p.repoID
	categoryID, haveCategory := p.categoryIDs[CategoryForCampaign(camp)]
	p.mu.RUnlock()

	if repoID == "" {
		return "", fmt.Errorf("publisher not initialized (call Init first)")
	}
	if !haveCategory {
		return "", fmt.Errorf("discussion category %q not found", CategoryForCampaign(camp))
	}

	title := formatTitle(camp, result)
	body := p.formatBody(camp, result, routed)

	query := `mutation($repoId: ID!, $categoryId: ID!, $title: String!, $body: String!) {
  createDiscussion(input: {repositoryId: $repoId, categoryId: $categoryId, title: $title, body: $body}) {
    discussion {
      url
      number
    }
  }
}`
	resp, err := p.graphql(ctx, query, map[string]string{
		"repoId":     repoID,
		"categoryId": categoryID,
		"title":      title,
		"body":       body,
	})
	if err != nil {
		return "", fmt.Errorf("create discussion: %w", err)
	}

	var mutation struct {
		Data struct {
			CreateDiscussion struct {
				Discussion struct {
					URL    string `json:"url"`
					Number int    `json:"number"`
				} `json:"discussion"`
			} `json:"createDiscussion"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	if err := json.Unmarshal(resp, &mutation); err != nil {
		return "", fmt.Errorf("parse mutation response: %w", err)
	}
	if len(mutation.Errors) > 0 {
		return "", fmt.Errorf("graphql error: %s", mutation.Errors[0].Message)
	}

	url := mutation.Data.CreateDiscussion.Discussion.URL
	slog.Info("Created discussion", "campaign", camp.ID,
		"number", mutation.Data.CreateDiscussion.Discussion.Number, "url", url)

	p.fireRepositoryDispatch(ctx, camp.ID, result.RunID)
	return url, nil
}

// CategoryForCampaign picks the discussion category for a campaign.
func CategoryForCampaign(camp *campaign.Campaign) string {
	if strings.Contains(camp.ID, "weekly-digest") {
		return CategoryWeeklyDigest
	}
	if strings.Contains(camp.ID, "security") || camp.Agent == campaign.AgentHexstrike {
		return CategorySecurityAdvisories
	}
	return CategoryAgentReports
}

// formatTitle renders "[STATUS] name | finished", with success shown as
// PASS.
func formatTitle(camp *campaign.Campaign, result *campaign.Result) string {
	status := strings.ToUpper(result.Status)
	if result.Status == campaign.StatusSuccess {
		status = "PASS"
	}
	ts := result.FinishedAt
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		ts = t.Format("2006-01-02 15:04 UTC")
	}
	return fmt.Sprintf("[%s] %s | %s", status, camp.Name, ts)
}

// formatBody renders the discussion markdown. All free-form strings pass
// through sanitisation.
func (p *Publisher) formatBody(camp *campaign.Campaign, result *campaign.Result, routed []router.RoutedFinding) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Campaign: %s\n", camp.Name)
	fmt.Fprintf(&b, "**Run**: `%s` | **Agent**: %s", result.RunID, result.Agent)
	if start, errS := time.Parse(time.RFC3339, result.StartedAt); errS == nil {
		if end, errE := time.Parse(time.RFC3339, result.FinishedAt); errE == nil {
			fmt.Fprintf(&b, " | **Duration**: %s", end.Sub(start).Round(time.Second))
		}
	}
	fmt.Fprintf(&b, " | **Tool Calls**: %d\n\n", result.ToolCalls)

	switch result.Status {
	case campaign.StatusSuccess:
		b.WriteString("> **Status**: PASS\n\n")
	case campaign.StatusFailure:
		fmt.Fprintf(&b, "> **Status**: FAIL -- %s\n\n", SanitizeString(result.Error))
	case campaign.StatusTimeout:
		b.WriteString("> **Status**: TIMEOUT\n\n")
	default:
		fmt.Fprintf(&b, "> **Status**: %s\n\n", strings.ToUpper(result.Status))
	}

	if len(result.KPIs) > 0 {
		b.WriteString("### KPIs\n")
		b.WriteString("| Metric | Value |\n|--------|-------|\n")
		for k, v := range result.KPIs {
			fmt.Fprintf(&b, "| %s | %v |\n", k, SanitizeValue(v))
		}
		b.WriteString("\n")
	}

	if len(result.ToolTrace) > 0 {
		fmt.Fprintf(&b, "<details>\n<summary>%d tool calls, expand trace</summary>\n\n", len(result.ToolTrace))
		b.WriteString("| Time | Tool | Summary |\n|------|------|---------|\n")
		for _, entry := range result.ToolTrace {
			ts := entry.Timestamp
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				ts = t.Format("15:04:05")
			}
			summary := SanitizeString(entry.Summary)
			if entry.IsError {
				summary = "**ERROR**: " + summary
			}
			fmt.Fprintf(&b, "| %s | `%s` | %s |\n", ts, entry.Tool, summary)
		}
		b.WriteString("\n</details>\n\n")
	}

	if len(result.Findings) > 0 {
		fmt.Fprintf(&b, "### Findings (%d)\n", len(result.Findings))
		for _, f := range result.Findings {
			fmt.Fprintf(&b, "- **[%s]** %s\n", f.Severity, SanitizeString(f.Title))
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n")
	fmt.Fprintf(&b, "*[Campaign definitions](https://github.com/%s/%s/tree/main/campaigns/) | ",
		p.repoOwner, p.repoName)
	b.WriteString("Generated by the campaign runner*\n")

	for _, rf := range routed {
		b.WriteString(router.FormatMeta(rf.Meta))
	}

	return b.String()
}

// fireRepositoryDispatch triggers the status-update workflow. Best effort.
func (p *Publisher) fireRepositoryDispatch(ctx context.Context, campaignID, runID string) {
	url := fmt.Sprintf("%s/repos/%s/%s/dispatches", p.restBase, p.repoOwner, p.repoName)
	body, _ := json.Marshal(map[string]any{
		"event_type": "agent-status-update",
		"client_payload": map[string]string{
			"campaign_id": campaignID,
			"run_id":      runID,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Repository dispatch failed", "campaign", campaignID, "error", err)
		return
	}
	p.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Warn("Repository dispatch failed", "campaign", campaignID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		slog.Warn("Repository dispatch rejected", "campaign", campaignID, "status", resp.StatusCode)
		return
	}
	slog.Debug("Fired repository dispatch", "campaign", campaignID, "run", runID)
}

type graphqlError struct {
	Message string `json:"message"`
}

// graphql executes one query against the GraphQL endpoint and returns the
// raw response body.
func (p *Publisher) graphql(ctx context.Context, query string, variables any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	p.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphql returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (p *Publisher) setAuth(req *http.Request) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// secretPatterns matches credential prefixes that must never appear in
// public output.
var secretPatterns = regexp.MustCompile(`(?i)(ghp_|ghs_|gho_|ghu_|github_pat_|sk-|sk-ant-|AKIA[A-Z0-9]|-----BEGIN)`)

// internalURLPattern matches cluster-local and tailnet hostnames.
var internalURLPattern = regexp.MustCompile(`[a-zA-Z0-9._-]+\.svc\.cluster\.local[:\d]*|[a-zA-Z0-9._-]+\.ts\.net[:\d]*`)

// SanitizeString redacts secret prefixes and internal hostnames.
func SanitizeString(s string) string {
	s = secretPatterns.ReplaceAllString(s, "[REDACTED]")
	s = internalURLPattern.ReplaceAllString(s, "[internal]")
	return s
}

// SanitizeValue sanitises a KPI value. High-entropy strings are assumed to
// be credentials and redacted wholesale.
func SanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		if shannonEntropy(val) > 4.5 && len(val) > 8 {
			return "[REDACTED]"
		}
		return SanitizeString(val)
	case float64, int, int64, bool:
		return v
	default:
		return SanitizeString(fmt.Sprintf("%v", v))
	}
}

// shannonEntropy returns the bits-per-character entropy of a string.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	var entropy float64
	for _, count := range freq {
		p := count / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
