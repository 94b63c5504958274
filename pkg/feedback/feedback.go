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

// Package feedback turns campaign findings into forge issues and
// remediation pull requests.
//
// Issues are deduplicated by searching for the finding's fingerprint in
// open issue bodies. Pull requests are only opened for fixable findings
// carrying complete remediation hints, on campaigns that allow writes.
// Every forge failure is logged and skipped so one bad finding never
// blocks the rest of the batch.
package feedback

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/httpclient"
)

const defaultAPIBase = "https://api.github.com"

// defaultBranchPrefix names remediation branches when the campaign does
// not configure its own prefix.
const defaultBranchPrefix = "sid/fix-"

// Handler creates and manages forge issues and PRs for campaign findings.
type Handler struct {
	client  *httpclient.Client
	baseURL string

	mu    sync.RWMutex
	token string
}

// Option configures a Handler.
type Option func(*Handler)

// WithBaseURL points the handler at a different API base, typically a test
// server.
func WithBaseURL(base string) Option {
	return func(h *Handler) {
		h.baseURL = strings.TrimSuffix(base, "/")
	}
}

// WithClient overrides the retrying HTTP client.
func WithClient(c *httpclient.Client) Option {
	return func(h *Handler) {
		h.client = c
	}
}

// New creates a feedback handler authenticating with the given token.
func New(token string, opts ...Option) *Handler {
	h := &Handler{
		token:   token,
		baseURL: defaultAPIBase,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseGitHubRateLimitHeaders),
		),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// UpdateToken replaces the stored token after an app-token refresh.
func (h *Handler) UpdateToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// ProcessFindings creates issues for new findings and closes resolved ones
// when the campaign opts in.
func (h *Handler) ProcessFindings(ctx context.Context, camp *campaign.Campaign, findings, previous []campaign.Finding) error {
	if !camp.Feedback.CreateIssues {
		return nil
	}

	repo := camp.Outputs.IssueRepo
	if repo == "" {
		return fmt.Errorf("no issueRepo configured for campaign %s", camp.ID)
	}

	for _, finding := range findings {
		existing, err := h.findExistingIssue(ctx, repo, finding)
		if err != nil {
			slog.Warn("Issue dedup check failed", "campaign", camp.ID, "finding", finding.Title, "error", err)
			continue
		}
		if existing != nil {
			slog.Info("Issue already open for finding", "campaign", camp.ID, "issue", existing.Number, "finding", finding.Title)
			continue
		}

		labels := finding.Labels
		if len(camp.Outputs.IssueLabels) > 0 {
			labels = append(labels, camp.Outputs.IssueLabels...)
		}

		issue, err := h.createIssue(ctx, repo, finding.Title, finding.Body, labels)
		if err != nil {
			slog.Warn("Issue creation failed", "campaign", camp.ID, "finding", finding.Title, "error", err)
			continue
		}
		slog.Info("Created issue", "campaign", camp.ID, "issue", issue.Number, "finding", finding.Title)
	}

	if camp.Feedback.CloseResolvedIssues && len(previous) > 0 {
		h.closeResolvedIssues(ctx, camp, repo, findings, previous)
	}
	return nil
}

// Issue is the subset of the forge issue object the handler reads. Labels
// come back as objects, not strings.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels,omitempty"`
}

// findExistingIssue searches open issues for the finding's fingerprint,
// falling back to the title when the fingerprint is empty.
func (h *Handler) findExistingIssue(ctx context.Context, repo string, finding campaign.Finding) (*Issue, error) {
	term := finding.Fingerprint
	if term == "" {
		term = finding.Title
	}

	url := fmt.Sprintf("%s/search/issues?q=%s+repo:%s+state:open+in:body", h.baseURL, term, repo)
	var result struct {
		Items []Issue `json:"items"`
	}
	if err := h.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	if len(result.Items) > 0 {
		return &result.Items[0], nil
	}
	return nil, nil
}

func (h *Handler) createIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/issues", h.baseURL, repo)
	var issue Issue
	if err := h.sendJSON(ctx, http.MethodPost, url, map[string]any{
		"title":  title,
		"body":   body,
		"labels": labels,
	}, http.StatusCreated, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// closeIssue comments on the issue and then closes it.
func (h *Handler) closeIssue(ctx context.Context, repo string, number int, comment string) error {
	commentURL := fmt.Sprintf("%s/repos/%s/issues/%d/comments", h.baseURL, repo, number)
	if err := h.sendJSON(ctx, http.MethodPost, commentURL, map[string]string{"body": comment}, http.StatusCreated, nil); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}

	closeURL := fmt.Sprintf("%s/repos/%s/issues/%d", h.baseURL, repo, number)
	if err := h.sendJSON(ctx, http.MethodPatch, closeURL, map[string]string{"state": "closed"}, http.StatusOK, nil); err != nil {
		return fmt.Errorf("close issue: %w", err)
	}
	return nil
}

// closeResolvedIssues closes issues for findings present in the previous
// run but absent from the current one.
func (h *Handler) closeResolvedIssues(ctx context.Context, camp *campaign.Campaign, repo string, current, previous []campaign.Finding) {
	stillOpen := make(map[string]bool)
	for _, f := range current {
		stillOpen[findingKey(f)] = true
	}

	for _, prev := range previous {
		if stillOpen[findingKey(prev)] {
			continue
		}

		existing, err := h.findExistingIssue(ctx, repo, prev)
		if err != nil || existing == nil {
			continue
		}

		comment := fmt.Sprintf("This issue was automatically resolved. Campaign `%s` no longer reports this finding.", camp.ID)
		if err := h.closeIssue(ctx, repo, existing.Number, comment); err != nil {
			slog.Warn("Closing resolved issue failed", "campaign", camp.ID, "issue", existing.Number, "error", err)
			continue
		}
		slog.Info("Closed resolved issue", "campaign", camp.ID, "issue", existing.Number)
	}
}

// ProcessPRFindings opens remediation PRs for fixable findings. Gated on
// the campaign allowing PRs and not being read-only.
func (h *Handler) ProcessPRFindings(ctx context.Context, camp *campaign.Campaign, findings []campaign.Finding) error {
	if !camp.Feedback.CreatePRs || camp.Guardrails.ReadOnly {
		return nil
	}

	repo := camp.Outputs.IssueRepo
	if repo == "" {
		return fmt.Errorf("no issueRepo configured for campaign %s", camp.ID)
	}
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid issueRepo format %q (expected owner/repo)", repo)
	}
	owner, repoName := parts[0], parts[1]

	branchPrefix := camp.Outputs.PRBranchPrefix
	if branchPrefix == "" {
		branchPrefix = defaultBranchPrefix
	}

	baseBranch := "main"
	if len(camp.Targets) > 0 && camp.Targets[0].Branch != "" {
		baseBranch = camp.Targets[0].Branch
	}

	for _, finding := range findings {
		if !finding.Fixable || finding.RemediationHints == nil {
			continue
		}

		filePath := finding.RemediationHints["file"]
		findText := finding.RemediationHints["find"]
		replaceText := finding.RemediationHints["replace"]
		if filePath == "" || findText == "" || replaceText == "" {
			slog.Warn("Incomplete remediation hints, skipping PR", "campaign", camp.ID, "finding", finding.Title)
			continue
		}

		branch := BranchName(branchPrefix, finding)
		if h.prExists(ctx, owner, repoName, branch) {
			slog.Info("PR already open for branch", "campaign", camp.ID, "branch", branch)
			continue
		}

		if err := h.createBranch(ctx, owner, repoName, branch, baseBranch); err != nil {
			slog.Warn("Branch creation failed", "campaign", camp.ID, "branch", branch, "error", err)
			continue
		}

		commitMsg := finding.RemediationHints["commit_message"]
		if commitMsg == "" {
			commitMsg = fmt.Sprintf("fix: %s", finding.Title)
		}
		if err := h.patchFile(ctx, owner, repoName, branch, filePath, findText, replaceText, commitMsg); err != nil {
			slog.Warn("File patch failed", "campaign", camp.ID, "file", filePath, "branch", branch, "error", err)
			continue
		}

		prURL, err := h.createPullRequest(ctx, owner, repoName,
			fmt.Sprintf("fix: %s", finding.Title), buildPRBody(camp, finding), branch, baseBranch)
		if err != nil {
			slog.Warn("PR creation failed", "campaign", camp.ID, "branch", branch, "error", err)
			continue
		}
		slog.Info("Created remediation PR", "campaign", camp.ID, "url", prURL, "finding", finding.Title)
	}
	return nil
}

// BranchName derives a deterministic branch name from the prefix and the
// finding's fingerprint (title when unset): lowercase, non-alphanumerics
// mapped to '-', capped at 24 characters.
func BranchName(prefix string, finding campaign.Finding) string {
	fp := finding.Fingerprint
	if fp == "" {
		fp = finding.Title
	}
	suffix := strings.Map(func(r rune) rune {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 32
		default:
			return '-'
		}
	}, fp)
	if len(suffix) > 24 {
		suffix = suffix[:24]
	}
	return prefix + suffix
}

// prExists reports whether an open PR already uses the branch as its head.
func (h *Handler) prExists(ctx context.Context, owner, repo, branch string) bool {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls?head=%s:%s&state=open", h.baseURL, owner, repo, owner, branch)
	var prs []json.RawMessage
	if err := h.getJSON(ctx, url, &prs); err != nil {
		return false
	}
	return len(prs) > 0
}

// createBranch creates a new ref pointing at the base branch's head SHA.
func (h *Handler) createBranch(ctx context.Context, owner, repo, branch, base string) error {
	refURL := fmt.Sprintf("%s/repos/%s/%s/git/refs/heads/%s", h.baseURL, owner, repo, base)
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := h.getJSON(ctx, refURL, &ref); err != nil {
		return fmt.Errorf("get ref %s: %w", base, err)
	}

	createURL := fmt.Sprintf("%s/repos/%s/%s/git/refs", h.baseURL, owner, repo)
	if err := h.sendJSON(ctx, http.MethodPost, createURL, map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	}, http.StatusCreated, nil); err != nil {
		return fmt.Errorf("create ref %s: %w", branch, err)
	}
	return nil
}

// patchFile fetches a file, applies a first-occurrence replacement, and
// commits the result to the branch.
func (h *Handler) patchFile(ctx context.Context, owner, repo, branch, path, find, replace, message string) error {
	getURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", h.baseURL, owner, repo, path, branch)
	var file struct {
		SHA     string `json:"sha"`
		Content string `json:"content"`
	}
	if err := h.getJSON(ctx, getURL, &file); err != nil {
		return fmt.Errorf("get file %s: %w", path, err)
	}

	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return fmt.Errorf("decode file content: %w", err)
	}

	original := string(content)
	patched := strings.Replace(original, find, replace, 1)
	if patched == original {
		return fmt.Errorf("find text not found in %s", path)
	}

	putURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", h.baseURL, owner, repo, path)
	if err := h.sendJSON(ctx, http.MethodPut, putURL, map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(patched)),
		"sha":     file.SHA,
		"branch":  branch,
	}, http.StatusOK, nil); err != nil {
		return fmt.Errorf("put file %s: %w", path, err)
	}
	return nil
}

func (h *Handler) createPullRequest(ctx context.Context, owner, repo, title, body, head, base string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls", h.baseURL, owner, repo)
	var pr struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
	if err := h.sendJSON(ctx, http.MethodPost, url, map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}, http.StatusCreated, &pr); err != nil {
		return "", err
	}
	return pr.HTMLURL, nil
}

// buildPRBody renders the campaign's PR body template, or a default
// structured body when none is configured.
func buildPRBody(camp *campaign.Campaign, finding campaign.Finding) string {
	if camp.Outputs.PRBodyTemplate != "" {
		body := camp.Outputs.PRBodyTemplate
		body = strings.ReplaceAll(body, "{{title}}", finding.Title)
		body = strings.ReplaceAll(body, "{{severity}}", finding.Severity)
		body = strings.ReplaceAll(body, "{{campaign}}", camp.ID)
		body = strings.ReplaceAll(body, "{{fingerprint}}", finding.Fingerprint)
		return body
	}

	var b strings.Builder
	b.WriteString("## Automated Remediation\n\n")
	fmt.Fprintf(&b, "**Campaign**: `%s`\n", camp.ID)
	fmt.Fprintf(&b, "**Severity**: %s\n", finding.Severity)
	if finding.RemediationType != "" {
		fmt.Fprintf(&b, "**Type**: %s\n", finding.RemediationType)
	}
	fmt.Fprintf(&b, "**Fingerprint**: `%s`\n\n", finding.Fingerprint)
	if finding.Body != "" {
		b.WriteString("### Details\n\n")
		b.WriteString(finding.Body)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n*Created automatically by campaign runner*\n")
	return b.String()
}

func findingKey(f campaign.Finding) string {
	if f.Fingerprint != "" {
		return f.Fingerprint
	}
	return f.Title
}

// getJSON performs an authenticated GET and decodes a 200 response.
func (h *Handler) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	h.setAuth(req)

	resp, err := h.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sendJSON performs an authenticated write and checks the expected status.
// out may be nil when the response body is not needed.
func (h *Handler) sendJSON(ctx context.Context, method, url string, payload any, wantStatus int, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	h.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s returned %d: %s", method, url, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (h *Handler) setAuth(req *http.Request) {
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}
