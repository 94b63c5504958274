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

// Package dispatcher routes a campaign to its executor.
//
// Two modes exist. Campaigns tagged "gateway-direct" (or untagged) fan out
// over their tool list with sequential gateway calls. Campaigns naming an
// agent are POSTed to that agent's sidecar and polled until done.
//
// Agent output is treated as untrusted: every missing or malformed field
// coerces to its zero value and never aborts the run.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/gateway"
	"github.com/kadirpekel/campaign-runner/pkg/observability"
)

// BudgetExceededMarker is the stable error substring the scheduler maps to
// the budget_exceeded status. Downstream dashboards match on it; do not
// reword.
const BudgetExceededMarker = "budget exceeded"

// DefaultPollInterval is how often an agent's /status endpoint is polled.
const DefaultPollInterval = 5 * time.Second

// summaryLimit caps tool-trace summaries so traces stay readable in
// discussion posts.
const summaryLimit = 120

// Result captures the outcome of dispatching a campaign.
type Result struct {
	ToolCalls  int
	TokensUsed int
	KPIs       map[string]any
	ToolTrace  []campaign.ToolTraceEntry
	Findings   []campaign.Finding
	Error      string
}

// Dispatcher executes campaigns against the gateway or agent sidecars.
type Dispatcher struct {
	gw           gateway.Client
	agentURLs    map[string]string
	httpClient   *http.Client
	pollInterval time.Duration
	metrics      observability.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval overrides the agent status poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.pollInterval = d
	}
}

// WithHTTPClient overrides the client used for agent RPC.
func WithHTTPClient(c *http.Client) Option {
	return func(dp *Dispatcher) {
		dp.httpClient = c
	}
}

// WithMetrics records per-tool call counts, durations, and errors during
// direct fan-out.
func WithMetrics(m observability.Metrics) Option {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// New creates a dispatcher. agentURLs maps agent tags to sidecar base URLs;
// an agent absent from the map is treated as not configured.
func New(gw gateway.Client, agentURLs map[string]string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gw:           gw,
		agentURLs:    agentURLs,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes a campaign and returns its outcome. A non-nil error
// means the dispatch itself could not proceed (transport failure); agent
// and tool failures are reported through Result.Error instead.
func (d *Dispatcher) Dispatch(ctx context.Context, camp *campaign.Campaign, runID string) (*Result, error) {
	switch camp.Agent {
	case "", campaign.AgentGatewayDirect:
		return d.dispatchDirect(ctx, camp, runID)
	default:
		url, ok := d.agentURLs[camp.Agent]
		if !ok || url == "" {
			return &Result{Error: fmt.Sprintf("agent %q not configured", camp.Agent)}, nil
		}
		if err := d.checkAgentHealth(ctx, url); err != nil {
			return &Result{Error: fmt.Sprintf("agent %q unavailable: %v", camp.Agent, err)}, nil
		}
		return d.dispatchToAgent(ctx, camp, runID, url)
	}
}

// dispatchDirect runs the campaign's tools in order through the gateway.
// Individual tool failures are traced and the loop continues; only context
// cancellation or an exhausted budget halts it early.
func (d *Dispatcher) dispatchDirect(ctx context.Context, camp *campaign.Campaign, runID string) (*Result, error) {
	result := &Result{KPIs: make(map[string]any)}

	var budget int
	if camp.Guardrails.AIApiBudget != nil {
		budget = camp.Guardrails.AIApiBudget.MaxTokens
	}

	for _, toolName := range camp.Tools {
		if ctx.Err() != nil {
			result.Error = fmt.Sprintf("context cancelled after %d tool calls", result.ToolCalls)
			break
		}

		start := time.Now()
		text, err := d.gw.CallTool(ctx, toolName, map[string]any{
			"_campaign_id": camp.ID,
			"_run_id":      runID,
		})
		result.ToolCalls++
		if d.metrics != nil {
			d.metrics.RecordToolCall(ctx, toolName, time.Since(start), err)
		}

		entry := campaign.ToolTraceEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Tool:      toolName,
		}
		if err != nil {
			entry.Summary = truncateSummary(err.Error())
			entry.IsError = true
			result.ToolTrace = append(result.ToolTrace, entry)
			slog.Warn("Tool call failed", "campaign", camp.ID, "tool", toolName, "error", err)
			continue
		}

		// Response bytes stand in for model tokens until real metering
		// is available.
		result.TokensUsed += len(text)
		entry.Summary = truncateSummary(text)
		result.ToolTrace = append(result.ToolTrace, entry)
		slog.Debug("Tool call completed", "campaign", camp.ID, "tool", toolName, "bytes", len(text))

		if budget > 0 && result.TokensUsed > budget {
			result.Error = fmt.Sprintf("%s: %d tokens used, budget %d",
				BudgetExceededMarker, result.TokensUsed, budget)
			slog.Warn("Token budget exhausted, halting fan-out",
				"campaign", camp.ID, "used", result.TokensUsed, "budget", budget)
			break
		}
	}

	return result, nil
}

// checkAgentHealth probes the agent before dispatching so an unreachable
// sidecar fails fast with a descriptive error.
func (d *Dispatcher) checkAgentHealth(ctx context.Context, agentURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// dispatchToAgent POSTs the campaign to the agent sidecar and polls for
// completion.
func (d *Dispatcher) dispatchToAgent(ctx context.Context, camp *campaign.Campaign, runID, agentURL string) (*Result, error) {
	payload, err := json.Marshal(map[string]any{
		"campaign": camp,
		"run_id":   runID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal campaign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+"/campaign", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to agent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, truncateSummary(string(body)))
	}

	slog.Info("Dispatched to agent", "campaign", camp.ID, "run", runID, "agent", camp.Agent)
	return d.pollAgentStatus(ctx, camp, agentURL)
}

// agentStatus mirrors the sidecar /status payload. Pointer fields tolerate
// agents that omit last_result entirely.
type agentStatus struct {
	Status     string `json:"status"`
	LastResult *struct {
		Status    string                    `json:"status"`
		ToolCalls int                       `json:"tool_calls"`
		KPIs      map[string]any            `json:"kpis"`
		ToolTrace []campaign.ToolTraceEntry `json:"tool_trace"`
		Findings  []campaign.Finding        `json:"findings"`
		Error     string                    `json:"error"`
	} `json:"last_result"`
}

// pollAgentStatus ticks until the agent reports anything other than
// "running" or the context expires.
func (d *Dispatcher) pollAgentStatus(ctx context.Context, camp *campaign.Campaign, agentURL string) (*Result, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &Result{Error: "context expired while waiting for agent"}, nil
		case <-ticker.C:
			status, err := d.fetchAgentStatus(ctx, agentURL)
			if err != nil {
				slog.Warn("Agent status poll failed", "campaign", camp.ID, "error", err)
				continue
			}
			if status.Status == "running" {
				continue
			}

			result := &Result{KPIs: make(map[string]any)}
			if status.LastResult != nil {
				result.ToolCalls = status.LastResult.ToolCalls
				if status.LastResult.KPIs != nil {
					result.KPIs = status.LastResult.KPIs
				}
				result.ToolTrace = status.LastResult.ToolTrace
				result.Findings = status.LastResult.Findings
				result.Error = status.LastResult.Error
			}
			return result, nil
		}
	}
}

func (d *Dispatcher) fetchAgentStatus(ctx context.Context, agentURL string) (*agentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var status agentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// truncateSummary collapses a tool response into a one-line trace summary.
func truncateSummary(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > summaryLimit {
		return s[:summaryLimit] + "..."
	}
	return s
}
