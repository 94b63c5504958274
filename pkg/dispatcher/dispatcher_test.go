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

package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/gateway"
)

// fakeGateway returns a fixed response per tool and records calls.
type fakeGateway struct {
	responses map[string]string
	errors    map[string]error
	calls     []string
	args      []map[string]any
}

func (f *fakeGateway) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	if err, ok := f.errors[name]; ok {
		return "", err
	}
	return f.responses[name], nil
}

func (f *fakeGateway) ListTools(context.Context) ([]gateway.ToolInfo, error) {
	return nil, nil
}

// recordingMetrics captures tool-call telemetry for assertions.
type recordingMetrics struct {
	tools     []string
	errors    int
	durations []time.Duration
}

func (m *recordingMetrics) RecordCampaignRun(context.Context, string, string, time.Duration, int) {}

func (m *recordingMetrics) RecordToolCall(_ context.Context, tool string, duration time.Duration, err error) {
	m.tools = append(m.tools, tool)
	m.durations = append(m.durations, duration)
	if err != nil {
		m.errors++
	}
}

func (m *recordingMetrics) RecordWebhookEvent(context.Context, string) {}

func (m *recordingMetrics) Handler() http.Handler { return nil }

func directCampaign(tools []string, budget int) *campaign.Campaign {
	c := &campaign.Campaign{
		ID:    "sweep",
		Name:  "Sweep",
		Agent: campaign.AgentGatewayDirect,
		Tools: tools,
	}
	if budget > 0 {
		c.Guardrails.AIApiBudget = &campaign.AIBudget{MaxTokens: budget}
	}
	return c
}

func TestDispatchDirectFanOut(t *testing.T) {
	gw := &fakeGateway{responses: map[string]string{
		"scan_a": "aaaaaaaaaa", // 10 bytes each
		"scan_b": "bbbbbbbbbb",
		"scan_c": "cccccccccc",
	}}
	d := New(gw, nil)

	result, err := d.Dispatch(context.Background(), directCampaign([]string{"scan_a", "scan_b", "scan_c"}, 0), "sweep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.ToolCalls != 3 {
		t.Errorf("ToolCalls = %d, want 3", result.ToolCalls)
	}
	if result.TokensUsed != 30 {
		t.Errorf("TokensUsed = %d, want 30", result.TokensUsed)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty", result.Error)
	}
	if len(result.ToolTrace) != 3 {
		t.Fatalf("len(ToolTrace) = %d, want 3", len(result.ToolTrace))
	}
	for i, entry := range result.ToolTrace {
		if entry.IsError {
			t.Errorf("trace[%d] marked as error", i)
		}
	}

	// Every call must carry the campaign and run correlation args.
	for i, args := range gw.args {
		if args["_campaign_id"] != "sweep" || args["_run_id"] != "sweep-1" {
			t.Errorf("call %d args = %v", i, args)
		}
	}
}

func TestDispatchDirectBudgetHalts(t *testing.T) {
	gw := &fakeGateway{responses: map[string]string{
		"scan_a": "aaaaaaaaaa",
		"scan_b": "bbbbbbbbbb",
		"scan_c": "cccccccccc",
	}}
	d := New(gw, nil)

	result, err := d.Dispatch(context.Background(), directCampaign([]string{"scan_a", "scan_b", "scan_c"}, 15), "sweep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d, want 2 (halted after budget exceeded)", result.ToolCalls)
	}
	if result.TokensUsed != 20 {
		t.Errorf("TokensUsed = %d, want 20", result.TokensUsed)
	}
	if !strings.Contains(result.Error, BudgetExceededMarker) {
		t.Errorf("Error = %q, want it to contain %q", result.Error, BudgetExceededMarker)
	}
	if len(gw.calls) != 2 {
		t.Errorf("gateway calls = %v, want scan_c never invoked", gw.calls)
	}
}

func TestDispatchDirectExactBudgetNotExceeded(t *testing.T) {
	gw := &fakeGateway{responses: map[string]string{"scan_a": "aaaaaaaaaa"}}
	d := New(gw, nil)

	result, err := d.Dispatch(context.Background(), directCampaign([]string{"scan_a"}, 10), "sweep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty when used == budget", result.Error)
	}
}

func TestDispatchDirectToolFailureContinues(t *testing.T) {
	gw := &fakeGateway{
		responses: map[string]string{"scan_b": "ok"},
		errors:    map[string]error{"scan_a": &gateway.ToolError{Tool: "scan_a", Message: "probe refused"}},
	}
	d := New(gw, nil)

	result, err := d.Dispatch(context.Background(), directCampaign([]string{"scan_a", "scan_b"}, 0), "sweep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d, want failed calls counted", result.ToolCalls)
	}
	if result.TokensUsed != 2 {
		t.Errorf("TokensUsed = %d, want only successful bytes counted", result.TokensUsed)
	}
	if !result.ToolTrace[0].IsError || result.ToolTrace[1].IsError {
		t.Errorf("trace error flags = %v, %v", result.ToolTrace[0].IsError, result.ToolTrace[1].IsError)
	}
}

func TestDispatchDirectRecordsToolMetrics(t *testing.T) {
	gw := &fakeGateway{
		responses: map[string]string{"scan_a": "aaaaaaaaaa", "scan_b": "ok"},
		errors:    map[string]error{"scan_c": &gateway.ToolError{Tool: "scan_c", Message: "refused"}},
	}
	metrics := &recordingMetrics{}
	d := New(gw, nil, WithMetrics(metrics))

	_, err := d.Dispatch(context.Background(), directCampaign([]string{"scan_a", "scan_b", "scan_c"}, 0), "sweep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(metrics.tools) != 3 {
		t.Fatalf("recorded tools = %v, want one record per gateway call", metrics.tools)
	}
	if metrics.tools[0] != "scan_a" || metrics.tools[2] != "scan_c" {
		t.Errorf("recorded tools = %v", metrics.tools)
	}
	if metrics.errors != 1 {
		t.Errorf("recorded errors = %d, want 1 (scan_c failed)", metrics.errors)
	}
	for i, dur := range metrics.durations {
		if dur < 0 {
			t.Errorf("duration[%d] = %v, want non-negative", i, dur)
		}
	}
}

func TestDispatchAgentNotConfigured(t *testing.T) {
	d := New(&fakeGateway{}, map[string]string{})
	camp := &campaign.Campaign{ID: "deep", Agent: campaign.AgentHexstrike}

	result, err := d.Dispatch(context.Background(), camp, "deep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !strings.Contains(result.Error, "not configured") {
		t.Errorf("Error = %q, want not-configured failure", result.Error)
	}
}

func TestDispatchAgentUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(&fakeGateway{}, map[string]string{campaign.AgentGeneralist: srv.URL})
	camp := &campaign.Campaign{ID: "deep", Agent: campaign.AgentGeneralist}

	result, err := d.Dispatch(context.Background(), camp, "deep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !strings.Contains(result.Error, "unavailable") {
		t.Errorf("Error = %q, want health-probe failure", result.Error)
	}
}

func TestDispatchAgentPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/campaign":
			var req struct {
				RunID string `json:"run_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode dispatch payload: %v", err)
			}
			if req.RunID != "deep-1" {
				t.Errorf("run_id = %q", req.RunID)
			}
			w.WriteHeader(http.StatusAccepted)
		case "/status":
			n := polls.Add(1)
			if n < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "running"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "idle",
				"last_result": map[string]any{
					"status":     "success",
					"tool_calls": 7,
					"kpis":       map[string]any{"endpoints_probed": 12},
					"findings": []map[string]any{
						{"title": "open redirect", "severity": "medium", "fingerprint": "fp-redir"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := New(&fakeGateway{},
		map[string]string{campaign.AgentGeneralist: srv.URL},
		WithPollInterval(10*time.Millisecond))
	camp := &campaign.Campaign{ID: "deep", Agent: campaign.AgentGeneralist}

	result, err := d.Dispatch(context.Background(), camp, "deep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.ToolCalls != 7 {
		t.Errorf("ToolCalls = %d, want 7", result.ToolCalls)
	}
	if result.KPIs["endpoints_probed"] != float64(12) {
		t.Errorf("KPIs = %v", result.KPIs)
	}
	if len(result.Findings) != 1 || result.Findings[0].Fingerprint != "fp-redir" {
		t.Errorf("Findings = %+v", result.Findings)
	}
	if polls.Load() < 3 {
		t.Errorf("polls = %d, want at least 3", polls.Load())
	}
}

func TestDispatchAgentMissingLastResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/campaign":
			w.WriteHeader(http.StatusAccepted)
		case "/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "idle"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := New(&fakeGateway{},
		map[string]string{campaign.AgentUpstream: srv.URL},
		WithPollInterval(10*time.Millisecond))
	camp := &campaign.Campaign{ID: "deep", Agent: campaign.AgentUpstream}

	result, err := d.Dispatch(context.Background(), camp, "deep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.ToolCalls != 0 || result.Error != "" {
		t.Errorf("result = %+v, want zero values for omitted last_result", result)
	}
	if result.KPIs == nil {
		t.Error("KPIs = nil, want initialized map")
	}
}

func TestDispatchAgentContextExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/campaign":
			w.WriteHeader(http.StatusAccepted)
		case "/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "running"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := New(&fakeGateway{},
		map[string]string{campaign.AgentGeneralist: srv.URL},
		WithPollInterval(10*time.Millisecond))
	camp := &campaign.Campaign{ID: "deep", Agent: campaign.AgentGeneralist}

	result, err := d.Dispatch(ctx, camp, "deep-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !strings.Contains(result.Error, "context expired") {
		t.Errorf("Error = %q, want context expiry reported", result.Error)
	}
}
