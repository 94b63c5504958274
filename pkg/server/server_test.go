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

package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/observability"
)

type fakeRunner struct {
	ran chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan string, 16)}
}

func (f *fakeRunner) RunCampaign(_ context.Context, camp *campaign.Campaign) error {
	f.ran <- camp.ID
	return nil
}

// waitForRun blocks until a campaign run is dispatched or the deadline
// passes, since trigger and webhook dispatch asynchronously.
func (f *fakeRunner) waitForRun(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.ran:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no campaign run dispatched")
		return ""
	}
}

func (f *fakeRunner) assertNoRun(t *testing.T) {
	t.Helper()
	select {
	case id := <-f.ran:
		t.Fatalf("unexpected campaign run %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func testRegistry() *campaign.Registry {
	return campaign.NewRegistry(map[string]*campaign.Campaign{
		"nightly-sweep": {
			ID:    "nightly-sweep",
			Name:  "Nightly Sweep",
			Agent: campaign.AgentGatewayDirect,
			Trigger: campaign.Trigger{
				Schedule: "0 2 * * *",
			},
			Guardrails: campaign.Guardrails{MaxDuration: "15m"},
		},
		"dep-audit": {
			ID:    "dep-audit",
			Name:  "Dependency Audit",
			Agent: campaign.AgentGeneralist,
			Trigger: campaign.Trigger{
				Event:       "push",
				PathFilters: []string{"go.mod", "*.sum"},
			},
			Targets: []campaign.Target{
				{Forge: "github", Org: "acme", Repo: "api"},
			},
		},
		"org-wide": {
			ID:    "org-wide",
			Name:  "Org Wide Scan",
			Agent: campaign.AgentHexstrike,
			Trigger: campaign.Trigger{
				Event: "pull_request",
			},
			Targets: []campaign.Target{
				{Forge: "github", Org: "acme", Repo: "*"},
			},
		},
	})
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeRunner) {
	t.Helper()
	runner := newFakeRunner()
	return New(0, testRegistry(), runner, opts...), runner
}

func doRequest(t *testing.T, s *Server, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["service"] != "campaign-runner" {
		t.Errorf("body = %v", body)
	}
	if body["campaign_count"] != float64(3) {
		t.Errorf("campaign_count = %v, want 3", body["campaign_count"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestCampaignsList(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/campaigns", "", nil)

	body := decodeBody(t, rec)
	if body["count"] != float64(3) {
		t.Errorf("count = %v", body["count"])
	}
	campaigns, _ := body["campaigns"].([]any)
	if len(campaigns) != 3 {
		t.Fatalf("campaigns = %v", campaigns)
	}
	first, _ := campaigns[0].(map[string]any)
	if first["id"] != "dep-audit" || first["agent"] != campaign.AgentGeneralist {
		t.Errorf("first campaign = %v", first)
	}
}

func TestTriggerMissingParam(t *testing.T) {
	s, runner := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/trigger", "", nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	runner.assertNoRun(t)
}

func TestTriggerUnknownCampaign(t *testing.T) {
	s, runner := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/trigger?campaign=ghost", "", nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["campaign_id"] != "ghost" {
		t.Errorf("body = %v", body)
	}
	runner.assertNoRun(t)
}

func TestTriggerDispatchesAsync(t *testing.T) {
	s, runner := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/trigger?campaign=nightly-sweep", "", nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "accepted" || body["campaign_id"] != "nightly-sweep" {
		t.Errorf("body = %v", body)
	}
	if got := runner.waitForRun(t); got != "nightly-sweep" {
		t.Errorf("ran %q", got)
	}
}

func TestStatusNoRuns(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/status?campaign=nightly-sweep", "", nil)

	body := decodeBody(t, rec)
	if body["status"] != "no_runs" || body["campaign_id"] != "nightly-sweep" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusReturnsRecordedResult(t *testing.T) {
	s, _ := newTestServer(t)
	s.RecordResult(&campaign.Result{
		CampaignID: "nightly-sweep",
		RunID:      "nightly-sweep-1740000000",
		Status:     campaign.StatusSuccess,
	})

	rec := doRequest(t, s, http.MethodGet, "/status?campaign=nightly-sweep", "", nil)
	body := decodeBody(t, rec)
	if body["run_id"] != "nightly-sweep-1740000000" || body["status"] != campaign.StatusSuccess {
		t.Errorf("body = %v", body)
	}

	rec = doRequest(t, s, http.MethodGet, "/status", "", nil)
	body = decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}
}

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const pushPayload = `{"event":"push","forge":"github","ref":"refs/heads/main","repo":"acme/api","changed_files":["go.mod","main.go"]}`

func TestWebhookTriggersMatchingCampaign(t *testing.T) {
	s, runner := newTestServer(t, WithWebhookSecret("hunter2"))

	rec := doRequest(t, s, http.MethodPost, "/webhook", pushPayload, map[string]string{
		"X-Hub-Signature-256": signBody("hunter2", pushPayload),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v", body["count"])
	}
	triggered, _ := body["triggered"].([]any)
	if len(triggered) != 1 || triggered[0] != "dep-audit" {
		t.Errorf("triggered = %v", triggered)
	}
	if got := runner.waitForRun(t); got != "dep-audit" {
		t.Errorf("ran %q", got)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	s, runner := newTestServer(t, WithWebhookSecret("hunter2"))

	rec := doRequest(t, s, http.MethodPost, "/webhook", pushPayload, map[string]string{
		"X-Hub-Signature-256": signBody("wrong-secret", pushPayload),
	})

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
	runner.assertNoRun(t)
}

func TestWebhookMissingSignature(t *testing.T) {
	s, runner := newTestServer(t, WithWebhookSecret("hunter2"))

	rec := doRequest(t, s, http.MethodPost, "/webhook", pushPayload, nil)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
	runner.assertNoRun(t)
}

func TestWebhookGitLabToken(t *testing.T) {
	s, runner := newTestServer(t, WithWebhookSecret("hunter2"))

	rec := doRequest(t, s, http.MethodPost, "/webhook", pushPayload, map[string]string{
		"X-Gitlab-Token": "hunter2",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := runner.waitForRun(t); got != "dep-audit" {
		t.Errorf("ran %q", got)
	}
}

func TestWebhookNoSecretAcceptsAll(t *testing.T) {
	s, runner := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/webhook", pushPayload, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	runner.waitForRun(t)
}

func TestWebhookEventInferredFromHeader(t *testing.T) {
	s, runner := newTestServer(t)
	payload := `{"repo":"acme/widgets"}`

	rec := doRequest(t, s, http.MethodPost, "/webhook", payload, map[string]string{
		"X-GitHub-Event": "pull_request",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	triggered, _ := body["triggered"].([]any)
	if len(triggered) != 1 || triggered[0] != "org-wide" {
		t.Errorf("triggered = %v", triggered)
	}
	if got := runner.waitForRun(t); got != "org-wide" {
		t.Errorf("ran %q", got)
	}
}

func TestWebhookMissingEventOrRepo(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name    string
		payload string
	}{
		{"no event", `{"repo":"acme/api"}`},
		{"no repo", `{"event":"push"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/webhook", tt.payload, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestWebhookPathFiltersExcludeUnrelatedFiles(t *testing.T) {
	s, runner := newTestServer(t)
	payload := `{"event":"push","repo":"acme/api","changed_files":["docs/readme.md"]}`

	rec := doRequest(t, s, http.MethodPost, "/webhook", payload, nil)

	body := decodeBody(t, rec)
	if body["count"] != float64(0) {
		t.Errorf("count = %v", body["count"])
	}
	runner.assertNoRun(t)
}

func TestWebhookPathFilterMatchesBasename(t *testing.T) {
	s, runner := newTestServer(t)
	payload := `{"event":"push","repo":"acme/api","changed_files":["nested/dir/go.mod"]}`

	rec := doRequest(t, s, http.MethodPost, "/webhook", payload, nil)

	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}
	runner.waitForRun(t)
}

func TestWebhookCronOnlyCampaignNeverMatches(t *testing.T) {
	s, runner := newTestServer(t)
	// No campaign listens for this event; nightly-sweep is cron-only.
	payload := `{"event":"release","repo":"acme/api"}`

	rec := doRequest(t, s, http.MethodPost, "/webhook", payload, nil)

	body := decodeBody(t, rec)
	if body["count"] != float64(0) {
		t.Errorf("count = %v", body["count"])
	}
	runner.assertNoRun(t)
}

func TestWebhookWildcardRepo(t *testing.T) {
	s, runner := newTestServer(t)
	payload := `{"event":"pull_request","repo":"acme/some-new-repo"}`

	rec := doRequest(t, s, http.MethodPost, "/webhook", payload, nil)

	body := decodeBody(t, rec)
	triggered, _ := body["triggered"].([]any)
	if len(triggered) != 1 || triggered[0] != "org-wide" {
		t.Errorf("triggered = %v", triggered)
	}
	runner.waitForRun(t)
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	tests := []struct {
		name string
		sig  string
		want bool
	}{
		{"valid hmac", signBody("secret", "payload"), true},
		{"wrong hmac", signBody("other", "payload"), false},
		{"gitlab token", "secret", true},
		{"wrong token", "nope", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifySignature(body, tt.sig, "secret"); got != tt.want {
				t.Errorf("verifySignature(%q) = %v, want %v", tt.sig, got, tt.want)
			}
		})
	}
}

func TestMetricsEndpointConfigurable(t *testing.T) {
	s, _ := newTestServer(t, WithMetrics(observability.NoopMetrics{}, "/internal/metrics"))

	// The noop handler answers 503, which is enough to prove the mount.
	rec := doRequest(t, s, http.MethodGet, "/internal/metrics", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("configured endpoint status = %d, want mounted handler", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("default path status = %d, want 404 when the endpoint moved", rec.Code)
	}
}

func TestMetricsEndpointDefaultPath(t *testing.T) {
	s, _ := newTestServer(t, WithMetrics(observability.NoopMetrics{}, ""))

	rec := doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/metrics status = %d, want mounted handler", rec.Code)
	}
}

func TestMetricsNotMountedWithoutOption(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404 when metrics are disabled", rec.Code)
	}
}
