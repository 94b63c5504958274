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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
)

// WebhookPayload is the normalised form of forge push/PR events.
type WebhookPayload struct {
	// Event type: "push", "pull_request".
	Event string `json:"event"`
	// Forge: "github", "gitlab".
	Forge string `json:"forge"`
	// Ref is the full git ref, e.g. "refs/heads/main".
	Ref string `json:"ref"`
	// Repo is "org/repo".
	Repo string `json:"repo"`
	// ChangedFiles lists file paths modified in the push or PR.
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// handleWebhook accepts GitHub/GitLab push and PR payloads and triggers
// matching campaigns. POST /webhook
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	if s.webhookSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Gitlab-Token")
		}
		if !verifySignature(body, sig, s.webhookSecret) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "parse: " + err.Error()})
		return
	}

	// GitHub webhooks carry the event type in a header, not the body.
	if payload.Event == "" {
		payload.Event = r.Header.Get("X-GitHub-Event")
	}

	if payload.Event == "" || payload.Repo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing event or repo"})
		return
	}

	if s.metrics != nil {
		s.metrics.RecordWebhookEvent(r.Context(), payload.Event)
	}

	triggered := s.matchWebhook(payload)

	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": triggered,
		"count":     len(triggered),
	})
}

// matchWebhook finds campaigns whose triggers match the payload and
// dispatches each asynchronously. Cron-only campaigns carry no event and
// never match.
func (s *Server) matchWebhook(payload WebhookPayload) []string {
	triggered := []string{}

	for _, camp := range s.registry.List() {
		trigger := camp.Trigger
		if trigger.Event == "" || trigger.Event != payload.Event {
			continue
		}

		if !repoMatches(camp.Targets, payload.Repo) {
			continue
		}

		if len(trigger.PathFilters) > 0 && len(payload.ChangedFiles) > 0 {
			if !pathFiltersMatch(trigger.PathFilters, payload.ChangedFiles) {
				continue
			}
		}

		triggered = append(triggered, camp.ID)

		slog.Info("Webhook triggered campaign",
			"campaign", camp.ID, "event", payload.Event, "repo", payload.Repo)
		go s.runDetached(camp, "webhook "+payload.Event)
	}

	return triggered
}

// repoMatches reports whether any campaign target covers the payload
// repo. A target repo of "*" matches every repo in the org's forge.
func repoMatches(targets []campaign.Target, repo string) bool {
	for _, target := range targets {
		if target.Repo == "*" || target.Org+"/"+target.Repo == repo {
			return true
		}
	}
	return false
}

// pathFiltersMatch reports whether any changed file matches any of the
// glob patterns, against the full path or just the basename.
func pathFiltersMatch(filters, changedFiles []string) bool {
	for _, pattern := range filters {
		for _, file := range changedFiles {
			if matched, err := filepath.Match(pattern, file); err == nil && matched {
				return true
			}
			if matched, err := filepath.Match(pattern, filepath.Base(file)); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// verifySignature checks a GitHub-style HMAC-SHA256 signature
// ("sha256=<hex>") or a GitLab raw token, both in constant time.
func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}

	if hexSig, ok := strings.CutPrefix(signature, "sha256="); ok {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(hexSig), []byte(expected))
	}

	return hmac.Equal([]byte(signature), []byte(secret))
}
