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

// Package server exposes the runner's HTTP control surface: health,
// campaign listing, manual triggers, last-run status, the forge webhook,
// and the metrics scrape endpoint.
//
// The server reads campaigns through the shared registry, so hot reloads
// are visible to every endpoint without restarts. It caches the last
// result per campaign via RecordResult, which callers register as the
// scheduler's on-result observer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/observability"
)

const shutdownTimeout = 10 * time.Second

// Runner triggers a single campaign run. Satisfied by the scheduler.
type Runner interface {
	RunCampaign(ctx context.Context, camp *campaign.Campaign) error
}

// Server is the runner's HTTP API.
type Server struct {
	port          int
	registry      *campaign.Registry
	runner        Runner
	webhookSecret string
	metrics       observability.Metrics
	metricsPath   string

	httpServer *http.Server

	mu          sync.Mutex
	lastResults map[string]*campaign.Result
}

// Option configures the server.
type Option func(*Server)

// WithWebhookSecret enables signature verification on /webhook. Without
// a secret every post is accepted; only deploy that way behind an
// authenticating proxy.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.webhookSecret = secret }
}

// WithMetrics mounts the scrape endpoint at the given path and records
// webhook events. An empty path means the default.
func WithMetrics(m observability.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// New creates an API server for the given registry and runner.
func New(port int, registry *campaign.Registry, runner Runner, opts ...Option) *Server {
	s := &Server{
		port:        port,
		registry:    registry,
		runner:      runner,
		lastResults: make(map[string]*campaign.Result),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recovererMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/campaigns", s.handleCampaigns)
	r.Post("/trigger", s.handleTrigger)
	r.Get("/status", s.handleStatus)
	r.Post("/webhook", s.handleWebhook)
	if s.metrics != nil {
		path := s.metricsPath
		if path == "" {
			path = observability.DefaultMetricsPath
		}
		r.Method(http.MethodGet, path, s.metrics.Handler())
	}

	return r
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("API server listening", "port", s.port)

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		slog.Info("API server stopped")
		return nil
	}
}

// RecordResult caches a campaign result for the /status endpoint.
// Register this as the scheduler's on-result callback.
func (s *Server) RecordResult(result *campaign.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResults[result.CampaignID] = result
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "campaign-runner",
		"campaign_count": s.registry.Count(),
	})
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	type campaignInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Agent       string `json:"agent"`
		Schedule    string `json:"schedule,omitempty"`
		MaxDuration string `json:"max_duration"`
	}

	all := s.registry.List()
	campaigns := make([]campaignInfo, 0, len(all))
	for _, c := range all {
		campaigns = append(campaigns, campaignInfo{
			ID:          c.ID,
			Name:        c.Name,
			Agent:       c.Agent,
			Schedule:    c.Trigger.Schedule,
			MaxDuration: c.Guardrails.MaxDuration,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// handleTrigger manually triggers a campaign.
// POST /trigger?campaign=ID
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaign")
	if campaignID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing 'campaign' query parameter",
		})
		return
	}

	camp, ok := s.registry.Get(campaignID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":       "campaign not found",
			"campaign_id": campaignID,
		})
		return
	}

	// The request context dies when the handler returns, so the run gets
	// a detached context bounded by the campaign's own timeout.
	go s.runDetached(camp, "manual trigger")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"campaign_id": campaignID,
	})
}

func (s *Server) runDetached(camp *campaign.Campaign, reason string) {
	timeout := camp.MaxDuration()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("Dispatching campaign", "campaign", camp.ID, "reason", reason, "timeout", timeout)
	if err := s.runner.RunCampaign(ctx, camp); err != nil {
		slog.Error("Campaign run failed", "campaign", camp.ID, "reason", reason, "error", err)
	}
}

// handleStatus returns the cached last results.
// GET /status?campaign=ID (optional filter)
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	campaignID := r.URL.Query().Get("campaign")
	if campaignID != "" {
		result, ok := s.lastResults[campaignID]
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"campaign_id": campaignID,
				"status":      "no_runs",
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": s.lastResults,
		"count":   len(s.lastResults),
	})
}
