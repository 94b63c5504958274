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

// Package scheduler decides which campaigns run and drives each run
// end to end.
//
// RunDue makes two passes over the registry: independent campaigns first,
// then campaigns whose dependsOn list is fully covered by the completion
// set. The completion set is monotonic, so a dependency satisfied in an
// earlier cycle stays satisfied.
//
// A run flows through dispatch, status mapping, persistence, feedback,
// and publishing. Failures in any post-dispatch component are logged and
// the pipeline continues; only the kill switch refuses a run outright.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/cron"
	"github.com/kadirpekel/campaign-runner/pkg/dispatcher"
	"github.com/kadirpekel/campaign-runner/pkg/githubapp"
	"github.com/kadirpekel/campaign-runner/pkg/observability"
	"github.com/kadirpekel/campaign-runner/pkg/router"
)

// ErrKillSwitchActive is returned when the global kill switch refuses a
// run.
var ErrKillSwitchActive = errors.New("global kill switch active")

// DefaultKillSwitchStaleness is how long the kill switch may stay active
// before the scheduler assumes it was forgotten and clears it.
const DefaultKillSwitchStaleness = 6 * time.Hour

// DefaultSmokeCampaign is the campaign the startup smoke test runs.
const DefaultSmokeCampaign = "gateway-health"

// smokeTimeout bounds the startup smoke test.
const smokeTimeout = 2 * time.Minute

// Dispatcher executes a campaign and reports its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, camp *campaign.Campaign, runID string) (*dispatcher.Result, error)
}

// Collector persists results and exposes the kill switch.
type Collector interface {
	StoreResult(ctx context.Context, camp *campaign.Campaign, result *campaign.Result) error
	PreviousFindings(ctx context.Context, camp *campaign.Campaign) []campaign.Finding
	CheckKillSwitch(ctx context.Context) bool
	ClearKillSwitch(ctx context.Context) error
}

// FeedbackHandler files issues and PRs for findings.
type FeedbackHandler interface {
	ProcessFindings(ctx context.Context, camp *campaign.Campaign, findings, previous []campaign.Finding) error
	ProcessPRFindings(ctx context.Context, camp *campaign.Campaign, findings []campaign.Finding) error
	UpdateToken(token string)
}

// Publisher posts results to the discussion board.
type Publisher interface {
	Publish(ctx context.Context, camp *campaign.Campaign, result *campaign.Result, routed []router.RoutedFinding) (string, error)
	UpdateToken(token string)
}

// Scheduler evaluates triggers and orchestrates campaign runs.
type Scheduler struct {
	registry   *campaign.Registry
	dispatcher Dispatcher
	collector  Collector
	feedback   FeedbackHandler
	publisher  Publisher
	router     *router.Router
	tokens     githubapp.TokenSource
	metrics    observability.Metrics

	killSwitchStaleness time.Duration
	smokeCampaign       string

	// OnResult observes every finished run. The API server uses it to
	// keep its status cache current.
	OnResult func(*campaign.Result)

	mu            sync.Mutex
	completedRuns map[string]bool
	killSeenAt    time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFeedback wires the issue/PR handler.
func WithFeedback(f FeedbackHandler) Option {
	return func(s *Scheduler) { s.feedback = f }
}

// WithPublisher wires the discussion publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithRouter overrides the default finding router.
func WithRouter(r *router.Router) Option {
	return func(s *Scheduler) { s.router = r }
}

// WithTokenSource wires the forge token source refreshed before each run.
func WithTokenSource(ts githubapp.TokenSource) Option {
	return func(s *Scheduler) { s.tokens = ts }
}

// WithMetrics wires run metrics.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithKillSwitchStaleness overrides the staleness auto-clear threshold.
func WithKillSwitchStaleness(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.killSwitchStaleness = d
		}
	}
}

// WithSmokeCampaign overrides the campaign run by the startup smoke test.
func WithSmokeCampaign(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.smokeCampaign = id
		}
	}
}

// New creates a scheduler over the given registry.
func New(registry *campaign.Registry, d Dispatcher, c Collector, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:            registry,
		dispatcher:          d,
		collector:           c,
		router:              router.New(),
		killSwitchStaleness: DefaultKillSwitchStaleness,
		smokeCampaign:       DefaultSmokeCampaign,
		completedRuns:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunDue runs every campaign whose trigger is satisfied at now. Dependent
// campaigns run in a second pass once their dependencies are in the
// completion set.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	for _, camp := range s.registry.List() {
		if len(camp.Trigger.DependsOn) > 0 {
			continue
		}
		if !s.isDue(camp, now) {
			continue
		}
		slog.Info("Trigger satisfied, dispatching", "campaign", camp.ID)
		s.runAndMark(ctx, camp)
	}

	for _, camp := range s.registry.List() {
		if len(camp.Trigger.DependsOn) == 0 {
			continue
		}
		if !s.dependenciesMet(camp) {
			continue
		}
		slog.Info("Dependencies met, dispatching", "campaign", camp.ID)
		s.runAndMark(ctx, camp)
	}
}

func (s *Scheduler) runAndMark(ctx context.Context, camp *campaign.Campaign) {
	if err := s.RunCampaign(ctx, camp); err != nil {
		slog.Warn("Campaign run failed", "campaign", camp.ID, "error", err)
		return
	}
	s.MarkCompleted(camp.ID)
}

// RunCampaign executes one campaign end to end. The returned error covers
// refusals and dispatch transport failures; tool and agent failures are
// recorded on the stored result instead.
func (s *Scheduler) RunCampaign(ctx context.Context, camp *campaign.Campaign) error {
	s.refreshTokens(ctx)

	runID := fmt.Sprintf("%s-%d", camp.ID, time.Now().Unix())
	slog.Info("Starting run", "campaign", camp.ID, "run", runID,
		"agent", camp.Agent, "timeout", camp.MaxDuration())

	if err := s.checkKillSwitch(ctx); err != nil {
		slog.Warn("Run refused", "campaign", camp.ID, "error", err)
		return err
	}

	result := &campaign.Result{
		CampaignID: camp.ID,
		RunID:      runID,
		Agent:      camp.Agent,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, camp.MaxDuration())
	defer cancel()

	dispatchResult, err := s.dispatcher.Dispatch(runCtx, camp, runID)
	if err != nil {
		result.Status = campaign.StatusError
		result.Error = err.Error()
		result.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		s.finishRun(ctx, camp, result, time.Since(started))
		return err
	}

	result.ToolCalls = dispatchResult.ToolCalls
	result.TokensUsed = dispatchResult.TokensUsed
	result.KPIs = dispatchResult.KPIs
	result.ToolTrace = dispatchResult.ToolTrace
	result.Findings = dispatchResult.Findings

	switch {
	case runCtx.Err() != nil:
		result.Status = campaign.StatusTimeout
		result.Error = runCtx.Err().Error()
	case strings.Contains(dispatchResult.Error, dispatcher.BudgetExceededMarker):
		result.Status = campaign.StatusBudgetExceeded
		result.Error = dispatchResult.Error
	case dispatchResult.Error != "":
		result.Status = campaign.StatusFailure
		result.Error = dispatchResult.Error
	default:
		result.Status = campaign.StatusSuccess
	}
	result.FinishedAt = time.Now().UTC().Format(time.RFC3339)

	slog.Info("Run completed", "campaign", camp.ID, "run", runID,
		"status", result.Status, "tools", result.ToolCalls, "tokens", result.TokensUsed)

	s.finishRun(ctx, camp, result, time.Since(started))
	return nil
}

// finishRun pushes the result through persistence, feedback, and
// publishing. Runs on a context detached from the per-run timeout so a
// timed-out run still gets recorded.
func (s *Scheduler) finishRun(ctx context.Context, camp *campaign.Campaign, result *campaign.Result, took time.Duration) {
	ctx = context.WithoutCancel(ctx)

	if s.metrics != nil {
		s.metrics.RecordCampaignRun(ctx, camp.ID, result.Status, took, result.TokensUsed)
	}

	var previous []campaign.Finding
	if s.feedback != nil {
		previous = s.collector.PreviousFindings(ctx, camp)
	}

	if err := s.collector.StoreResult(ctx, camp, result); err != nil {
		slog.Warn("Result persistence failed", "campaign", camp.ID, "error", err)
	}

	if s.OnResult != nil {
		s.OnResult(result)
	}

	if s.feedback != nil && len(result.Findings) > 0 {
		if err := s.feedback.ProcessFindings(ctx, camp, result.Findings, previous); err != nil {
			slog.Warn("Feedback processing failed", "campaign", camp.ID, "error", err)
		}
		if err := s.feedback.ProcessPRFindings(ctx, camp, result.Findings); err != nil {
			slog.Warn("PR processing failed", "campaign", camp.ID, "error", err)
		}
	}

	if s.publisher != nil && result.Status != "" {
		routed := s.router.Route(camp, result.RunID, result.Findings)
		url, err := s.publisher.Publish(ctx, camp, result, routed)
		if err != nil {
			slog.Warn("Publishing failed", "campaign", camp.ID, "error", err)
		} else {
			result.DiscussionURL = url
		}
	}
}

// refreshTokens pulls a fresh forge token and pushes it to every sink.
func (s *Scheduler) refreshTokens(ctx context.Context) {
	if s.tokens == nil {
		return
	}
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		slog.Warn("Token refresh failed", "error", err)
		return
	}
	if s.feedback != nil {
		s.feedback.UpdateToken(tok)
	}
	if s.publisher != nil {
		s.publisher.UpdateToken(tok)
	}
}

// checkKillSwitch refuses the run while the kill switch is active. A
// switch left active past the staleness threshold is assumed forgotten
// and cleared.
func (s *Scheduler) checkKillSwitch(ctx context.Context) error {
	if !s.collector.CheckKillSwitch(ctx) {
		s.mu.Lock()
		s.killSeenAt = time.Time{}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killSeenAt.IsZero() {
		s.killSeenAt = time.Now()
		return ErrKillSwitchActive
	}
	if time.Since(s.killSeenAt) > s.killSwitchStaleness {
		slog.Warn("Kill switch stale, auto-clearing", "active_for", time.Since(s.killSeenAt).Round(time.Minute))
		if err := s.collector.ClearKillSwitch(ctx); err != nil {
			slog.Warn("Kill switch clear failed", "error", err)
			return ErrKillSwitchActive
		}
		s.killSeenAt = time.Time{}
		return nil
	}
	return ErrKillSwitchActive
}

// ClearKillSwitchOnStartup resets the kill switch once so a value left
// over from a previous incident cannot silently block the new deployment.
func (s *Scheduler) ClearKillSwitchOnStartup(ctx context.Context) {
	if err := s.collector.ClearKillSwitch(ctx); err != nil {
		slog.Warn("Startup kill switch clear failed", "error", err)
		return
	}
	slog.Info("Cleared kill switch on startup")
}

// SmokeTest runs the configured smoke campaign with a short timeout.
// Failures are logged but never fatal.
func (s *Scheduler) SmokeTest(ctx context.Context) {
	camp, ok := s.registry.Get(s.smokeCampaign)
	if !ok {
		slog.Info("Smoke campaign not present, skipping", "campaign", s.smokeCampaign)
		return
	}

	smokeCtx, cancel := context.WithTimeout(ctx, smokeTimeout)
	defer cancel()

	slog.Info("Running startup smoke test", "campaign", camp.ID)
	if err := s.RunCampaign(smokeCtx, camp); err != nil {
		slog.Warn("Smoke test failed", "campaign", camp.ID, "error", err)
		return
	}
	slog.Info("Smoke test completed", "campaign", camp.ID)
}

// isDue reports whether a campaign's trigger fires at now.
func (s *Scheduler) isDue(camp *campaign.Campaign, now time.Time) bool {
	trigger := camp.Trigger

	if trigger.Schedule == "" && trigger.Event == "manual" {
		return false
	}
	// Event-triggered campaigns are dispatched by the webhook handler.
	if trigger.Event == "push" || trigger.Event == "pull_request" {
		return false
	}
	if len(trigger.DependsOn) > 0 {
		return false
	}
	if trigger.Schedule != "" {
		return cron.Matches(trigger.Schedule, now)
	}
	return false
}

// dependenciesMet reports whether every dependency is in the completion
// set.
func (s *Scheduler) dependenciesMet(camp *campaign.Campaign) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range camp.Trigger.DependsOn {
		if !s.completedRuns[dep] {
			return false
		}
	}
	return true
}

// MarkCompleted adds a campaign to the completion set. External triggers
// use it to satisfy dependents without a scheduled run.
func (s *Scheduler) MarkCompleted(id string) {
	s.mu.Lock()
	s.completedRuns[id] = true
	s.mu.Unlock()
}
