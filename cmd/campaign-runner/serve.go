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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/campaign-runner/pkg/campaign"
	"github.com/kadirpekel/campaign-runner/pkg/collector"
	"github.com/kadirpekel/campaign-runner/pkg/config"
	"github.com/kadirpekel/campaign-runner/pkg/dispatcher"
	"github.com/kadirpekel/campaign-runner/pkg/feedback"
	"github.com/kadirpekel/campaign-runner/pkg/gateway"
	"github.com/kadirpekel/campaign-runner/pkg/githubapp"
	"github.com/kadirpekel/campaign-runner/pkg/httpclient"
	"github.com/kadirpekel/campaign-runner/pkg/observability"
	"github.com/kadirpekel/campaign-runner/pkg/publisher"
	"github.com/kadirpekel/campaign-runner/pkg/scheduler"
	"github.com/kadirpekel/campaign-runner/pkg/server"
)

// reloadInterval is how often campaign definitions are re-read even
// without a filesystem event, so config-map style mounts that fool
// fsnotify still converge.
const reloadInterval = 5 * time.Minute

// ServeCmd runs the scheduler loop and the HTTP API.
type ServeCmd struct {
	CampaignsDir       string        `help:"Campaign definitions directory (default /etc/campaigns)." env:"CAMPAIGNS_DIR" type:"path"`
	GatewayURL         string        `name:"gateway-url" help:"Tool gateway base URL." env:"GATEWAY_URL"`
	AgentURLGeneralist string        `name:"agent-url-generalist" help:"Generalist agent sidecar base URL." env:"AGENT_URL_GENERALIST"`
	AgentURLHexstrike  string        `name:"agent-url-hexstrike" help:"Hexstrike agent sidecar base URL." env:"AGENT_URL_HEXSTRIKE"`
	AgentURLUpstream   string        `name:"agent-url-upstream" help:"Upstream agent sidecar base URL." env:"AGENT_URL_UPSTREAM"`
	Interval           time.Duration `help:"Scheduler cycle interval (default 60s)." env:"RUNNER_INTERVAL"`
	APIPort            *int          `name:"api-port" help:"API server port (default 8081, 0 disables)." env:"RUNNER_API_PORT"`
	Once               bool          `help:"Run one scheduler cycle and exit."`
}

// runtimeParts holds the wired components shared by serve and run.
type runtimeParts struct {
	registry *campaign.Registry
	sched    *scheduler.Scheduler
	metrics  observability.Metrics
	close    func()
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := buildConfig(cli, c)
	if err != nil {
		return err
	}

	parts, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer parts.close()

	if cfg.APIPort > 0 {
		srvOpts := []server.Option{server.WithWebhookSecret(cfg.GitHub.WebhookSecret)}
		if cfg.Observability.Metrics.Enabled {
			srvOpts = append(srvOpts, server.WithMetrics(parts.metrics, cfg.Observability.Metrics.Endpoint))
		}
		srv := server.New(cfg.APIPort, parts.registry, parts.sched, srvOpts...)
		parts.sched.OnResult = srv.RecordResult
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("API server failed", "error", err)
				cancel()
			}
		}()
	}

	parts.sched.ClearKillSwitchOnStartup(ctx)
	parts.sched.SmokeTest(ctx)
	parts.sched.RunDue(ctx, time.Now())

	if c.Once {
		return nil
	}

	return c.loop(ctx, cfg, parts)
}

// loop drives scheduler cycles and campaign reloads until ctx ends.
func (c *ServeCmd) loop(ctx context.Context, cfg *config.Config, parts *runtimeParts) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	reloadTicker := time.NewTicker(reloadInterval)
	defer reloadTicker.Stop()

	var watchEvents <-chan struct{}
	watcher, err := campaign.NewWatcher(cfg.CampaignsDir)
	if err != nil {
		slog.Warn("Campaign watcher unavailable, relying on periodic reload", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		watchEvents, err = watcher.Watch(ctx)
		if err != nil {
			slog.Warn("Campaign watch failed, relying on periodic reload", "error", err)
		}
	}

	reload := func(reason string) {
		campaigns, err := campaign.LoadDir(cfg.CampaignsDir)
		if err != nil {
			slog.Error("Campaign reload failed", "reason", reason, "error", err)
			return
		}
		parts.registry.Replace(campaigns)
		slog.Info("Campaigns reloaded", "reason", reason, "count", len(campaigns))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			parts.sched.RunDue(ctx, now)
		case <-reloadTicker.C:
			reload("periodic")
		case <-watchEvents:
			reload("fsnotify")
		}
	}
}

// buildRuntime wires the gateway, collector, dispatcher, and scheduler
// from the config.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeParts, error) {
	var gw gateway.Client
	closeFn := func() {}
	if cfg.Gateway.Command != "" {
		stdio := gateway.NewStdioClient(cfg.Gateway.Command, cfg.Gateway.Args, cfg.Gateway.Env)
		closeFn = func() { _ = stdio.Close() }
		gw = stdio
		slog.Info("Using stdio gateway", "command", cfg.Gateway.Command)
	} else {
		var gwOpts []gateway.HTTPOption
		if cfg.Gateway.CACert != "" || cfg.Gateway.Insecure {
			gwOpts = append(gwOpts, gateway.WithTLS(&httpclient.TLSConfig{
				CACertificate:      cfg.Gateway.CACert,
				InsecureSkipVerify: cfg.Gateway.Insecure,
			}))
		}
		gw = gateway.NewHTTPClient(cfg.GatewayURL, gwOpts...)
		slog.Info("Using HTTP gateway", "url", cfg.GatewayURL)
	}

	campaigns, err := campaign.LoadDir(cfg.CampaignsDir)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	registry := campaign.NewRegistry(campaigns)
	slog.Info("Campaigns loaded", "count", registry.Count())

	metrics, err := observability.InitMetrics(ctx, cfg.Observability.Metrics)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	opts := []scheduler.Option{
		scheduler.WithMetrics(metrics),
		scheduler.WithKillSwitchStaleness(cfg.KillSwitchStaleness),
		scheduler.WithSmokeCampaign(cfg.SmokeCampaign),
	}

	tokens := resolveTokenSource(ctx)
	if tokens != nil {
		opts = append(opts, scheduler.WithTokenSource(tokens))

		tok, err := tokens.Token(ctx)
		if err != nil {
			slog.Warn("Initial token fetch failed, feedback and publishing start unauthenticated", "error", err)
		}
		opts = append(opts, scheduler.WithFeedback(feedback.New(tok)))

		if cfg.GitHub.RepoOwner != "" && cfg.GitHub.RepoName != "" {
			pub := publisher.New(tok, cfg.GitHub.RepoOwner, cfg.GitHub.RepoName)
			if err := pub.Init(ctx); err != nil {
				slog.Warn("Publisher init failed, discussions disabled", "error", err)
			} else {
				opts = append(opts, scheduler.WithPublisher(pub))
			}
		} else {
			slog.Info("No publishing repo configured, discussions disabled")
		}
	}

	disp := dispatcher.New(gw, cfg.AgentURLs, dispatcher.WithMetrics(metrics))
	sched := scheduler.New(registry, disp, collector.New(gw), opts...)

	return &runtimeParts{
		registry: registry,
		sched:    sched,
		metrics:  metrics,
		close:    closeFn,
	}, nil
}

// resolveTokenSource picks forge credentials: GitHub App installation
// tokens when app credentials are present, a static GITHUB_TOKEN as
// fallback, else none with feedback and publishing disabled.
func resolveTokenSource(ctx context.Context) githubapp.TokenSource {
	provider, err := githubapp.NewFromEnv()
	if err == nil {
		slog.Info("Using GitHub App installation tokens")
		return provider
	}

	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		slog.Info("Using static GITHUB_TOKEN")
		return githubapp.Static(tok)
	}

	slog.Warn("No forge credentials, feedback and publishing disabled", "reason", err)
	return nil
}
