// Package campaignrunner is an autonomous agent campaign runner: a
// long-lived controller that evaluates declarative campaign definitions,
// dispatches work to agents, collects structured results, files durable
// findings (issues, discussions, pull requests), and routes cross-agent
// handoffs.
//
// # Quick Start
//
// Install the runner:
//
//	go install github.com/kadirpekel/campaign-runner/cmd/campaign-runner@latest
//
// Point it at a campaigns directory and a tool gateway:
//
//	campaign-runner serve --campaigns-dir /etc/campaigns --gateway-url https://gateway:443
//
// Campaign definitions are JSON files referenced by an index.json in the
// campaigns directory. The scheduler evaluates cron and dependency
// triggers every interval; push and pull_request events arrive through
// the /webhook endpoint.
//
// # Packages
//
//   - pkg/campaign: definition types, loader, registry, hot-reload watcher
//   - pkg/cron: 5-field schedule matcher
//   - pkg/gateway: JSON-RPC 2.0 tool-gateway client
//   - pkg/dispatcher: direct tool fan-out and agent sidecar RPC
//   - pkg/collector: result persistence and kill-switch state
//   - pkg/scheduler: two-pass trigger evaluation and run orchestration
//   - pkg/feedback: issue and pull-request lifecycle
//   - pkg/publisher: sanitised forge discussions
//   - pkg/router: cross-agent finding handoff
//   - pkg/githubapp: installation-token provider
//   - pkg/server: HTTP control surface
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package campaignrunner
