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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-backed metrics recorder. When metrics are
// disabled it returns an empty recorder whose methods are nil-safe no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	cfg.SetDefaults()

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("campaign-runner")
	ns := cfg.Namespace

	campaignDuration, err := meter.Float64Histogram(
		ns+"_campaign_duration_seconds",
		metric.WithDescription("Campaign run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign duration histogram: %w", err)
	}

	campaignRuns, err := meter.Int64Counter(
		ns+"_campaign_runs_total",
		metric.WithDescription("Total campaign runs by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign runs counter: %w", err)
	}

	campaignTokens, err := meter.Int64Counter(
		ns+"_tokens_used_total",
		metric.WithDescription("Total token-budget units consumed by campaigns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens used counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		ns+"_tool_call_duration_seconds",
		metric.WithDescription("Gateway tool call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		ns+"_tool_calls_total",
		metric.WithDescription("Total gateway tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		ns+"_tool_errors_total",
		metric.WithDescription("Total gateway tool call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	webhookEvents, err := meter.Int64Counter(
		ns+"_webhook_events_total",
		metric.WithDescription("Total webhook events received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook events counter: %w", err)
	}

	return NewPrometheusMetrics(
		campaignDuration,
		campaignRuns,
		campaignTokens,
		toolDuration,
		toolCalls,
		toolErrors,
		webhookEvents,
	), nil
}
