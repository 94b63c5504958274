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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records runner telemetry. Implementations must tolerate being
// called with a zero-value receiver.
type Metrics interface {
	RecordCampaignRun(ctx context.Context, campaign, status string, duration time.Duration, tokens int)
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)
	RecordWebhookEvent(ctx context.Context, event string)

	// Handler serves the scrape endpoint.
	Handler() http.Handler
}

type PrometheusMetrics struct {
	campaignDuration metric.Float64Histogram
	campaignRuns     metric.Int64Counter
	campaignTokens   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	webhookEvents metric.Int64Counter
}

func NewPrometheusMetrics(
	campaignDuration metric.Float64Histogram,
	campaignRuns metric.Int64Counter,
	campaignTokens metric.Int64Counter,
	toolDuration metric.Float64Histogram,
	toolCalls metric.Int64Counter,
	toolErrors metric.Int64Counter,
	webhookEvents metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		campaignDuration: campaignDuration,
		campaignRuns:     campaignRuns,
		campaignTokens:   campaignTokens,
		toolDuration:     toolDuration,
		toolCalls:        toolCalls,
		toolErrors:       toolErrors,
		webhookEvents:    webhookEvents,
	}
}

func (m *PrometheusMetrics) RecordCampaignRun(ctx context.Context, campaign, status string, duration time.Duration, tokens int) {
	if m == nil || m.campaignDuration == nil || m.campaignRuns == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("campaign", campaign),
		attribute.String("status", status),
	}

	m.campaignDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.campaignRuns.Add(ctx, 1, metric.WithAttributes(attrs...))

	if tokens > 0 && m.campaignTokens != nil {
		m.campaignTokens.Add(ctx, int64(tokens),
			metric.WithAttributes(attribute.String("campaign", campaign)))
	}
}

func (m *PrometheusMetrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil || m.toolCalls == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.toolErrors != nil {
		m.toolErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordWebhookEvent(ctx context.Context, event string) {
	if m == nil || m.webhookEvents == nil {
		return
	}

	m.webhookEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)))
}

// Handler serves the Prometheus scrape endpoint. The otel prometheus
// exporter registers with the default registry, which promhttp serves.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || m.campaignRuns == nil {
		return NoopMetrics{}.Handler()
	}
	return promhttp.Handler()
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordCampaignRun(_ context.Context, _, _ string, _ time.Duration, _ int) {}
func (NoopMetrics) RecordToolCall(_ context.Context, _ string, _ time.Duration, _ error)     {}
func (NoopMetrics) RecordWebhookEvent(_ context.Context, _ string)                           {}

// Handler returns a handler that answers 503 Service Unavailable.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
