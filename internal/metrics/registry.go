// Package metrics exposes the tracker's operational state as Prometheus
// metrics: census gauges polled from the books, provider budget standing,
// and the monitor server's own request instrumentation.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry owns every metric the process exports. It registers into its
// own Prometheus registry so tests can build as many as they like without
// colliding on the global default.
type Registry struct {
	reg *prometheus.Registry

	// Census gauges, refreshed by the Collector.
	ActiveSignals    prometheus.Gauge
	CompletedSignals *prometheus.GaugeVec
	TrackedChannels  prometheus.Gauge
	TrackedTokens    prometheus.Gauge

	// Provider budget standing, refreshed by the Collector.
	ProviderBudgetUsed *prometheus.GaugeVec
	ProviderBudgetCap  *prometheus.GaugeVec
	ProviderTokens     *prometheus.GaugeVec

	// Monitor server instrumentation.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewRegistry builds and registers the full metric set.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ActiveSignals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalrun_active_signals",
			Help: "Signals currently inside their tracking window",
		}),
		CompletedSignals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalrun_completed_signals",
			Help: "Archived signals by terminal outcome category",
		}, []string{"outcome"}),
		TrackedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalrun_tracked_channels",
			Help: "Channels with learned reputation state",
		}),
		TrackedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalrun_tracked_tokens",
			Help: "Tokens with cross-channel state",
		}),

		ProviderBudgetUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalrun_provider_budget_used",
			Help: "Requests spent against the provider's daily budget",
		}, []string{"provider"}),
		ProviderBudgetCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalrun_provider_budget_cap",
			Help: "The provider's scaled daily budget; 0 means uncapped",
		}, []string{"provider"}),
		ProviderTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalrun_provider_tokens_available",
			Help: "Per-minute burst tokens currently available",
		}, []string{"provider"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_http_requests_total",
			Help: "Monitor server requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signalrun_http_request_duration_seconds",
			Help:    "Monitor server request latency by route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
	}

	r.reg.MustRegister(
		r.ActiveSignals,
		r.CompletedSignals,
		r.TrackedChannels,
		r.TrackedTokens,
		r.ProviderBudgetUsed,
		r.ProviderBudgetCap,
		r.ProviderTokens,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one served request.
func (r *Registry) ObserveRequest(route string, code int, took time.Duration) {
	r.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", code)).Inc()
	r.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}

// Snapshot flattens every gathered sample into "name{label=value,...}"
// keys. The status command prints it; tests assert on it.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := fam.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, l.GetName()+"="+l.GetValue())
				}
				sort.Strings(parts)
				key += "{" + strings.Join(parts, ",") + "}"
			}
			out[key] = sampleValue(m)
		}
	}
	return out, nil
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}
