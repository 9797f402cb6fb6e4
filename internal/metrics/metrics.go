// Package metrics instruments the broker on a private Prometheus registry.
//
// The broker deliberately has no network listener, so the families are not
// scraped; they are gathered on demand and returned by the server.metrics
// operation over the socket.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	ManifestReloads prometheus.Counter
	Connections     prometheus.Gauge
}

// New creates and registers the instrument set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_requests_total",
			Help: "Dispatched requests by method and outcome.",
		}, []string{"method", "outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_token_refreshes_total",
			Help: "OAuth token refresh attempts by outcome.",
		}, []string{"outcome"}),
		ManifestReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokerd_manifest_reloads_total",
			Help: "Manifest registry rebuilds.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brokerd_connections_active",
			Help: "Currently open socket connections.",
		}),
	}
	m.registry.MustRegister(m.Requests, m.Refreshes, m.ManifestReloads, m.Connections)
	return m
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(method string, err bool) {
	outcome := "ok"
	if err {
		outcome = "error"
	}
	m.Requests.WithLabelValues(method, outcome).Inc()
}

// ObserveRefresh records one token refresh attempt.
func (m *Metrics) ObserveRefresh(success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// Family is the JSON-friendly view of one gathered metric family.
type Family struct {
	Name    string   `json:"name"`
	Help    string   `json:"help"`
	Type    string   `json:"type"`
	Samples []Sample `json:"samples"`
}

// Sample is one labeled observation.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Gather snapshots the registry into wire-friendly families.
func (m *Metrics) Gather() ([]Family, error) {
	raw, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	families := make([]Family, 0, len(raw))
	for _, mf := range raw {
		family := Family{
			Name: mf.GetName(),
			Help: mf.GetHelp(),
			Type: mf.GetType().String(),
		}
		for _, metric := range mf.GetMetric() {
			sample := Sample{}
			if labels := metric.GetLabel(); len(labels) > 0 {
				sample.Labels = make(map[string]string, len(labels))
				for _, lp := range labels {
					sample.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			switch {
			case metric.GetCounter() != nil:
				sample.Value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				sample.Value = metric.GetGauge().GetValue()
			}
			family.Samples = append(family.Samples, sample)
		}
		families = append(families, family)
	}
	return families, nil
}
