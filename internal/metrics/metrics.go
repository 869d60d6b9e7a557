// Package metrics exposes gateway counters in Prometheus form.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "aigateway"

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	creditsSpent     *prometheus.CounterVec
	creditsRefunded  *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Metered requests by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		creditsSpent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_spent_total",
				Help:      "Credits committed for successful requests.",
			},
			[]string{"endpoint"},
		),
		creditsRefunded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_refunded_total",
				Help:      "Credits returned after failed upstream calls.",
			},
			[]string{"endpoint"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Histogram of upstream call durations in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),
	}
	reg.MustRegister(m.requestsTotal, m.creditsSpent, m.creditsRefunded, m.upstreamDuration)
	return m
}

func (m *Metrics) Request(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) Spent(endpoint string, credits int64) {
	if m == nil || credits == 0 {
		return
	}
	m.creditsSpent.WithLabelValues(endpoint).Add(float64(credits))
}

func (m *Metrics) Refunded(endpoint string, credits int64) {
	if m == nil || credits == 0 {
		return
	}
	m.creditsRefunded.WithLabelValues(endpoint).Add(float64(credits))
}

func (m *Metrics) UpstreamDuration(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// WriteText gathers from g and writes the text exposition format to w.
// When endpoint is set, series carrying an endpoint label are limited to
// that endpoint; families without the label are written unchanged.
func WriteText(w io.Writer, g prometheus.Gatherer, endpoint string) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if endpoint != "" {
			mf = filterEndpoint(mf, endpoint)
			if mf == nil {
				continue
			}
		}
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// ContentType is the media type written by WriteText.
func ContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}

func filterEndpoint(mf *dto.MetricFamily, endpoint string) *dto.MetricFamily {
	labelled := false
	var kept []*dto.Metric
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() != "endpoint" {
				continue
			}
			labelled = true
			if l.GetValue() == endpoint {
				kept = append(kept, m)
			}
			break
		}
	}

	if !labelled {
		return mf
	}
	if len(kept) == 0 {
		return nil
	}
	return &dto.MetricFamily{
		Name:   mf.Name,
		Help:   mf.Help,
		Type:   mf.Type,
		Metric: kept,
	}
}
