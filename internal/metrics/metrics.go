// Package metrics exposes Prometheus instruments for generation and the HTTP
// server. All recording methods accept a nil *Metrics and do nothing, so
// library callers that do not care about metrics can pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llama2"

// Generation outcomes used as the "outcome" label.
const (
	OutcomeStop     = "stop"
	OutcomeLength   = "length"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

type Metrics struct {
	TokensGenerated    prometheus.Counter
	PromptTokens       prometheus.Counter
	ForwardDuration    prometheus.Histogram
	GenerationDuration prometheus.Histogram
	Generations        *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	APIRequests        *prometheus.CounterVec
	ModelParameters    prometheus.Gauge
}

// New registers the instruments with reg. Passing prometheus.DefaultRegisterer
// exposes them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TokensGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_generated_total",
			Help:      "Tokens sampled by the generation loop",
		}),
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Prompt tokens forced through the model",
		}),
		ForwardDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Latency of a single transformer forward pass",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		GenerationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a complete generation",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by outcome",
		}, []string{"outcome"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently generating",
		}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		ModelParameters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_parameters",
			Help:      "Parameter count of the loaded checkpoint",
		}),
	}
}

func (m *Metrics) ObserveForward(d time.Duration) {
	if m == nil {
		return
	}
	m.ForwardDuration.Observe(d.Seconds())
}

func (m *Metrics) AddPromptTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PromptTokens.Add(float64(n))
}

func (m *Metrics) IncTokens() {
	if m == nil {
		return
	}
	m.TokensGenerated.Inc()
}

// SessionStarted marks a generation as running and returns the function that
// records its end.
func (m *Metrics) SessionStarted() func(outcome string, d time.Duration) {
	if m == nil {
		return func(string, time.Duration) {}
	}
	m.ActiveSessions.Inc()
	return func(outcome string, d time.Duration) {
		m.ActiveSessions.Dec()
		m.Generations.WithLabelValues(outcome).Inc()
		m.GenerationDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveRequest(route, code string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) SetModelParameters(n int64) {
	if m == nil {
		return
	}
	m.ModelParameters.Set(float64(n))
}
