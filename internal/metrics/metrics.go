// Package metrics exposes fraud scoring and model training as Prometheus
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hed1ad/aidguard/pkg/fraud"
)

const namespace = "aidguard"

// Metrics holds the collectors on a private registry. It implements
// fraud.Observer.
type Metrics struct {
	registry *prometheus.Registry

	scores    *prometheus.CounterVec
	scoreDist *prometheus.HistogramVec
	trainings *prometheus.CounterVec
	trained   prometheus.Gauge
	samples   prometheus.Gauge
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scores: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "fraud_scores_total", Help: "Shipments scored, by scoring mode and verdict."},
			[]string{"mode", "verdict"},
		),
		scoreDist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "fraud_score", Help: "Distribution of fraud scores.", Buckets: prometheus.LinearBuckets(0, 0.1, 11)},
			[]string{"mode"},
		),
		trainings: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "model_trainings_total", Help: "Model training attempts, by result."},
			[]string{"result"},
		),
		trained: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "model_trained", Help: "1 once a fraud model has been fitted."},
		),
		samples: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "model_training_samples", Help: "Shipments in the last successful training batch."},
		),
	}

	m.registry.MustRegister(
		m.scores,
		m.scoreDist,
		m.trainings,
		m.trained,
		m.samples,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveScore counts a verdict.
func (m *Metrics) ObserveScore(v fraud.Verdict) {
	verdict := "clean"
	if v.IsFraud {
		verdict = "fraud"
	}
	mode := string(v.Mode)
	m.scores.WithLabelValues(mode, verdict).Inc()
	m.scoreDist.WithLabelValues(mode).Observe(v.Score)
}

// ObserveTraining counts a training attempt.
func (m *Metrics) ObserveTraining(fitted bool, samples int) {
	if !fitted {
		m.trainings.WithLabelValues("skipped").Inc()
		return
	}
	m.trainings.WithLabelValues("fitted").Inc()
	m.trained.Set(1)
	m.samples.Set(float64(samples))
}

// MarkTrained sets the trained gauge for a model restored from a snapshot.
func (m *Metrics) MarkTrained(samples int) {
	m.trained.Set(1)
	m.samples.Set(float64(samples))
}

var _ fraud.Observer = (*Metrics)(nil)
