// Package metrics exposes Prometheus collectors for the HTTP surface and the
// generation pipeline.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santiagomed/kiln/core"
	"github.com/santiagomed/kiln/llm"
)

const namespace = "kiln"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of finished generation runs",
		},
		[]string{"status"},
	)

	RunsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_rejected_total",
			Help:      "Generation runs refused before they were queued",
		},
		[]string{"reason"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of completed generation runs",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   []float64{.1, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_errors_total",
			Help:      "Fatal errors by the stage they ended",
		},
		[]string{"stage"},
	)

	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_total",
			Help:      "Total number of model calls",
		},
		[]string{"model", "status"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Model call duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)
)

// Publisher records pipeline progress as metrics.
type Publisher struct{}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) PublishStep(step core.Stage, took time.Duration) {
	if step == core.Completed {
		RunsTotal.WithLabelValues("completed").Inc()
		RunDuration.Observe(took.Seconds())
		return
	}
	StageDuration.WithLabelValues(step.String()).Observe(took.Seconds())
}

func (p *Publisher) Error(step core.Stage, err error) {
	StageErrors.WithLabelValues(step.String()).Inc()
	RunsTotal.WithLabelValues("failed").Inc()
}

type instrumentedModel struct {
	next core.ModelClient
}

// InstrumentModel counts and times every call made through next.
func InstrumentModel(next core.ModelClient) core.ModelClient {
	return &instrumentedModel{next: next}
}

func (m *instrumentedModel) Complete(ctx context.Context, model string, messages []llm.Message, structured bool) (string, error) {
	start := time.Now()
	out, err := m.next.Complete(ctx, model, messages, structured)
	ModelCallDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	ModelCallsTotal.WithLabelValues(model, status).Inc()
	return out, err
}
