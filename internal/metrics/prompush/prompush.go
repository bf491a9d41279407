// Package prompush pushes run metrics to a Prometheus Pushgateway. The job
// label becomes the Pushgateway grouping key, so it is not repeated on the
// collectors.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"songetl/internal/metrics"
)

// Backend is a Pushgateway metrics.Backend.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration *prometheus.SummaryVec
	rows         *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	files        *prometheus.CounterVec
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend registers the collectors on a private registry. jobName defaults
// to "song_etl".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "song_etl"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Processed files and phases by step and status.",
		}, []string{"step", "status"}),
		stepDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.StepDuration,
			Help:       "Step duration in seconds by step and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"step", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Warehouse rows written by entity kind.",
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.SkippedTotal,
			Help: "Input records skipped by reason.",
		}, []string{"reason"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.FilesTotal,
			Help: "Input files committed by phase.",
		}, []string{"phase"}),
	}

	for _, c := range []prometheus.Collector{b.steps, b.stepDuration, b.rows, b.skipped, b.files} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.RowsTotal:
		b.rows.WithLabelValues(labels["kind"]).Add(delta)
	case metrics.SkippedTotal:
		b.skipped.WithLabelValues(labels["reason"]).Add(delta)
	case metrics.FilesTotal:
		b.files.WithLabelValues(labels["phase"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDuration {
		return
	}
	b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the registry to the Pushgateway, replacing the job's group.
func (b *Backend) Flush() error {
	if err := push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}
