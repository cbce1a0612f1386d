package observer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "execbox"

// PrometheusRecorder exports execution metrics through a prometheus registry.
type PrometheusRecorder struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	memory     *prometheus.HistogramVec
	truncated  *prometheus.CounterVec
	poolWait   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished execution requests by language and status.",
		}, []string{"language", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_ms",
			Help:      "Wall-clock run duration in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"language"}),
		memory: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_memory_kb",
			Help:      "Peak memory per execution in KB.",
			Buckets:   []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
		}, []string{"language"}),
		truncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncations_total",
			Help:      "Streams cut at the output ceiling.",
		}, []string{"language", "stream"}),
		poolWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_wait_ms",
			Help:      "Time spent waiting for a child-process slot.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
		}, []string{"acquired"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Child processes currently running.",
		}, []string{"language"}),
	}
}

func (p *PrometheusRecorder) ObserveExecution(ctx context.Context, language, status string, duration time.Duration, memoryKB int64) {
	p.executions.WithLabelValues(language, status).Inc()
	p.duration.WithLabelValues(language).Observe(float64(duration.Milliseconds()))
	if memoryKB > 0 {
		p.memory.WithLabelValues(language).Observe(float64(memoryKB))
	}
}

func (p *PrometheusRecorder) ObserveTruncation(ctx context.Context, language, stream string) {
	p.truncated.WithLabelValues(language, stream).Inc()
}

func (p *PrometheusRecorder) ObservePoolWait(ctx context.Context, wait time.Duration, acquired bool) {
	label := "false"
	if acquired {
		label = "true"
	}
	p.poolWait.WithLabelValues(label).Observe(float64(wait.Milliseconds()))
}

func (p *PrometheusRecorder) RunStarted(ctx context.Context, language string) {
	p.inFlight.WithLabelValues(language).Inc()
}

func (p *PrometheusRecorder) RunFinished(ctx context.Context, language string) {
	p.inFlight.WithLabelValues(language).Dec()
}

var _ MetricsRecorder = (*PrometheusRecorder)(nil)
