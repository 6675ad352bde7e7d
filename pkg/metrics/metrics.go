package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		func(r *prometheus.Registry) prometheus.Registerer { return r },
		New,
	),
)

type Metrics struct {
	queueTasks    *prometheus.CounterVec
	hostResults   *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepSeconds   *prometheus.HistogramVec
	hostsInFlight prometheus.Gauge
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queueTasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_queue_tasks_total",
			Help: "Queue tasks finalized, by terminal status.",
		}, []string{"status"}),
		hostResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_host_results_total",
			Help: "Per-host terminal results, by action and status.",
		}, []string{"action", "status"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_pipeline_steps_total",
			Help: "Pipeline steps executed, by step and outcome.",
		}, []string{"step", "status"}),
		stepSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provisioner_pipeline_step_seconds",
			Help:    "Pipeline step duration.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		hostsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "provisioner_hosts_in_flight",
			Help: "Hosts currently being processed.",
		}),
	}
}

func (m *Metrics) QueueTaskFinished(status string) {
	m.queueTasks.WithLabelValues(status).Inc()
}

func (m *Metrics) HostFinished(action, status string) {
	m.hostResults.WithLabelValues(action, status).Inc()
}

func (m *Metrics) StepFinished(step, status string, took time.Duration) {
	m.steps.WithLabelValues(step, status).Inc()
	m.stepSeconds.WithLabelValues(step).Observe(took.Seconds())
}

// HostStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) HostStarted() func() {
	m.hostsInFlight.Inc()
	return m.hostsInFlight.Dec
}
