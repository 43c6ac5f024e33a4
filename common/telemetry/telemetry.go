package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foundryhq/foundry/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
	registry    *prometheus.Registry

	Metrics *Metrics
}

// New creates telemetry components
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Telemetry{
		log:         log,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf(":%d", metricsPort),
		registry:    registry,
		Metrics:     NewMetrics(registry),
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	// Start pprof server
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	// Prometheus metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		t.log.Info("metrics server starting", "addr", t.metricsAddr)
		if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
			t.log.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is safe to
// call: every method no-ops, so tests and the remote runner can skip wiring.
type Metrics struct {
	executionsStarted     prometheus.Counter
	executionsCompleted   prometheus.Counter
	executionsFailed      prometheus.Counter
	automationsFired      prometheus.Counter
	automationsSuppressed prometheus.Counter
	webhooksAccepted      prometheus.Counter
	webhooksRejected      prometheus.Counter
	stepDuration          *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on the given registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_executions_started_total",
			Help: "Workflow executions started.",
		}),
		executionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_executions_completed_total",
			Help: "Workflow executions that reached completed.",
		}),
		executionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_executions_failed_total",
			Help: "Workflow executions that reached failed.",
		}),
		automationsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_automations_fired_total",
			Help: "Automation executions enqueued.",
		}),
		automationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_automations_suppressed_total",
			Help: "Automation triggers suppressed by the per-issue lock.",
		}),
		webhooksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_webhooks_accepted_total",
			Help: "Container webhooks accepted after token verification.",
		}),
		webhooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_webhooks_rejected_total",
			Help: "Container webhooks rejected at token verification.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foundry_step_duration_seconds",
			Help:    "Node step duration by node kind.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.executionsFailed,
		m.automationsFired,
		m.automationsSuppressed,
		m.webhooksAccepted,
		m.webhooksRejected,
		m.stepDuration,
	)
	return m
}

func (m *Metrics) ExecutionStarted() {
	if m != nil {
		m.executionsStarted.Inc()
	}
}

func (m *Metrics) ExecutionCompleted() {
	if m != nil {
		m.executionsCompleted.Inc()
	}
}

func (m *Metrics) ExecutionFailed() {
	if m != nil {
		m.executionsFailed.Inc()
	}
}

func (m *Metrics) AutomationFired() {
	if m != nil {
		m.automationsFired.Inc()
	}
}

func (m *Metrics) AutomationSuppressed() {
	if m != nil {
		m.automationsSuppressed.Inc()
	}
}

func (m *Metrics) WebhookAccepted() {
	if m != nil {
		m.webhooksAccepted.Inc()
	}
}

func (m *Metrics) WebhookRejected() {
	if m != nil {
		m.webhooksRejected.Inc()
	}
}

func (m *Metrics) ObserveStep(kind string, d time.Duration) {
	if m != nil {
		m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}
