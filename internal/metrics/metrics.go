package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	escrowsOpened     prometheus.Counter
	escrowsResolved   *prometheus.CounterVec
	ledgerErrors      *prometheus.CounterVec
	judgeFallbacks    prometheus.Counter
	executionFailures prometheus.Counter
	paymentOutcomes   *prometheus.CounterVec
	reconciled        *prometheus.CounterVec
	mirrorUploads     *prometheus.CounterVec
	pipelineSeconds   prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		escrowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustgate_escrows_opened_total",
			Help: "Escrows created in the registry.",
		}),
		escrowsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_escrows_resolved_total",
			Help: "Escrows that reached a terminal status.",
		}, []string{"status", "settlement"}),
		ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_ledger_errors_total",
			Help: "Failed ledger calls by operation.",
		}, []string{"op"}),
		judgeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustgate_judge_fallbacks_total",
			Help: "Verdicts replaced by the conservative fallback.",
		}),
		executionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustgate_execution_failures_total",
			Help: "Task executions that failed and were judged as failure text.",
		}),
		paymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_payment_checks_total",
			Help: "Payment gate outcomes.",
		}, []string{"outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_reconcile_attempts_total",
			Help: "Settlement reconciliation attempts.",
		}, []string{"result"}),
		mirrorUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_log_mirror_uploads_total",
			Help: "Rotated log files pushed to the object store mirror.",
		}, []string{"result"}),
		pipelineSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustgate_pipeline_seconds",
			Help:    "Time from escrow creation to resolution.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.escrowsOpened,
		m.escrowsResolved,
		m.ledgerErrors,
		m.judgeFallbacks,
		m.executionFailures,
		m.paymentOutcomes,
		m.reconciled,
		m.mirrorUploads,
		m.pipelineSeconds,
	)
	return m
}

// RegisterSubscriberGauge exposes the live observer count.
func (m *Metrics) RegisterSubscriberGauge(count func() int) {
	if m == nil || count == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "trustgate_observers",
		Help: "Connected real-time observers.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) EscrowOpened() {
	if m == nil {
		return
	}
	m.escrowsOpened.Inc()
}

func (m *Metrics) EscrowResolved(status, settlement string, took time.Duration) {
	if m == nil {
		return
	}
	m.escrowsResolved.WithLabelValues(status, settlement).Inc()
	if took > 0 {
		m.pipelineSeconds.Observe(took.Seconds())
	}
}

func (m *Metrics) LedgerError(op string) {
	if m == nil {
		return
	}
	m.ledgerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) JudgeFallback() {
	if m == nil {
		return
	}
	m.judgeFallbacks.Inc()
}

func (m *Metrics) ExecutionFailed() {
	if m == nil {
		return
	}
	m.executionFailures.Inc()
}

// Payment records a gate outcome: challenged, rejected or accepted.
func (m *Metrics) Payment(outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconcile(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

// MirrorUpload matches the s3mirror result callback.
func (m *Metrics) MirrorUpload(_ string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirrorUploads.WithLabelValues(result).Inc()
}
