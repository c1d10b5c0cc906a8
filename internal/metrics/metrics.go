// Package metrics 引擎的 Prometheus 指标。nil *Metrics 上的方法均为空操作。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合，使用独立 registry 便于测试。
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal   *prometheus.CounterVec // route, outcome
	PollTotal       *prometheus.CounterVec // outcome
	FinalizeTotal   *prometheus.CounterVec // status
	LoopBreakTotal  prometheus.Counter
	IngestTotal     *prometheus.CounterVec // outcome
	OutboxPublished *prometheus.CounterVec // kind, outcome
	AdapterLatency  *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by route and outcome",
		}, []string{"route", "outcome"}),
		PollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_total",
			Help:      "Status polls by outcome",
		}, []string{"outcome"}),
		FinalizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_total",
			Help:      "Finalized orders by terminal status",
		}, []string{"status"}),
		LoopBreakTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_break_total",
			Help:      "Orders downgraded to manual by the loop guard",
		}),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Ingest API requests by outcome",
		}, []string{"outcome"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events relayed by kind and outcome",
		}, []string{"kind", "outcome"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_call_seconds",
			Help:      "Provider adapter call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "immediate_queue_depth",
			Help:      "Orders waiting in the immediate dispatch queue",
		}),
	}
	m.registry.MustRegister(
		m.DispatchTotal, m.PollTotal, m.FinalizeTotal, m.LoopBreakTotal,
		m.IngestTotal, m.OutboxPublished, m.AdapterLatency, m.QueueDepth,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler 暴露 /metrics。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Dispatch(route, outcome string) {
	if m != nil {
		m.DispatchTotal.WithLabelValues(route, outcome).Inc()
	}
}

func (m *Metrics) Poll(outcome string) {
	if m != nil {
		m.PollTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Finalize(status string) {
	if m != nil {
		m.FinalizeTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) LoopBreak() {
	if m != nil {
		m.LoopBreakTotal.Inc()
	}
}

func (m *Metrics) Ingest(outcome string) {
	if m != nil {
		m.IngestTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Outbox(kind, outcome string) {
	if m != nil {
		m.OutboxPublished.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) ObserveAdapter(op string, seconds float64) {
	if m != nil {
		m.AdapterLatency.WithLabelValues(op).Observe(seconds)
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
