// Package metrics exposes Prometheus counters for the bridge pipeline.
// All methods are safe on a nil *Metrics so callers can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tempbridge"

type Metrics struct {
	registry *prometheus.Registry

	readings          *prometheus.CounterVec
	gateDecisions     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	deliveryDuration  prometheus.Histogram
	consecutiveErrors prometheus.Gauge
	lastDelivery      prometheus.Gauge
	backoffs          prometheus.Counter
	mqttConnected     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings seen by the pipeline by result (ok, read_error, parse_error, not_addressed, no_temperature, paused, panic).",
		}, []string{"result"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Gate decisions by outcome.",
		}, []string{"decision"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome (delivered or failure reason).",
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of outbound delivery calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		consecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_errors",
			Help:      "Current consecutive error count of the supervisor.",
		}),
		lastDelivery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_delivery_timestamp_seconds",
			Help:      "Capture time of the last acknowledged reading.",
		}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoffs_total",
			Help:      "Number of times the error backoff pause was entered.",
		}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the broker connection is up.",
		}),
	}

	m.registry.MustRegister(
		m.readings,
		m.gateDecisions,
		m.deliveries,
		m.deliveryDuration,
		m.consecutiveErrors,
		m.lastDelivery,
		m.backoffs,
		m.mqttConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Reading(result string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(result).Inc()
}

func (m *Metrics) GateDecision(decision string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Delivery(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(took.Seconds())
}

func (m *Metrics) Delivered(observedAt time.Time) {
	if m == nil {
		return
	}
	m.lastDelivery.Set(float64(observedAt.UnixMilli()) / 1000)
}

func (m *Metrics) ConsecutiveErrors(n int) {
	if m == nil {
		return
	}
	m.consecutiveErrors.Set(float64(n))
}

func (m *Metrics) Backoff() {
	if m == nil {
		return
	}
	m.backoffs.Inc()
}

func (m *Metrics) MQTTConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.mqttConnected.Set(1)
	} else {
		m.mqttConnected.Set(0)
	}
}
