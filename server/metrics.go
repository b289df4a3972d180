package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 是服务端的 prometheus 指标。collector 本身并发安全，可以在 loop 之外被抓取。
type Metrics struct {
	Connections prometheus.Gauge
	Accepted    prometheus.Counter
	Closed      *prometheus.CounterVec
	Messages    *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	TxFlushes   prometheus.Counter
}

const namespace = "gloop_server"

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Accepted connections.",
		}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closed_total",
			Help:      "Closed connections by reason.",
		}, []string{"reason"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Application messages by direction.",
		}, []string{"dir"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Socket bytes by direction.",
		}, []string{"dir"}),
		TxFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_batch_flushes_total",
			Help:      "Batched frames written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Accepted, m.Closed, m.Messages, m.Bytes, m.TxFlushes)
	}
	return m
}

func closeReason(err error) string {
	switch err {
	case nil:
		return "normal"
	case ErrIdleTimeout:
		return "idle"
	case ErrServerStopped:
		return "stopped"
	case ErrRxOverflow:
		return "overflow"
	}
	return "error"
}
