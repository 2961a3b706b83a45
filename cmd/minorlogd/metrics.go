package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/octu0/minorlog"
)

type metrics struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	payload     *prometheus.CounterVec
	connections prometheus.Gauge
}

func (m *metrics) command(cmd string, err error) {
	result := "ok"
	if err != nil {
		result = errorCode(err)
	}
	m.commands.WithLabelValues(cmd, result).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func newMetrics(r *minorlog.Registry) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "minorlogd_buffers",
			Help: "Number of live minors",
		},
		func() float64 {
			return float64(r.Stats().Buffers)
		},
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "minorlogd_written_bytes",
			Help: "Bytes held up to the write cursor across all minors",
		},
		func() float64 {
			return float64(r.Stats().Written)
		},
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "minorlogd_capacity_bytes",
			Help: "Allocated store bytes across all minors",
		},
		func() float64 {
			return float64(r.Stats().Capacity)
		},
	)

	return &metrics{
		registry: reg,
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minorlogd_commands_total",
				Help: "Commands handled by result",
			},
			[]string{"command", "result"},
		),
		payload: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minorlogd_payload_bytes_total",
				Help: "Payload bytes moved by READ and WRITE",
			},
			[]string{"direction"},
		),
		connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minorlogd_connections",
				Help: "Open client connections",
			},
		),
	}
}
