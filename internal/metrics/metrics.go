// Package metrics exposes controller counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one controller session.
type Metrics struct {
	registry *prometheus.Registry

	CommandsSent      *prometheus.CounterVec
	CommandsDropped   prometheus.Counter
	SendErrors        prometheus.Counter
	AnnotationsPolled prometheus.Counter
	RecordsWritten    prometheus.Counter
	WriteErrors       prometheus.Counter
	PollErrors        prometheus.Counter
	Recording         prometheus.Gauge
	Channels          prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ripplefb_commands_sent_total",
			Help: "Commands transmitted to the extension, by opcode.",
		}, []string{"opcode"}),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripplefb_commands_dropped_total",
			Help: "No-op commands dropped because a channel label did not resolve.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripplefb_send_errors_total",
			Help: "Commands the device transport failed to deliver.",
		}),
		AnnotationsPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripplefb_annotations_polled_total",
			Help: "Annotations drained from the device.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripplefb_records_written_total",
			Help: "Annotation lines written to session logs.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripplefb_write_errors_total",
			Help: "Ticks whose log append failed.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ripplefb_poll_errors_total",
			Help: "Ticks whose device poll failed.",
		}),
		Recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ripplefb_recording",
			Help: "1 while a recording session is open.",
		}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ripplefb_channels",
			Help: "Channels in the current label directory.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.CommandsSent,
		m.CommandsDropped,
		m.SendErrors,
		m.AnnotationsPolled,
		m.RecordsWritten,
		m.WriteErrors,
		m.PollErrors,
		m.Recording,
		m.Channels,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
