// Package metrics holds the broker's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ScansTotal counts ingested scan events by pipeline outcome.
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_scans_total",
		Help: "Scan events processed, labelled by outcome.",
	}, []string{"outcome"})

	CommandsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_commands_enqueued_total",
		Help: "Commands accepted from admin callers.",
	})

	CommandsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_commands_delivered_total",
		Help: "Commands transmitted to devices (push or poll).",
	})

	ConnectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connected_devices",
		Help: "Devices with a live transport handle.",
	})

	Observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_observers",
		Help: "Connected web/admin observers.",
	})

	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_broadcasts_total",
		Help: "Events published to the observer set.",
	})
)

func init() {
	prometheus.MustRegister(ScansTotal, CommandsEnqueued, CommandsDelivered,
		ConnectedDevices, Observers, BroadcastsTotal)
}
