// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts dispatcher activity. One instance serves one dispatcher.
type Metrics struct {
	RegisteredMirrors prometheus.Gauge
	DispatchedReads   prometheus.Counter
	DispatchedWrites  prometheus.Counter
	FailedDispatches  prometheus.Counter
}

// NewMetrics builds the dispatcher's metrics and registers them with reg.
// Pass nil to keep the metrics unregistered, which is what tests do.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegisteredMirrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replication_registered_mirrors",
			Help: "Number of mirrors currently registered with the dispatcher.",
		}),
		DispatchedReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_dispatched_reads_total",
			Help: "Reads routed to a mirror.",
		}),
		DispatchedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_dispatched_writes_total",
			Help: "Writes broadcast to the mirror set.",
		}),
		FailedDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_failed_dispatches_total",
			Help: "Operations that failed with a lost mirror or an insufficient mirror set.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RegisteredMirrors, m.DispatchedReads, m.DispatchedWrites, m.FailedDispatches)
	}
	return m
}
