// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	framesReceived  prometheus.Counter
	framesSent      prometheus.Counter
	framesDropped   prometheus.Counter
	crcDrift        prometheus.Counter
	interviewsDone  prometheus.Counter
	operatorUpdates prometheus.Counter
	knownNodes      prometheus.Gauge
	persistErrors   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_frames_received_total",
			Help: "CAN frames received from the bus.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_frames_sent_total",
			Help: "CAN frames written to the bus.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_frames_dropped_total",
			Help: "Malformed or out-of-protocol frames dropped.",
		}),
		crcDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_crc_drift_total",
			Help: "Node intros whose config CRC differed from the stored one.",
		}),
		interviewsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_interviews_completed_total",
			Help: "Node interviews marked complete.",
		}),
		operatorUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_operator_updates_total",
			Help: "Applied operator configuration edits.",
		}),
		knownNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canmaster_known_nodes",
			Help: "Nodes currently present in the inventory.",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canmaster_persistence_errors_total",
			Help: "Failed persistence transactions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.framesReceived, m.framesSent, m.framesDropped,
			m.crcDrift, m.interviewsDone, m.operatorUpdates, m.knownNodes,
			m.persistErrors)
	}
	return m
}
