// Package metrics collects and exposes Prometheus metrics for the chat
// server: live connection counts, broadcast fan-out, and lifecycle sweeps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	connectionsActive   prometheus.Gauge
	broadcastsTotal     prometheus.Counter
	deliveriesTotal     prometheus.Counter
	droppedDeliveries   prometheus.Counter
	messagesPersisted   prometheus.Counter
	codesIssued         prometheus.Counter
	identitiesReclaimed prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "class_chat_connections_active",
			Help: "Number of live socket connections.",
		}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "class_chat_broadcasts_total",
			Help: "Number of broadcast rounds issued.",
		}),
		deliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "class_chat_deliveries_total",
			Help: "Number of per-connection deliveries attempted.",
		}),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "class_chat_dropped_deliveries_total",
			Help: "Number of deliveries dropped because a peer could not keep up.",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "class_chat_messages_persisted_total",
			Help: "Number of chat messages written to the store.",
		}),
		codesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "class_chat_verification_codes_issued_total",
			Help: "Number of one-time verification codes issued.",
		}),
		identitiesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "class_chat_identities_reclaimed_total",
			Help: "Number of unverified identities removed by the reclaim sweep.",
		}),
	}
	reg.MustRegister(
		c.connectionsActive,
		c.broadcastsTotal,
		c.deliveriesTotal,
		c.droppedDeliveries,
		c.messagesPersisted,
		c.codesIssued,
		c.identitiesReclaimed,
	)
	return c
}

// The recorders tolerate a nil collector so tests can run components without
// a registry.

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.connectionsActive.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.connectionsActive.Dec()
	}
}

func (c *Collector) RecordBroadcast(delivered, dropped int) {
	if c == nil {
		return
	}
	c.broadcastsTotal.Inc()
	c.deliveriesTotal.Add(float64(delivered))
	c.droppedDeliveries.Add(float64(dropped))
}

func (c *Collector) RecordMessagePersisted() {
	if c != nil {
		c.messagesPersisted.Inc()
	}
}

func (c *Collector) RecordCodeIssued() {
	if c != nil {
		c.codesIssued.Inc()
	}
}

func (c *Collector) RecordReclaimed(count int) {
	if c != nil && count > 0 {
		c.identitiesReclaimed.Add(float64(count))
	}
}
