package cluster

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the cluster's gauge observers. They are registered at
// startup and unregistered at shutdown so no samples are produced after
// the cluster stopped. The closures capture only immutable references;
// component state is read through the usual snapshot accessors.
type metrics struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

func newMetrics(c *Cluster) *metrics {
	m := &metrics{registerer: c.config.registerer}
	labels := prometheus.Labels{
		"node_id": c.config.id,
		"address": c.config.listenAddr,
	}
	m.collectors = append(m.collectors, prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "hive_cluster_members",
			Help:        "Number of members in the local cluster view.",
			ConstLabels: labels,
		},
		func() float64 { return float64(c.memberList.Len()) },
	))
	for _, name := range c.kinds.AllNames() {
		kind, ok := c.kinds.TryGet(name)
		if !ok {
			continue
		}
		kindLabels := prometheus.Labels{
			"node_id": c.config.id,
			"address": c.config.listenAddr,
			"kind":    name,
		}
		m.collectors = append(m.collectors, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "hive_cluster_virtual_actors",
				Help:        "Number of activations hosted by this member, per kind.",
				ConstLabels: kindLabels,
			},
			func() float64 { return float64(kind.ActivatedCount()) },
		))
	}
	return m
}

func (m *metrics) register() {
	for _, c := range m.collectors {
		if err := m.registerer.Register(c); err != nil {
			slog.Warn("[CLUSTER] metric registration failed", "err", err)
		}
	}
}

func (m *metrics) unregister() {
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
}
