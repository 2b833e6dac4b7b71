package ctl

import (
	"github.com/c35s/cpuhp/hotplug"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a hotplug device's counters and state as Prometheus metrics.
type Collector struct {
	hp *hotplug.Controller

	fires        *prometheus.Desc
	fireRejects  *prometheus.Desc
	completions  *prometheus.Desc
	wildAccesses *prometheus.Desc
	pending      *prometheus.Desc
	requested    *prometheus.Desc
}

func NewCollector(hp *hotplug.Controller) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("vcpu_hotplug_"+name, help, nil, nil)
	}

	return &Collector{
		hp:           hp,
		fires:        desc("fires_total", "Hotplug requests fired."),
		fireRejects:  desc("fire_rejects_total", "Hotplug requests rejected because one was pending."),
		completions:  desc("completions_total", "Hotplug cycles completed by the guest."),
		wildAccesses: desc("wild_accesses_total", "Guest register accesses rejected as wild."),
		pending:      desc("pending", "Whether a hotplug is pending."),
		requested:    desc("requested_vcpus", "vCPUs in the request mask."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fires
	ch <- c.fireRejects
	ch <- c.completions
	ch <- c.wildAccesses
	ch <- c.pending
	ch <- c.requested
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.hp.Stats()

	var pending float64
	if c.hp.IsPending() {
		pending = 1
	}

	ch <- prometheus.MustNewConstMetric(c.fires, prometheus.CounterValue, float64(st.Fires))
	ch <- prometheus.MustNewConstMetric(c.fireRejects, prometheus.CounterValue, float64(st.FireRejects))
	ch <- prometheus.MustNewConstMetric(c.completions, prometheus.CounterValue, float64(st.Completions))
	ch <- prometheus.MustNewConstMetric(c.wildAccesses, prometheus.CounterValue, float64(st.WildAccesses))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, pending)
	ch <- prometheus.MustNewConstMetric(c.requested, prometheus.GaugeValue, float64(len(c.hp.Requested().Indices())))
}
