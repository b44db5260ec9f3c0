package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStatFunc reports connection counts for the operator and ledger
// store pool. It keeps this package free of a pgxpool import.
type DBPoolStatFunc func() (total, idle, acquired int32)

type poolGauge struct {
	desc *prometheus.Desc
	pick func(total, idle, acquired int32) int32
}

// dbPoolCollector samples pool stats at scrape time.
type dbPoolCollector struct {
	stat   DBPoolStatFunc
	gauges []poolGauge
}

// NewDBPoolCollector exposes pool connection gauges read from stat.
func NewDBPoolCollector(stat DBPoolStatFunc) prometheus.Collector {
	gauge := func(name, help string, pick func(total, idle, acquired int32) int32) poolGauge {
		return poolGauge{desc: prometheus.NewDesc("agentvault_db_pool_"+name, help, nil, nil), pick: pick}
	}
	return &dbPoolCollector{
		stat: stat,
		gauges: []poolGauge{
			gauge("total_conns", "Connections open in the store pool.",
				func(t, _, _ int32) int32 { return t }),
			gauge("idle_conns", "Idle connections in the store pool.",
				func(_, i, _ int32) int32 { return i }),
			gauge("acquired_conns", "Connections checked out of the store pool.",
				func(_, _, a int32) int32 { return a }),
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.pick(total, idle, acquired)))
	}
}
