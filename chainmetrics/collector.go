// Package chainmetrics exports the state of a header chain to Prometheus.
package chainmetrics

import (
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvchain/headerchain"
	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every exported metric.
const namespace = "spvchain"

// StatsSource is anything that can report header chain statistics.
type StatsSource interface {
	// Stats returns a snapshot of the chain's counters.
	Stats() headerchain.Stats
}

// A compile-time check to ensure the header chain is a StatsSource.
var _ StatsSource = (*headerchain.Chain)(nil)

// chainCollector is a prometheus.Collector reading a fresh stats snapshot on
// every scrape.
type chainCollector struct {
	source StatsSource

	nodesDesc          *prometheus.Desc
	branchesDesc       *prometheus.Desc
	orphansDesc        *prometheus.Desc
	bestLengthDesc     *prometheus.Desc
	tipDifficultyDesc  *prometheus.Desc
	finalizedDesc      *prometheus.Desc
	rejectedDesc       *prometheus.Desc
	duplicatesDesc     *prometheus.Desc
	orphansEvictedDesc *prometheus.Desc
}

// NewCollector returns a collector exporting the statistics of the source.
// The network name is attached to every metric as a constant label.
func NewCollector(source StatsSource, network string) prometheus.Collector {
	labels := prometheus.Labels{"network": network}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name), help, nil,
			labels,
		)
	}

	return &chainCollector{
		source: source,
		nodesDesc: desc(
			"tree_nodes", "Number of headers in the live tree.",
		),
		branchesDesc: desc(
			"tree_branches", "Number of competing branches.",
		),
		orphansDesc: desc(
			"orphans", "Number of headers waiting for a parent.",
		),
		bestLengthDesc: desc(
			"best_branch_length", "Length of the best branch.",
		),
		tipDifficultyDesc: desc(
			"tip_difficulty", "Difficulty of the best tip "+
				"relative to the network limit.",
		),
		finalizedDesc: desc(
			"finalized_headers_total", "Headers moved to the "+
				"finalized store.",
		),
		rejectedDesc: desc(
			"rejected_headers_total", "Headers refused by the "+
				"consensus gate.",
		),
		duplicatesDesc: desc(
			"duplicate_headers_total", "Headers that were already "+
				"known.",
		),
		orphansEvictedDesc: desc(
			"evicted_orphans_total", "Orphans dropped because the "+
				"pool was full or they expired.",
		),
	}
}

// Describe sends the descriptors of all metrics to the channel.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *chainCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodesDesc
	ch <- c.branchesDesc
	ch <- c.orphansDesc
	ch <- c.bestLengthDesc
	ch <- c.tipDifficultyDesc
	ch <- c.finalizedDesc
	ch <- c.rejectedDesc
	ch <- c.duplicatesDesc
	ch <- c.orphansEvictedDesc
}

// Collect reads the chain statistics and sends them as metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *chainCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.GaugeValue, v,
		)
	}
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.CounterValue, float64(v),
		)
	}

	gauge(c.nodesDesc, float64(stats.Nodes))
	gauge(c.branchesDesc, float64(stats.Branches))
	gauge(c.orphansDesc, float64(stats.Orphans))
	gauge(c.bestLengthDesc, float64(stats.BestLength))
	gauge(c.tipDifficultyDesc, stats.TipDifficulty)
	counter(c.finalizedDesc, stats.Finalized)
	counter(c.rejectedDesc, stats.Rejected)
	counter(c.duplicatesDesc, stats.Duplicates)
	counter(c.orphansEvictedDesc, stats.OrphansEvicted)
}

// Register adds the chain collector and an uptime gauge to the registerer.
func Register(reg prometheus.Registerer, source StatsSource, network string,
	clk clock.Clock) error {

	if err := reg.Register(NewCollector(source, network)); err != nil {
		return err
	}

	startTime := clk.Now()

	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Uptime of the daemon in seconds.",
		},
		func() float64 {
			return clk.Now().Sub(startTime).Seconds()
		},
	))
}
