package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
)

// Harness holds the Prometheus metrics of one sealerbench process. It
// satisfies the observer interfaces of the rpc, scraper, inject and fleet
// packages.
type Harness struct {
	RPCLatency   *prometheus.HistogramVec
	TxTotal      *prometheus.CounterVec
	TxLatency    *prometheus.HistogramVec
	ScrapeTotal  *prometheus.CounterVec
	SlotsTotal   *prometheus.CounterVec
	AuthorBlocks *prometheus.GaugeVec
	FleetNodes   *prometheus.GaugeVec
}

// NewHarness creates and registers all metrics.
func NewHarness(reg prometheus.Registerer) *Harness {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Harness{
		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealerbench_rpc_latency_seconds",
				Help:    "RPC call latency by method and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"method", "status"},
		),

		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealerbench_transactions_total",
				Help: "Injected transactions by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		TxLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealerbench_tx_latency_seconds",
				Help:    "eth_sendTransaction round trip by endpoint",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 1},
			},
			[]string{"endpoint"},
		),

		ScrapeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealerbench_scrape_heights_total",
				Help: "Scraped heights by final status",
			},
			[]string{"outcome"},
		),

		SlotsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealerbench_slots_total",
				Help: "Classified slots by outcome",
			},
			[]string{"outcome"},
		),

		AuthorBlocks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sealerbench_author_blocks",
				Help: "Blocks produced per author in the last analysed window",
			},
			[]string{"author"},
		),

		FleetNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sealerbench_fleet_nodes",
				Help: "Fleet nodes by process status",
			},
			[]string{"state"},
		),
	}
}

// knownRPCMethods is a fixed set of methods to prevent cardinality explosion.
var knownRPCMethods = map[string]bool{
	"eth_blockNumber":      true,
	"eth_getBlockByNumber": true,
	"eth_sendTransaction":  true,
	"batch":                true,
}

// ObserveRPC records one RPC call. Batches are labelled "batch".
func (m *Harness) ObserveRPC(method, status string, d time.Duration) {
	if strings.HasPrefix(method, "batch:") {
		method = "batch"
	}
	if !knownRPCMethods[method] {
		method = "other"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(d.Seconds())
}

// RecordTx records one injected transaction.
func (m *Harness) RecordTx(endpoint, outcome string, d time.Duration) {
	m.TxTotal.WithLabelValues(endpoint, outcome).Inc()
	m.TxLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordHeight records the final status of one scraped height.
func (m *Harness) RecordHeight(status string) {
	m.ScrapeTotal.WithLabelValues(status).Inc()
}

// SetFleetNodes sets the node count for a process status.
func (m *Harness) SetFleetNodes(state string, n int) {
	m.FleetNodes.WithLabelValues(state).Set(float64(n))
}

// ObserveReport adds the report's slot outcomes and replaces the per-author
// block gauges.
func (m *Harness) ObserveReport(rep *analyzer.Report) {
	m.SlotsTotal.WithLabelValues(string(analyzer.OnSchedule)).Add(float64(rep.OnSchedule))
	m.SlotsTotal.WithLabelValues(string(analyzer.Usurped)).Add(float64(rep.UsurpedCount))
	m.SlotsTotal.WithLabelValues(string(analyzer.Missing)).Add(float64(rep.MissingCount))
	m.SlotsTotal.WithLabelValues(string(analyzer.Unconfirmed)).Add(float64(rep.Unconfirmed))

	m.AuthorBlocks.Reset()
	for _, a := range rep.Authors {
		m.AuthorBlocks.WithLabelValues(a.Address).Set(float64(a.Produced))
	}
}

// Reset resets counters and gauges. Histograms are cumulative by design.
func (m *Harness) Reset() {
	m.TxTotal.Reset()
	m.ScrapeTotal.Reset()
	m.SlotsTotal.Reset()
	m.AuthorBlocks.Reset()
	m.FleetNodes.Reset()
}
