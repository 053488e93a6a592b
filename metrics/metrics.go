package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the node exports. All collectors live under
// the ap_relayer namespace and carry chain_id so multi-network nodes stay
// distinguishable on one scrape endpoint.
type Metrics struct {
	UserOpsAdmitted  *prometheus.CounterVec
	UserOpsRejected  *prometheus.CounterVec
	BundlesAttempted *prometheus.CounterVec
	BundlesSubmitted *prometheus.CounterVec
	BundleSize       *prometheus.HistogramVec
	RetriesPending   *prometheus.GaugeVec
	MempoolSize      *prometheus.GaugeVec
	RelayerPoolSize  *prometheus.GaugeVec
	ActiveRelayers   *prometheus.GaugeVec
	Uptime           prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UserOpsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "userops_admitted_total",
			Help:      "User operations accepted into a mempool",
		}, []string{"chain_id"}),

		UserOpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "userops_rejected_total",
			Help:      "User operations rejected at admission",
		}, []string{"chain_id", "reason"}),

		BundlesAttempted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "bundles_attempted_total",
			Help:      "Bundle cycles that selected at least one operation",
		}, []string{"chain_id"}),

		BundlesSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "bundles_submitted_total",
			Help:      "Bundles broadcast as handleOps transactions",
		}, []string{"chain_id"}),

		BundleSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "bundle_size",
			Help:      "Operations per submitted bundle",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}, []string{"chain_id"}),

		RetriesPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "retries_pending",
			Help:      "Retry jobs waiting in the delayed queue",
		}, []string{"chain_id"}),

		MempoolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "mempool_size",
			Help:      "Entries currently staged per pool",
		}, []string{"chain_id", "entrypoint"}),

		RelayerPoolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "relayer_pool_size",
			Help:      "Provisioned relayers per network",
		}, []string{"chain_id"}),

		ActiveRelayers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "relayers_active",
			Help:      "Relayers eligible for selection per network",
		}, []string{"chain_id"}),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ap",
			Subsystem: "relayer",
			Name:      "uptime_seconds",
			Help:      "Seconds since node start",
		}),
	}
}

// ChainLabel formats a chain id the way every collector expects it.
func ChainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}
