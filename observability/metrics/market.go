package metrics

import (
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	escrowHeld    prometheus.Gauge
	listings      prometheus.Gauge
	logLength     prometheus.Gauge
	settlements   *prometheus.CounterVec
	invalidReveal prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the lazily-initialised registry of ledger metrics.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_operations_total",
				Help: "Count of market operations by name and outcome.",
			}, []string{"op", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "market_operation_duration_seconds",
				Help:    "Time spent applying a market operation including the commit.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_operation_failures_total",
				Help: "Count of rejected market operations by error kind.",
			}, []string{"op", "kind"}),
			escrowHeld: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_escrow_held",
				Help: "Value currently locked in the escrow vault.",
			}),
			listings: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_listings",
				Help: "Number of listing IDs issued.",
			}),
			logLength: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_event_log_length",
				Help: "Number of entries in the persisted event log.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_auction_settlements_total",
				Help: "Count of settled auctions by pricing rule and result.",
			}, []string{"rule", "result"}),
			invalidReveal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_invalid_reveals_total",
				Help: "Reveals that did not match their commitment or exceeded the deposit.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.duration,
			marketRegistry.failures,
			marketRegistry.escrowHeld,
			marketRegistry.listings,
			marketRegistry.logLength,
			marketRegistry.settlements,
			marketRegistry.invalidReveal,
		)
	})
	return marketRegistry
}

// ObserveOperation records the outcome and latency of one operation.
func (m *MarketMetrics) ObserveOperation(op string, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "ok"
	if kind != "" {
		outcome = "error"
		m.failures.WithLabelValues(op, kind).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetEscrowHeld publishes the vault balance. Values beyond float64 precision
// are approximated.
func (m *MarketMetrics) SetEscrowHeld(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	m.escrowHeld.Set(f)
}

func (m *MarketMetrics) SetListings(count uint64) {
	if m == nil {
		return
	}
	m.listings.Set(float64(count))
}

func (m *MarketMetrics) SetLogLength(length uint64) {
	if m == nil {
		return
	}
	m.logLength.Set(float64(length))
}

func (m *MarketMetrics) ObserveSettlement(rule string, sold bool) {
	if m == nil {
		return
	}
	if rule == "" {
		rule = "unknown"
	}
	result := "unsold"
	if sold {
		result = "sold"
	}
	m.settlements.WithLabelValues(rule, result).Inc()
}

func (m *MarketMetrics) IncInvalidReveal() {
	if m == nil {
		return
	}
	m.invalidReveal.Inc()
}
