package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreStats provides the collector access to database state at scrape time.
type StoreStats interface {
	CountVenues(ctx context.Context) (int, error)
	CountOpenAlerts(ctx context.Context) (int, error)
	Stats() (reader, writer sql.DBStats)
}

// BusStats provides the collector access to live event bus state.
type BusStats interface {
	SubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	store StoreStats
	bus   BusStats

	// Descriptors for scrape-time gauges.
	registeredVenues *prometheus.Desc
	openAlerts       *prometheus.Desc
	busSubscribers   *prometheus.Desc
	dbOpenConns      *prometheus.Desc
	dbInUseConns     *prometheus.Desc
	dbIdleConns      *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// store may be nil (metrics will report 0). bus may be nil if no event bus
// is running.
func NewCollector(store StoreStats, bus BusStats) *Collector {
	return &Collector{
		store: store,
		bus:   bus,
		registeredVenues: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "registered_venues"),
			"Venues registered with the relay.",
			nil, nil,
		),
		openAlerts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_alerts"),
			"Alerts not yet acknowledged.",
			nil, nil,
		),
		busSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "event_bus_subscribers"),
			"Current number of event bus subscribers (SSE, chat, controllers).",
			nil, nil,
		),
		dbOpenConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "open_conns"),
			"Open database connections.",
			[]string{"role"}, nil,
		),
		dbInUseConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "in_use_conns"),
			"Database connections currently in use.",
			[]string{"role"}, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "idle_conns"),
			"Idle database connections.",
			[]string{"role"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredVenues
	ch <- c.openAlerts
	ch <- c.busSubscribers
	ch <- c.dbOpenConns
	ch <- c.dbInUseConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(c.busSubscribers, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.busSubscribers, prometheus.GaugeValue, 0)
	}

	if c.store == nil {
		ch <- prometheus.MustNewConstMetric(c.registeredVenues, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.openAlerts, prometheus.GaugeValue, 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if n, err := c.store.CountVenues(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.registeredVenues, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.store.CountOpenAlerts(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.openAlerts, prometheus.GaugeValue, float64(n))
	}

	reader, writer := c.store.Stats()
	for role, stat := range map[string]sql.DBStats{"reader": reader, "writer": writer} {
		ch <- prometheus.MustNewConstMetric(c.dbOpenConns, prometheus.GaugeValue, float64(stat.OpenConnections), role)
		ch <- prometheus.MustNewConstMetric(c.dbInUseConns, prometheus.GaugeValue, float64(stat.InUse), role)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.Idle), role)
	}
}
