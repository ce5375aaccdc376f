// Package metrics exposes relay daemon metrics to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallCounter returns the number of relay calls without an end stamp.
type ActiveCallCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// TenantCounter returns the number of tenant accounts.
type TenantCounter interface {
	Count(ctx context.Context) (int64, error)
}

// CommandStatsProvider exposes cumulative relay command counts.
type CommandStatsProvider interface {
	StartsTotal() uint64
	EndsTotal() uint64
	FailuresTotal() uint64
}

// Collector is a prometheus.Collector that gathers relay metrics at scrape time.
type Collector struct {
	calls     ActiveCallCounter
	tenants   TenantCounter
	commands  CommandStatsProvider
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc *prometheus.Desc
	tenantsDesc     *prometheus.Desc
	startsDesc      *prometheus.Desc
	endsDesc        *prometheus.Desc
	failuresDesc    *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(calls ActiveCallCounter, tenants TenantCounter, commands CommandStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		tenants:   tenants,
		commands:  commands,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"dialdesk_relay_active_calls",
			"Number of relay-originated calls without an end stamp",
			nil, nil,
		),
		tenantsDesc: prometheus.NewDesc(
			"dialdesk_relay_tenants",
			"Number of tenant accounts",
			nil, nil,
		),
		startsDesc: prometheus.NewDesc(
			"dialdesk_relay_call_starts_total",
			"Total call start commands accepted",
			nil, nil,
		),
		endsDesc: prometheus.NewDesc(
			"dialdesk_relay_call_ends_total",
			"Total call end commands accepted",
			nil, nil,
		),
		failuresDesc: prometheus.NewDesc(
			"dialdesk_relay_command_failures_total",
			"Total call commands that failed upstream",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialdesk_uptime_seconds",
			"Seconds since the relay process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.tenantsDesc
	ch <- c.startsDesc
	ch <- c.endsDesc
	ch <- c.failuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		count, err := c.calls.CountActive(ctx)
		if err != nil {
			slog.Error("metrics: failed to count active calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.activeCallsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.tenants != nil {
		count, err := c.tenants.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count tenants", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.tenantsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.commands != nil {
		ch <- prometheus.MustNewConstMetric(
			c.startsDesc, prometheus.CounterValue,
			float64(c.commands.StartsTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.endsDesc, prometheus.CounterValue,
			float64(c.commands.EndsTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.failuresDesc, prometheus.CounterValue,
			float64(c.commands.FailuresTotal()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
