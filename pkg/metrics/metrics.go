// Package metrics exposes live connection statistics as a Prometheus
// collector, grounded on runZeroInc-sockstats/pkg/exporter/exporter.go's
// shape: a mutex-guarded map of registered sources, scraped on demand
// rather than pushed.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnStats is the snapshot of one connection's counters at scrape time.
type ConnStats struct {
	PacketsSent, PacketsReceived, PacketsResent     int64
	PacketsDuplicated, PacketsOutOfOrder            int64
	BytesSent, BytesReceived                        int64
}

// Source is anything the collector can scrape: a live connection's RTT
// estimate and packet counters. *conn.Connection implements this.
type Source interface {
	Label() string
	SmoothRTT() time.Duration
	RTTDeviation() time.Duration
	Stats() ConnStats
}

var (
	descSmoothRTT   = prometheus.NewDesc("kestrel_connection_smooth_rtt_seconds", "EWMA smoothed round-trip time.", []string{"remote"}, nil)
	descRTTDeviation = prometheus.NewDesc("kestrel_connection_rtt_deviation_seconds", "EWMA round-trip time deviation.", []string{"remote"}, nil)
	descPacketsSent = prometheus.NewDesc("kestrel_connection_packets_sent_total", "Packets sent.", []string{"remote"}, nil)
	descPacketsReceived = prometheus.NewDesc("kestrel_connection_packets_received_total", "Packets received.", []string{"remote"}, nil)
	descPacketsResent = prometheus.NewDesc("kestrel_connection_packets_resent_total", "Packets retransmitted.", []string{"remote"}, nil)
	descPacketsDuplicated = prometheus.NewDesc("kestrel_connection_packets_duplicated_total", "Duplicate packets observed.", []string{"remote"}, nil)
	descPacketsOutOfOrder = prometheus.NewDesc("kestrel_connection_packets_out_of_order_total", "Out-of-order packets dropped.", []string{"remote"}, nil)
	descBytesSent = prometheus.NewDesc("kestrel_connection_bytes_sent_total", "Bytes sent.", []string{"remote"}, nil)
	descBytesReceived = prometheus.NewDesc("kestrel_connection_bytes_received_total", "Bytes received.", []string{"remote"}, nil)
)

// Collector reports per-connection RTT and packet counters for every
// connection currently registered with Add.
type Collector struct {
	mu    sync.Mutex
	conns map[string]Source
}

// NewCollector returns an empty Collector ready for registration with a
// prometheus.Registry.
func NewCollector() *Collector {
	return &Collector{conns: make(map[string]Source)}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- descSmoothRTT
	descs <- descRTTDeviation
	descs <- descPacketsSent
	descs <- descPacketsReceived
	descs <- descPacketsResent
	descs <- descPacketsDuplicated
	descs <- descPacketsOutOfOrder
	descs <- descBytesSent
	descs <- descBytesReceived
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, src := range c.conns {
		remote := src.Label()
		stats := src.Stats()

		metrics <- prometheus.MustNewConstMetric(descSmoothRTT, prometheus.GaugeValue, src.SmoothRTT().Seconds(), remote)
		metrics <- prometheus.MustNewConstMetric(descRTTDeviation, prometheus.GaugeValue, src.RTTDeviation().Seconds(), remote)
		metrics <- prometheus.MustNewConstMetric(descPacketsSent, prometheus.CounterValue, float64(stats.PacketsSent), remote)
		metrics <- prometheus.MustNewConstMetric(descPacketsReceived, prometheus.CounterValue, float64(stats.PacketsReceived), remote)
		metrics <- prometheus.MustNewConstMetric(descPacketsResent, prometheus.CounterValue, float64(stats.PacketsResent), remote)
		metrics <- prometheus.MustNewConstMetric(descPacketsDuplicated, prometheus.CounterValue, float64(stats.PacketsDuplicated), remote)
		metrics <- prometheus.MustNewConstMetric(descPacketsOutOfOrder, prometheus.CounterValue, float64(stats.PacketsOutOfOrder), remote)
		metrics <- prometheus.MustNewConstMetric(descBytesSent, prometheus.CounterValue, float64(stats.BytesSent), remote)
		metrics <- prometheus.MustNewConstMetric(descBytesReceived, prometheus.CounterValue, float64(stats.BytesReceived), remote)

		_ = key
	}
}

// Add registers a source under key, usually the connection's remote
// address string. A second Add with the same key replaces the source.
func (c *Collector) Add(key string, src Source) {
	c.mu.Lock()
	c.conns[key] = src
	c.mu.Unlock()
}

// Remove unregisters a source, e.g. once its connection is disposed.
func (c *Collector) Remove(key string) {
	c.mu.Lock()
	delete(c.conns, key)
	c.mu.Unlock()
}
