// Package metrics exposes a live sacncore deployment as Prometheus metrics,
// grounded on the runZeroInc sockstats exporter's custom-Collector pattern:
// a small map of live objects guarded by its own mutex, scraped on demand
// rather than pushed.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/patchlab/sacncore/sacn"
)

// ReceiverStats is the point-in-time snapshot a Collector needs from one
// tracked receiver. It changes only through SetReceiver; cmd/sacnd reports
// sources only and never calls it.
type ReceiverStats struct {
	Universe     uint16
	SourceCount  int
	Sampling     bool
	PacketsTotal uint64
}

// SourceStats is the point-in-time snapshot for one tracked transmitter.
type SourceStats struct {
	Handle       sacn.SourceHandle
	Name         string
	UniverseCount int
	PacketsSent  uint64
}

var (
	receiverSourceCount = prometheus.NewDesc(
		"sacn_receiver_sources", "Number of sources currently tracked by a receiver.",
		[]string{"universe"}, nil)
	receiverSampling = prometheus.NewDesc(
		"sacn_receiver_sampling", "1 if the receiver is in its sampling period.",
		[]string{"universe"}, nil)
	receiverPackets = prometheus.NewDesc(
		"sacn_receiver_packets_total", "Data packets delivered to this receiver.",
		[]string{"universe"}, nil)
	sourceUniverseCount = prometheus.NewDesc(
		"sacn_source_universes", "Number of universes a source is transmitting.",
		[]string{"source"}, nil)
	sourcePackets = prometheus.NewDesc(
		"sacn_source_packets_total", "Packets transmitted by this source.",
		[]string{"source"}, nil)
)

// Collector implements prometheus.Collector over a live, externally-updated
// view of the process's receivers and sources.
type Collector struct {
	mu        sync.Mutex
	receivers map[uint16]ReceiverStats
	sources   map[sacn.SourceHandle]SourceStats
}

// NewCollector creates an empty Collector. Register it with a
// prometheus.Registry and keep it updated via SetReceiver/SetSource/
// RemoveReceiver/RemoveSource as the deployment's receivers and sources
// change.
func NewCollector() *Collector {
	return &Collector{
		receivers: make(map[uint16]ReceiverStats),
		sources:   make(map[sacn.SourceHandle]SourceStats),
	}
}

// SetReceiver records or replaces the snapshot for universe.
func (c *Collector) SetReceiver(stats ReceiverStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[stats.Universe] = stats
}

// RemoveReceiver stops reporting universe.
func (c *Collector) RemoveReceiver(universe uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receivers, universe)
}

// SetSource records or replaces the snapshot for a source.
func (c *Collector) SetSource(stats SourceStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[stats.Handle] = stats
}

// RemoveSource stops reporting a source.
func (c *Collector) RemoveSource(handle sacn.SourceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, handle)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- receiverSourceCount
	descs <- receiverSampling
	descs <- receiverPackets
	descs <- sourceUniverseCount
	descs <- sourcePackets
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for universe, r := range c.receivers {
		label := universeLabel(universe)
		ch <- prometheus.MustNewConstMetric(receiverSourceCount, prometheus.GaugeValue, float64(r.SourceCount), label)
		sampling := 0.0
		if r.Sampling {
			sampling = 1.0
		}
		ch <- prometheus.MustNewConstMetric(receiverSampling, prometheus.GaugeValue, sampling, label)
		ch <- prometheus.MustNewConstMetric(receiverPackets, prometheus.CounterValue, float64(r.PacketsTotal), label)
	}

	for handle, s := range c.sources {
		label := sourceLabel(handle, s.Name)
		ch <- prometheus.MustNewConstMetric(sourceUniverseCount, prometheus.GaugeValue, float64(s.UniverseCount), label)
		ch <- prometheus.MustNewConstMetric(sourcePackets, prometheus.CounterValue, float64(s.PacketsSent), label)
	}
}

func universeLabel(u uint16) string {
	return strconv.Itoa(int(u))
}

func sourceLabel(h sacn.SourceHandle, name string) string {
	if name == "" {
		return strconv.Itoa(int(h))
	}
	return name
}
