// Package metrics exposes per-stream Prometheus metrics for the MoldUDP64
// publisher: packets and bytes multicast, heartbeats, recovery requests
// served/dropped, and point-in-time gauges for buffer occupancy, log size
// and last sequence number.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// GaugeSource supplies point-in-time values for a stream at scrape time,
// rather than being pushed on every mutation. The recovery buffer, recovery
// log and publisher implement the underlying accessors (Len, Size, NextSeq);
// the registry wires them into a StreamMetrics instance at CreateStream time.
type GaugeSource struct {
	BufferOccupancy func() int
	LogSize         func() int64
	LastSequence    func() uint64
}

// StreamMetrics holds the counters for a single stream. All counter fields
// are updated with atomic adds from the publisher's and recovery server's
// own goroutines; Collect reads them with atomic loads so no additional
// locking is needed for the hot path.
type StreamMetrics struct {
	name string

	packetsSent             atomic.Uint64
	messagesSent            atomic.Uint64
	heartbeatsSent          atomic.Uint64
	bytesMulticast          atomic.Uint64
	recoveryRequestsServed  atomic.Uint64
	recoveryRequestsDropped atomic.Uint64
	recoveryBytesSent       atomic.Uint64

	gauges GaugeSource
}

func (s *StreamMetrics) AddPacketSent(bytes int) {
	s.packetsSent.Add(1)
	s.bytesMulticast.Add(uint64(bytes))
}
func (s *StreamMetrics) AddMessagesSent(n int) { s.messagesSent.Add(uint64(n)) }
func (s *StreamMetrics) AddHeartbeatSent()     { s.heartbeatsSent.Add(1) }
func (s *StreamMetrics) AddRecoveryServed(bytes int) {
	s.recoveryRequestsServed.Add(1)
	s.recoveryBytesSent.Add(uint64(bytes))
}
func (s *StreamMetrics) AddRecoveryDropped() { s.recoveryRequestsDropped.Add(1) }

// descriptors shared by every StreamMetrics instance, parameterised only by
// the "stream" label value.
var (
	descPacketsSent     = prometheus.NewDesc("moldpublisher_packets_sent_total", "Total downstream packets multicast.", []string{"stream"}, nil)
	descMessagesSent    = prometheus.NewDesc("moldpublisher_messages_sent_total", "Total application messages transmitted.", []string{"stream"}, nil)
	descHeartbeatsSent  = prometheus.NewDesc("moldpublisher_heartbeats_sent_total", "Total heartbeat packets sent.", []string{"stream"}, nil)
	descBytesMulticast  = prometheus.NewDesc("moldpublisher_bytes_multicast_total", "Total bytes multicast.", []string{"stream"}, nil)
	descRecoveryServed  = prometheus.NewDesc("moldpublisher_recovery_requests_served_total", "Recovery requests served.", []string{"stream"}, nil)
	descRecoveryDropped = prometheus.NewDesc("moldpublisher_recovery_requests_dropped_total", "Recovery requests dropped (malformed, rate-limited, or unmatched stream name).", []string{"stream"}, nil)
	descRecoveryBytes   = prometheus.NewDesc("moldpublisher_recovery_bytes_sent_total", "Total bytes sent in recovery replies.", []string{"stream"}, nil)
	descBufferOccupancy = prometheus.NewDesc("moldpublisher_recovery_buffer_occupancy", "Number of messages currently held in the recovery ring buffer.", []string{"stream"}, nil)
	descLogSize         = prometheus.NewDesc("moldpublisher_recovery_log_bytes", "Approximate size of the active recovery log segment in bytes.", []string{"stream"}, nil)
	descLastSequence    = prometheus.NewDesc("moldpublisher_last_sequence", "Last sequence number assigned.", []string{"stream"}, nil)
)

// Collector aggregates StreamMetrics for every live stream and implements
// prometheus.Collector so the whole set can be registered with a single
// registry.Register call.
type Collector struct {
	mu      sync.RWMutex
	streams map[string]*StreamMetrics
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{streams: make(map[string]*StreamMetrics)}
}

// Register creates (or replaces) the StreamMetrics for name and wires its
// gauge callbacks.
func (c *Collector) Register(name string, gauges GaugeSource) *StreamMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	sm := &StreamMetrics{name: name, gauges: gauges}
	c.streams[name] = sm
	return sm
}

// Unregister drops the StreamMetrics for name, e.g. on stream teardown.
func (c *Collector) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPacketsSent
	ch <- descMessagesSent
	ch <- descHeartbeatsSent
	ch <- descBytesMulticast
	ch <- descRecoveryServed
	ch <- descRecoveryDropped
	ch <- descRecoveryBytes
	ch <- descBufferOccupancy
	ch <- descLogSize
	ch <- descLastSequence
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	snapshot := make([]*StreamMetrics, 0, len(c.streams))
	for _, sm := range c.streams {
		snapshot = append(snapshot, sm)
	}
	c.mu.RUnlock()

	for _, sm := range snapshot {
		ch <- prometheus.MustNewConstMetric(descPacketsSent, prometheus.CounterValue, float64(sm.packetsSent.Load()), sm.name)
		ch <- prometheus.MustNewConstMetric(descMessagesSent, prometheus.CounterValue, float64(sm.messagesSent.Load()), sm.name)
		ch <- prometheus.MustNewConstMetric(descHeartbeatsSent, prometheus.CounterValue, float64(sm.heartbeatsSent.Load()), sm.name)
		ch <- prometheus.MustNewConstMetric(descBytesMulticast, prometheus.CounterValue, float64(sm.bytesMulticast.Load()), sm.name)
		ch <- prometheus.MustNewConstMetric(descRecoveryServed, prometheus.CounterValue, float64(sm.recoveryRequestsServed.Load()), sm.name)
		ch <- prometheus.MustNewConstMetric(descRecoveryDropped, prometheus.CounterValue, float64(sm.recoveryRequestsDropped.Load()), sm.name)
		ch <- prometheus.MustNewConstMetric(descRecoveryBytes, prometheus.CounterValue, float64(sm.recoveryBytesSent.Load()), sm.name)

		if sm.gauges.BufferOccupancy != nil {
			ch <- prometheus.MustNewConstMetric(descBufferOccupancy, prometheus.GaugeValue, float64(sm.gauges.BufferOccupancy()), sm.name)
		}
		if sm.gauges.LogSize != nil {
			ch <- prometheus.MustNewConstMetric(descLogSize, prometheus.GaugeValue, float64(sm.gauges.LogSize()), sm.name)
		}
		if sm.gauges.LastSequence != nil {
			ch <- prometheus.MustNewConstMetric(descLastSequence, prometheus.GaugeValue, float64(sm.gauges.LastSequence()), sm.name)
		}
	}
}
