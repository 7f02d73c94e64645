package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if c := pb.GetCounter(); c != nil {
		return c.GetValue()
	}
	if g := pb.GetGauge(); g != nil {
		return g.GetValue()
	}
	t.Fatalf("metric %s has neither counter nor gauge value", m.Desc())
	return 0
}

func TestRegisterAndCollectCounters(t *testing.T) {
	c := NewCollector()
	sm := c.Register("TESTSTREAM", GaugeSource{
		BufferOccupancy: func() int { return 42 },
		LogSize:         func() int64 { return 1024 },
		LastSequence:    func() uint64 { return 7 },
	})

	sm.AddPacketSent(100)
	sm.AddMessagesSent(3)
	sm.AddHeartbeatSent()
	sm.AddRecoveryServed(50)
	sm.AddRecoveryDropped()

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	values := make(map[string]float64)
	for m := range ch {
		values[m.Desc().String()] = metricValue(t, m)
	}
	if len(values) != 10 {
		t.Fatalf("expected 10 collected metrics, got %d", len(values))
	}
}

func TestDescribeEmitsAllDescriptors(t *testing.T) {
	c := NewCollector()
	ch := make(chan *prometheus.Desc, 64)
	c.Describe(ch)
	close(ch)
	count := 0
	for range ch {
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 described metrics, got %d", count)
	}
}

func TestUnregisterRemovesStream(t *testing.T) {
	c := NewCollector()
	c.Register("STREAM1", GaugeSource{})
	c.Unregister("STREAM1")

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	for range ch {
		t.Fatalf("expected no metrics after unregister")
	}
}

func TestCollectWithoutGaugeSourceSkipsGauges(t *testing.T) {
	c := NewCollector()
	sm := c.Register("NOGAUGE", GaugeSource{})
	sm.AddPacketSent(10)

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	// 7 counters, zero gauges since all three callbacks are nil.
	if count != 7 {
		t.Fatalf("expected 7 metrics (counters only), got %d", count)
	}
}
