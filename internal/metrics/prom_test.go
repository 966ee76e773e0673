package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg, "sink")

	p.IncCounter(SinkValid, 3)
	if got := testutil.ToFloat64(p.counters[SinkValid]); got != 3 {
		t.Fatalf("expected valid counter 3, got %f", got)
	}

	p.IncCounter(SinkMissed, 7)
	if got := testutil.ToFloat64(p.counters[SinkMissed]); got != 7 {
		t.Fatalf("expected missed counter 7, got %f", got)
	}

	p.SetGauge(SinkConnected, 1)
	p.SetGauge(HopRSSI, -104)
	if got := testutil.ToFloat64(p.gauges[HopRSSI]); got != -104 {
		t.Fatalf("expected hop rssi -104, got %f", got)
	}

	// unknown names are ignored
	p.IncCounter("nope", 1)
	p.SetGauge("nope", 1)

	if n := testutil.CollectAndCount(p.counters[SinkValid]); n != 1 {
		t.Fatalf("expected 1 series, got %d", n)
	}
}

func TestSeveralNodesShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewProm(reg, "relay-primary")
	b := NewProm(reg, "relay-secondary")

	a.IncCounter(PacketsRelayed, 1)
	b.IncCounter(PacketsRelayed, 2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != PacketsRelayed {
			continue
		}
		if len(mf.GetMetric()) != 2 {
			t.Fatalf("expected one series per node, got %d", len(mf.GetMetric()))
		}
		return
	}
	t.Fatal("relayed counter not gathered")
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.IncCounter(SinkValid, 1)
	r.SetGauge(SinkConnected, 1)
}
