// Package metrics exposes node counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is what protocol components report into.
type Recorder interface {
	IncCounter(name string, v float64)
	SetGauge(name string, v float64)
}

const (
	PacketsEmitted  = "ridgelink_packets_emitted_total"
	EmitFailures    = "ridgelink_emit_failures_total"
	PacketsRelayed  = "ridgelink_packets_relayed_total"
	RelayTxFailures = "ridgelink_relay_transmit_failures_total"

	RejectedFraming        = "ridgelink_rejected_framing_total"
	RejectedChecksum       = "ridgelink_rejected_checksum_total"
	RejectedOrigin         = "ridgelink_rejected_origin_total"
	RejectedAlreadyRelayed = "ridgelink_rejected_already_relayed_total"

	SinkValid      = "ridgelink_sink_valid_total"
	SinkErrors     = "ridgelink_sink_errors_total"
	SinkMissed     = "ridgelink_sink_missed_total"
	SinkAnomalies  = "ridgelink_sink_sequence_anomalies_total"
	SinkDuplicates = "ridgelink_sink_duplicates_total"

	SinkConnected  = "ridgelink_sink_connection_active"
	HopRSSI        = "ridgelink_hop_rssi_dbm"
	LinkRSSI       = "ridgelink_link_rssi_dbm"
	SourceBattery  = "ridgelink_source_battery_percent"
	LastSequence   = "ridgelink_last_sequence"
	RelayBootCount = "ridgelink_relay_boot_count"
)

var counterHelp = map[string]string{
	PacketsEmitted:         "Packets handed to the radio by the source.",
	EmitFailures:           "Source transmissions the radio reported as failed.",
	PacketsRelayed:         "Packets stamped and retransmitted by a relay.",
	RelayTxFailures:        "Relay retransmissions the radio reported as failed.",
	RejectedFraming:        "Receptions discarded for wrong size.",
	RejectedChecksum:       "Receptions discarded for checksum mismatch.",
	RejectedOrigin:         "Packets discarded for unexpected source or type.",
	RejectedAlreadyRelayed: "Packets a relay refused because they were already relayed.",
	SinkValid:              "Packets accepted by the sink.",
	SinkErrors:             "Receptions the sink could not use (framing, checksum, read).",
	SinkMissed:             "Sequence numbers skipped in forward gaps.",
	SinkAnomalies:          "Accepted packets whose sequence was not ahead of the last one.",
	SinkDuplicates:         "Accepted packets repeating an already seen (source, sequence).",
}

var gaugeHelp = map[string]string{
	SinkConnected:  "1 while valid data arrived within the liveness timeout.",
	HopRSSI:        "RSSI recorded by the relay hop of the latest packet.",
	LinkRSSI:       "RSSI of the latest reception at this node.",
	SourceBattery:  "Battery percent reported in the latest packet.",
	LastSequence:   "Sequence number of the latest accepted packet.",
	RelayBootCount: "Wake cycles completed by this relay.",
}

// Prom implements Recorder with Prometheus collectors. Every series carries
// a constant node label so several nodes can share one registry.
type Prom struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewProm builds and registers all collectors. A nil reg uses the default
// registerer.
func NewProm(reg prometheus.Registerer, node string) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"node": node}
	p := &Prom{
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
	}
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
		reg.MustRegister(c)
		p.counters[name] = c
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
		reg.MustRegister(g)
		p.gauges[name] = g
	}
	return p
}

func (p *Prom) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *Prom) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64) {}
func (Nop) SetGauge(string, float64)   {}

var (
	_ Recorder = (*Prom)(nil)
	_ Recorder = Nop{}
)
