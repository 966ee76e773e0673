// Package source implements the telemetry originator: on a fixed period it
// packages the current sensor pair into a DATA packet carrying the next
// sequence number and broadcasts it once.
package source

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Operative-001/ridgelink/internal/metrics"
	"github.com/Operative-001/ridgelink/internal/protocol"
	"github.com/Operative-001/ridgelink/internal/transport"
)

const defaultInterval = 10 * time.Second

// Sample is one reading pair in native physical units.
type Sample struct {
	Primary   float32
	Secondary float32
}

// Sensor acquires the current reading pair.
type Sensor interface {
	Read() (Sample, error)
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func() (Sample, error)

func (f SensorFunc) Read() (Sample, error) { return f() }

// Battery reports the node's charge in percent.
type Battery interface {
	Percent() uint8
}

// FixedBattery always reports the same level.
type FixedBattery uint8

func (b FixedBattery) Percent() uint8 { return uint8(b) }

// Config configures an Emitter.
type Config struct {
	ID        protocol.NodeID // defaults to protocol.NodeSource
	Transport transport.Transport
	Sensor    Sensor
	Battery   Battery          // defaults to FixedBattery(100)
	Interval  time.Duration    // defaults to 10s
	Metrics   metrics.Recorder // defaults to metrics.Nop
}

// Stats is a read-only view of the emitter.
type Stats struct {
	NextSequence uint8
	Sent         uint64
	Failed       uint64
	Last         protocol.Packet
}

// Emitter owns the sequence counter.
type Emitter struct {
	cfg Config

	mu    sync.Mutex
	next  uint8
	stats Stats
}

func New(cfg Config) (*Emitter, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("source: transport is required")
	}
	if cfg.Sensor == nil {
		return nil, fmt.Errorf("source: sensor is required")
	}
	if cfg.ID == protocol.NodeNone {
		cfg.ID = protocol.NodeSource
	}
	if cfg.Battery == nil {
		cfg.Battery = FixedBattery(100)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Emitter{cfg: cfg}, nil
}

// Tick builds and transmits one packet. The sequence number is consumed
// whether or not the sensor read or the transmission succeeded; a failed
// attempt shows up at the sink as a gap and is never resent.
func (e *Emitter) Tick() (protocol.Packet, error) {
	e.mu.Lock()
	seq := e.next
	e.next++
	e.mu.Unlock()

	s, err := e.cfg.Sensor.Read()
	if err != nil {
		e.fail()
		return protocol.Packet{}, fmt.Errorf("source: read sensor for seq %d: %w", seq, err)
	}

	battery := e.cfg.Battery.Percent()
	if battery > 100 {
		battery = 100
	}
	p := protocol.NewData(e.cfg.ID, seq, s.Primary, s.Secondary, battery)
	buf := p.Encode()

	if err := e.cfg.Transport.Transmit(buf[:]); err != nil {
		e.fail()
		return p, fmt.Errorf("source: transmit seq %d: %w", seq, err)
	}

	e.mu.Lock()
	e.stats.Sent++
	e.stats.Last = p
	e.mu.Unlock()
	e.cfg.Metrics.IncCounter(metrics.PacketsEmitted, 1)
	e.cfg.Metrics.SetGauge(metrics.LastSequence, float64(seq))
	e.cfg.Metrics.SetGauge(metrics.SourceBattery, float64(battery))
	return p, nil
}

func (e *Emitter) fail() {
	e.mu.Lock()
	e.stats.Failed++
	e.mu.Unlock()
	e.cfg.Metrics.IncCounter(metrics.EmitFailures, 1)
}

// Stats returns a copy of the emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.NextSequence = e.next
	return s
}

// Run starts the radio and emits immediately and then once per interval
// until ctx is done. Only a radio that fails to start is returned as an
// error.
func (e *Emitter) Run(ctx context.Context) error {
	if err := e.cfg.Transport.Start(); err != nil {
		return fmt.Errorf("source: radio start: %w", err)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		if p, err := e.Tick(); err != nil {
			log.Printf("%v", err)
		} else {
			log.Printf("source: sent seq=%d primary=%.2f secondary=%.2f battery=%d%%",
				p.Sequence, p.PrimaryReading, p.SecondaryReading, p.BatteryPercent)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
