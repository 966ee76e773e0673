// Package sink implements the terminal receiver. It accepts packets from the
// source directly or via any relay, treats every path alike, tracks sequence
// continuity and decides liveness on a poll cadence.
//
// Time is always passed in explicitly (Receive and Poll take now) so the
// control loop owns the clock and tests can drive it.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Operative-001/ridgelink/internal/metrics"
	"github.com/Operative-001/ridgelink/internal/protocol"
	"github.com/Operative-001/ridgelink/internal/seen"
	"github.com/Operative-001/ridgelink/internal/store"
	"github.com/Operative-001/ridgelink/internal/transport"
)

const (
	defaultLivenessTimeout = 60 * time.Second
	defaultPollInterval    = 10 * time.Millisecond
	archiveTimeout         = 2 * time.Second
	eventBuffer            = 64
)

// ReadingStore keeps local history. *store.Store satisfies it.
type ReadingStore interface {
	AppendReading(r store.Reading) error
}

// ReadingArchive ships readings off the node. *archive.Archive satisfies it.
type ReadingArchive interface {
	Append(ctx context.Context, r store.Reading) error
}

// Config configures a Receiver.
type Config struct {
	Expected        protocol.NodeID // accepted source; defaults to protocol.NodeSource
	Transport       transport.Transport
	LivenessTimeout time.Duration // defaults to 60s
	PollInterval    time.Duration // defaults to 10ms
	RunID           string        // tags stored readings; defaults to a fresh UUID

	// SeenExpiry is the duplicate detection window. It must stay below 256
	// source intervals; defaults to seen.DefaultExpiry.
	SeenExpiry time.Duration

	Store   ReadingStore     // optional
	Archive ReadingArchive   // optional
	Metrics metrics.Recorder // defaults to metrics.Nop
	Clock   func() time.Time // used by Run; defaults to time.Now
}

// LinkState is the sink's view of the link.
type LinkState struct {
	LastSequence     uint8
	HasSequence      bool // false until the first valid packet
	LastValidAt      time.Time
	ConnectionActive bool
	TotalValid       uint64
	TotalErrors      uint64
}

// Snapshot is a copy of everything a display needs.
type Snapshot struct {
	LinkState
	RunID  string
	Latest protocol.Packet
	Via    protocol.NodeID // relay that delivered Latest, NodeNone if direct
	RSSI   int16           // link quality of the last accepted reception here
	SNR    float32

	Missed           uint64 // sum of forward gaps
	Anomalies        uint64 // non-forward sequences
	Duplicates       uint64 // (source, sequence) pairs seen before
	Distinct         uint64 // distinct (source, sequence) pairs
	OriginMismatches uint64
	PerPath          map[protocol.NodeID]uint64
}

type seenKey struct {
	source protocol.NodeID
	seq    uint8
}

// Receiver is the sink node.
type Receiver struct {
	cfg    Config
	seen   *seen.Cache[seenKey]
	events chan Event

	mu   sync.Mutex
	snap Snapshot
	lost bool
}

func New(cfg Config) (*Receiver, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("sink: transport is required")
	}
	if cfg.Expected == protocol.NodeNone {
		cfg.Expected = protocol.NodeSource
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	r := &Receiver{
		cfg:    cfg,
		seen:   seen.New[seenKey](cfg.SeenExpiry),
		events: make(chan Event, eventBuffer),
	}
	r.snap.RunID = cfg.RunID
	r.snap.PerPath = make(map[protocol.NodeID]uint64)
	return r, nil
}

// Events delivers diagnostics. Events are dropped if nobody keeps up.
func (r *Receiver) Events() <-chan Event {
	return r.events
}

// Snapshot returns a copy of the current state.
func (r *Receiver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.PerPath = make(map[protocol.NodeID]uint64, len(r.snap.PerPath))
	for k, v := range r.snap.PerPath {
		s.PerPath[k] = v
	}
	return s
}

// Receive validates one reception heard at now and, if it qualifies,
// accepts it as the latest reading. Framing and checksum failures count as
// errors; an origin mismatch is reported but not counted as an error. A
// sequence that is not ahead of the last one is still accepted.
func (r *Receiver) Receive(rx transport.Reception, now time.Time) (protocol.Packet, error) {
	p, err := protocol.Decode(rx.Payload)
	if err != nil {
		r.countError()
		return p, err
	}

	if (p.MsgType != protocol.MsgData && p.MsgType != protocol.MsgRelayed) || p.SourceID != r.cfg.Expected {
		r.mu.Lock()
		r.snap.OriginMismatches++
		r.mu.Unlock()
		r.cfg.Metrics.IncCounter(metrics.RejectedOrigin, 1)
		r.emit(Event{Kind: EventOriginMismatch, At: now, Packet: p})
		log.Printf("sink: ignored %s packet from %s seq=%d", p.MsgType, p.SourceID, p.Sequence)
		return p, fmt.Errorf("%w: %s from %s", protocol.ErrOriginMismatch, p.MsgType, p.SourceID)
	}

	r.accept(p, rx, now)
	r.record(p, rx, now)
	return p, nil
}

func (r *Receiver) accept(p protocol.Packet, rx transport.Reception, now time.Time) {
	fresh := r.seen.Add(seenKey{p.SourceID, p.Sequence}, now)

	var events []Event
	r.mu.Lock()
	s := &r.snap
	s.TotalValid++
	s.LastValidAt = now
	s.ConnectionActive = true
	if r.lost {
		r.lost = false
		events = append(events, Event{Kind: EventConnectionRestored, At: now, Packet: p})
	}

	if s.HasSequence {
		gap, forward := protocol.Forward(s.LastSequence, p.Sequence)
		switch {
		case !forward:
			s.Anomalies++
			events = append(events, Event{Kind: EventSequenceAnomaly, At: now, Packet: p, Gap: gap})
		case gap > 0:
			s.Missed += uint64(gap)
			events = append(events, Event{Kind: EventGap, At: now, Packet: p, Gap: gap})
		}
	}
	s.LastSequence = p.Sequence
	s.HasSequence = true

	if fresh {
		s.Distinct++
	} else {
		s.Duplicates++
	}
	s.Latest = p
	s.Via = p.RelayID
	s.RSSI = rx.RSSI
	s.SNR = rx.SNR
	s.PerPath[p.RelayID]++
	r.mu.Unlock()

	m := r.cfg.Metrics
	m.IncCounter(metrics.SinkValid, 1)
	m.SetGauge(metrics.SinkConnected, 1)
	m.SetGauge(metrics.LastSequence, float64(p.Sequence))
	m.SetGauge(metrics.HopRSSI, float64(p.HopRSSI))
	m.SetGauge(metrics.LinkRSSI, float64(rx.RSSI))
	m.SetGauge(metrics.SourceBattery, float64(p.BatteryPercent))
	if !fresh {
		m.IncCounter(metrics.SinkDuplicates, 1)
	}

	for _, ev := range events {
		switch ev.Kind {
		case EventGap:
			m.IncCounter(metrics.SinkMissed, float64(ev.Gap))
			log.Printf("sink: %d packet(s) missed before seq=%d", ev.Gap, p.Sequence)
		case EventSequenceAnomaly:
			m.IncCounter(metrics.SinkAnomalies, 1)
			log.Printf("sink: sequence anomaly seq=%d via %s", p.Sequence, p.RelayID)
		case EventConnectionRestored:
			log.Printf("sink: connection restored at seq=%d", p.Sequence)
		}
		r.emit(ev)
	}
}

// record writes an accepted packet to the history and archive. Failures are
// logged and never touch link state.
func (r *Receiver) record(p protocol.Packet, rx transport.Reception, now time.Time) {
	if r.cfg.Store == nil && r.cfg.Archive == nil {
		return
	}
	rd := store.Reading{
		RunID:      r.cfg.RunID,
		ReceivedAt: now,
		SourceID:   p.SourceID,
		RelayID:    p.RelayID,
		Sequence:   p.Sequence,
		Primary:    p.PrimaryReading,
		Secondary:  p.SecondaryReading,
		HopRSSI:    p.HopRSSI,
		Battery:    p.BatteryPercent,
		RSSI:       rx.RSSI,
		SNR:        rx.SNR,
		MsgType:    p.MsgType,
	}
	if r.cfg.Store != nil {
		if err := r.cfg.Store.AppendReading(rd); err != nil {
			log.Printf("sink: store reading seq=%d: %v", p.Sequence, err)
		}
	}
	if r.cfg.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := r.cfg.Archive.Append(ctx, rd); err != nil {
			log.Printf("sink: archive reading seq=%d: %v", p.Sequence, err)
		}
	}
}

func (r *Receiver) countError() {
	r.mu.Lock()
	r.snap.TotalErrors++
	r.mu.Unlock()
	r.cfg.Metrics.IncCounter(metrics.SinkErrors, 1)
}

// Poll evaluates liveness at now. It reports true only on the poll that
// flips the connection to lost; later polls without a new packet do nothing.
func (r *Receiver) Poll(now time.Time) bool {
	r.mu.Lock()
	if !r.snap.ConnectionActive || now.Sub(r.snap.LastValidAt) <= r.cfg.LivenessTimeout {
		r.mu.Unlock()
		return false
	}
	r.snap.ConnectionActive = false
	r.lost = true
	last := r.snap.LastValidAt
	r.mu.Unlock()

	r.cfg.Metrics.SetGauge(metrics.SinkConnected, 0)
	log.Printf("sink: connection lost, no valid packet since %s", last.Format(time.RFC3339))
	r.emit(Event{Kind: EventConnectionLost, At: now})
	return true
}

func (r *Receiver) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

// Run starts the radio and services arrivals and liveness polls until ctx
// is done. A radio that fails to start is the only error returned.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.cfg.Transport.Start(); err != nil {
		return fmt.Errorf("sink: radio start: %w", err)
	}
	r.arm()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Poll(r.cfg.Clock())
		case <-r.cfg.Transport.Pending():
			r.process()
			r.arm()
		}
	}
}

func (r *Receiver) process() {
	rx, err := r.cfg.Transport.ReadData()
	if errors.Is(err, transport.ErrNoData) {
		return
	}
	if err != nil {
		r.countError()
		log.Printf("sink: read: %v", err)
		return
	}
	p, err := r.Receive(rx, r.cfg.Clock())
	switch {
	case err == nil:
		log.Printf("sink: seq=%d via %s primary=%.2f secondary=%.2f hop_rssi=%d rssi=%d",
			p.Sequence, p.RelayID, p.PrimaryReading, p.SecondaryReading, p.HopRSSI, rx.RSSI)
	case errors.Is(err, protocol.ErrOriginMismatch):
	default:
		log.Printf("sink: dropped: %v", err)
	}
}

func (r *Receiver) arm() {
	if err := r.cfg.Transport.StartReceive(); err != nil {
		log.Printf("sink: start receive: %v", err)
	}
}
