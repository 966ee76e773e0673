// Package relay forwards source packets exactly one hop.
//
// Each relay runs the same decision procedure on every reception:
//   - drop anything that does not decode or fails its checksum (an error);
//   - drop anything already carrying a relay stamp (expected whenever two
//     relays hear each other, so not an error);
//   - drop anything that is not DATA from the configured upstream source;
//   - otherwise stamp it with this relay's identity and the measured RSSI,
//     wait this relay's fixed delay, and transmit it once.
//
// The fixed delay is the only collision avoidance between relays. Relays do
// not know about each other; they just must be configured with different
// delays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Operative-001/ridgelink/internal/metrics"
	"github.com/Operative-001/ridgelink/internal/protocol"
	"github.com/Operative-001/ridgelink/internal/store"
	"github.com/Operative-001/ridgelink/internal/transport"
)

const (
	defaultListenWindow = 3 * time.Second
	defaultSleep        = 8 * time.Second
)

// Rejection reasons as kept in Stats.Rejected.
const (
	ReasonFraming        = "framing"
	ReasonChecksum       = "checksum"
	ReasonOrigin         = "origin"
	ReasonAlreadyRelayed = "already_relayed"
	ReasonRead           = "read"
)

// ErrTransmit wraps a radio failure while sending a qualifying packet.
var ErrTransmit = errors.New("relay: transmit failed")

// StateStore persists relay counters across sleep and restarts.
// *store.Store satisfies it.
type StateStore interface {
	LoadRelayState(id protocol.NodeID) (store.RelayState, error)
	SaveRelayState(id protocol.NodeID, st store.RelayState) error
}

// Config configures a Relay.
type Config struct {
	ID        protocol.NodeID // this relay's stamp; required
	Upstream  protocol.NodeID // accepted source; defaults to protocol.NodeSource
	Delay     time.Duration   // fixed pre-transmit delay
	Transport transport.Transport

	// DutyCycle selects the low-power mode: listen for at most ListenWindow,
	// relay at most one packet, then sleep the radio for Sleep.
	DutyCycle    bool
	ListenWindow time.Duration
	Sleep        time.Duration

	Store   StateStore       // optional
	Metrics metrics.Recorder // defaults to metrics.Nop
}

// Stats is a read-only view for display collaborators.
type Stats struct {
	ID             protocol.NodeID
	BootCount      uint32
	PacketsRelayed uint64
	Errors         uint64
	Rejected       map[string]uint64
	LastRSSI       int16
	LastPrimary    float32
	LastSecondary  float32
	Last           protocol.Packet // last packet transmitted
}

type Relay struct {
	cfg Config

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config) (*Relay, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("relay: transport is required")
	}
	switch cfg.ID {
	case protocol.NodeNone, protocol.NodeSource, protocol.NodeSink:
		return nil, fmt.Errorf("relay: %s cannot be a relay identity", cfg.ID)
	}
	if cfg.Upstream == protocol.NodeNone {
		cfg.Upstream = protocol.NodeSource
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("relay: negative delay %s", cfg.Delay)
	}
	if cfg.ListenWindow <= 0 {
		cfg.ListenWindow = defaultListenWindow
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = defaultSleep
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	r := &Relay{cfg: cfg}
	r.stats.ID = cfg.ID
	r.stats.Rejected = make(map[string]uint64)
	return r, nil
}

// Stats returns a copy of the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Rejected = make(map[string]uint64, len(r.stats.Rejected))
	for k, v := range r.stats.Rejected {
		s.Rejected[k] = v
	}
	return s
}

// Handle runs the decision procedure on one reception and, when it
// qualifies, stamps, delays and transmits it. The returned error says why a
// packet was not relayed: protocol.ErrFraming, protocol.ErrChecksum,
// protocol.ErrAlreadyRelayed, protocol.ErrOriginMismatch, ErrTransmit,
// or ctx.Err() if cancelled during the delay. The radio is left in whatever
// state Transmit leaves it; callers re-arm receive.
func (r *Relay) Handle(ctx context.Context, rx transport.Reception) (protocol.Packet, error) {
	p, err := protocol.Decode(rx.Payload)
	switch {
	case errors.Is(err, protocol.ErrFraming):
		r.reject(ReasonFraming, true)
		return p, err
	case errors.Is(err, protocol.ErrChecksum):
		r.reject(ReasonChecksum, true)
		return p, err
	}

	if p.Relayed() {
		r.reject(ReasonAlreadyRelayed, false)
		return p, fmt.Errorf("%w: stamped by %s", protocol.ErrAlreadyRelayed, p.RelayID)
	}
	if p.MsgType != protocol.MsgData {
		r.reject(ReasonOrigin, false)
		return p, fmt.Errorf("%w: type %s", protocol.ErrOriginMismatch, p.MsgType)
	}
	if p.SourceID != r.cfg.Upstream {
		r.reject(ReasonOrigin, false)
		return p, fmt.Errorf("%w: source %s", protocol.ErrOriginMismatch, p.SourceID)
	}

	p.Stamp(r.cfg.ID, rx.RSSI)
	r.cfg.Metrics.SetGauge(metrics.LinkRSSI, float64(rx.RSSI))

	if err := wait(ctx, r.cfg.Delay); err != nil {
		return p, err
	}

	buf := p.Encode()
	if err := r.cfg.Transport.Transmit(buf[:]); err != nil {
		r.cfg.Metrics.IncCounter(metrics.RelayTxFailures, 1)
		return p, fmt.Errorf("%w: seq %d: %w", ErrTransmit, p.Sequence, err)
	}

	r.mu.Lock()
	r.stats.PacketsRelayed++
	r.stats.LastRSSI = rx.RSSI
	r.stats.LastPrimary = p.PrimaryReading
	r.stats.LastSecondary = p.SecondaryReading
	r.stats.Last = p
	r.mu.Unlock()
	r.cfg.Metrics.IncCounter(metrics.PacketsRelayed, 1)
	return p, nil
}

func (r *Relay) reject(reason string, isError bool) {
	r.mu.Lock()
	r.stats.Rejected[reason]++
	if isError {
		r.stats.Errors++
	}
	r.mu.Unlock()

	switch reason {
	case ReasonFraming:
		r.cfg.Metrics.IncCounter(metrics.RejectedFraming, 1)
	case ReasonChecksum:
		r.cfg.Metrics.IncCounter(metrics.RejectedChecksum, 1)
	case ReasonOrigin:
		r.cfg.Metrics.IncCounter(metrics.RejectedOrigin, 1)
	case ReasonAlreadyRelayed:
		r.cfg.Metrics.IncCounter(metrics.RejectedAlreadyRelayed, 1)
	}
}

// Run starts the radio and relays until ctx is done. A radio that fails to
// start is the only error returned.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.cfg.Transport.Start(); err != nil {
		return fmt.Errorf("relay %s: radio start: %w", r.cfg.ID, err)
	}
	r.restore()
	log.Printf("relay %s: up, delay=%s duty_cycle=%v boot=%d", r.cfg.ID, r.cfg.Delay, r.cfg.DutyCycle, r.Stats().BootCount)

	if r.cfg.DutyCycle {
		r.runDutyCycle(ctx)
	} else {
		r.runContinuous(ctx)
	}
	r.persist()
	return nil
}

func (r *Relay) runContinuous(ctx context.Context) {
	r.arm()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.cfg.Transport.Pending():
		}
		r.process(ctx)
		r.arm()
	}
}

// runDutyCycle repeats wake, listen, sleep. Each wake counts as a boot.
func (r *Relay) runDutyCycle(ctx context.Context) {
	for {
		r.mu.Lock()
		r.stats.BootCount++
		boot := r.stats.BootCount
		r.mu.Unlock()
		r.cfg.Metrics.SetGauge(metrics.RelayBootCount, float64(boot))

		r.listenWindow(ctx)

		if err := r.cfg.Transport.Sleep(); err != nil {
			log.Printf("relay %s: sleep radio: %v", r.cfg.ID, err)
		}
		r.persist()
		if wait(ctx, r.cfg.Sleep) != nil {
			return
		}
	}
}

// listenWindow listens until the deadline passes or one qualifying packet
// has been handled, whether or not its transmission succeeded.
func (r *Relay) listenWindow(ctx context.Context) {
	deadline := time.NewTimer(r.cfg.ListenWindow)
	defer deadline.Stop()

	r.arm()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-r.cfg.Transport.Pending():
		}
		if r.process(ctx) {
			return
		}
		r.arm()
	}
}

// process reads the pending arrival and handles it. It reports whether the
// packet qualified for relaying; a failed transmit still counts.
func (r *Relay) process(ctx context.Context) bool {
	rx, err := r.cfg.Transport.ReadData()
	if errors.Is(err, transport.ErrNoData) {
		return false
	}
	if err != nil {
		r.reject(ReasonRead, true)
		log.Printf("relay %s: read: %v", r.cfg.ID, err)
		return false
	}

	p, err := r.Handle(ctx, rx)
	switch {
	case err == nil:
		log.Printf("relay %s: relayed seq=%d rssi=%d after %s", r.cfg.ID, p.Sequence, rx.RSSI, r.cfg.Delay)
		r.persist()
		return true
	case errors.Is(err, ErrTransmit):
		log.Printf("relay %s: %v", r.cfg.ID, err)
		return true
	case errors.Is(err, protocol.ErrAlreadyRelayed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		log.Printf("relay %s: dropped: %v", r.cfg.ID, err)
	}
	return false
}

func (r *Relay) arm() {
	if err := r.cfg.Transport.StartReceive(); err != nil {
		log.Printf("relay %s: start receive: %v", r.cfg.ID, err)
	}
}

func (r *Relay) restore() {
	if r.cfg.Store == nil {
		return
	}
	st, err := r.cfg.Store.LoadRelayState(r.cfg.ID)
	if err != nil {
		log.Printf("relay %s: load state: %v", r.cfg.ID, err)
		return
	}
	r.mu.Lock()
	r.stats.BootCount = st.BootCount
	r.stats.PacketsRelayed = st.PacketsRelayed
	r.stats.Errors = st.Errors
	r.stats.LastRSSI = st.LastRSSI
	r.stats.LastPrimary = st.LastPrimary
	r.stats.LastSecondary = st.LastSecondary
	for k, v := range st.Rejected {
		r.stats.Rejected[k] = v
	}
	r.mu.Unlock()
}

func (r *Relay) persist() {
	if r.cfg.Store == nil {
		return
	}
	s := r.Stats()
	st := store.RelayState{
		BootCount:      s.BootCount,
		PacketsRelayed: s.PacketsRelayed,
		Errors:         s.Errors,
		Rejected:       s.Rejected,
		LastRSSI:       s.LastRSSI,
		LastPrimary:    s.LastPrimary,
		LastSecondary:  s.LastSecondary,
	}
	if err := r.cfg.Store.SaveRelayState(r.cfg.ID, st); err != nil {
		log.Printf("relay %s: save state: %v", r.cfg.ID, err)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
