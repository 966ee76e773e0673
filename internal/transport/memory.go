package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Link describes one direction of a radio path on an Ether.
type Link struct {
	RSSI    int16
	SNR     float32
	Loss    float64 // probability in [0,1] that a frame is not heard
	Blocked bool    // out of range
}

type linkKey struct{ from, to string }

// Ether is an in-process shared radio channel. Every transmission is offered
// to every other attached radio, subject to per-link loss, matching radio
// parameters, half-duplex state and, when airtime is set, collisions.
type Ether struct {
	mu          sync.Mutex
	radios      map[string]*MemoryTransport
	links       map[linkKey]Link
	defaultLink Link
	airtime     time.Duration
	rng         *rand.Rand
}

// EtherOption configures an Ether.
type EtherOption func(*Ether)

// WithAirtime sets how long a frame occupies the channel. Two frames that
// overlap at one receiver destroy each other. Zero delivers instantly and
// never collides.
func WithAirtime(d time.Duration) EtherOption {
	return func(e *Ether) { e.airtime = d }
}

// WithDefaultLink sets the link used for pairs without an explicit SetLink.
func WithDefaultLink(l Link) EtherOption {
	return func(e *Ether) { e.defaultLink = l }
}

// WithSeed makes loss decisions reproducible.
func WithSeed(seed int64) EtherOption {
	return func(e *Ether) { e.rng = rand.New(rand.NewSource(seed)) }
}

// NewEther creates an empty shared channel.
func NewEther(opts ...EtherOption) *Ether {
	e := &Ether{
		radios:      make(map[string]*MemoryTransport),
		links:       make(map[linkKey]Link),
		defaultLink: Link{RSSI: -80, SNR: 9},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetLink configures the path from one radio to another (one direction).
func (e *Ether) SetLink(from, to string, l Link) {
	e.mu.Lock()
	e.links[linkKey{from, to}] = l
	e.mu.Unlock()
}

// Attach creates a radio on this channel. Names must be unique.
func (e *Ether) Attach(name string, params RadioParams) (*MemoryTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.radios[name]; ok {
		return nil, fmt.Errorf("memory transport: radio %q already attached", name)
	}
	t := &MemoryTransport{
		name:   name,
		ether:  e,
		params: params,
		slot:   newSlot(),
	}
	e.radios[name] = t
	return t, nil
}

func (e *Ether) detach(name string) {
	e.mu.Lock()
	delete(e.radios, name)
	e.mu.Unlock()
}

type delivery struct {
	to   *MemoryTransport
	link Link
}

func (e *Ether) broadcast(from *MemoryTransport, payload []byte) {
	e.mu.Lock()
	var out []delivery
	for name, r := range e.radios {
		if r == from || r.params != from.params {
			continue
		}
		l, ok := e.links[linkKey{from.name, name}]
		if !ok {
			l = e.defaultLink
		}
		if l.Blocked {
			continue
		}
		if l.Loss > 0 && e.rng.Float64() < l.Loss {
			continue
		}
		out = append(out, delivery{to: r, link: l})
	}
	airtime := e.airtime
	e.mu.Unlock()

	for _, d := range out {
		frame := make([]byte, len(payload))
		copy(frame, payload)
		d.to.arrive(frame, d.link, airtime)
	}
}

// MemoryTransport is one radio attached to an Ether.
type MemoryTransport struct {
	name   string
	ether  *Ether
	params RadioParams

	mu       sync.Mutex
	state    radioState
	slot     slot
	inflight *inflight
}

type inflight struct {
	rx       Reception
	collided bool
}

func (t *MemoryTransport) Name() string { return t.name }

func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return ErrClosed
	}
	return nil
}

func (t *MemoryTransport) StartReceive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return ErrClosed
	}
	t.state = stateReceiving
	return nil
}

func (t *MemoryTransport) Transmit(payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrTooLong
	}
	t.mu.Lock()
	switch t.state {
	case stateClosed:
		t.mu.Unlock()
		return ErrClosed
	case stateSleeping:
		t.mu.Unlock()
		return ErrAsleep
	}
	t.state = stateTransmitting
	if t.inflight != nil {
		// whatever we were hearing is lost; we cannot receive while sending
		t.inflight.collided = true
	}
	t.mu.Unlock()

	t.ether.broadcast(t, payload)
	if t.ether.airtime > 0 {
		time.Sleep(t.ether.airtime)
	}

	t.mu.Lock()
	if t.state == stateTransmitting {
		t.state = stateStandby
	}
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Pending() <-chan struct{} {
	return t.slot.flag
}

func (t *MemoryTransport) ReadData() (Reception, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return Reception{}, ErrClosed
	}
	r, ok := t.slot.take()
	if !ok {
		return Reception{}, ErrNoData
	}
	return r, nil
}

func (t *MemoryTransport) Sleep() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return ErrClosed
	}
	t.state = stateSleeping
	t.inflight = nil
	t.slot.drain()
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.state = stateClosed
	t.inflight = nil
	t.slot.drain()
	t.mu.Unlock()
	t.ether.detach(t.name)
	return nil
}

func (t *MemoryTransport) arrive(frame []byte, l Link, airtime time.Duration) {
	rx := Reception{Payload: frame, RSSI: l.RSSI, SNR: l.SNR, At: time.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateReceiving {
		return
	}
	if airtime <= 0 {
		t.slot.put(rx)
		return
	}
	f := &inflight{rx: rx}
	if t.inflight != nil {
		t.inflight.collided = true
		f.collided = true
	}
	t.inflight = f
	time.AfterFunc(airtime, func() { t.land(f) })
}

func (t *MemoryTransport) land(f *inflight) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight == f {
		t.inflight = nil
	}
	if f.collided || t.state != stateReceiving {
		return
	}
	f.rx.At = time.Now()
	t.slot.put(f.rx)
}

var _ Transport = (*MemoryTransport)(nil)
