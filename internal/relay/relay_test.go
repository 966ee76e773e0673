package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Operative-001/ridgelink/internal/protocol"
	"github.com/Operative-001/ridgelink/internal/store"
	"github.com/Operative-001/ridgelink/internal/transport"
)

// fakeRadio queues scripted receptions and records transmissions.
type fakeRadio struct {
	mu       sync.Mutex
	queue    []transport.Reception
	sent     [][]byte
	txErr    error
	txCalls  int
	sleeps   int
	receives int
	pending  chan struct{}
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{pending: make(chan struct{}, 1)}
}

func (f *fakeRadio) push(rx transport.Reception) {
	f.mu.Lock()
	f.queue = append(f.queue, rx)
	f.mu.Unlock()
	f.signal()
}

func (f *fakeRadio) signal() {
	select {
	case f.pending <- struct{}{}:
	default:
	}
}

func (f *fakeRadio) Start() error { return nil }
func (f *fakeRadio) StartReceive() error {
	f.mu.Lock()
	f.receives++
	f.mu.Unlock()
	return nil
}
func (f *fakeRadio) Transmit(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if f.txErr != nil {
		return f.txErr
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}
func (f *fakeRadio) Pending() <-chan struct{} { return f.pending }
func (f *fakeRadio) ReadData() (transport.Reception, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return transport.Reception{}, transport.ErrNoData
	}
	rx := f.queue[0]
	f.queue = f.queue[1:]
	if len(f.queue) > 0 {
		select {
		case f.pending <- struct{}{}:
		default:
		}
	}
	return rx, nil
}
func (f *fakeRadio) Sleep() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps++
	f.queue = nil
	select {
	case <-f.pending:
	default:
	}
	return nil
}
func (f *fakeRadio) Close() error { return nil }

func (f *fakeRadio) transmitted(t *testing.T) []protocol.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Packet
	for _, b := range f.sent {
		p, err := protocol.Decode(b)
		if err != nil {
			t.Fatalf("relay transmitted an invalid packet: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func reception(p protocol.Packet, rssi int16) transport.Reception {
	b := p.Encode()
	return transport.Reception{Payload: b[:], RSSI: rssi, SNR: 5}
}

func newRelay(t *testing.T, cfg Config) *Relay {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestHandleStampsAndForwards(t *testing.T) {
	radio := newFakeRadio()
	r := newRelay(t, Config{ID: protocol.NodeRelayPrimary, Transport: radio})

	in := protocol.NewData(protocol.NodeSource, 5, 12, 45, 90)
	out, err := r.Handle(context.Background(), reception(in, -101))
	if err != nil {
		t.Fatal(err)
	}

	sent := radio.transmitted(t)
	if len(sent) != 1 || sent[0] != out {
		t.Fatalf("transmitted %+v, returned %+v", sent, out)
	}
	got := sent[0]
	if got.MsgType != protocol.MsgRelayed || got.RelayID != protocol.NodeRelayPrimary || got.HopRSSI != -101 {
		t.Fatalf("packet not stamped: %+v", got)
	}
	if got.Sequence != 5 || got.SourceID != protocol.NodeSource || got.PrimaryReading != 12 || got.SecondaryReading != 45 || got.BatteryPercent != 90 {
		t.Fatalf("relay altered source fields: %+v", got)
	}

	st := r.Stats()
	if st.PacketsRelayed != 1 || st.LastRSSI != -101 || st.LastPrimary != 12 || st.Errors != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestHandleRejections(t *testing.T) {
	stampedByOther := protocol.NewData(protocol.NodeSource, 1, 1, 1, 1)
	stampedByOther.Stamp(protocol.NodeRelaySecondary, -90)

	relayedTypeOnly := protocol.NewData(protocol.NodeSource, 1, 1, 1, 1)
	relayedTypeOnly.MsgType = protocol.MsgRelayed
	relayedTypeOnly.Seal()

	stampNoType := protocol.NewData(protocol.NodeSource, 1, 1, 1, 1)
	stampNoType.RelayID = protocol.NodeRelaySecondary
	stampNoType.Seal()

	status := protocol.NewData(protocol.NodeSource, 1, 1, 1, 1)
	status.MsgType = protocol.MsgStatus
	status.Seal()

	foreign := protocol.NewData(protocol.NodeSink, 1, 1, 1, 1)

	corrupt := reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -80)
	corrupt.Payload[4] ^= 0x01

	cases := []struct {
		name    string
		rx      transport.Reception
		want    error
		reason  string
		isError bool
	}{
		{"short frame", transport.Reception{Payload: []byte{1, 2, 3}}, protocol.ErrFraming, ReasonFraming, true},
		{"checksum", corrupt, protocol.ErrChecksum, ReasonChecksum, true},
		{"stamped by other relay", reception(stampedByOther, -80), protocol.ErrAlreadyRelayed, ReasonAlreadyRelayed, false},
		{"relayed type without stamp", reception(relayedTypeOnly, -80), protocol.ErrAlreadyRelayed, ReasonAlreadyRelayed, false},
		{"stamp without relayed type", reception(stampNoType, -80), protocol.ErrAlreadyRelayed, ReasonAlreadyRelayed, false},
		{"reserved type", reception(status, -80), protocol.ErrOriginMismatch, ReasonOrigin, false},
		{"foreign source", reception(foreign, -80), protocol.ErrOriginMismatch, ReasonOrigin, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			radio := newFakeRadio()
			r := newRelay(t, Config{ID: protocol.NodeRelayPrimary, Transport: radio})

			_, err := r.Handle(context.Background(), tc.rx)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if radio.txCalls != 0 {
				t.Fatal("rejected packet was transmitted")
			}
			st := r.Stats()
			if st.Rejected[tc.reason] != 1 {
				t.Fatalf("expected one %s rejection, got %v", tc.reason, st.Rejected)
			}
			if (st.Errors == 1) != tc.isError {
				t.Fatalf("error counter %d, counted as error: %v", st.Errors, tc.isError)
			}
		})
	}
}

func TestLoopPrevention(t *testing.T) {
	primaryRadio := newFakeRadio()
	secondaryRadio := newFakeRadio()
	primary := newRelay(t, Config{ID: protocol.NodeRelayPrimary, Transport: primaryRadio})
	secondary := newRelay(t, Config{ID: protocol.NodeRelaySecondary, Transport: secondaryRadio})

	orig := protocol.NewData(protocol.NodeSource, 9, 1, 2, 3)
	stamped, err := primary.Handle(context.Background(), reception(orig, -100))
	if err != nil {
		t.Fatal(err)
	}

	// secondary hears the primary's output
	if _, err := secondary.Handle(context.Background(), reception(stamped, -70)); !errors.Is(err, protocol.ErrAlreadyRelayed) {
		t.Fatalf("secondary forwarded a relayed packet: %v", err)
	}
	// and the primary hears its own output echoed back
	if _, err := primary.Handle(context.Background(), reception(stamped, -70)); !errors.Is(err, protocol.ErrAlreadyRelayed) {
		t.Fatalf("primary forwarded its own output: %v", err)
	}
	if secondaryRadio.txCalls != 0 || primaryRadio.txCalls != 1 {
		t.Fatalf("tx calls primary=%d secondary=%d", primaryRadio.txCalls, secondaryRadio.txCalls)
	}
}

func TestHandleWaitsDelay(t *testing.T) {
	radio := newFakeRadio()
	r := newRelay(t, Config{ID: protocol.NodeRelaySecondary, Delay: 40 * time.Millisecond, Transport: radio})

	start := time.Now()
	if _, err := r.Handle(context.Background(), reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -90)); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Fatalf("transmitted after %s, delay is 40ms", el)
	}
}

func TestHandleCancelledDuringDelay(t *testing.T) {
	radio := newFakeRadio()
	r := newRelay(t, Config{ID: protocol.NodeRelaySecondary, Delay: time.Hour, Transport: radio})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Handle(ctx, reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -90))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if radio.txCalls != 0 {
		t.Fatal("cancelled relay transmitted")
	}
}

func TestTransmitFailureNotRetried(t *testing.T) {
	radio := newFakeRadio()
	radio.txErr = errors.New("tx timeout")
	r := newRelay(t, Config{ID: protocol.NodeRelayPrimary, Transport: radio})

	_, err := r.Handle(context.Background(), reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -90))
	if !errors.Is(err, radio.txErr) || !errors.Is(err, ErrTransmit) {
		t.Fatalf("expected transmit error, got %v", err)
	}
	if radio.txCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", radio.txCalls)
	}
	if st := r.Stats(); st.PacketsRelayed != 0 {
		t.Fatalf("failed transmit counted as relayed: %+v", st)
	}
}

func TestNewRejectsBadIdentity(t *testing.T) {
	for _, id := range []protocol.NodeID{protocol.NodeNone, protocol.NodeSource, protocol.NodeSink} {
		if _, err := New(Config{ID: id, Transport: newFakeRadio()}); err == nil {
			t.Fatalf("%s accepted as relay identity", id)
		}
	}
	if _, err := New(Config{ID: protocol.NodeRelayPrimary}); err == nil {
		t.Fatal("expected error without transport")
	}
}

func TestRunContinuousRelaysEveryPacket(t *testing.T) {
	radio := newFakeRadio()
	r := newRelay(t, Config{ID: protocol.NodeRelayPrimary, Transport: radio})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	for seq := uint8(0); seq < 3; seq++ {
		radio.push(reception(protocol.NewData(protocol.NodeSource, seq, 1, 1, 1), -95))
	}
	deadline := time.Now().Add(time.Second)
	for r.Stats().PacketsRelayed < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := len(radio.transmitted(t)); got != 3 {
		t.Fatalf("expected 3 relayed, got %d", got)
	}
}

func TestDutyCycleRelaysAtMostOnePerWindow(t *testing.T) {
	radio := newFakeRadio()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	r := newRelay(t, Config{
		ID:           protocol.NodeRelayPrimary,
		Transport:    radio,
		DutyCycle:    true,
		ListenWindow: 200 * time.Millisecond,
		Sleep:        time.Hour,
		Store:        db,
	})

	radio.push(reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -95))
	radio.push(reception(protocol.NewData(protocol.NodeSource, 2, 1, 1, 1), -95))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	sent := radio.transmitted(t)
	if len(sent) != 1 || sent[0].Sequence != 1 {
		t.Fatalf("expected only seq 1 relayed, got %+v", sent)
	}
	if radio.sleeps != 1 {
		t.Fatalf("expected radio put to sleep once, got %d", radio.sleeps)
	}

	st, err := db.LoadRelayState(protocol.NodeRelayPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if st.BootCount != 1 || st.PacketsRelayed != 1 || st.LastRSSI != -95 {
		t.Fatalf("persisted state %+v", st)
	}

	// a restart resumes the boot counter
	r2 := newRelay(t, Config{
		ID:           protocol.NodeRelayPrimary,
		Transport:    newFakeRadio(),
		DutyCycle:    true,
		ListenWindow: 10 * time.Millisecond,
		Sleep:        time.Hour,
		Store:        db,
	})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	r2.Run(ctx2)
	if got := r2.Stats(); got.BootCount != 2 || got.PacketsRelayed != 1 {
		t.Fatalf("state not resumed: %+v", got)
	}
}

func TestDutyCycleFailedTransmitEndsWindow(t *testing.T) {
	radio := newFakeRadio()
	radio.txErr = errors.New("tx timeout")
	r := newRelay(t, Config{
		ID:           protocol.NodeRelayPrimary,
		Transport:    radio,
		DutyCycle:    true,
		ListenWindow: 200 * time.Millisecond,
		Sleep:        time.Hour,
	})

	radio.push(reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -95))
	radio.push(reception(protocol.NewData(protocol.NodeSource, 2, 1, 1, 1), -95))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if radio.txCalls != 1 {
		t.Fatalf("expected one transmit attempt in the window, got %d", radio.txCalls)
	}
	if radio.sleeps != 1 {
		t.Fatalf("expected window to end in sleep, got %d sleeps", radio.sleeps)
	}
}

func TestErrorsSurviveRestart(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	r := newRelay(t, Config{ID: protocol.NodeRelaySecondary, Transport: newFakeRadio(), Store: db})
	bad := reception(protocol.NewData(protocol.NodeSource, 1, 1, 1, 1), -95)
	bad.Payload[4] ^= 0x01
	r.Handle(context.Background(), bad)
	r.Handle(context.Background(), transport.Reception{Payload: make([]byte, 3)})
	r.persist()

	r2 := newRelay(t, Config{ID: protocol.NodeRelaySecondary, Transport: newFakeRadio(), Store: db})
	r2.restore()
	st := r2.Stats()
	if st.Errors != 2 || st.Rejected[ReasonChecksum] != 1 || st.Rejected[ReasonFraming] != 1 {
		t.Fatalf("restored stats %+v", st)
	}
}

func TestDutyCycleIdleWindowIsNotAnError(t *testing.T) {
	radio := newFakeRadio()
	r := newRelay(t, Config{
		ID:           protocol.NodeRelaySecondary,
		Transport:    radio,
		DutyCycle:    true,
		ListenWindow: 10 * time.Millisecond,
		Sleep:        10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	st := r.Stats()
	if st.BootCount < 2 {
		t.Fatalf("expected several wake cycles, got %d", st.BootCount)
	}
	if st.Errors != 0 || st.PacketsRelayed != 0 || radio.txCalls != 0 {
		t.Fatalf("idle windows produced activity: %+v", st)
	}
}

func TestTwoRelaysOverEther(t *testing.T) {
	e := transport.NewEther()
	attach := func(name string) *transport.MemoryTransport {
		r, err := e.Attach(name, transport.DefaultRadioParams())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { r.Close() })
		return r
	}
	src := attach("source")
	pr := attach("primary")
	sr := attach("secondary")
	e.SetLink("source", "primary", transport.Link{RSSI: -101, SNR: 2})
	e.SetLink("source", "secondary", transport.Link{RSSI: -108, SNR: -1})

	primary := newRelay(t, Config{ID: protocol.NodeRelayPrimary, Delay: 10 * time.Millisecond, Transport: pr})
	secondary := newRelay(t, Config{ID: protocol.NodeRelaySecondary, Delay: 60 * time.Millisecond, Transport: sr})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, r := range []*Relay{primary, secondary} {
		wg.Add(1)
		go func(r *Relay) { defer wg.Done(); r.Run(ctx) }(r)
	}
	time.Sleep(20 * time.Millisecond)

	p := protocol.NewData(protocol.NodeSource, 5, 12, 45, 80)
	b := p.Encode()
	if err := src.Transmit(b[:]); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	cancel()
	wg.Wait()

	ps, ss := primary.Stats(), secondary.Stats()
	if ps.PacketsRelayed != 1 || ss.PacketsRelayed != 1 {
		t.Fatalf("each relay should forward the original once: primary=%d secondary=%d", ps.PacketsRelayed, ss.PacketsRelayed)
	}
	if ps.Rejected[ReasonAlreadyRelayed] != 1 || ss.Rejected[ReasonAlreadyRelayed] != 1 {
		t.Fatalf("each relay should refuse the other's copy: primary=%v secondary=%v", ps.Rejected, ss.Rejected)
	}
	if ps.LastRSSI != -101 || ss.LastRSSI != -108 {
		t.Fatalf("hop rssi primary=%d secondary=%d", ps.LastRSSI, ss.LastRSSI)
	}
	if ps.Errors != 0 || ss.Errors != 0 {
		t.Fatal("loop prevention must not count as errors")
	}
}
