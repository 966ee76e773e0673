package transport

import (
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// TCPTransport bridges radios on different hosts over raw TCP connections.
// Every connected peer is treated as within radio range.
// Framing: 2-byte big-endian length, 4-byte radio parameter fingerprint,
// payload. Frames with a foreign fingerprint are dropped, as a radio with a
// different sync word or frequency would never hear them.
type TCPTransport struct {
	listenAddr  string
	fingerprint uint32
	rssi        int16
	listener    net.Listener

	mu    sync.Mutex
	peers map[string]net.Conn // addr → conn
	state radioState
	slot  slot
}

const fingerprintSize = 4

// NewTCP creates a TCPTransport listening on listenAddr (empty: dial only).
// Receptions report nominalRSSI since there is no real signal to measure.
func NewTCP(listenAddr string, params RadioParams, nominalRSSI int16) *TCPTransport {
	return &TCPTransport{
		listenAddr:  listenAddr,
		fingerprint: params.Fingerprint(),
		rssi:        nominalRSSI,
		peers:       make(map[string]net.Conn),
		slot:        newSlot(),
	}
}

func (t *TCPTransport) Start() error {
	if t.listenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil when not listening.
func (t *TCPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Connect dials a peer by address. Idempotent if already connected.
func (t *TCPTransport) Connect(addr string) error {
	t.mu.Lock()
	_, already := t.peers[addr]
	t.mu.Unlock()
	if already {
		return nil
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	t.addPeer(addr, conn)
	return nil
}

func (t *TCPTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *TCPTransport) StartReceive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return ErrClosed
	}
	t.state = stateReceiving
	return nil
}

func (t *TCPTransport) Transmit(payload []byte) error {
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
	conns := make([]net.Conn, 0, len(t.peers))
	for _, c := range t.peers {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	frame := make([]byte, 2+fingerprintSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:], uint16(fingerprintSize+len(payload)))
	binary.BigEndian.PutUint32(frame[2:], t.fingerprint)
	copy(frame[2+fingerprintSize:], payload)

	for _, c := range conns {
		if _, err := c.Write(frame); err != nil {
			log.Printf("transport: write to %s: %v", c.RemoteAddr(), err)
		}
	}

	t.mu.Lock()
	if t.state == stateTransmitting {
		t.state = stateStandby
	}
	t.mu.Unlock()
	return nil
}

func (t *TCPTransport) Pending() <-chan struct{} {
	return t.slot.flag
}

func (t *TCPTransport) ReadData() (Reception, error) {
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

func (t *TCPTransport) Sleep() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return ErrClosed
	}
	t.state = stateSleeping
	t.slot.drain()
	return nil
}

func (t *TCPTransport) Close() error {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	t.state = stateClosed
	t.slot.drain()
	for _, c := range t.peers {
		c.Close()
	}
	t.mu.Unlock()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		addr := conn.RemoteAddr().String()
		t.addPeer(addr, conn)
	}
}

func (t *TCPTransport) addPeer(addr string, conn net.Conn) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.peers[addr] = conn
	t.mu.Unlock()
	go t.readLoop(addr, conn)
}

func (t *TCPTransport) readLoop(addr string, conn net.Conn) {
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.peers, addr)
		t.mu.Unlock()
	}()

	for {
		var hdr [2]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		sz := int(binary.BigEndian.Uint16(hdr[:]))
		if sz < fingerprintSize || sz > fingerprintSize+MaxPayload {
			log.Printf("transport: unexpected frame size %d from %s", sz, addr)
			return
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if binary.BigEndian.Uint32(buf[:fingerprintSize]) != t.fingerprint {
			continue
		}
		t.deliver(buf[fingerprintSize:])
	}
}

func (t *TCPTransport) deliver(payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateReceiving {
		return
	}
	t.slot.put(Reception{Payload: payload, RSSI: t.rssi, At: time.Now()})
}

var _ Transport = (*TCPTransport)(nil)
