// Package protocol defines the ridgelink wire format.
//
// Every telemetry packet is exactly PacketSize bytes. Multi-byte fields are
// little-endian and floats are IEEE-754, matching the deployed nodes. The final
// byte is an XOR over all preceding bytes.
//
// The XOR checksum detects every odd-weight bit error but misses any pattern
// that flips the same bit position an even number of times. It is kept as is:
// deployed nodes compute exactly this value.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	PacketSize = 16

	offMsgType   = 0
	offSource    = 1
	offRelay     = 2
	offSequence  = 3
	offPrimary   = 4
	offSecondary = 8
	offHopRSSI   = 12
	offBattery   = 14
	offChecksum  = 15
)

// MsgType identifies what a packet carries.
type MsgType byte

const (
	MsgData    MsgType = 0x01 // original, unrelayed reading
	MsgRelayed MsgType = 0x02 // stamped by exactly one relay
	MsgAck     MsgType = 0x03 // reserved, never sent
	MsgStatus  MsgType = 0x04 // reserved, never sent
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "data"
	case MsgRelayed:
		return "relayed"
	case MsgAck:
		return "ack"
	case MsgStatus:
		return "status"
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// NodeID is a compile-time node identity. There is no discovery.
type NodeID byte

const (
	NodeNone           NodeID = 0x00
	NodeSource         NodeID = 0x01
	NodeRelayPrimary   NodeID = 0x02
	NodeSink           NodeID = 0x03
	NodeRelaySecondary NodeID = 0x04
)

func (id NodeID) String() string {
	switch id {
	case NodeNone:
		return "none"
	case NodeSource:
		return "source"
	case NodeRelayPrimary:
		return "relay-primary"
	case NodeSink:
		return "sink"
	case NodeRelaySecondary:
		return "relay-secondary"
	}
	return fmt.Sprintf("node(0x%02x)", byte(id))
}

var (
	// ErrFraming is returned for buffers that are not exactly PacketSize bytes.
	ErrFraming = errors.New("protocol: wrong packet size")
	// ErrChecksum is returned when the trailing XOR does not match.
	ErrChecksum = errors.New("protocol: checksum mismatch")
	// ErrOriginMismatch marks a packet from an unexpected source or of an unexpected type.
	ErrOriginMismatch = errors.New("protocol: unexpected origin")
	// ErrAlreadyRelayed marks a packet that already carries a relay stamp.
	ErrAlreadyRelayed = errors.New("protocol: already relayed")
)

// Packet is one telemetry record. It is a value; nodes copy it on receipt.
type Packet struct {
	MsgType          MsgType
	SourceID         NodeID
	RelayID          NodeID
	Sequence         uint8
	PrimaryReading   float32
	SecondaryReading float32
	HopRSSI          int16
	BatteryPercent   uint8
	Checksum         uint8
}

// NewData returns a checksummed DATA packet as emitted by a source.
func NewData(source NodeID, seq uint8, primary, secondary float32, battery uint8) Packet {
	p := Packet{
		MsgType:          MsgData,
		SourceID:         source,
		RelayID:          NodeNone,
		Sequence:         seq,
		PrimaryReading:   primary,
		SecondaryReading: secondary,
		BatteryPercent:   battery,
	}
	p.Seal()
	return p
}

// Encode serialises p exactly as it is, checksum byte included.
func (p *Packet) Encode() [PacketSize]byte {
	var buf [PacketSize]byte
	p.put(&buf)
	buf[offChecksum] = p.Checksum
	return buf
}

func (p *Packet) put(buf *[PacketSize]byte) {
	buf[offMsgType] = byte(p.MsgType)
	buf[offSource] = byte(p.SourceID)
	buf[offRelay] = byte(p.RelayID)
	buf[offSequence] = p.Sequence
	binary.LittleEndian.PutUint32(buf[offPrimary:], math.Float32bits(p.PrimaryReading))
	binary.LittleEndian.PutUint32(buf[offSecondary:], math.Float32bits(p.SecondaryReading))
	binary.LittleEndian.PutUint16(buf[offHopRSSI:], uint16(p.HopRSSI))
	buf[offBattery] = p.BatteryPercent
}

// ComputeChecksum returns the XOR of every covered byte of p's wire form.
func (p *Packet) ComputeChecksum() uint8 {
	var buf [PacketSize]byte
	p.put(&buf)
	return Checksum(buf[:offChecksum])
}

// Seal recomputes and stores the checksum.
func (p *Packet) Seal() {
	p.Checksum = p.ComputeChecksum()
}

// Verify reports whether the stored checksum matches the content.
func (p *Packet) Verify() bool {
	return p.Checksum == p.ComputeChecksum()
}

// Checksum is the running XOR over b.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum ^= c
	}
	return sum
}

// Decode parses exactly PacketSize bytes. A wrong length yields ErrFraming; a
// bad checksum yields ErrChecksum together with the parsed packet, so callers
// may still log what arrived.
func Decode(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, ErrFraming
	}
	p := Packet{
		MsgType:          MsgType(b[offMsgType]),
		SourceID:         NodeID(b[offSource]),
		RelayID:          NodeID(b[offRelay]),
		Sequence:         b[offSequence],
		PrimaryReading:   math.Float32frombits(binary.LittleEndian.Uint32(b[offPrimary:])),
		SecondaryReading: math.Float32frombits(binary.LittleEndian.Uint32(b[offSecondary:])),
		HopRSSI:          int16(binary.LittleEndian.Uint16(b[offHopRSSI:])),
		BatteryPercent:   b[offBattery],
		Checksum:         b[offChecksum],
	}
	if Checksum(b[:offChecksum]) != p.Checksum {
		return p, ErrChecksum
	}
	return p, nil
}

// Relayed reports whether p carries a relay stamp of any kind.
func (p *Packet) Relayed() bool {
	return p.MsgType == MsgRelayed || p.RelayID != NodeNone
}

// Stamp marks p as forwarded by relay with the given reception strength and
// reseals it. Sequence and readings are left untouched.
func (p *Packet) Stamp(relay NodeID, rssi int16) {
	p.MsgType = MsgRelayed
	p.RelayID = relay
	p.HopRSSI = rssi
	p.Seal()
}

// Forward returns how many sequence numbers were skipped between last and
// next, and whether next lies ahead of last at all. A distance of 128 or more
// is treated as stale, duplicate or reordered rather than as loss.
func Forward(last, next uint8) (gap int, forward bool) {
	expected := last + 1
	d := int(next-expected) & 0xFF
	if d < 128 {
		return d, true
	}
	return d, false
}
