// Package transport defines the radio interface used by every node and
// provides implementations for simulation (in-memory shared medium) and for
// bridging nodes across hosts (TCP).
package transport

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
	"time"
)

var (
	ErrNoData  = errors.New("transport: no packet pending")
	ErrClosed  = errors.New("transport: closed")
	ErrAsleep  = errors.New("transport: radio asleep")
	ErrTooLong = errors.New("transport: payload too long")
)

// MaxPayload bounds a single radio payload.
const MaxPayload = 255

// Reception is one payload as heard by a radio, with the link quality it was
// heard at.
type Reception struct {
	Payload []byte
	RSSI    int16
	SNR     float32
	At      time.Time
}

// Transport abstracts one half-duplex radio module.
// A node drives it from a single control loop; nothing here queues more than
// one pending arrival.
type Transport interface {
	// Start brings the radio up. Failure is fatal for the node.
	Start() error

	// StartReceive (re-)arms continuous receive mode.
	StartReceive() error

	// Transmit sends one payload on the shared channel. The radio hears
	// nothing while transmitting and is left in standby afterwards.
	Transmit(payload []byte) error

	// Pending is the arrival flag. It holds at most one signal; arrivals
	// while it is already set coalesce.
	Pending() <-chan struct{}

	// ReadData returns the most recent arrival and clears the buffer.
	ReadData() (Reception, error)

	// Sleep powers the receiver down. Arrivals while asleep are not heard
	// and anything buffered is discarded.
	Sleep() error

	// Close shuts the radio down.
	Close() error
}

// RadioParams is the channel configuration shared by every node. Two radios
// only hear each other when all fields are identical.
type RadioParams struct {
	FrequencyMHz    float64 `yaml:"frequency_mhz"`
	BandwidthKHz    float64 `yaml:"bandwidth_khz"`
	SpreadingFactor uint8   `yaml:"spreading_factor"`
	CodingRate      uint8   `yaml:"coding_rate"`
	SyncWord        uint8   `yaml:"sync_word"`
	TxPowerDBm      int8    `yaml:"tx_power_dbm"`
	Preamble        uint16  `yaml:"preamble"`
}

// DefaultRadioParams matches the deployed network.
func DefaultRadioParams() RadioParams {
	return RadioParams{
		FrequencyMHz:    915.0,
		BandwidthKHz:    125.0,
		SpreadingFactor: 9,
		CodingRate:      7,
		SyncWord:        0x12,
		TxPowerDBm:      14,
		Preamble:        8,
	}
}

// Fingerprint condenses p into a value carried on bridged links so peers with
// different channel settings ignore each other.
func (p RadioParams) Fingerprint() uint32 {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], math.Float64bits(p.FrequencyMHz))
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(p.BandwidthKHz))
	b[16] = p.SpreadingFactor
	b[17] = p.CodingRate
	b[18] = p.SyncWord
	b[19] = byte(p.TxPowerDBm)
	binary.LittleEndian.PutUint16(b[20:], p.Preamble)
	return crc32.ChecksumIEEE(b[:])
}

type radioState int

const (
	stateStandby radioState = iota
	stateReceiving
	stateTransmitting
	stateSleeping
	stateClosed
)

// slot is the radio's single receive buffer plus its interrupt flag.
type slot struct {
	buf  *Reception
	flag chan struct{}
}

func newSlot() slot {
	return slot{flag: make(chan struct{}, 1)}
}

// put overwrites the buffer and raises the flag. Callers hold the radio lock.
func (s *slot) put(r Reception) {
	s.buf = &r
	select {
	case s.flag <- struct{}{}:
	default:
	}
}

func (s *slot) take() (Reception, bool) {
	if s.buf == nil {
		return Reception{}, false
	}
	r := *s.buf
	s.buf = nil
	return r, true
}

func (s *slot) drain() {
	s.buf = nil
	select {
	case <-s.flag:
	default:
	}
}
