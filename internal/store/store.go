// Package store persists node state in a local bbolt database: the sink's
// reading history and each relay's counters, which must survive the relay's
// deep sleep between wake cycles.
package store

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/Operative-001/ridgelink/internal/protocol"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketReadings = []byte("readings")
	bucketRelays   = []byte("relays")
)

// Reading is one packet accepted by the sink, as stored and archived.
type Reading struct {
	RunID      string           `json:"run_id"`
	ReceivedAt time.Time        `json:"received_at"`
	SourceID   protocol.NodeID  `json:"source_id"`
	RelayID    protocol.NodeID  `json:"relay_id"`
	Sequence   uint8            `json:"sequence"`
	Primary    float32          `json:"primary"`
	Secondary  float32          `json:"secondary"`
	HopRSSI    int16            `json:"hop_rssi"`
	Battery    uint8            `json:"battery"`
	RSSI       int16            `json:"rssi"` // as heard by the sink
	SNR        float32          `json:"snr"`
	MsgType    protocol.MsgType `json:"msg_type"`
}

// Readings are stored with their floats as raw IEEE-754 bits. NaN and Inf
// are legal on the wire and JSON numbers cannot carry them.

func (r Reading) MarshalJSON() ([]byte, error) {
	type plain Reading
	return json.Marshal(struct {
		plain
		Primary   uint32 `json:"primary"`
		Secondary uint32 `json:"secondary"`
		SNR       uint32 `json:"snr"`
	}{plain(r), math.Float32bits(r.Primary), math.Float32bits(r.Secondary), math.Float32bits(r.SNR)})
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	type plain Reading
	var aux struct {
		plain
		Primary   uint32 `json:"primary"`
		Secondary uint32 `json:"secondary"`
		SNR       uint32 `json:"snr"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Reading(aux.plain)
	r.Primary = math.Float32frombits(aux.Primary)
	r.Secondary = math.Float32frombits(aux.Secondary)
	r.SNR = math.Float32frombits(aux.SNR)
	return nil
}

// RelayState is what a relay carries across sleep and restarts.
type RelayState struct {
	BootCount      uint32            `json:"boot_count"`
	PacketsRelayed uint64            `json:"packets_relayed"`
	Errors         uint64            `json:"errors"`
	Rejected       map[string]uint64 `json:"rejected,omitempty"`
	LastRSSI       int16             `json:"last_rssi"`
	LastPrimary    float32           `json:"last_primary"`
	LastSecondary  float32           `json:"last_secondary"`
}

func (st RelayState) MarshalJSON() ([]byte, error) {
	type plain RelayState
	return json.Marshal(struct {
		plain
		LastPrimary   uint32 `json:"last_primary"`
		LastSecondary uint32 `json:"last_secondary"`
	}{plain(st), math.Float32bits(st.LastPrimary), math.Float32bits(st.LastSecondary)})
}

func (st *RelayState) UnmarshalJSON(data []byte) error {
	type plain RelayState
	var aux struct {
		plain
		LastPrimary   uint32 `json:"last_primary"`
		LastSecondary uint32 `json:"last_secondary"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*st = RelayState(aux.plain)
	st.LastPrimary = math.Float32frombits(aux.LastPrimary)
	st.LastSecondary = math.Float32frombits(aux.LastSecondary)
	return nil
}

// Store is a bbolt database holding both buckets.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database inside dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "ridgelink.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketReadings, bucketRelays} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendReading adds r to the history. Keys are the bucket sequence so
// iteration order is insertion order.
func (s *Store) AppendReading(r Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketReadings)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], data)
	})
}

// Readings returns up to limit stored readings, newest first. limit <= 0
// returns everything.
func (s *Store) Readings(limit int) ([]Reading, error) {
	var out []Reading
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReadings).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r Reading
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// SaveRelayState overwrites the state kept for relay id.
func (s *Store) SaveRelayState(id protocol.NodeID, st RelayState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRelays).Put([]byte{byte(id)}, data)
	})
}

// LoadRelayState returns the saved state for id, or the zero state on first
// boot.
func (s *Store) LoadRelayState(id protocol.NodeID) (RelayState, error) {
	var st RelayState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRelays).Get([]byte{byte(id)})
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &st)
	})
	return st, err
}
