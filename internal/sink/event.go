package sink

import (
	"fmt"
	"time"

	"github.com/Operative-001/ridgelink/internal/protocol"
)

type EventKind int

const (
	// EventGap reports Gap sequence numbers missing before Packet.
	EventGap EventKind = iota + 1
	// EventSequenceAnomaly reports an accepted packet that is not ahead of the
	// previous one: a duplicate relay copy, a stale or a reordered packet.
	EventSequenceAnomaly
	// EventOriginMismatch reports a checksum-valid packet from an unexpected
	// source or of an unexpected type. It was not accepted.
	EventOriginMismatch
	// EventConnectionLost fires once when no valid packet arrived within the
	// liveness timeout.
	EventConnectionLost
	// EventConnectionRestored fires on the first valid packet after a loss.
	EventConnectionRestored
)

func (k EventKind) String() string {
	switch k {
	case EventGap:
		return "gap"
	case EventSequenceAnomaly:
		return "sequence-anomaly"
	case EventOriginMismatch:
		return "origin-mismatch"
	case EventConnectionLost:
		return "connection-lost"
	case EventConnectionRestored:
		return "connection-restored"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a diagnostic emitted by the receiver. Packet is the zero value for
// connection-lost events.
type Event struct {
	Kind   EventKind
	At     time.Time
	Packet protocol.Packet
	Gap    int
}
