// Package mesh defines the radio-facing types shared by the link adapter and
// the gateway core: text packets, node directory entries, the Adapter
// contract, and NodeID canonicalization.
//
// A NodeID is the stable mesh address of a node, rendered as "!" followed by
// eight lowercase hex digits (a 32-bit node number). Directory keys arriving
// from the radio are heterogeneous -- integers, bare hex strings, or
// "!"-prefixed strings -- so all canonicalization funnels through CanonID.
package mesh

import (
	"strconv"
	"strings"
)

// Broadcast is the destination used for channel-wide transmissions.
// Matches the Meshtastic broadcast address convention.
const Broadcast = "^all"

// BroadcastNum is the numeric broadcast node number (all ones).
const BroadcastNum uint32 = 0xffffffff

// PortTextMessage is the Meshtastic application port for plain text frames.
// Only packets on this port carry board traffic; everything else is ignored.
const PortTextMessage = 1

// Packet is one inbound frame from the radio. Fields mirror what the
// transport surfaces: a sender (numeric and/or "!hex" form), an optional
// packet id and receive timestamp, and the decoded payload.
type Packet struct {
	// From is the numeric sender node number (0 when unknown).
	From uint32

	// FromID is the "!hex" sender id when the transport supplies one.
	FromID string

	// To is the numeric destination node number.
	To uint32

	// ID is the transport packet id, used for dual-path dedup (0 when absent).
	ID uint32

	// RxTime is the radio receive timestamp in epoch seconds (0 when absent).
	RxTime uint32

	// Port is the application port number of the decoded payload.
	Port uint32

	// Text is the decoded text when the transport pre-decoded it.
	Text string

	// Payload is the raw decoded payload bytes when Text is empty.
	Payload []byte
}

// NodeEntry is one row of the radio's node directory.
type NodeEntry struct {
	Num       uint32
	ID        string // canonical "!hex" form
	LongName  string
	ShortName string
	LastHeard int64 // epoch seconds, 0 when never heard
}

// Adapter is the contract the gateway core consumes. Implementations are
// best-effort: Send enforces the minimum inter-transmit gap and surfaces no
// delivery guarantee beyond an open-port error.
type Adapter interface {
	// Send transmits text to dest (a canonical NodeID or Broadcast).
	Send(dest, text string) error

	// Nodes returns a snapshot of the radio's node directory.
	Nodes() []NodeEntry

	// Self returns the attached node's own directory entry, when known.
	Self() (NodeEntry, bool)

	// Close releases the underlying transport.
	Close() error
}

// FormatID renders a node number in canonical "!hhhhhhhh" form.
func FormatID(num uint32) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 9)
	b[0] = '!'
	for i := range 8 {
		b[8-i] = hexdigits[num&0xf]
		num >>= 4
	}
	return string(b)
}

// ParseID parses a canonical or near-canonical NodeID string ("!hex" or bare
// hex, any case) into its node number. Returns false for anything else.
func ParseID(s string) (uint32, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "!")
	if len(s) == 0 || len(s) > 8 {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// CanonID canonicalizes a heterogeneous directory key or sender identifier
// to "!hhhhhhhh". Accepts unsigned/signed integers (masked to 32 bits) and
// strings in bare-hex or "!hex" form. Returns false when the value cannot
// represent a node id.
func CanonID(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		n, ok := ParseID(x)
		if !ok {
			return "", false
		}
		return FormatID(n), true
	case uint32:
		return FormatID(x), true
	case uint64:
		return FormatID(uint32(x)), true
	case uint:
		return FormatID(uint32(x)), true
	case int:
		return FormatID(uint32(x)), true
	case int32:
		return FormatID(uint32(x)), true
	case int64:
		return FormatID(uint32(x)), true
	default:
		return "", false
	}
}

// ValidID reports whether s is already in canonical "!hhhhhhhh" form.
func ValidID(s string) bool {
	if len(s) != 9 || s[0] != '!' {
		return false
	}
	for i := 1; i < 9; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
