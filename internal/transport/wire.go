// ABOUTME: Relay wire protocol shared by the websocket client and the relay server
// ABOUTME: JSON envelopes for control and JSON data, id-prefixed binary messages for frames
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// Envelope operations. Client-allocated stream ids are odd, relay-allocated
// ids are even.
const (
	OpAnnounce   = "announce"   // client: publish path
	OpUnannounce = "unannounce" // client: withdraw path
	OpWatch      = "watch"      // client: directory of prefix path under id
	OpAnnounced  = "announced"  // relay: path became active/inactive for watch id
	OpSubscribe  = "subscribe"  // client: open channel on path under id
	OpSubscribed = "subscribed" // relay: subscription id is open
	OpRequest    = "request"    // relay: a subscriber wants channel of our path under id
	OpData       = "data"       // either: JSON payload for id
	OpClose      = "close"      // either: id ended, with optional error
)

// BinaryHeaderSize is the big-endian stream id before a frame payload
const BinaryHeaderSize = 4

// Envelope is one text message on the relay connection
type Envelope struct {
	Op       string          `json:"op"`
	ID       uint32          `json:"id,omitempty"`
	Path     string          `json:"path,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Priority int             `json:"priority,omitempty"`
	Active   bool            `json:"active,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EncodeBinary prefixes a frame with its stream id
func EncodeBinary(id uint32, payload []byte) []byte {
	buf := make([]byte, BinaryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, id)
	copy(buf[BinaryHeaderSize:], payload)
	return buf
}

// DecodeBinary splits a binary message into stream id and payload
func DecodeBinary(b []byte) (uint32, []byte, bool) {
	if len(b) < BinaryHeaderSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(b), b[BinaryHeaderSize:], true
}

var wireErrors = []error{ErrClosed, ErrNotFound, ErrUnknownChannel, ErrAlreadyPublished}

// WireError renders a close reason for the wire. Known sentinels keep their
// identity across the relay.
func WireError(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range wireErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

// ParseWireError is the inverse of WireError
func ParseWireError(s string) error {
	if s == "" {
		return nil
	}
	for _, known := range wireErrors {
		if s == known.Error() {
			return known
		}
	}
	return errors.New(s)
}
