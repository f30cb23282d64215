// ABOUTME: Publish/subscribe transport abstraction
// ABOUTME: Channel groups published per peer address, subscribed by name, announced by prefix
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed transport or channel
	ErrClosed = errors.New("transport closed")

	// ErrNotFound is returned when subscribing to an address nobody publishes
	ErrNotFound = errors.New("channel group not found")

	// ErrUnknownChannel closes a channel whose name the publisher does not serve
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrAlreadyPublished is returned when an address is published twice
	ErrAlreadyPublished = errors.New("address already published")
)

// Message is one unit read from a channel
type Message struct {
	Data  []byte
	Frame bool // binary frame rather than JSON
}

// Channel is one named stream within a channel group. Reads return io.EOF
// once the other side closes cleanly, or the close error otherwise; data
// already received is always delivered first.
type Channel interface {
	Name() string
	WriteJSON(v any) error
	WriteFrame(b []byte) error
	ReadMessage(ctx context.Context) (Message, error)
	ReadJSON(ctx context.Context) (json.RawMessage, error)
	ReadFrame(ctx context.Context) ([]byte, error)
	Close(err error)
	Closed() <-chan struct{}
	Err() error
}

// Request is a remote subscriber asking for a channel by name
type Request struct {
	Name    string
	Channel Channel
}

// Group is the local, published side of a channel group
type Group interface {
	Address() string
	Requests() <-chan Request
	Done() <-chan struct{}
	Close() error
}

// Remote is a handle on someone else's channel group
type Remote interface {
	Address() string
	Subscribe(ctx context.Context, name string, priority int) (Channel, error)
	Close() error
}

// Announcement reports a channel group appearing or disappearing
type Announcement struct {
	Address string
	Active  bool
}

// Transport publishes local groups, consumes remote ones and lists them
type Transport interface {
	Publish(ctx context.Context, address string) (Group, error)
	Consume(address string) (Remote, error)
	Directory(ctx context.Context, prefix string) (<-chan Announcement, error)
	Close() error
}
