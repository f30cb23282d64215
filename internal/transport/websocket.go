// ABOUTME: WebSocket client transport talking to an agora relay
// ABOUTME: Multiplexes channel groups, subscriptions and directory watches over one connection
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeDeadline = 10 * time.Second

var errBacklog = errors.New("request backlog full")

// Client is a Transport backed by a relay connection
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint32
	streams  map[uint32]*stream
	pending  map[uint32]chan error
	groups   map[string]*wsGroup
	watchers map[uint32]*announcer

	done      chan struct{}
	closeOnce sync.Once
	err       error
	buffer    int
	log       zerolog.Logger
}

// Dial connects to a relay websocket URL such as ws://host:8927/agora
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		conn:     conn,
		nextID:   1,
		streams:  make(map[uint32]*stream),
		pending:  make(map[uint32]chan error),
		groups:   make(map[string]*wsGroup),
		watchers: make(map[uint32]*announcer),
		done:     make(chan struct{}),
		buffer:   defaultBuffer,
		log:      log.With().Str("module", "transport").Str("relay", url).Logger(),
	}
	go c.readLoop()

	c.log.Info().Msg("Connected to relay")
	return c, nil
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Publish announces address on the relay
func (c *Client) Publish(ctx context.Context, address string) (Group, error) {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.groups[address]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", address, ErrAlreadyPublished)
	}
	g := &wsGroup{
		client:   c,
		address:  address,
		requests: make(chan Request, 16),
		done:     make(chan struct{}),
	}
	c.groups[address] = g
	c.mu.Unlock()

	if err := c.writeEnvelope(Envelope{Op: OpAnnounce, Path: address}); err != nil {
		c.mu.Lock()
		delete(c.groups, address)
		c.mu.Unlock()
		return nil, fmt.Errorf("announce %s: %w", address, err)
	}
	return g, nil
}

// Consume returns a handle on a remote address
func (c *Client) Consume(address string) (Remote, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return &wsRemote{client: c, address: address}, nil
}

// Directory watches addresses under prefix
func (c *Client) Directory(ctx context.Context, prefix string) (<-chan Announcement, error) {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.allocIDLocked()
	w := newAnnouncer(ctx)
	c.watchers[id] = w
	c.mu.Unlock()

	if err := c.writeEnvelope(Envelope{Op: OpWatch, ID: id, Path: prefix}); err != nil {
		w.stop()
		return nil, fmt.Errorf("watch %s: %w", prefix, err)
	}

	go func() {
		<-w.done
		c.mu.Lock()
		_, still := c.watchers[id]
		delete(c.watchers, id)
		c.mu.Unlock()
		if still && !c.isClosed() {
			c.writeEnvelope(Envelope{Op: OpClose, ID: id})
		}
	}()
	return w.out, nil
}

// Close ends the connection and every channel on it
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) allocIDLocked() uint32 {
	id := c.nextID
	c.nextID += 2
	return id
}

func (c *Client) writeEnvelope(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Op, err)
	}
	return nil
}

func (c *Client) writeBinary(id uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, EncodeBinary(id, payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// newStream creates a channel bound to a stream id on this connection
func (c *Client) newStream(id uint32, name string) *stream {
	s := newStream(name, c.buffer)
	s.send = func(msg Message) error {
		if msg.Frame {
			return c.writeBinary(id, msg.Data)
		}
		return c.writeEnvelope(Envelope{Op: OpData, ID: id, Data: msg.Data})
	}
	s.onClose = func(err error) {
		c.mu.Lock()
		_, still := c.streams[id]
		delete(c.streams, id)
		c.mu.Unlock()
		if still && !c.isClosed() {
			c.writeEnvelope(Envelope{Op: OpClose, ID: id, Error: WireError(err)})
		}
	}
	return s
}

// readLoop reads and routes incoming messages
func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var mt int
		var data []byte
		mt, data, err = c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || c.isClosed() {
				err = nil
			} else {
				c.log.Warn().Err(err).Msg("Relay read failed")
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			id, payload, ok := DecodeBinary(data)
			if !ok {
				c.log.Debug().Msg("Dropping short binary message")
				continue
			}
			c.deliver(id, Message{Data: payload, Frame: true})
		case websocket.TextMessage:
			var env Envelope
			if jerr := json.Unmarshal(data, &env); jerr != nil {
				c.log.Debug().Err(jerr).Msg("Dropping malformed envelope")
				continue
			}
			c.handleEnvelope(env)
		}
	}
}

func (c *Client) deliver(id uint32, msg Message) {
	c.mu.Lock()
	s := c.streams[id]
	c.mu.Unlock()
	if s == nil {
		return
	}
	if !s.offer(msg) {
		c.log.Debug().Str("channel", s.name).Uint32("id", id).Msg("Inbound buffer full, dropping message")
	}
}

func (c *Client) handleEnvelope(env Envelope) {
	switch env.Op {
	case OpData:
		c.deliver(env.ID, Message{Data: append([]byte(nil), env.Data...)})

	case OpSubscribed:
		c.mu.Lock()
		ack := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ack != nil {
			ack <- nil
		}

	case OpClose:
		reason := ParseWireError(env.Error)
		c.mu.Lock()
		ack := c.pending[env.ID]
		delete(c.pending, env.ID)
		s := c.streams[env.ID]
		delete(c.streams, env.ID)
		w := c.watchers[env.ID]
		delete(c.watchers, env.ID)
		c.mu.Unlock()

		if ack != nil {
			if reason == nil {
				reason = ErrClosed
			}
			ack <- reason
		}
		if s != nil {
			s.shutdown(reason, false)
		}
		if w != nil {
			w.stop()
		}

	case OpRequest:
		c.mu.Lock()
		g := c.groups[env.Path]
		var s *stream
		if g != nil {
			s = c.newStream(env.ID, env.Channel)
			c.streams[env.ID] = s
		}
		c.mu.Unlock()

		if g == nil {
			c.writeEnvelope(Envelope{Op: OpClose, ID: env.ID, Error: WireError(ErrNotFound)})
			return
		}
		if !g.track(s) {
			s.Close(ErrNotFound)
			return
		}
		select {
		case g.requests <- Request{Name: env.Channel, Channel: s}:
		default:
			c.log.Warn().Str("path", env.Path).Str("channel", env.Channel).Msg("Request backlog full")
			s.Close(errBacklog)
		}

	case OpAnnounced:
		c.mu.Lock()
		w := c.watchers[env.ID]
		c.mu.Unlock()
		if w != nil {
			w.push(Announcement{Address: env.Path, Active: env.Active})
		}

	default:
		c.log.Debug().Str("op", env.Op).Msg("Unknown envelope op")
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		streams := c.streams
		pending := c.pending
		groups := c.groups
		watchers := c.watchers
		c.streams = make(map[uint32]*stream)
		c.pending = make(map[uint32]chan error)
		c.groups = make(map[string]*wsGroup)
		c.watchers = make(map[uint32]*announcer)
		c.mu.Unlock()

		c.conn.Close()

		reason := ErrClosed
		if err != nil {
			reason = fmt.Errorf("%w: %v", ErrClosed, err)
		}
		for _, ack := range pending {
			ack <- reason
		}
		for _, s := range streams {
			s.shutdown(reason, false)
		}
		for _, g := range groups {
			g.shutdown()
		}
		for _, w := range watchers {
			w.stop()
		}

		if err != nil {
			c.log.Warn().Err(err).Msg("Relay connection lost")
		} else {
			c.log.Info().Msg("Relay connection closed")
		}
	})
}

type wsGroup struct {
	client   *Client
	address  string
	requests chan Request
	done     chan struct{}

	mu     sync.Mutex
	served []*stream
	closed bool
}

func (g *wsGroup) Address() string          { return g.address }
func (g *wsGroup) Requests() <-chan Request { return g.requests }
func (g *wsGroup) Done() <-chan struct{}    { return g.done }

func (g *wsGroup) Close() error {
	c := g.client
	c.mu.Lock()
	owned := c.groups[g.address] == g
	if owned {
		delete(c.groups, g.address)
	}
	c.mu.Unlock()

	var err error
	if owned {
		err = c.writeEnvelope(Envelope{Op: OpUnannounce, Path: g.address})
	}
	g.shutdown()
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (g *wsGroup) track(s *stream) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	live := g.served[:0]
	for _, old := range g.served {
		select {
		case <-old.done:
		default:
			live = append(live, old)
		}
	}
	g.served = append(live, s)
	return true
}

func (g *wsGroup) shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	served := g.served
	g.served = nil
	close(g.done)
	g.mu.Unlock()

	for _, s := range served {
		s.Close(nil)
	}
}

type wsRemote struct {
	client  *Client
	address string

	mu       sync.Mutex
	channels []*stream
	closed   bool
}

func (r *wsRemote) Address() string { return r.address }

// Subscribe opens a channel and waits for the relay to confirm it
func (r *wsRemote) Subscribe(ctx context.Context, name string, priority int) (Channel, error) {
	c := r.client

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.allocIDLocked()
	s := c.newStream(id, name)
	ack := make(chan error, 1)
	c.streams[id] = s
	c.pending[id] = ack
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.streams, id)
		c.mu.Unlock()
	}

	err := c.writeEnvelope(Envelope{
		Op:       OpSubscribe,
		ID:       id,
		Path:     r.address,
		Channel:  name,
		Priority: priority,
	})
	if err != nil {
		forget()
		return nil, fmt.Errorf("subscribe %s/%s: %w", r.address, name, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			forget()
			s.shutdown(err, false)
			return nil, fmt.Errorf("subscribe %s/%s: %w", r.address, name, err)
		}
	case <-ctx.Done():
		s.Close(ctx.Err())
		forget()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.Close(nil)
		return nil, ErrClosed
	}
	r.channels = append(r.channels, s)
	return s, nil
}

func (r *wsRemote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := r.channels
	r.channels = nil
	r.mu.Unlock()

	for _, s := range channels {
		s.Close(nil)
	}
	return nil
}

var (
	_ Transport = (*Client)(nil)
	_ Group     = (*wsGroup)(nil)
	_ Remote    = (*wsRemote)(nil)
)
