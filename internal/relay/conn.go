// ABOUTME: One relay client connection
// ABOUTME: Translates envelopes into hub operations and forwards channel traffic both ways
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendBuffer    = 256
	bridgeBuffer  = 64
)

// bridge carries client-bound writes into a hub channel without letting a
// slow hub reader stall the connection's read loop.
type bridge struct {
	ch   transport.Channel
	out  chan transport.Message
	done chan struct{}
	once sync.Once
}

func (b *bridge) push(msg transport.Message) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.out <- msg:
		return true
	default:
		return false
	}
}

func (b *bridge) stop() {
	b.once.Do(func() { close(b.done) })
}

type conn struct {
	server *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan any // transport.Envelope or []byte

	mu       sync.Mutex
	nextID   uint32
	channels map[uint32]*bridge
	groups   map[string]transport.Group
	watches  map[uint32]context.CancelFunc
	wg       sync.WaitGroup

	log zerolog.Logger
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server:   s,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan any, sendBuffer),
		nextID:   2,
		channels: make(map[uint32]*bridge),
		groups:   make(map[string]transport.Group),
		watches:  make(map[uint32]context.CancelFunc),
		log:      s.log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}
}

func (c *conn) close() {
	c.cancel()
	c.ws.Close()
}

// serve runs the connection until the client leaves
func (c *conn) serve() {
	c.log.Info().Msg("Client connected")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writer()
	}()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket error")
			}
			break
		}

		switch mt {
		case websocket.BinaryMessage:
			id, payload, ok := transport.DecodeBinary(data)
			if ok {
				c.forward(id, transport.Message{Data: append([]byte(nil), payload...), Frame: true})
			}
		case websocket.TextMessage:
			var env transport.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Debug().Err(err).Msg("Dropping malformed envelope")
				continue
			}
			c.handle(env)
		}
	}

	c.cleanup()
	c.log.Info().Msg("Client disconnected")
}

func (c *conn) handle(env transport.Envelope) {
	switch env.Op {
	case transport.OpAnnounce:
		g, err := c.server.hub.Publish(c.ctx, env.Path)
		if err != nil {
			c.log.Warn().Err(err).Str("path", env.Path).Msg("Announce rejected")
			c.sendControl(transport.Envelope{Op: transport.OpClose, Path: env.Path, Error: transport.WireError(err)})
			return
		}
		c.mu.Lock()
		c.groups[env.Path] = g
		c.mu.Unlock()
		c.log.Debug().Str("path", env.Path).Msg("Announced")
		c.goServe(func() { c.serveGroup(g) })

	case transport.OpUnannounce:
		c.mu.Lock()
		g := c.groups[env.Path]
		delete(c.groups, env.Path)
		c.mu.Unlock()
		if g != nil {
			g.Close()
		}

	case transport.OpSubscribe:
		c.goServe(func() { c.subscribe(env) })

	case transport.OpWatch:
		ctx, cancel := context.WithCancel(c.ctx)
		anns, err := c.server.hub.Directory(ctx, env.Path)
		if err != nil {
			cancel()
			c.sendControl(transport.Envelope{Op: transport.OpClose, ID: env.ID, Error: transport.WireError(err)})
			return
		}
		c.mu.Lock()
		c.watches[env.ID] = cancel
		c.mu.Unlock()
		c.goServe(func() {
			for ann := range anns {
				c.sendControl(transport.Envelope{
					Op:     transport.OpAnnounced,
					ID:     env.ID,
					Path:   ann.Address,
					Active: ann.Active,
				})
			}
		})

	case transport.OpData:
		c.forward(env.ID, transport.Message{Data: append([]byte(nil), env.Data...)})

	case transport.OpClose:
		c.mu.Lock()
		b := c.channels[env.ID]
		delete(c.channels, env.ID)
		cancel := c.watches[env.ID]
		delete(c.watches, env.ID)
		c.mu.Unlock()
		if b != nil {
			b.stop()
			b.ch.Close(transport.ParseWireError(env.Error))
		}
		if cancel != nil {
			cancel()
		}

	default:
		c.log.Debug().Str("op", env.Op).Msg("Unknown envelope op")
	}
}

func (c *conn) goServe(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// serveGroup hands every request for a group this client published to it
func (c *conn) serveGroup(g transport.Group) {
	for {
		select {
		case req := <-g.Requests():
			c.mu.Lock()
			id := c.nextID
			c.nextID += 2
			c.mu.Unlock()

			b := c.register(id, req.Channel)
			if b == nil {
				return
			}
			c.sendControl(transport.Envelope{
				Op:      transport.OpRequest,
				ID:      id,
				Path:    g.Address(),
				Channel: req.Name,
			})
			c.pump(id, b)
		case <-g.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) subscribe(env transport.Envelope) {
	remote, err := c.server.hub.Consume(env.Path)
	if err == nil {
		var ch transport.Channel
		ch, err = remote.Subscribe(c.ctx, env.Channel, env.Priority)
		if err == nil {
			if b := c.register(env.ID, ch); b != nil {
				c.sendControl(transport.Envelope{Op: transport.OpSubscribed, ID: env.ID})
				c.pump(env.ID, b)
			}
			return
		}
	}
	c.sendControl(transport.Envelope{Op: transport.OpClose, ID: env.ID, Error: transport.WireError(err)})
}

// register binds a hub channel to id. The client must learn the id before
// any hub traffic is forwarded, so pumping starts separately.
func (c *conn) register(id uint32, ch transport.Channel) *bridge {
	b := &bridge{ch: ch, out: make(chan transport.Message, bridgeBuffer), done: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		ch.Close(nil)
		return nil
	}
	c.channels[id] = b
	return b
}

// pump moves data both ways between the client and a registered channel
func (c *conn) pump(id uint32, b *bridge) {
	ch := b.ch

	// client -> hub
	c.goServe(func() {
		for {
			select {
			case msg := <-b.out:
				var err error
				if msg.Frame {
					err = ch.WriteFrame(msg.Data)
				} else {
					err = ch.WriteJSON(json.RawMessage(msg.Data))
				}
				if errors.Is(err, transport.ErrClosed) {
					return
				}
			case <-b.done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	})

	// hub -> client
	c.goServe(func() {
		for {
			msg, err := ch.ReadMessage(c.ctx)
			if err != nil {
				c.detach(id, b, err)
				return
			}
			if msg.Frame {
				c.sendData(transport.EncodeBinary(id, msg.Data))
			} else {
				c.sendData(transport.Envelope{Op: transport.OpData, ID: id, Data: msg.Data})
			}
		}
	})
}

// detach reports a hub-side close to the client
func (c *conn) detach(id uint32, b *bridge, err error) {
	c.mu.Lock()
	owned := c.channels[id] == b
	if owned {
		delete(c.channels, id)
	}
	c.mu.Unlock()
	b.stop()

	if !owned || c.ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	c.sendControl(transport.Envelope{Op: transport.OpClose, ID: id, Error: transport.WireError(err)})
}

func (c *conn) forward(id uint32, msg transport.Message) {
	c.mu.Lock()
	b := c.channels[id]
	c.mu.Unlock()
	if b == nil {
		return
	}
	if !b.push(msg) {
		c.log.Debug().Uint32("id", id).Msg("Bridge full, dropping message")
	}
}

// sendControl queues a message that must not be dropped
func (c *conn) sendControl(msg any) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

// sendData queues channel traffic, dropping it if the client is behind
func (c *conn) sendData(msg any) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	default:
		c.log.Debug().Msg("Send buffer full, dropping message")
	}
}

// writer sends queued messages to the client
func (c *conn) writer() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			var err error
			switch v := msg.(type) {
			case []byte:
				err = c.ws.WriteMessage(websocket.BinaryMessage, v)
			default:
				err = c.ws.WriteJSON(v)
			}
			if err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) cleanup() {
	c.cancel()

	c.mu.Lock()
	channels := c.channels
	groups := c.groups
	watches := c.watches
	c.channels = make(map[uint32]*bridge)
	c.groups = make(map[string]transport.Group)
	c.watches = make(map[uint32]context.CancelFunc)
	c.mu.Unlock()

	for _, b := range channels {
		b.stop()
		b.ch.Close(nil)
	}
	for _, g := range groups {
		g.Close()
	}
	for _, cancel := range watches {
		cancel()
	}

	c.wg.Wait()
	c.ws.Close()
}
