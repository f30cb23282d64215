// ABOUTME: In-process transport hub
// ABOUTME: Connects publishers and subscribers in one process for tests, simulation and the relay
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Hub is an in-memory Transport. Every Transport method is safe for
// concurrent use. Priority hints are accepted and ignored.
type Hub struct {
	mu       sync.Mutex
	groups   map[string]*memGroup
	watchers map[*announcer]string
	closed   bool
	buffer   int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		groups:   make(map[string]*memGroup),
		watchers: make(map[*announcer]string),
		buffer:   defaultBuffer,
	}
}

// Publish registers a channel group at address
func (h *Hub) Publish(ctx context.Context, address string) (Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.groups[address]; ok {
		return nil, fmt.Errorf("%s: %w", address, ErrAlreadyPublished)
	}

	g := &memGroup{
		hub:      h,
		address:  address,
		requests: make(chan Request, 16),
		done:     make(chan struct{}),
	}
	h.groups[address] = g
	h.announceLocked(address, true)
	return g, nil
}

// Consume returns a handle on address. The group does not need to exist
// yet; Subscribe fails with ErrNotFound while it does not.
func (h *Hub) Consume(address string) (Remote, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	return &memRemote{hub: h, address: address}, nil
}

// Directory streams announcements for addresses under prefix, starting
// with every group already published.
func (h *Hub) Directory(ctx context.Context, prefix string) (<-chan Announcement, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	w := newAnnouncer(ctx)
	existing := make([]string, 0, len(h.groups))
	for addr := range h.groups {
		if strings.HasPrefix(addr, prefix) {
			existing = append(existing, addr)
		}
	}
	sort.Strings(existing)
	for _, addr := range existing {
		w.push(Announcement{Address: addr, Active: true})
	}
	h.watchers[w] = prefix

	go func() {
		<-w.done
		h.mu.Lock()
		delete(h.watchers, w)
		h.mu.Unlock()
	}()
	return w.out, nil
}

// Addresses returns every published address, sorted
func (h *Hub) Addresses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.groups))
	for addr := range h.groups {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Close withdraws every group and ends every directory stream
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	groups := h.groups
	watchers := h.watchers
	h.groups = make(map[string]*memGroup)
	h.watchers = make(map[*announcer]string)
	h.mu.Unlock()

	for _, g := range groups {
		g.shutdown()
	}
	for w := range watchers {
		w.stop()
	}
	return nil
}

func (h *Hub) announceLocked(address string, active bool) {
	for w, prefix := range h.watchers {
		if strings.HasPrefix(address, prefix) {
			w.push(Announcement{Address: address, Active: active})
		}
	}
}

func (h *Hub) unpublish(g *memGroup) {
	h.mu.Lock()
	if h.groups[g.address] == g {
		delete(h.groups, g.address)
		h.announceLocked(g.address, false)
	}
	h.mu.Unlock()
	g.shutdown()
}

func (h *Hub) subscribe(ctx context.Context, address, name string) (*stream, error) {
	h.mu.Lock()
	g := h.groups[address]
	h.mu.Unlock()
	if g == nil {
		return nil, fmt.Errorf("%s: %w", address, ErrNotFound)
	}

	local, served := newPipe(name, h.buffer)
	if !g.track(served) {
		return nil, fmt.Errorf("%s: %w", address, ErrNotFound)
	}

	select {
	case g.requests <- Request{Name: name, Channel: served}:
		return local, nil
	case <-g.done:
		return nil, fmt.Errorf("%s: %w", address, ErrNotFound)
	case <-ctx.Done():
		served.Close(ctx.Err())
		return nil, ctx.Err()
	}
}

type memGroup struct {
	hub      *Hub
	address  string
	requests chan Request
	done     chan struct{}

	mu     sync.Mutex
	served []*stream
	closed bool
}

func (g *memGroup) Address() string          { return g.address }
func (g *memGroup) Requests() <-chan Request { return g.requests }
func (g *memGroup) Done() <-chan struct{}    { return g.done }

func (g *memGroup) Close() error {
	g.hub.unpublish(g)
	return nil
}

func (g *memGroup) track(s *stream) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	// Forget channels that already ended
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

func (g *memGroup) shutdown() {
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

type memRemote struct {
	hub     *Hub
	address string

	mu       sync.Mutex
	channels []*stream
	closed   bool
}

func (r *memRemote) Address() string { return r.address }

func (r *memRemote) Subscribe(ctx context.Context, name string, priority int) (Channel, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s, err := r.hub.subscribe(ctx, r.address, name)
	if err != nil {
		return nil, err
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

func (r *memRemote) Close() error {
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
	_ Transport = (*Hub)(nil)
	_ Group     = (*memGroup)(nil)
	_ Remote    = (*memRemote)(nil)
)
