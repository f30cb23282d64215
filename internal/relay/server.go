// ABOUTME: Relay server bridging websocket clients through an in-process hub
// ABOUTME: Manages connections, channel group announcements and mDNS advertisement
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/internal/discovery"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds relay configuration
type Config struct {
	Port       int
	Name       string
	Path       string
	EnableMDNS bool
}

// Server accepts relay connections
type Server struct {
	config   Config
	serverID string
	hub      *transport.Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mdnsManager *discovery.Manager

	connsMu sync.Mutex
	conns   map[*conn]struct{}
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// New creates a relay server
func New(config Config, log zerolog.Logger) *Server {
	if config.Path == "" {
		config.Path = "/agora"
	}
	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		hub:      transport.NewHub(),
		mux:      http.NewServeMux(),
		conns:    make(map[*conn]struct{}),
		log:      log.With().Str("module", "relay").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// The relay serves trusted local networks; browsers on any
			// origin may join.
			return true
		},
	}
	s.mux.HandleFunc(config.Path, s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler serving the relay path
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the hub every connection is bridged through
func (s *Server) Hub() *transport.Hub {
	return s.hub
}

// Connections returns the number of connected clients
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Run serves until ctx ends
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Str("name", s.config.Name).Str("id", s.serverID).Msg("Relay starting")

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        s.config.Path,
		}, s.log)
		if err := s.mdnsManager.Advertise(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to start mDNS advertisement")
		}
		defer s.mdnsManager.Stop()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", httpServer.Addr).Str("path", s.config.Path).Msg("WebSocket relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("relay server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	s.Close()
	return runErr
}

// Close drops every connection and the hub
func (s *Server) Close() {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	s.hub.Close()
}

// handleWebSocket upgrades HTTP connection to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(s, ws)
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.serve()

		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
	}()
}
