// ABOUTME: mDNS discovery for agora relays
// ABOUTME: Relays advertise themselves; clients browse to find a relay URL
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

// ServiceType is the mDNS service relays advertise
const ServiceType = "_agora-relay._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string // websocket path advertised in TXT
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	relays chan *RelayInfo
	log    zerolog.Logger
}

// RelayInfo describes a discovered relay
type RelayInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// URL returns the websocket URL of the relay
func (r *RelayInfo) URL() string {
	path := r.Path
	if path == "" {
		path = "/agora"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(r.Host, fmt.Sprint(r.Port)), path)
}

// NewManager creates a discovery manager
func NewManager(config Config, log zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		relays: make(chan *RelayInfo, 10),
		log:    log.With().Str("module", "discovery").Logger(),
	}
}

// Advertise announces this relay via mDNS until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	path := m.config.Path
	if path == "" {
		path = "/agora"
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.log.Info().
		Str("name", m.config.ServiceName).
		Int("port", m.config.Port).
		Str("type", ServiceType).
		Msg("Advertising mDNS service")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for relays until Stop
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop continuously browses for relays
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				relay := entryToRelay(entry)
				if relay == nil {
					continue
				}

				m.log.Info().
					Str("name", relay.Name).
					Str("url", relay.URL()).
					Msg("Discovered relay")

				select {
				case m.relays <- relay:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: ServiceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			m.log.Debug().Err(err).Msg("mDNS query failed")
		}
		close(entries)
	}
}

// Relays returns the channel of discovered relays
func (m *Manager) Relays() <-chan *RelayInfo {
	return m.relays
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// FindRelay browses until the first relay is found or ctx ends
func FindRelay(ctx context.Context, log zerolog.Logger) (*RelayInfo, error) {
	m := NewManager(Config{}, log)
	defer m.Stop()
	m.Browse()

	select {
	case relay := <-m.Relays():
		return relay, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no relay found: %w", ctx.Err())
	}
}

func entryToRelay(entry *mdns.ServiceEntry) *RelayInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}
	relay := &RelayInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok {
			relay.Path = v
		}
	}
	return relay
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
