// ABOUTME: Tests for mDNS relay discovery
// ABOUTME: Tests manager lifecycle and service entry conversion
package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Test Relay", Port: 8927}, zerolog.Nop())
	require.NotNil(t, mgr)
	assert.NotNil(t, mgr.Relays())

	mgr.Stop()
	<-mgr.ctx.Done()
}

func TestEntryToRelay(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "studio." + ServiceType + ".local.",
		AddrV4:     net.ParseIP("192.168.1.20"),
		Port:       8927,
		InfoFields: []string{"path=/rooms"},
	}

	relay := entryToRelay(entry)
	require.NotNil(t, relay)
	assert.Equal(t, "studio", relay.Name)
	assert.Equal(t, "ws://192.168.1.20:8927/rooms", relay.URL())
}

func TestEntryWithoutAddressIgnored(t *testing.T) {
	assert.Nil(t, entryToRelay(&mdns.ServiceEntry{Name: "x"}))
	assert.Nil(t, entryToRelay(nil))
}

func TestRelayURLDefaultPath(t *testing.T) {
	r := &RelayInfo{Host: "10.0.0.1", Port: 9000}
	assert.Equal(t, "ws://10.0.0.1:9000/agora", r.URL())
}
