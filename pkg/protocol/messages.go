// ABOUTME: Agora channel payload definitions
// ABOUTME: Defines the channel names and JSON messages carried on each channel
package protocol

// Channel names within a peer's channel group
const (
	ChannelPosition = "position"
	ChannelProfile  = "profile"
	ChannelAudio    = "audio"
	ChannelSpeaking = "speaking"
	ChannelZones    = "zones"
)

// Channels lists every channel a peer publishes, in subscription order.
// Position comes first because it is the only mandatory one.
var Channels = []string{
	ChannelPosition,
	ChannelProfile,
	ChannelAudio,
	ChannelSpeaking,
	ChannelZones,
}

// PositionMessage is broadcast on the position channel
type PositionMessage struct {
	Identity string  `json:"identity"`
	Tab      string  `json:"tab"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Color    string  `json:"color,omitempty"`
}

// ProfileMessage is broadcast on the profile channel
type ProfileMessage struct {
	Identity    string   `json:"identity"`
	Pubkey      string   `json:"pubkey"`
	DisplayName string   `json:"displayName,omitempty"`
	Name        string   `json:"name,omitempty"`
	Picture     string   `json:"picture,omitempty"`
	About       string   `json:"about,omitempty"`
	Relays      []string `json:"relays,omitempty"`
	UpdatedAt   int64    `json:"updatedAt,omitempty"` // unix seconds
}

// ZonesMessage is broadcast on the zones channel
type ZonesMessage struct {
	Zones []string `json:"zones"`
	Ts    int64    `json:"ts"` // unix milliseconds
}

// SpeakingMessage is broadcast on the speaking channel
type SpeakingMessage struct {
	Level float64 `json:"level"`
	Ts    int64   `json:"ts"` // unix milliseconds
}
