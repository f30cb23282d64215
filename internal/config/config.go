// ABOUTME: Configuration loading for every agora command
// ABOUTME: Merges defaults, an optional YAML file, AGORA_* environment variables and flags through viper
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/player"
	"github.com/Resonate-Protocol/agora/internal/zone"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AGORA_RELAY_URL
const EnvPrefix = "AGORA"

// Config is the merged configuration
type Config struct {
	Relay    RelayConfig         `mapstructure:"relay"`
	Room     string              `mapstructure:"room"`
	Identity IdentityConfig      `mapstructure:"identity"`
	Session  SessionConfig       `mapstructure:"session"`
	Capture  capture.Config      `mapstructure:"capture"`
	Jitter   player.JitterConfig `mapstructure:"jitter"`
	Output   OutputConfig        `mapstructure:"output"`
	Zones    []zone.Zone         `mapstructure:"zones"`
	Avatars  AvatarConfig        `mapstructure:"avatars"`
	Server   ServerConfig        `mapstructure:"server"`
	Sim      SimConfig           `mapstructure:"sim"`
	Log      LogConfig           `mapstructure:"log"`
	NoTUI    bool                `mapstructure:"no_tui"`
}

// RelayConfig selects the relay to join
type RelayConfig struct {
	URL             string        `mapstructure:"url"` // empty means discover over mDNS
	DiscoverTimeout time.Duration `mapstructure:"discover_timeout"`
}

// IdentityConfig is what the local participant publishes about itself
type IdentityConfig struct {
	Name        string  `mapstructure:"name"`
	DisplayName string  `mapstructure:"display_name"`
	Picture     string  `mapstructure:"picture"`
	About       string  `mapstructure:"about"`
	Color       string  `mapstructure:"color"`
	StartX      float64 `mapstructure:"start_x"`
	StartY      float64 `mapstructure:"start_y"`
}

// SessionConfig holds lifecycle timings
type SessionConfig struct {
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	MoveInterval      time.Duration `mapstructure:"move_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DeadZone          float64       `mapstructure:"dead_zone"`
	MoveStep          float64       `mapstructure:"move_step"`
}

// OutputConfig configures local playback
type OutputConfig struct {
	SampleRate int           `mapstructure:"sample_rate"`
	Channels   int           `mapstructure:"channels"`
	Buffer     time.Duration `mapstructure:"buffer"`
	Volume     int           `mapstructure:"volume"`
	Disabled   bool          `mapstructure:"disabled"`
}

// AvatarConfig configures the profile picture cache
type AvatarConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
}

// ServerConfig configures `agora relay`
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
	MDNS bool   `mapstructure:"mdns"`
}

// SimConfig configures `agora sim`
type SimConfig struct {
	Bots   int           `mapstructure:"bots"`
	Speed  float64       `mapstructure:"speed"`
	Tick   time.Duration `mapstructure:"tick"`
	Voices bool          `mapstructure:"voices"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"relay":          "relay.url",
	"room":           "room",
	"name":           "identity.name",
	"display-name":   "identity.display_name",
	"picture":        "identity.picture",
	"capture":        "capture.mode",
	"capture-file":   "capture.file",
	"capture-device": "capture.device",
	"tone-freq":      "capture.frequency",
	"monitor":        "capture.monitor",
	"volume":         "output.volume",
	"no-audio":       "output.disabled",
	"min-lead":       "jitter.min_lead",
	"max-lead":       "jitter.max_lead",
	"port":           "server.port",
	"mdns":           "server.mdns",
	"bots":           "sim.bots",
	"voices":         "sim.voices",
	"log-level":      "log.level",
	"log-file":       "log.file",
	"no-tui":         "no_tui",
}

// BindFlags registers the flags shared by agora commands on fs
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML configuration file")
	fs.String("relay", "", "Relay websocket URL, e.g. ws://host:8927/agora (default: discover via mDNS)")
	fs.String("room", "", "Room name; peers in the same room see each other")
	fs.String("name", "", "Identity published to other peers (default: guest-<id>)")
	fs.String("display-name", "", "Display name shown to other peers")
	fs.String("picture", "", "Profile picture URL")
	fs.String("capture", "", "Capture mode: device, tone or file")
	fs.String("capture-file", "", "MP3 or FLAC file for file capture")
	fs.String("capture-device", "", "Capture device name (substring match)")
	fs.Float64("tone-freq", 0, "Tone frequency in Hz for tone capture")
	fs.Bool("monitor", false, "Route captured device audio to local output")
	fs.Int("volume", 0, "Master output volume 0-100")
	fs.Bool("no-audio", false, "Do not open an audio output device")
	fs.Duration("min-lead", 0, "Minimum jitter buffer lead")
	fs.Duration("max-lead", 0, "Maximum jitter buffer lead")
	fs.Int("port", 0, "Relay listen port")
	fs.Bool("mdns", true, "Advertise the relay over mDNS")
	fs.Int("bots", 0, "Number of simulated peers")
	fs.Bool("voices", true, "Simulated peers speak with tones")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("log-file", "", "Log file path")
	fs.Bool("no-tui", false, "Disable TUI, stream logs to the console instead")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.discover_timeout", 10*time.Second)
	v.SetDefault("room", "lobby")
	v.SetDefault("identity.start_x", 160.0)
	v.SetDefault("identity.start_y", 160.0)

	v.SetDefault("session.stale_timeout", 10*time.Second)
	v.SetDefault("session.prune_interval", time.Second)
	v.SetDefault("session.move_interval", 50*time.Millisecond)
	v.SetDefault("session.heartbeat_interval", 2*time.Second)
	v.SetDefault("session.dead_zone", 0.5)
	v.SetDefault("session.move_step", 8.0)

	v.SetDefault("capture.mode", string(capture.ModeDevice))
	v.SetDefault("capture.sample_rate", capture.DefaultSampleRate)
	v.SetDefault("capture.channels", capture.DefaultChannels)
	v.SetDefault("capture.block_frames", capture.DefaultBlockFrames)
	v.SetDefault("capture.frequency", capture.DefaultFrequency)
	v.SetDefault("capture.monitor", false)

	j := player.DefaultJitterConfig()
	v.SetDefault("jitter.min_lead", j.MinLead)
	v.SetDefault("jitter.max_lead", j.MaxLead)
	v.SetDefault("jitter.grow_step", j.GrowStep)
	v.SetDefault("jitter.shrink_step", j.ShrinkStep)
	v.SetDefault("jitter.stable_window", j.StableWindow)
	v.SetDefault("jitter.adapt_cooldown", j.AdaptCooldown)
	v.SetDefault("jitter.shrink_margin", j.ShrinkMargin)

	v.SetDefault("output.sample_rate", 48000)
	v.SetDefault("output.channels", 2)
	v.SetDefault("output.buffer", 40*time.Millisecond)
	v.SetDefault("output.volume", 100)

	v.SetDefault("zones", zone.DefaultZones())

	v.SetDefault("server.port", 8927)
	v.SetDefault("server.path", "/agora")
	v.SetDefault("server.mdns", true)

	v.SetDefault("sim.bots", 4)
	v.SetDefault("sim.speed", 40.0)
	v.SetDefault("sim.tick", 50*time.Millisecond)
	v.SetDefault("sim.voices", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "agora.log")
	v.SetDefault("no_tui", false)
}

// Load merges defaults, the file named by --config, the environment and
// every flag the user set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	file := os.Getenv(EnvPrefix + "_CONFIG")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			file = f.Value.String()
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	if _, err := capture.ParseMode(string(c.Capture.Mode)); err != nil {
		return fmt.Errorf("capture.mode: %w", err)
	}
	if c.Capture.Mode == capture.ModeFile && c.Capture.File == "" {
		return fmt.Errorf("capture.file is required for file capture")
	}
	if c.Room == "" || strings.Contains(c.Room, "/") {
		return fmt.Errorf("room %q must be non-empty and contain no '/'", c.Room)
	}
	if c.Output.Volume < 0 || c.Output.Volume > 100 {
		return fmt.Errorf("output.volume %d out of range 0-100", c.Output.Volume)
	}
	if j := c.Jitter; j.StableWindow < 0 || j.AdaptCooldown < 0 || j.ShrinkMargin < 0 {
		return fmt.Errorf("jitter: stable_window, adapt_cooldown and shrink_margin must not be negative")
	}
	if c.Jitter.MaxLead < c.Jitter.MinLead {
		return fmt.Errorf("jitter.max_lead %s is below jitter.min_lead %s", c.Jitter.MaxLead, c.Jitter.MinLead)
	}
	for i, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("zones[%d]: missing id", i)
		}
		if z.Bounds.W < 0 || z.Bounds.H < 0 {
			return fmt.Errorf("zone %s: negative size", z.ID)
		}
	}
	return nil
}

// Prefix is the transport namespace shared by everyone in the room
func (c *Config) Prefix() string {
	return "agora/" + c.Room + "/"
}
