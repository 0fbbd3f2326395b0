// Package config loads the agent's TOML configuration file by decoding it
// into a plain struct with `toml` tags.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// StreamConfig gives one stream's transport topic and Batch capacity.
type StreamConfig struct {
	Topic   string `toml:"topic"`
	BufSize int    `toml:"buf_size"`
}

// SpoolConfig parametrizes the Disk Spool.
type SpoolConfig struct {
	Dir          string `toml:"dir"`
	SegmentBytes int64  `toml:"segment_bytes"`
	MaxSegments  int    `toml:"max_segments"`
}

// TransportConfig is the credential bag for the Transport Client. uplinkd
// falls back to the in-memory mock transport when Brokers is empty and
// loads the named TLS files itself; the remaining fields are passed through
// to the Transport Client constructor.
type TransportConfig struct {
	Brokers  []string `toml:"brokers"`
	ClientID string   `toml:"client_id"`
	CAFile   string   `toml:"ca_file"`
	CertFile string   `toml:"cert_file"`
	KeyFile  string   `toml:"key_file"`
}

// Config is the agent's full configuration.
type Config struct {
	BridgePort        uint16                  `toml:"bridge_port"`
	MaxPacketSize     int                     `toml:"max_packet_size"`
	MetricsTopic      string                  `toml:"metrics_topic"`
	ActionsTopic      string                  `toml:"actions_topic"`
	ActionStatusTopic string                  `toml:"action_status_topic"`
	Streams           map[string]StreamConfig `toml:"streams"`
	Spool             SpoolConfig             `toml:"spool"`
	Transport         TransportConfig         `toml:"transport"`
}

// Default returns a Config with the agent's baseline settings, overridden
// by whatever the loaded file specifies.
func Default() Config {
	return Config{
		MaxPacketSize:     1 << 16,
		MetricsTopic:      "/uplink/metrics",
		ActionsTopic:      "/uplink/actions",
		ActionStatusTopic: "/uplink/action_status",
		Streams:           map[string]StreamConfig{},
		Spool: SpoolConfig{
			Dir:          "/var/lib/uplink/spool",
			SegmentBytes: 10 << 20,
			MaxSegments:  10,
		},
	}
}

// Load reads and parses the TOML file at path into a Config seeded with
// Default's values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read file")
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse toml")
	}
	if cfg.BridgePort == 0 {
		return Config{}, errors.New("config: bridge_port must be set")
	}
	return cfg, nil
}
