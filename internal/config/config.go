// Package config loads the YAML configuration shared by every ridgelink node.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Operative-001/ridgelink/internal/transport"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Radio     transport.RadioParams `yaml:"radio"`
	Source    SourceConfig          `yaml:"source"`
	Relay     RelayConfig           `yaml:"relay"`
	Sink      SinkConfig            `yaml:"sink"`
	Transport TransportConfig       `yaml:"transport"`
	Store     StoreConfig           `yaml:"store"`
	Archive   ArchiveConfig         `yaml:"archive"`
	Metrics   MetricsConfig         `yaml:"metrics"`
}

type SourceConfig struct {
	TxInterval time.Duration `yaml:"tx_interval"`
	// BatteryPercent is reported when no battery gauge is wired. Unset means 100.
	BatteryPercent *int `yaml:"battery_percent"`
}

// Battery returns the configured battery level.
func (s SourceConfig) Battery() uint8 {
	if s.BatteryPercent == nil {
		return 100
	}
	return uint8(*s.BatteryPercent)
}

type RelayConfig struct {
	ListenWindow   time.Duration `yaml:"listen_window"`
	Sleep          time.Duration `yaml:"sleep"`
	DutyCycle      bool          `yaml:"duty_cycle"`
	PrimaryDelay   time.Duration `yaml:"primary_delay"`
	SecondaryDelay time.Duration `yaml:"secondary_delay"`
}

type SinkConfig struct {
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	HistoryLimit    int           `yaml:"history_limit"`
	// SeenExpiry is the duplicate detection window. Unset means
	// SeenWindow(source.tx_interval).
	SeenExpiry time.Duration `yaml:"seen_expiry"`
}

// SeenWindow is the duplicate detection window used for a source emitting
// every interval: half the time it takes the 8-bit sequence to wrap.
func SeenWindow(interval time.Duration) time.Duration {
	return 128 * interval
}

type TransportConfig struct {
	Kind        string   `yaml:"kind"`
	Listen      string   `yaml:"listen"`
	Peers       []string `yaml:"peers"`
	NominalRSSI int16    `yaml:"nominal_rssi"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

type ArchiveConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	def := transport.DefaultRadioParams()
	if c.Radio.FrequencyMHz == 0 {
		c.Radio.FrequencyMHz = def.FrequencyMHz
	}
	if c.Radio.BandwidthKHz == 0 {
		c.Radio.BandwidthKHz = def.BandwidthKHz
	}
	if c.Radio.SpreadingFactor == 0 {
		c.Radio.SpreadingFactor = def.SpreadingFactor
	}
	if c.Radio.CodingRate == 0 {
		c.Radio.CodingRate = def.CodingRate
	}
	if c.Radio.SyncWord == 0 {
		c.Radio.SyncWord = def.SyncWord
	}
	if c.Radio.TxPowerDBm == 0 {
		c.Radio.TxPowerDBm = def.TxPowerDBm
	}
	if c.Radio.Preamble == 0 {
		c.Radio.Preamble = def.Preamble
	}

	if c.Source.TxInterval == 0 {
		c.Source.TxInterval = 10 * time.Second
	}

	if c.Relay.ListenWindow == 0 {
		c.Relay.ListenWindow = 3 * time.Second
	}
	if c.Relay.Sleep == 0 {
		c.Relay.Sleep = 8 * time.Second
	}
	if c.Relay.PrimaryDelay == 0 {
		c.Relay.PrimaryDelay = 50 * time.Millisecond
	}
	if c.Relay.SecondaryDelay == 0 {
		c.Relay.SecondaryDelay = 300 * time.Millisecond
	}

	if c.Sink.LivenessTimeout == 0 {
		c.Sink.LivenessTimeout = 60 * time.Second
	}
	if c.Sink.PollInterval == 0 {
		c.Sink.PollInterval = 10 * time.Millisecond
	}
	if c.Sink.HistoryLimit == 0 {
		c.Sink.HistoryLimit = 20
	}
	if c.Sink.SeenExpiry == 0 {
		c.Sink.SeenExpiry = SeenWindow(c.Source.TxInterval)
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = "tcp"
	}
	if c.Transport.NominalRSSI == 0 {
		c.Transport.NominalRSSI = -90
	}

	if c.Archive.Table == "" {
		c.Archive.Table = "readings"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *Config) validate() error {
	if c.Radio.SpreadingFactor < 7 || c.Radio.SpreadingFactor > 12 {
		return fmt.Errorf("radio.spreading_factor must be 7..12, got %d", c.Radio.SpreadingFactor)
	}
	if c.Radio.CodingRate < 5 || c.Radio.CodingRate > 8 {
		return fmt.Errorf("radio.coding_rate must be 5..8, got %d", c.Radio.CodingRate)
	}
	if c.Radio.FrequencyMHz < 0 || c.Radio.BandwidthKHz < 0 {
		return fmt.Errorf("radio frequency and bandwidth must be positive")
	}
	if c.Source.TxInterval < 0 {
		return fmt.Errorf("source.tx_interval must be positive")
	}
	if b := c.Source.BatteryPercent; b != nil && (*b < 0 || *b > 100) {
		return fmt.Errorf("source.battery_percent must be 0..100, got %d", *b)
	}
	if c.Relay.ListenWindow < 0 || c.Relay.Sleep < 0 {
		return fmt.Errorf("relay.listen_window and relay.sleep must be positive")
	}
	if c.Relay.PrimaryDelay < 0 || c.Relay.SecondaryDelay < 0 {
		return fmt.Errorf("relay delays must be positive")
	}
	if c.Relay.PrimaryDelay == c.Relay.SecondaryDelay {
		return fmt.Errorf("relay.primary_delay and relay.secondary_delay must differ, both are %s", c.Relay.PrimaryDelay)
	}
	if c.Sink.LivenessTimeout < 0 || c.Sink.PollInterval < 0 {
		return fmt.Errorf("sink.liveness_timeout and sink.poll_interval must be positive")
	}
	if c.Sink.SeenExpiry < 0 {
		return fmt.Errorf("sink.seen_expiry must be positive")
	}
	if wrap := 256 * c.Source.TxInterval; c.Sink.SeenExpiry >= wrap {
		return fmt.Errorf("sink.seen_expiry %s must be shorter than 256 × source.tx_interval (%s)", c.Sink.SeenExpiry, wrap)
	}
	if c.Sink.HistoryLimit < 0 {
		return fmt.Errorf("sink.history_limit must not be negative")
	}
	switch c.Transport.Kind {
	case "tcp", "memory":
	default:
		return fmt.Errorf("transport.kind must be tcp or memory, got %q", c.Transport.Kind)
	}
	return nil
}
