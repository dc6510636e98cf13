package internal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelConfig holds the per-channel parameters from the configuration
// document.
type ChannelConfig struct {
	Dir             string   `yaml:"dir"`
	Timescale       uint64   `yaml:"timescale"`
	VideoDuration   uint64   `yaml:"video_duration"`
	AudioDuration   uint64   `yaml:"audio_duration"`
	VideoQualities  []string `yaml:"video_qualities"`
	AudioQualities  []string `yaml:"audio_qualities"`
	VideoCodec      string   `yaml:"video_codec"`
	AudioCodec      string   `yaml:"audio_codec"`
	Retention       int      `yaml:"retention"`
	Probe           bool     `yaml:"probe"`
}

// Config is the server configuration document.
type Config struct {
	Port     int      `yaml:"port"`
	LogLevel string   `yaml:"log_level"`
	Channels []string `yaml:"channel"`

	ChannelConfigs map[string]ChannelConfig `yaml:"-"`
}

// LoadConfig reads and validates a YAML configuration file. Channel
// sub-documents are keyed by channel name at the document root, the
// same layout the encoders are configured with.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var root map[string]yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ChannelConfigs = make(map[string]ChannelConfig, len(cfg.Channels))
	for _, name := range cfg.Channels {
		node, ok := root[name]
		if !ok {
			return nil, fmt.Errorf("channel %q has no configuration block", name)
		}
		var cc ChannelConfig
		if err := node.Decode(&cc); err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}
		cfg.ChannelConfigs[name] = cc
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, name := range c.Channels {
		if name == "" {
			return fmt.Errorf("empty channel name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate channel %q", name)
		}
		seen[name] = true
		cc := c.ChannelConfigs[name]
		if err := cc.validate(); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
	}
	return nil
}

func (cc *ChannelConfig) validate() error {
	if cc.Dir == "" {
		return fmt.Errorf("dir must be set")
	}
	if cc.Timescale == 0 {
		return fmt.Errorf("timescale must be positive")
	}
	if cc.VideoDuration == 0 || cc.AudioDuration == 0 {
		return fmt.Errorf("segment durations must be positive")
	}
	if len(cc.VideoQualities) == 0 || len(cc.AudioQualities) == 0 {
		return fmt.Errorf("quality lists must be non-empty")
	}
	if cc.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	// Segment filenames resolve their medium through the quality name,
	// so one name must not appear in both lists.
	names := make(map[string]bool, len(cc.VideoQualities))
	for _, q := range cc.VideoQualities {
		if q == "" {
			return fmt.Errorf("empty video quality name")
		}
		if names[q] {
			return fmt.Errorf("duplicate video quality %q", q)
		}
		names[q] = true
	}
	for _, q := range cc.AudioQualities {
		if q == "" {
			return fmt.Errorf("empty audio quality name")
		}
		if names[q] {
			return fmt.Errorf("quality %q used by both media", q)
		}
		names[q] = true
	}
	return nil
}
