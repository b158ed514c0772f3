package ndireceiver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration shared by the bundled hosts.
// YAML and TOML use the same keys.
type FileConfig struct {
	Name            string `yaml:"name" toml:"name"`
	PreferredSource string `yaml:"preferred_source" toml:"preferred_source"`
	Verbose         bool   `yaml:"verbose" toml:"verbose"`

	Discovery DiscoveryFileConfig `yaml:"discovery" toml:"discovery"`
	Capture   CaptureFileConfig   `yaml:"capture" toml:"capture"`
	GStreamer GStreamerFileConfig `yaml:"gst" toml:"gst"`
	MQTT      MQTTFileConfig      `yaml:"mqtt" toml:"mqtt"`
	Snapshot  SnapshotFileConfig  `yaml:"snapshot" toml:"snapshot"`
}

// DiscoveryFileConfig holds worker timings in milliseconds.
type DiscoveryFileConfig struct {
	ChangeTimeoutMS     int    `yaml:"change_timeout_ms" toml:"change_timeout_ms"`
	DiscoverTimeoutMS   int    `yaml:"discover_timeout_ms" toml:"discover_timeout_ms"`
	ConnectingBackoffMS int    `yaml:"connecting_backoff_ms" toml:"connecting_backoff_ms"`
	RetryDelayMS        int    `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
	MaxRetryDelayMS     int    `yaml:"max_retry_delay_ms" toml:"max_retry_delay_ms"`
	Service             string `yaml:"service" toml:"service"` // mDNS service, default _ndi._tcp
	Domain              string `yaml:"domain" toml:"domain"`
}

// CaptureFileConfig holds capture settings.
type CaptureFileConfig struct {
	PollsPerTick int     `yaml:"polls_per_tick" toml:"polls_per_tick"`
	TickFPS      float64 `yaml:"tick_fps" toml:"tick_fps"` // host tick rate
}

// GStreamerFileConfig holds session pipeline settings.
type GStreamerFileConfig struct {
	Width  int     `yaml:"width" toml:"width"`
	Height int     `yaml:"height" toml:"height"`
	FPS    float64 `yaml:"fps" toml:"fps"`
}

// MQTTFileConfig enables status publishing when Broker is set.
type MQTTFileConfig struct {
	Broker   string `yaml:"broker" toml:"broker"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	Topic    string `yaml:"topic" toml:"topic"`
	Encoding string `yaml:"encoding" toml:"encoding"` // json, msgpack
	QoS      byte   `yaml:"qos" toml:"qos"`
	StatsS   int    `yaml:"stats_interval_s" toml:"stats_interval_s"`
}

// SnapshotFileConfig enables periodic frame snapshots when Dir is set.
type SnapshotFileConfig struct {
	Dir       string `yaml:"dir" toml:"dir"`
	Format    string `yaml:"format" toml:"format"` // png, jpeg, bmp
	MaxWidth  int    `yaml:"max_width" toml:"max_width"`
	IntervalS int    `yaml:"interval_s" toml:"interval_s"`
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file, applies
// defaults and validates it.
func LoadConfig(path string) (*FileConfig, error) {
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the file config and fills defaults in place.
func (c *FileConfig) Validate() error {
	if c.Name == "" {
		c.Name = "ndi-receiver"
	}
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name must match pattern [a-zA-Z0-9_-]+")
	}

	d := c.Discovery
	for key, v := range map[string]int{
		"discovery.change_timeout_ms":     d.ChangeTimeoutMS,
		"discovery.discover_timeout_ms":   d.DiscoverTimeoutMS,
		"discovery.connecting_backoff_ms": d.ConnectingBackoffMS,
		"discovery.retry_delay_ms":        d.RetryDelayMS,
		"discovery.max_retry_delay_ms":    d.MaxRetryDelayMS,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "_ndi._tcp"
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = "local."
	}

	if c.Capture.PollsPerTick < 0 {
		return fmt.Errorf("capture.polls_per_tick must be >= 0")
	}
	if c.Capture.TickFPS == 0 {
		c.Capture.TickFPS = 30
	}
	if c.Capture.TickFPS < 1 || c.Capture.TickFPS > 240 {
		return fmt.Errorf("capture.tick_fps must be between 1 and 240")
	}

	if c.GStreamer.Width < 0 || c.GStreamer.Height < 0 {
		return fmt.Errorf("gst.width and gst.height must be >= 0")
	}
	if c.GStreamer.FPS < 0 || c.GStreamer.FPS > 120 {
		return fmt.Errorf("gst.fps must be between 0 and 120")
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = c.Name
		}
		if c.MQTT.Topic == "" {
			c.MQTT.Topic = "ndi/receiver/" + c.MQTT.ClientID
		}
		switch c.MQTT.Encoding {
		case "":
			c.MQTT.Encoding = "json"
		case "json", "msgpack":
		default:
			return fmt.Errorf("mqtt.encoding must be json or msgpack")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.StatsS <= 0 {
			c.MQTT.StatsS = 10
		}
	}

	if c.Snapshot.Dir != "" {
		dir, err := expandPath(c.Snapshot.Dir)
		if err != nil {
			return fmt.Errorf("snapshot.dir: %w", err)
		}
		c.Snapshot.Dir = dir
		switch c.Snapshot.Format {
		case "":
			c.Snapshot.Format = "png"
		case "png", "jpeg", "jpg", "bmp":
		default:
			return fmt.Errorf("snapshot.format must be png, jpeg or bmp")
		}
		if c.Snapshot.IntervalS <= 0 {
			c.Snapshot.IntervalS = 5
		}
	}
	return nil
}

// ReceiverConfig converts the file settings into a receiver Config.
func (c *FileConfig) ReceiverConfig() Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Config{
		Name:              c.Name,
		Verbose:           c.Verbose,
		ChangeTimeout:     ms(c.Discovery.ChangeTimeoutMS),
		DiscoverTimeout:   ms(c.Discovery.DiscoverTimeoutMS),
		ConnectingBackoff: ms(c.Discovery.ConnectingBackoffMS),
		RetryDelay:        ms(c.Discovery.RetryDelayMS),
		MaxRetryDelay:     ms(c.Discovery.MaxRetryDelayMS),
		PollsPerTick:      c.Capture.PollsPerTick,
	}
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
