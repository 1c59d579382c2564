package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the profile configuration file inside a profile directory.
const FileName = "config.toml"

// Journal modes.
const (
	JournalOff    = "off"
	JournalRecord = "record"
	JournalReplay = "replay"
)

// SubscriptionConfig tunes subscription channels.
type SubscriptionConfig struct {
	ChannelSize         int  `toml:"channelSize"`
	WaitForRegistration bool `toml:"waitForRegistration"`
}

// JournalConfig selects the request journal mode and its database.
type JournalConfig struct {
	Mode   string `toml:"mode"`
	DBPath string `toml:"dbPath"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// HTTPConfig tunes HTTP transports.
type HTTPConfig struct {
	Timeout Duration `toml:"timeout"`
}

// DaemonConfig configures the development daemon.
type DaemonConfig struct {
	SocketPath    string   `toml:"socketPath"`
	ChainID       uint64   `toml:"chainId"`
	BlockInterval Duration `toml:"blockInterval"`
}

// ProfileConfig aggregates client configuration for a profile.
type ProfileConfig struct {
	ProfileName  string             `toml:"profileName"`
	Endpoint     string             `toml:"endpoint"`
	Local        *bool              `toml:"local,omitempty"`
	Subscription SubscriptionConfig `toml:"subscription"`
	Journal      JournalConfig      `toml:"journal"`
	Logging      LoggingConfig      `toml:"logging"`
	Metrics      MetricsConfig      `toml:"metrics"`
	HTTP         HTTPConfig         `toml:"http"`
	Daemon       DaemonConfig       `toml:"daemon"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultProfile returns a profile pointing at the local development daemon.
func DefaultProfile(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Endpoint:    "ipc://rpcd.sock",
		Subscription: SubscriptionConfig{
			ChannelSize: 16,
		},
		Journal: JournalConfig{
			Mode:   JournalOff,
			DBPath: "journal.db",
		},
		Logging: LoggingConfig{
			Level:       "info",
			FileMaxSize: 10,
			FileBackups: 3,
		},
		HTTP: HTTPConfig{Timeout: Duration{30 * time.Second}},
		Daemon: DaemonConfig{
			SocketPath:    "rpcd.sock",
			ChainID:       1337,
			BlockInterval: Duration{2 * time.Second},
		},
	}
}

// Load reads config.toml from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from a profile directory.
func LoadProfile(dir string) (*ProfileConfig, error) {
	return Load(filepath.Join(dir, FileName))
}

// Save writes cfg to path.
func Save(path string, cfg *ProfileConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath makes p absolute relative to the profile directory. Empty
// paths stay empty.
func ResolvePath(profileDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(profileDir, p)
}

// ResolveEndpoint resolves relative IPC socket paths against the profile
// directory. Network endpoints are returned unchanged.
func ResolveEndpoint(profileDir, endpoint string) string {
	if strings.Contains(endpoint, "://") && !strings.HasPrefix(endpoint, "ipc://") {
		return endpoint
	}
	path := strings.TrimPrefix(endpoint, "ipc://")
	return "ipc://" + ResolvePath(profileDir, path)
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	if cfg.Subscription.ChannelSize < 0 {
		return fmt.Errorf("subscription.channelSize must not be negative")
	}
	if cfg.Subscription.ChannelSize == 0 {
		cfg.Subscription.ChannelSize = 16
	}
	switch cfg.Journal.Mode {
	case "":
		cfg.Journal.Mode = JournalOff
	case JournalOff, JournalRecord, JournalReplay:
	default:
		return fmt.Errorf("journal.mode %q must be off, record or replay", cfg.Journal.Mode)
	}
	if cfg.Journal.Mode != JournalOff && cfg.Journal.DBPath == "" {
		return fmt.Errorf("journal.dbPath required in %s mode", cfg.Journal.Mode)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.HTTP.Timeout.Duration < 0 {
		return fmt.Errorf("http.timeout must not be negative")
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = "rpcd.sock"
	}
	if cfg.Daemon.BlockInterval.Duration <= 0 {
		cfg.Daemon.BlockInterval = Duration{2 * time.Second}
	}
	return nil
}
