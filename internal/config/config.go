package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConnectionType identifies how the radio is reached.
type ConnectionType string

const (
	ConnectionSerial  ConnectionType = "serial"
	ConnectionNetwork ConnectionType = "network"

	DefaultSerialBaud      = 115200
	DefaultTCPPort         = 4403
	DefaultSendTimeout     = 5 * time.Second
	DefaultMaxMessageBytes = 227
	DefaultSyncRetryDelay  = 5 * time.Second
	DefaultRefreshInterval = 60 * time.Second
	DefaultInboundQueue    = 128
	DefaultDatabasePath    = "meshrelay.sqlite"
	DefaultLogFile         = "meshrelay.log"
)

// Environment overrides, applied after the file is read.
const (
	EnvAccessToken = "MESHRELAY_MATRIX_ACCESS_TOKEN"
	EnvHomeserver  = "MESHRELAY_MATRIX_HOMESERVER"
	EnvUserID      = "MESHRELAY_MATRIX_USER_ID"
)

// MatrixConfig holds homeserver credentials.
type MatrixConfig struct {
	Homeserver  string        `yaml:"homeserver"`
	UserID      string        `yaml:"user_id"`
	AccessToken string        `yaml:"access_token"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// RoomConfig maps one room (id or alias) to a mesh channel index.
type RoomConfig struct {
	ID                string `yaml:"id"`
	MeshtasticChannel uint32 `yaml:"meshtastic_channel"`
}

// MeshtasticConfig describes the radio connection.
type MeshtasticConfig struct {
	ConnectionType   ConnectionType `yaml:"connection_type"`
	SerialPort       string         `yaml:"serial_port"`
	SerialBaud       int            `yaml:"serial_baud"`
	Host             string         `yaml:"host"`
	Port             int            `yaml:"port"`
	MeshnetName      string         `yaml:"meshnet_name"`
	BroadcastEnabled bool           `yaml:"broadcast_enabled"`
}

// RelayConfig tunes the relay pipeline.
type RelayConfig struct {
	MaxMessageBytes     int           `yaml:"max_message_bytes"`
	SyncRetryDelay      time.Duration `yaml:"sync_retry_delay"`
	NameRefreshInterval time.Duration `yaml:"name_refresh_interval"`
	InboundQueueSize    int           `yaml:"inbound_queue_size"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	LogToFile bool   `yaml:"log_to_file"`
	File      string `yaml:"file"`
}

// MetricsConfig enables the health and metrics listener when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the root relay configuration.
type Config struct {
	Matrix      MatrixConfig     `yaml:"matrix"`
	MatrixRooms []RoomConfig     `yaml:"matrix_rooms"`
	Meshtastic  MeshtasticConfig `yaml:"meshtastic"`
	Relay       RelayConfig      `yaml:"relay"`
	Database    DatabaseConfig   `yaml:"database"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Matrix: MatrixConfig{
			SendTimeout: DefaultSendTimeout,
		},
		Meshtastic: MeshtasticConfig{
			ConnectionType:   ConnectionSerial,
			SerialBaud:       DefaultSerialBaud,
			Port:             DefaultTCPPort,
			BroadcastEnabled: true,
		},
		Relay: RelayConfig{
			MaxMessageBytes:     DefaultMaxMessageBytes,
			SyncRetryDelay:      DefaultSyncRetryDelay,
			NameRefreshInterval: DefaultRefreshInterval,
			InboundQueueSize:    DefaultInboundQueue,
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  DefaultLogFile,
		},
	}
}

// Load reads the YAML file at path on top of Default and applies
// environment overrides. A missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the operator's command line.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	cfg.FillMissingDefaults()
	cfg.ApplyEnv()

	return cfg, nil
}

// LoadDotEnv loads variables from a .env file if present. Variables already
// set in the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	return nil
}

// ApplyEnv overrides credentials from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAccessToken)); v != "" {
		c.Matrix.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHomeserver)); v != "" {
		c.Matrix.Homeserver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUserID)); v != "" {
		c.Matrix.UserID = v
	}
}

func (c *Config) FillMissingDefaults() {
	if c.Matrix.SendTimeout <= 0 {
		c.Matrix.SendTimeout = DefaultSendTimeout
	}
	if c.Meshtastic.ConnectionType == "" {
		c.Meshtastic.ConnectionType = ConnectionSerial
	}
	c.Meshtastic.ConnectionType = ConnectionType(strings.ToLower(string(c.Meshtastic.ConnectionType)))
	if c.Meshtastic.SerialBaud <= 0 {
		c.Meshtastic.SerialBaud = DefaultSerialBaud
	}
	if c.Meshtastic.Port <= 0 {
		c.Meshtastic.Port = DefaultTCPPort
	}
	if c.Relay.MaxMessageBytes <= 0 {
		c.Relay.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Relay.SyncRetryDelay <= 0 {
		c.Relay.SyncRetryDelay = DefaultSyncRetryDelay
	}
	if c.Relay.NameRefreshInterval <= 0 {
		c.Relay.NameRefreshInterval = DefaultRefreshInterval
	}
	if c.Relay.InboundQueueSize <= 0 {
		c.Relay.InboundQueueSize = DefaultInboundQueue
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = DefaultLogFile
	}
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Matrix.Homeserver) == "" {
		errs = append(errs, errors.New("matrix.homeserver is required"))
	}
	if !strings.HasPrefix(strings.TrimSpace(c.Matrix.UserID), "@") {
		errs = append(errs, fmt.Errorf("matrix.user_id must be a full user id, got %q", c.Matrix.UserID))
	}
	if strings.TrimSpace(c.Matrix.AccessToken) == "" {
		errs = append(errs, errors.New("matrix.access_token is required"))
	}

	switch c.Meshtastic.ConnectionType {
	case ConnectionSerial:
		if strings.TrimSpace(c.Meshtastic.SerialPort) == "" {
			errs = append(errs, errors.New("meshtastic.serial_port is required"))
		}
	case ConnectionNetwork:
		if strings.TrimSpace(c.Meshtastic.Host) == "" {
			errs = append(errs, errors.New("meshtastic.host is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown meshtastic.connection_type: %s", c.Meshtastic.ConnectionType))
	}
	if strings.TrimSpace(c.Meshtastic.MeshnetName) == "" {
		errs = append(errs, errors.New("meshtastic.meshnet_name is required"))
	}

	if len(c.MatrixRooms) == 0 {
		errs = append(errs, errors.New("matrix_rooms must list at least one room"))
	}
	for i, room := range c.MatrixRooms {
		id := strings.TrimSpace(room.ID)
		if id == "" || (id[0] != '!' && id[0] != '#') {
			errs = append(errs, fmt.Errorf("matrix_rooms[%d].id must be a room id or alias, got %q", i, room.ID))
		}
	}

	return errors.Join(errs...)
}

// Save writes cfg as YAML through a temp file and rename.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
