package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"peerdrop/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "PEERDROP_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed port mode when none is set.
	DefaultListeningPort = 9876
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultMaxFileSize caps inbound transfers, which are reassembled in memory.
	DefaultMaxFileSize = 2 << 30
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent local-device settings. Fields with an env tag
// can be overridden from the environment; overrides are not written back.
type Config struct {
	DeviceID      string `json:"device_id" validate:"required"`
	DeviceName    string `json:"device_name" env:"PEERDROP_DEVICE_NAME" validate:"required,max=64"`
	PortMode      string `json:"port_mode" env:"PEERDROP_PORT_MODE" validate:"oneof=automatic fixed"`
	ListeningPort int    `json:"listening_port" env:"PEERDROP_LISTEN_PORT" validate:"gte=0,lte=65535"`
	ChunkSize     uint32 `json:"chunk_size" env:"PEERDROP_CHUNK_SIZE" validate:"gt=0,lte=4194304"`
	MaxFileSize   uint64 `json:"max_file_size" env:"PEERDROP_MAX_FILE_SIZE"`
	FilesDir      string `json:"files_dir" env:"PEERDROP_FILES_DIR" validate:"required"`
	KeysDir       string `json:"keys_dir" env:"PEERDROP_KEYS_DIR" validate:"required"`
	LogLevel      string `json:"log_level" env:"PEERDROP_LOG_LEVEL" validate:"oneof=trace debug info warn warning error"`
	Discovery     bool   `json:"discovery" env:"PEERDROP_DISCOVERY"`
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ResolveDataDir returns PEERDROP_DATA_DIR when set, otherwise the peerdrop
// directory under the user's config dir.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory and the configured
// keys and files directories.
func EnsureDataDirectories(dataDir string, cfg *Config) error {
	dirs := []string{dataDir}
	if cfg != nil {
		dirs = append(dirs, cfg.KeysDir, cfg.FilesDir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg as indented JSON. The file is replaced atomically.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg fields from environment values.
func ApplyEnv(cfg *Config, environ env.EnvSet) error {
	if err := env.Unmarshal(environ, cfg); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides and validates the result. It returns the config and the data dir.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir, nil); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	environ, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, "", fmt.Errorf("read environment: %w", err)
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir, cfg); err != nil {
		return nil, "", err
	}

	return cfg, dataDir, nil
}

// ListenAddress returns the address the receiver binds.
func (c *Config) ListenAddress() string {
	if c.PortMode == PortModeFixed {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{Discovery: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "PeerDrop Device"
}

// normalizeDefaults fills unset fields and reports whether anything changed.
func normalizeDefaults(cfg *Config, dataDir string) bool {
	before := *cfg

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	cfg.DeviceName = lo.CoalesceOrEmpty(cfg.DeviceName, defaultDeviceName())

	if cfg.PortMode != PortModeAutomatic {
		cfg.PortMode = PortModeFixed
	}
	switch {
	case cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0:
		cfg.ListeningPort = DefaultListeningPort
	case cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0:
		cfg.ListeningPort = 0
	}

	cfg.ChunkSize = lo.CoalesceOrEmpty(cfg.ChunkSize, protocol.DefaultChunkSize)
	cfg.MaxFileSize = lo.CoalesceOrEmpty(cfg.MaxFileSize, DefaultMaxFileSize)
	cfg.FilesDir = lo.CoalesceOrEmpty(cfg.FilesDir, filepath.Join(dataDir, "files"))
	cfg.KeysDir = lo.CoalesceOrEmpty(cfg.KeysDir, filepath.Join(dataDir, "keys"))
	cfg.LogLevel = lo.CoalesceOrEmpty(cfg.LogLevel, DefaultLogLevel)

	return *cfg != before
}
