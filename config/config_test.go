package config

import (
	"path/filepath"
	"testing"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/protocol"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	first, dataDir, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, tempDir, dataDir)
	assert.NotEmpty(t, first.DeviceID)
	assert.NotEmpty(t, first.DeviceName)
	assert.Equal(t, PortModeFixed, first.PortMode)
	assert.Equal(t, DefaultListeningPort, first.ListeningPort)
	assert.Equal(t, protocol.DefaultChunkSize, first.ChunkSize)
	assert.Equal(t, uint64(DefaultMaxFileSize), first.MaxFileSize)
	assert.Equal(t, filepath.Join(tempDir, "files"), first.FilesDir)
	assert.Equal(t, filepath.Join(tempDir, "keys"), first.KeysDir)
	assert.Equal(t, DefaultLogLevel, first.LogLevel)
	assert.True(t, first.Discovery)
	assert.DirExists(t, first.FilesDir)
	assert.DirExists(t, first.KeysDir)
	assert.FileExists(t, ConfigPath(tempDir))

	second, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.FilesDir, second.FilesDir)
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir, nil))

	require.NoError(t, Save(ConfigPath(tempDir), &Config{
		DeviceID:      "legacy-device",
		DeviceName:    "Legacy",
		ListeningPort: 9999,
	}))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "legacy-device", cfg.DeviceID)
	assert.Equal(t, PortModeFixed, cfg.PortMode)
	assert.Equal(t, 9999, cfg.ListeningPort)
	assert.Equal(t, protocol.DefaultChunkSize, cfg.ChunkSize)

	saved, err := Load(ConfigPath(tempDir))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "keys"), saved.KeysDir)
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv("PEERDROP_DEVICE_NAME", "from-env")
	t.Setenv("PEERDROP_CHUNK_SIZE", "65536")
	t.Setenv("PEERDROP_DISCOVERY", "false")

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DeviceName)
	assert.Equal(t, uint32(65536), cfg.ChunkSize)
	assert.False(t, cfg.Discovery)

	saved, err := Load(ConfigPath(tempDir))
	require.NoError(t, err)
	assert.NotEqual(t, "from-env", saved.DeviceName)
	assert.Equal(t, protocol.DefaultChunkSize, saved.ChunkSize)
}

func TestLoadOrCreateRejectsInvalidOverride(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())
	t.Setenv("PEERDROP_LOG_LEVEL", "chatty")

	_, _, err := LoadOrCreate()
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := defaultConfig(t.TempDir())

	err := ApplyEnv(cfg, env.EnvSet{
		"PEERDROP_PORT_MODE":   PortModeAutomatic,
		"PEERDROP_LISTEN_PORT": "0",
		"PEERDROP_LOG_LEVEL":   "debug",
		"UNRELATED":            "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, PortModeAutomatic, cfg.PortMode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":0", cfg.ListenAddress())

	assert.Error(t, ApplyEnv(cfg, env.EnvSet{"PEERDROP_CHUNK_SIZE": "lots"}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero chunk size", mutate: func(c *Config) { c.ChunkSize = 0 }},
		{name: "oversized chunk", mutate: func(c *Config) { c.ChunkSize = 16 << 20 }},
		{name: "port out of range", mutate: func(c *Config) { c.ListeningPort = 70000 }},
		{name: "unknown port mode", mutate: func(c *Config) { c.PortMode = "random" }},
		{name: "missing device ID", mutate: func(c *Config) { c.DeviceID = "" }},
		{name: "missing files dir", mutate: func(c *Config) { c.FilesDir = "" }},
	}

	valid := defaultConfig(t.TempDir())
	require.NoError(t, valid.Validate())
	assert.Equal(t, ":9876", valid.ListenAddress())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
