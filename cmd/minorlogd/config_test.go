package main

import (
	"os"
	"path/filepath"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("partial", func(tt *testing.T) {
		dir := tt.TempDir()
		path := filepath.Join(dir, "minorlogd.toml")
		data := []byte(`
bind = "127.0.0.1:7379"
name = "w20_device"
max_buffer_size = 1048576
repli_bind = "127.0.0.1:4222"
`)
		require.NoError(tt, os.WriteFile(path, data, 0644))

		cfg, err := loadConfig(path, defaultConfig())
		require.NoError(tt, err)

		defaults := defaultConfig()
		assert.Equal(tt, "127.0.0.1:7379", cfg.Bind)
		assert.Equal(tt, "w20_device", cfg.Name)
		assert.Equal(tt, 1048576, cfg.MaxBufferSize)
		assert.Equal(tt, "127.0.0.1:4222", cfg.RepliBind)
		assert.Equal(tt, defaults.Dir, cfg.Dir)
		assert.Equal(tt, defaults.InitialBufferSize, cfg.InitialBufferSize)
		assert.Equal(tt, defaults.WriteLimit, cfg.WriteLimit)
	})
	t.Run("missing", func(tt *testing.T) {
		_, err := loadConfig(filepath.Join(tt.TempDir(), "nope.toml"), defaultConfig())
		assert.Error(tt, err)
	})
	t.Run("malformed", func(tt *testing.T) {
		path := filepath.Join(tt.TempDir(), "bad.toml")
		require.NoError(tt, os.WriteFile(path, []byte("bind = "), 0644))
		_, err := loadConfig(path, defaultConfig())
		assert.Error(tt, err)
	})
}

func TestOverrideFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&bind, "bind", ":6379", "")
	fs.IntVar(&writeLimit, "write-limit", 0, "")
	fs.StringVar(&name, "name", "w19_device", "")
	require.NoError(t, fs.Parse([]string{"--bind", ":7000", "--write-limit", "128"}))

	cfg := defaultConfig()
	cfg.Name = "from_file"
	cfg = overrideFlags(fs, cfg)

	assert.Equal(t, ":7000", cfg.Bind)
	assert.Equal(t, 128, cfg.WriteLimit)
	assert.Equal(t, "from_file", cfg.Name, "unset flags keep the file value")
}

func TestConfigOptions(t *testing.T) {
	t.Run("defaults", func(tt *testing.T) {
		opts, err := defaultConfig().options()
		require.NoError(tt, err)
		assert.Len(tt, opts, 4)
	})
	t.Run("repli", func(tt *testing.T) {
		cfg := defaultConfig()
		cfg.RepliBind = "127.0.0.1:4222"
		cfg.RepliServer = "10.0.0.1:4223"
		opts, err := cfg.options()
		require.NoError(tt, err)
		assert.Len(tt, opts, 6)
	})
	t.Run("invalid_addr", func(tt *testing.T) {
		cfg := defaultConfig()
		cfg.RepliServer = "no-port"
		_, err := cfg.options()
		assert.Error(tt, err)

		cfg.RepliServer = "127.0.0.1:http"
		_, err = cfg.options()
		assert.Error(tt, err)
	})
}
