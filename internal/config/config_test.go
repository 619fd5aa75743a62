package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, "uploads", cfg.DataDir)
	assert.Equal(t, 256, cfg.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.TransferIdleTimeout)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":6001"
data_dir: /var/lib/tracker
max_connections: 8
transfer_idle_timeout: 10s
logging:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":6001", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/tracker", cfg.DataDir)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.TransferIdleTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsBadValues(t *testing.T) {
	v := viper.New()
	v.Set("max_connections", -1)
	_, err := Load(v, "")
	assert.Error(t, err)

	v = viper.New()
	v.Set("listen_addr", "")
	_, err = Load(v, "")
	assert.Error(t, err)

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
