package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, 5, cfg.Dispatcher.Concurrency)
	require.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)
	require.Equal(t, "root", cfg.SSH.User)
	require.Equal(t, 22, cfg.SSH.Port)
	require.Equal(t, "/opt/zabbix-agent2", cfg.Agent.InstallDir)
	require.Equal(t, "1", cfg.Inventory.DefaultGroupID)
	require.Equal(t, "6.4", cfg.Inventory.Version)
	require.Equal(t, 10052, cfg.Agent.JMXPort)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "provisioner.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
APP_ENV: production
DISPATCHER:
  CONCURRENCY: 8
  POLL_INTERVAL: 500ms
INVENTORY:
  URL: https://monitor.example.com/api_jsonrpc.php
`), 0o600))

	t.Setenv("INVENTORY_URL", "https://other.example.com/api_jsonrpc.php")
	t.Setenv("SSH_PORT", "2222")

	cfg, err := load(viper.New(), file)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.AppEnv)
	require.Equal(t, 8, cfg.Dispatcher.Concurrency)
	require.Equal(t, 500*time.Millisecond, cfg.Dispatcher.PollInterval)
	require.Equal(t, "https://other.example.com/api_jsonrpc.php", cfg.Inventory.URL)
	require.Equal(t, 2222, cfg.SSH.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
