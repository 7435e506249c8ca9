package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8645", cfg.ListenAddress)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, "local", cfg.Environment)
	require.Empty(t, cfg.GenesisAccounts)

	// The default file was written and loads back identically.
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
ListenAddress = "0.0.0.0:9000"
DataDir = "/var/lib/escrowd"
Environment = "prod"
RPCToken = "secret"

[[GenesisAccounts]]
Address = "0x0000000000000000000000000000000000000001"
Token = "USDC"
Amount = "1000000"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	require.Equal(t, "/var/lib/escrowd", cfg.DataDir)
	require.Equal(t, "prod", cfg.Environment)
	require.Equal(t, "secret", cfg.RPCToken)
	require.Len(t, cfg.GenesisAccounts, 1)
	require.Equal(t, "USDC", cfg.GenesisAccounts[0].Token)
	require.Equal(t, "1000000", cfg.GenesisAccounts[0].Amount)
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`RPCToken = "abc"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8645", cfg.ListenAddress)
	require.Equal(t, "abc", cfg.RPCToken)
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = [whoops"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
