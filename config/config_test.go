package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":6001", cfg.ListenAddress)
	require.Equal(t, ":8080", cfg.RPCAddress)
	require.NotZero(t, cfg.NodeNonce)
	require.NotEmpty(t, cfg.NodeName)

	// The default file is persisted so the identity survives restarts.
	require.FileExists(t, path)
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.NodeNonce, reloaded.NodeNonce)
}

func TestLoadParsesExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
ListenAddress = ":7001"
RPCAddress = ":9090"
DataDir = "/tmp/tide-test"
NodeName = "edge-node"
NodeNonce = 12345
DeclaredAddress = "203.0.113.4:7001"
MaxConnections = 5
KnownPeers = ["192.0.2.10:6001", "192.0.2.11:6001"]
PeersDataResidenceSeconds = 3600
BlacklistResidenceSeconds = 900
CheckPeersIntervalSeconds = 10
LogEnv = "staging"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7001", cfg.ListenAddress)
	require.Equal(t, uint64(12345), cfg.NodeNonce)
	require.Equal(t, "203.0.113.4:7001", cfg.DeclaredAddress)
	require.Equal(t, 5, cfg.MaxConnections)
	require.Len(t, cfg.KnownPeers, 2)
	require.Equal(t, time.Hour, cfg.PeersDataResidenceTime())
	require.Equal(t, 15*time.Minute, cfg.BlacklistResidenceTime())
	require.Equal(t, 10*time.Second, cfg.CheckPeersInterval())
	require.Equal(t, filepath.Join("/tmp/tide-test", "peers"), cfg.PeersFile())
}

func TestLoadGeneratesAndPersistsMissingNonce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = \":7001\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotZero(t, cfg.NodeNonce)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.NodeNonce, reloaded.NodeNonce)
}
