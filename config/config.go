package config

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	RPCAddress      string   `toml:"RPCAddress"`
	DataDir         string   `toml:"DataDir"`
	NodeName        string   `toml:"NodeName"`
	NodeNonce       uint64   `toml:"NodeNonce"`
	DeclaredAddress string   `toml:"DeclaredAddress"`
	MaxConnections  int      `toml:"MaxConnections"`
	KnownPeers      []string `toml:"KnownPeers"`

	// Residence times in seconds; zero selects the built-in defaults.
	PeersDataResidenceSeconds int64 `toml:"PeersDataResidenceSeconds"`
	BlacklistResidenceSeconds int64 `toml:"BlacklistResidenceSeconds"`
	CheckPeersIntervalSeconds int64 `toml:"CheckPeersIntervalSeconds"`

	LogEnv  string `toml:"LogEnv"`
	LogFile string `toml:"LogFile"`
}

// Load reads the configuration at path, creating and persisting a default one
// on first run. A zero NodeNonce is replaced with a freshly generated identity
// and written back so the node keeps it across restarts.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":6001"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./tide-data"
	}
	if cfg.KnownPeers == nil {
		cfg.KnownPeers = []string{}
	}
	if cfg.NodeNonce == 0 {
		nonce, err := generateNonce()
		if err != nil {
			return nil, err
		}
		cfg.NodeNonce = nonce
		if err := persist(path, cfg); err != nil {
			return nil, fmt.Errorf("persist generated nonce: %w", err)
		}
	}

	return cfg, nil
}

// PeersDataResidenceTime returns the configured known-peer residence time, or
// zero when unset.
func (cfg *Config) PeersDataResidenceTime() time.Duration {
	return time.Duration(cfg.PeersDataResidenceSeconds) * time.Second
}

func (cfg *Config) BlacklistResidenceTime() time.Duration {
	return time.Duration(cfg.BlacklistResidenceSeconds) * time.Second
}

func (cfg *Config) CheckPeersInterval() time.Duration {
	return time.Duration(cfg.CheckPeersIntervalSeconds) * time.Second
}

// PeersFile returns the LevelDB path for known-peer persistence.
func (cfg *Config) PeersFile() string {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return ""
	}
	return filepath.Join(cfg.DataDir, "peers")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:  ":6001",
		RPCAddress:     ":8080",
		DataDir:        "./tide-data",
		NodeName:       defaultNodeName(),
		NodeNonce:      nonce,
		MaxConnections: 30,
		KnownPeers:     []string{},
		LogEnv:         "local",
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func generateNonce() (uint64, error) {
	var raw [8]byte
	for {
		if _, err := cryptorand.Read(raw[:]); err != nil {
			return 0, fmt.Errorf("generate node nonce: %w", err)
		}
		if nonce := binary.BigEndian.Uint64(raw[:]); nonce != 0 {
			return nonce, nil
		}
	}
}

func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "tide-node"
	}
	return "tide-node-" + host
}
