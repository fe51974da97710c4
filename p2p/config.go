package p2p

import (
	"time"
)

const (
	defaultMaxConnections     = 30
	defaultCheckPeersInterval = 5 * time.Second
	defaultBlacklistResidence = 15 * time.Minute
	defaultPeersResidence     = time.Hour
	defaultHandshakeTimeout   = 5 * time.Second
	defaultWriteTimeout       = 5 * time.Second
	defaultOutboundQueueSize  = 64
	defaultMsgRate            = 64.0
	defaultMsgBurst           = 256
)

// Config encapsulates runtime settings for the network stack.
type Config struct {
	ListenAddress string

	// Identity advertised in the handshake.
	AppName         string
	AppVersion      Version
	NodeName        string
	NodeNonce       uint64
	DeclaredAddress PeerAddress

	// MaxConnections caps outbound-initiated connections; inbound peers may
	// transiently exceed it.
	MaxConnections int

	// KnownPeers seeds the known-peer set at start, "host:port" entries.
	KnownPeers []string

	// PeersDataResidenceTime bounds how long an unreconnected known-peer
	// record is retained. BlacklistResidenceTime bounds host bans.
	PeersDataResidenceTime time.Duration
	BlacklistResidenceTime time.Duration

	CheckPeersInterval time.Duration

	// PeersFile, when set, enables LevelDB persistence of known peers.
	PeersFile string

	MaxPayloadBytes   int
	RateMsgsPerSec    float64
	RateBurst         int
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.AppName == "" {
		cfg.AppName = "tidechain"
	}
	if cfg.NodeName == "" {
		cfg.NodeName = "tidechain/node"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.PeersDataResidenceTime <= 0 {
		cfg.PeersDataResidenceTime = defaultPeersResidence
	}
	if cfg.BlacklistResidenceTime <= 0 {
		cfg.BlacklistResidenceTime = defaultBlacklistResidence
	}
	if cfg.CheckPeersInterval <= 0 {
		cfg.CheckPeersInterval = defaultCheckPeersInterval
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.RateMsgsPerSec <= 0 {
		cfg.RateMsgsPerSec = defaultMsgRate
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultMsgBurst
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = defaultOutboundQueueSize
	}
	return cfg
}
