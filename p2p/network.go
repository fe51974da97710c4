package p2p

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Network assembles the listener, the peer manager and the network controller
// into one runnable stack. It is the only type applications need to interact
// with.
type Network struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *networkMetrics
	known    *KnownPeers
	mgr      *Manager
	ctrl     *Controller
	registry *Registry

	listener net.Listener

	quit      chan struct{}
	acceptsWG sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewNetwork builds the network stack from cfg. A zero NodeNonce is replaced
// with a random one, since the nonce is the node's identity on the wire.
func NewNetwork(cfg Config, logger *slog.Logger) (*Network, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NodeNonce == 0 {
		nonce, err := randomNonce()
		if err != nil {
			return nil, fmt.Errorf("generate node nonce: %w", err)
		}
		cfg.NodeNonce = nonce
		logger.Info("Generated node nonce", slog.Uint64("nonce", nonce))
	}

	known, err := NewKnownPeers(cfg.PeersFile, cfg.PeersDataResidenceTime)
	if err != nil {
		return nil, err
	}

	metrics := newNetworkMetrics()
	registry := NewRegistry()
	mgr := NewManager(cfg, known, logger, metrics)
	local := newLocalHandshake(cfg, time.Now())
	ctrl := NewController(mgr, registry, cfg, local, logger, metrics)
	mgr.bindConnector(ctrl)

	return &Network{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "network")),
		metrics:  metrics,
		known:    known,
		mgr:      mgr,
		ctrl:     ctrl,
		registry: registry,
		quit:     make(chan struct{}),
	}, nil
}

func randomNonce() (uint64, error) {
	var raw [8]byte
	for {
		if _, err := cryptorand.Read(raw[:]); err != nil {
			return 0, err
		}
		nonce := binary.BigEndian.Uint64(raw[:])
		if nonce != 0 {
			return nonce, nil
		}
	}
}

// RegisterConsumer installs the consumer invoked for inbound messages of the
// given spec. Must be called before Start.
func (n *Network) RegisterConsumer(spec Spec, consumer Consumer) {
	n.ctrl.RegisterConsumer(spec, consumer)
}

// Registry exposes the payload decoder table so applications can register
// additional specs before Start.
func (n *Network) Registry() *Registry {
	return n.registry
}

// Start launches the manager and controller loops and, when a listen address
// is configured, the TCP accept loop.
func (n *Network) Start() error {
	var startErr error
	n.startOnce.Do(func() {
		n.mgr.Start()
		n.ctrl.Start()
		if n.cfg.ListenAddress == "" {
			n.logger.Info("Listener disabled, outbound-only mode")
			return
		}
		ln, err := net.Listen("tcp", n.cfg.ListenAddress)
		if err != nil {
			startErr = fmt.Errorf("listen on %s: %w", n.cfg.ListenAddress, err)
			return
		}
		n.listener = ln
		n.logger.Info("Listening for peers", slog.String("address", ln.Addr().String()))
		n.acceptsWG.Add(1)
		go n.acceptLoop(ln)
	})
	return startErr
}

// Stop shuts the stack down: accept loop first, then the controller and
// manager loops, finally the known-peer store.
func (n *Network) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		if n.listener != nil {
			_ = n.listener.Close()
		}
		n.acceptsWG.Wait()
		n.ctrl.Stop()
		n.mgr.Stop()
		if err := n.known.Close(); err != nil {
			n.logger.Warn("Close known peers store", slog.Any("error", err))
		}
	})
}

func (n *Network) acceptLoop(ln net.Listener) {
	defer n.acceptsWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-n.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warn("Accept failed", slog.Any("error", err))
			continue
		}
		addr, err := ParsePeerAddress(conn.RemoteAddr().String())
		if err != nil {
			n.logger.Warn("Rejecting connection with unparsable remote address",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("error", err))
			_ = conn.Close()
			continue
		}
		n.logger.Info("Inbound connection", slog.String("peer_address", addr.String()))
		n.ctrl.adoptConn(conn, addr)
	}
}

// ListenAddr returns the bound listener address, or nil when not listening.
func (n *Network) ListenAddr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// ConnectTo requests an outbound connection to addr.
func (n *Network) ConnectTo(addr PeerAddress) {
	n.ctrl.ConnectTo(addr)
}

// SendToNetwork dispatches payload to the peers selected by target.
func (n *Network) SendToNetwork(spec Spec, payload []byte, target SendTarget) {
	n.ctrl.SendToNetwork(spec, payload, target)
}

// AddToBlacklist bans the host of addr and drops its live connections.
func (n *Network) AddToBlacklist(nonce uint64, addr PeerAddress) {
	n.mgr.AddToBlacklist(nonce, addr)
}

// AddOrUpdatePeer records addr as a known peer.
func (n *Network) AddOrUpdatePeer(addr PeerAddress) {
	n.mgr.AddOrUpdatePeer(addr, 0, nil)
}

// GetConnectedPeers returns every handshaked connection with its handshake.
func (n *Network) GetConnectedPeers() []PeerInfo {
	return n.mgr.GetConnectedPeers()
}

// GetConnections returns all connection addresses, handshaked or not.
func (n *Network) GetConnections() []PeerAddress {
	return n.mgr.GetConnections()
}

// GetBlacklistedPeers returns the currently banned hosts.
func (n *Network) GetBlacklistedPeers() []string {
	return n.mgr.GetBlacklistedPeers()
}

// GetRandomPeersToBroadcast samples up to max handshaked peer addresses.
func (n *Network) GetRandomPeersToBroadcast(max int) []PeerAddress {
	return n.mgr.GetRandomPeersToBroadcast(max)
}

// GetKnownPeers returns the known-peer records sorted by address.
func (n *Network) GetKnownPeers() []KnownPeerRecord {
	return n.mgr.GetKnownPeers()
}

// RequestPeers asks every handshaked peer for its known addresses.
func (n *Network) RequestPeers() {
	n.ctrl.SendToNetwork(SpecGetPeers, nil, Broadcast{})
}

// LocalNonce returns the identity nonce this node presents in handshakes.
func (n *Network) LocalNonce() uint64 {
	return n.cfg.NodeNonce
}
