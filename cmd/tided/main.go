package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tidechain/config"
	"tidechain/mempool"
	"tidechain/observability/logging"
	"tidechain/p2p"
	"tidechain/rpc"
)

const appVersionString = "0.3.1"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("TIDE_ENV"))
	if env == "" {
		env = cfg.LogEnv
	}
	logger := logging.Setup("tided", env, cfg.LogFile)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}

	declared, err := declaredAddress(cfg.DeclaredAddress)
	if err != nil {
		logger.Error("Invalid declared address", slog.Any("error", err))
		os.Exit(1)
	}

	network, err := p2p.NewNetwork(p2p.Config{
		ListenAddress:          cfg.ListenAddress,
		AppName:                "tidechain",
		AppVersion:             appVersion(),
		NodeName:               cfg.NodeName,
		NodeNonce:              cfg.NodeNonce,
		DeclaredAddress:        declared,
		MaxConnections:         cfg.MaxConnections,
		KnownPeers:             cfg.KnownPeers,
		PeersDataResidenceTime: cfg.PeersDataResidenceTime(),
		BlacklistResidenceTime: cfg.BlacklistResidenceTime(),
		CheckPeersInterval:     cfg.CheckPeersInterval(),
		PeersFile:              cfg.PeersFile(),
	}, logger)
	if err != nil {
		logger.Error("Failed to build network", slog.Any("error", err))
		os.Exit(1)
	}

	pool := mempool.New(0)
	network.RegisterConsumer(p2p.SpecTransaction, transactionConsumer(network, pool, logger))

	if err := network.Start(); err != nil {
		logger.Error("Failed to start network", slog.Any("error", err))
		os.Exit(1)
	}
	defer network.Stop()

	rpcSrv := rpc.NewServer(cfg.RPCAddress, network, pool, logger)
	rpcErr := make(chan error, 1)
	go func() { rpcErr <- rpcSrv.Start() }()

	logger.Info("Node started",
		slog.String("listen_address", cfg.ListenAddress),
		slog.String("rpc_address", cfg.RPCAddress),
		slog.Uint64("nonce", network.LocalNonce()))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-rpcErr:
		if err != nil {
			logger.Error("RPC server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("RPC shutdown", slog.Any("error", err))
	}
}

// transactionConsumer pools relayed transactions and forwards unseen ones to
// every peer except the sender.
func transactionConsumer(network *p2p.Network, pool *mempool.Pool, logger *slog.Logger) p2p.Consumer {
	return p2p.ConsumerFunc(func(msg *p2p.Message) error {
		payload, ok := msg.Payload.(p2p.TransactionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", msg.Payload)
		}
		err := pool.Add(payload.Tx)
		switch {
		case err == nil:
		case err == mempool.ErrAlreadyKnown:
			return nil
		default:
			return err
		}

		raw, err := p2p.EncodeTransactionPayload(payload.Tx)
		if err != nil {
			return err
		}
		network.SendToNetwork(p2p.SpecTransaction, raw, p2p.BroadcastExceptOf{Peer: msg.From})
		logger.Debug("Relayed transaction",
			slog.Int("pending", pool.Len()),
			slog.Uint64("from_nonce", msg.From.Nonce))
		return nil
	})
}

func declaredAddress(raw string) (p2p.PeerAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p2p.PeerAddress{}, nil
	}
	return p2p.ParsePeerAddress(raw)
}

func appVersion() p2p.Version {
	var v p2p.Version
	_, err := fmt.Sscanf(appVersionString, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	if err != nil {
		return p2p.Version{}
	}
	return v
}
