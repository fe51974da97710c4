package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidechain/core/types"
	"tidechain/mempool"
	"tidechain/p2p"
)

// Server exposes a read-mostly HTTP surface over the network stack plus a
// transaction submission endpoint.
type Server struct {
	network *p2p.Network
	pool    *mempool.Pool
	logger  *slog.Logger
	httpSrv *http.Server
}

func NewServer(addr string, network *p2p.Network, pool *mempool.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		network: network,
		pool:    pool,
		logger:  logger.With(slog.String("component", "rpc")),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/net", func(nr chi.Router) {
		nr.Get("/peers", s.handlePeers)
		nr.Get("/connections", s.handleConnections)
		nr.Get("/blacklist", s.handleBlacklist)
		nr.Get("/known", s.handleKnown)
	})

	r.Route("/tx", func(tr chi.Router) {
		tr.Post("/submit", s.handleSubmitTx)
		tr.Get("/pending", s.handlePending)
	})

	return r
}

// Start begins serving; it returns once the listener stops.
func (s *Server) Start() error {
	s.logger.Info("RPC listening", slog.String("address", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.GetConnectedPeers())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	addrs := s.network.GetConnections()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.GetBlacklistedPeers())
}

func (s *Server) handleKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.GetKnownPeers())
}

type submitTxRequest struct {
	Raw string `json:"raw"`
}

type submitTxResponse struct {
	Hash string `json:"hash"`
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var req submitTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(req.Raw, "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "raw transaction is not valid hex")
		return
	}
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "undecodable transaction")
		return
	}
	if err := s.pool.Add(tx); err != nil {
		switch {
		case errors.Is(err, mempool.ErrAlreadyKnown):
			writeError(w, http.StatusConflict, "transaction already pending")
		case errors.Is(err, mempool.ErrPoolFull):
			writeError(w, http.StatusServiceUnavailable, "transaction pool full")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	payload, err := p2p.EncodeTransactionPayload(tx)
	if err != nil {
		s.logger.Error("Encode transaction payload", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.network.SendToNetwork(p2p.SpecTransaction, payload, p2p.Broadcast{})

	hash, err := tx.Hash()
	if err != nil {
		s.logger.Error("Hash transaction", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, submitTxResponse{Hash: "0x" + hex.EncodeToString(hash[:])})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"pending": s.pool.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
