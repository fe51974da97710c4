package p2p

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnHandler is the non-owning capability the manager and controller hold
// for a live connection. All commands are fire-and-forget; Close is
// idempotent.
type ConnHandler interface {
	SendHandshake()
	Send(spec Spec, payload []byte)
	Close()
}

// connEvents is the upward edge of a connection handler. Implementations
// must not block the calling goroutine on I/O.
type connEvents interface {
	peerHandshaked(addr PeerAddress, hs Handshake)
	peerMessage(spec Spec, payload any, from PeerAddress)
	peerDisconnected(addr PeerAddress)
}

type outFrame struct {
	spec    Spec
	payload []byte
}

// handler owns one transport connection: it sends the local handshake on
// activation, delivers the first complete remote handshake upward exactly
// once, and thereafter decodes frames via the registry. Malformed frames are
// logged and dropped without tearing the connection down.
type handler struct {
	addr     PeerAddress
	conn     net.Conn
	reader   *bufio.Reader
	registry *Registry
	events   connEvents
	logger   *slog.Logger
	metrics  *networkMetrics
	limiter  *rate.Limiter
	local    Handshake

	outbound         chan outFrame
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	maxPayload       int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func newHandler(conn net.Conn, addr PeerAddress, local Handshake, registry *Registry, events connEvents, cfg Config, logger *slog.Logger, metrics *networkMetrics) *handler {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{
		addr:         addr,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		registry:     registry,
		events:       events,
		logger:       logger.With(slog.String("peer_address", addr.String())),
		metrics:      metrics,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateMsgsPerSec), cfg.RateBurst),
		local:        local,
		outbound:         make(chan outFrame, cfg.OutboundQueueSize),
		handshakeTimeout: cfg.HandshakeTimeout,
		readTimeout:      cfg.ReadTimeout,
		writeTimeout:     cfg.WriteTimeout,
		maxPayload:       cfg.MaxPayloadBytes,
		closed:       make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (h *handler) start() {
	go h.readLoop()
	go h.writeLoop()
}

// SendHandshake queues the local handshake frame.
func (h *handler) SendHandshake() {
	payload, err := h.local.Encode()
	if err != nil {
		h.logger.Error("Encode local handshake", slog.Any("error", err))
		h.terminate(err)
		return
	}
	h.Send(SpecHandshake, payload)
}

// Send queues a frame for delivery. A full queue means the peer cannot keep
// up; the connection is closed rather than blocking the caller.
func (h *handler) Send(spec Spec, payload []byte) {
	select {
	case <-h.ctx.Done():
		return
	default:
	}
	select {
	case h.outbound <- outFrame{spec: spec, payload: payload}:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("Peer send queue full, closing connection")
		h.terminate(errQueueFull)
	}
}

// Close tears the connection down. A second call is a no-op.
func (h *handler) Close() {
	h.terminate(nil)
}

func (h *handler) readLoop() {
	handshaked := false
	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		timeout := h.readTimeout
		if !handshaked && h.handshakeTimeout > 0 {
			// A peer that never identifies itself must not hold a slot.
			timeout = h.handshakeTimeout
		}
		if timeout > 0 {
			if err := h.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				h.terminate(err)
				return
			}
		} else if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
			h.terminate(err)
			return
		}

		spec, payload, err := readFrame(h.reader, h.maxPayload)
		if err != nil {
			if errors.Is(err, ErrMalformedPayload) {
				// Stream is still aligned after a checksum failure.
				h.dropFrame(spec, "malformed", err)
				continue
			}
			h.terminate(err)
			return
		}

		if !handshaked {
			if spec != SpecHandshake {
				h.dropFrame(spec, "before_handshake", nil)
				continue
			}
			hs, err := DecodeHandshake(payload)
			if err != nil {
				h.dropFrame(spec, "malformed", err)
				continue
			}
			handshaked = true
			h.events.peerHandshaked(h.addr, hs)
			continue
		}

		if spec == SpecHandshake {
			h.dropFrame(spec, "duplicate_handshake", nil)
			continue
		}
		if !h.limiter.Allow() {
			h.dropFrame(spec, "rate_limited", nil)
			continue
		}

		decoded, err := h.registry.Decode(spec, payload)
		if err != nil {
			h.dropFrame(spec, "undecodable", err)
			continue
		}
		h.events.peerMessage(spec, decoded, h.addr)
	}
}

func (h *handler) writeLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case frame := <-h.outbound:
			if h.writeTimeout > 0 {
				if err := h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
					h.terminate(err)
					return
				}
			}
			if err := writeFrame(h.conn, frame.spec, frame.payload); err != nil {
				h.terminate(err)
				return
			}
		}
	}
}

func (h *handler) dropFrame(spec Spec, reason string, err error) {
	attrs := []any{slog.String("spec", spec.String()), slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	h.logger.Warn("Discarding frame", attrs...)
	h.metrics.recordDroppedFrame(reason)
}

// terminate closes the transport exactly once and reports the disconnect
// upward. The notification runs on its own goroutine so terminate stays safe
// to call from the manager's serialized loop.
func (h *handler) terminate(reason error) {
	h.closeOnce.Do(func() {
		h.cancel()
		h.conn.Close()
		close(h.closed)
		if reason != nil && !errors.Is(reason, io.EOF) {
			h.logger.Info("Connection closed", slog.Any("error", reason))
		}
		go h.events.peerDisconnected(h.addr)
	})
}
