package p2p

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Message is a decoded inbound message tagged with the handle of the peer
// that sent it.
type Message struct {
	Spec    Spec
	Payload any
	From    ConnectedPeer
}

// Consumer processes decoded messages for the specs it registered for.
type Consumer interface {
	HandleMessage(msg *Message) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(msg *Message) error

func (f ConsumerFunc) HandleMessage(msg *Message) error { return f(msg) }

// SendTarget selects which handshaked peers an outbound message reaches.
type SendTarget interface {
	sendTarget()
}

// SendToChosen delivers to the single peer identified by the handle.
type SendToChosen struct {
	Peer ConnectedPeer
}

// Broadcast delivers to every handshaked peer.
type Broadcast struct{}

// BroadcastExceptOf delivers to every handshaked peer except the one
// identified by the handle.
type BroadcastExceptOf struct {
	Peer ConnectedPeer
}

func (SendToChosen) sendTarget()      {}
func (Broadcast) sendTarget()         {}
func (BroadcastExceptOf) sendTarget() {}

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

type (
	connectRequest struct {
		addr PeerAddress
	}
	sendRequest struct {
		spec    Spec
		payload []byte
		target  SendTarget
	}
	inboundMessage struct {
		spec    Spec
		payload any
		from    PeerAddress
	}
)

const gossipPeersLimit = 64

// Controller resolves outbound send targets against the manager's live
// handshaked set and turns connect requests into transport dials. It holds
// only ephemeral routing state; the manager stays authoritative.
type Controller struct {
	mgr      *Manager
	registry *Registry
	cfg      Config
	local    Handshake
	logger   *slog.Logger
	metrics  *networkMetrics
	dialFn   dialFunc

	consumers map[Spec]Consumer

	requests chan any
	quit     chan struct{}
	done     chan struct{}

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewController(mgr *Manager, registry *Registry, cfg Config, local Handshake, logger *slog.Logger, metrics *networkMetrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		mgr:       mgr,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		local:     local,
		logger:    logger.With(slog.String("component", "network_controller")),
		metrics:   metrics,
		dialFn:    defaultDialer,
		consumers: make(map[Spec]Consumer),
		requests:  make(chan any, 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RegisterConsumer installs the consumer for a spec. Must be called before
// Start.
func (c *Controller) RegisterConsumer(spec Spec, consumer Consumer) {
	c.consumers[spec] = consumer
}

func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.running.Store(true)
		go c.run()
	})
}

func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		if c.running.Load() {
			<-c.done
		}
	})
}

// ConnectTo asks the transport layer to open a connection to addr. It never
// blocks; a saturated request queue drops the request, which the next
// maintenance tick retries.
func (c *Controller) ConnectTo(addr PeerAddress) {
	select {
	case c.requests <- connectRequest{addr: addr}:
	case <-c.quit:
	default:
		c.logger.Warn("Connect request queue full",
			slog.String("peer_address", addr.String()))
		c.mgr.ConnectFailed(addr)
	}
}

// SendToNetwork dispatches the payload to the peers selected by target.
// Fan-out is independent per handler; one slow peer cannot block the rest.
func (c *Controller) SendToNetwork(spec Spec, payload []byte, target SendTarget) {
	select {
	case c.requests <- sendRequest{spec: spec, payload: payload, target: target}:
	case <-c.quit:
	}
}

// connEvents implementation: the upward edge of every connection handler.

func (c *Controller) peerHandshaked(addr PeerAddress, hs Handshake) {
	c.mgr.Handshaked(addr, hs)
}

func (c *Controller) peerDisconnected(addr PeerAddress) {
	c.mgr.Disconnected(addr)
}

func (c *Controller) peerMessage(spec Spec, payload any, from PeerAddress) {
	select {
	case c.requests <- inboundMessage{spec: spec, payload: payload, from: from}:
	case <-c.quit:
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case req := <-c.requests:
			switch req := req.(type) {
			case connectRequest:
				go c.dial(req.addr)
			case sendRequest:
				c.handleSend(req)
			case inboundMessage:
				c.handleInbound(req)
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) dial(addr PeerAddress) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := c.dialFn(ctx, addr.String())
	if err != nil {
		c.logger.Info("Dial failed",
			slog.String("peer_address", addr.String()),
			slog.Any("error", err))
		c.mgr.ConnectFailed(addr)
		return
	}
	c.adoptConn(conn, addr)
}

// adoptConn wraps an established transport connection in a handler and
// registers it with the manager. Used for both dial results and accepted
// inbound connections.
func (c *Controller) adoptConn(conn net.Conn, addr PeerAddress) {
	h := newHandler(conn, addr, c.local, c.registry, c, c.cfg, c.logger, c.metrics)
	c.mgr.Connected(addr, h, nil)
	h.start()
}

func (c *Controller) handleSend(req sendRequest) {
	links := c.mgr.handshakedLinks()
	switch target := req.target.(type) {
	case SendToChosen:
		for _, link := range links {
			if link.nonce == target.Peer.Nonce {
				link.handler.Send(req.spec, req.payload)
				return
			}
		}
		c.logger.Info("Send target no longer connected",
			slog.Uint64("nonce", target.Peer.Nonce))
	case Broadcast:
		for _, link := range links {
			link.handler.Send(req.spec, req.payload)
		}
	case BroadcastExceptOf:
		for _, link := range links {
			if link.nonce == target.Peer.Nonce {
				continue
			}
			link.handler.Send(req.spec, req.payload)
		}
	}
}

func (c *Controller) handleInbound(msg inboundMessage) {
	links := c.mgr.handshakedLinks()
	var sender *peerLink
	for i := range links {
		if links[i].addr == msg.from {
			sender = &links[i]
			break
		}
	}
	if sender == nil {
		// Messages from a sender that never completed (or already lost) its
		// handshake are dropped.
		c.logger.Warn("Dropping message from non-handshaked sender",
			slog.String("peer_address", msg.from.String()),
			slog.String("spec", msg.spec.String()))
		c.metrics.recordDroppedFrame("not_handshaked")
		return
	}
	handle := ConnectedPeer{Address: sender.addr, Nonce: sender.nonce}

	switch payload := msg.payload.(type) {
	case GetPeersPayload:
		c.answerGetPeers(sender)
		return
	case PeersPayload:
		for _, addr := range payload.Addresses {
			if addr == c.cfg.DeclaredAddress {
				continue
			}
			c.mgr.AddOrUpdatePeer(addr, 0, nil)
		}
		return
	default:
	}

	consumer := c.consumers[msg.spec]
	if consumer == nil {
		c.logger.Warn("No consumer registered for spec",
			slog.String("spec", msg.spec.String()))
		c.metrics.recordDroppedFrame("no_consumer")
		return
	}
	if err := consumer.HandleMessage(&Message{Spec: msg.spec, Payload: msg.payload, From: handle}); err != nil {
		c.logger.Warn("Message consumer failed",
			slog.String("spec", msg.spec.String()),
			slog.String("peer_address", msg.from.String()),
			slog.Any("error", err))
	}
}

func (c *Controller) answerGetPeers(sender *peerLink) {
	addrs := c.mgr.gossipPeers(gossipPeersLimit)
	filtered := addrs[:0]
	for _, addr := range addrs {
		if addr == sender.addr {
			continue
		}
		filtered = append(filtered, addr)
	}
	payload, err := EncodePeersPayload(filtered)
	if err != nil {
		c.logger.Warn("Encode peers payload", slog.Any("error", err))
		return
	}
	sender.handler.Send(SpecPeers, payload)
}
