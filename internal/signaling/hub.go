package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/relay"
)

const snapshotPublishTimeout = 5 * time.Second

// SnapshotSink receives the result of every sweep. Publishing happens off the
// hub goroutine; a slow sink only causes snapshots to be skipped.
type SnapshotSink interface {
	Publish(ctx context.Context, snap relay.Snapshot) error
}

type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// SweepInterval defaults to config.DefaultRoomSweepInterval.
	SweepInterval time.Duration
	Sink          SnapshotSink
	Now           func() time.Time
}

type inboundEvent struct {
	client *Client
	ev     relay.Event
	// reject, when set, is sent back to the client as an error message and
	// ev is ignored.
	reject string
}

// Hub serializes every relay operation onto the goroutine running Run, and
// implements relay.Transport on top of the per-client send queues.
type Hub struct {
	relay   *relay.Relay
	clients map[relay.ConnID]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	snapshots  chan relay.Snapshot
	done       chan struct{}

	log           *slog.Logger
	metrics       *metrics.Metrics
	sweepInterval time.Duration
	sink          SnapshotSink
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultRoomSweepInterval
	}
	h := &Hub{
		clients:       make(map[relay.ConnID]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundEvent),
		snapshots:     make(chan relay.Snapshot, 1),
		done:          make(chan struct{}),
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		sink:          cfg.Sink,
	}
	h.relay = relay.New(relay.Options{
		Transport: h,
		Logger:    cfg.Logger.With("component", "relay"),
		Metrics:   cfg.Metrics,
		Now:       cfg.Now,
	})
	return h
}

// Run processes registrations, inbound events and sweeps until ctx is
// cancelled. On return every client send queue has been closed, which makes
// the write pumps close their sockets.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	if h.sink != nil {
		go h.publishSnapshots(ctx)
	}

	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.metrics.ConnectionOpened()
			h.enqueue(c, relay.Message{Type: messageTypeConnected, Payload: connectedPayload{ConnectionID: c.id}})
			h.log.Debug("client registered", "conn_id", c.id, "clients", len(h.clients))

		case c := <-h.unregister:
			if cur, ok := h.clients[c.id]; !ok || cur != c {
				continue
			}
			delete(h.clients, c.id)
			close(c.send)
			h.metrics.ConnectionClosed()
			h.relay.Disconnect(c.id)

		case in := <-h.inbound:
			if cur, ok := h.clients[in.client.id]; !ok || cur != in.client {
				continue
			}
			if in.reject != "" {
				h.metrics.MessageDropped(metrics.DropReasonBadMessage)
				h.enqueue(in.client, errorMessage(in.reject))
				continue
			}
			if err := h.relay.Handle(in.client.id, in.ev); err != nil {
				h.log.Warn("event rejected", "conn_id", in.client.id, "event", in.ev.Kind, "err", err)
				h.enqueue(in.client, errorMessage(err.Error()))
			}

		case <-ticker.C:
			snap := h.relay.Sweep()
			if h.sink != nil {
				select {
				case h.snapshots <- snap:
				default:
					h.log.Debug("presence publish still in flight; skipping snapshot")
				}
			}

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for id, c := range h.clients {
		close(c.send)
		h.metrics.ConnectionClosed()
		delete(h.clients, id)
	}
	h.log.Info("signaling hub stopped")
}

func (h *Hub) publishSnapshots(ctx context.Context) {
	for {
		select {
		case snap := <-h.snapshots:
			pctx, cancel := context.WithTimeout(ctx, snapshotPublishTimeout)
			err := h.sink.Publish(pctx, snap)
			cancel()
			if err != nil && ctx.Err() == nil {
				h.log.Warn("presence publish failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Register hands c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Submit blocks until the hub has taken ev. It reports false once the hub
// has stopped.
func (h *Hub) Submit(c *Client, ev relay.Event) bool {
	return h.submit(inboundEvent{client: c, ev: ev})
}

// Reject queues an error reply for c without touching relay state.
func (h *Hub) Reject(c *Client, reason string) bool {
	return h.submit(inboundEvent{client: c, reject: reason})
}

func (h *Hub) submit(in inboundEvent) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

// Send implements relay.Transport.
func (h *Hub) Send(to relay.ConnID, msg relay.Message) {
	c, ok := h.clients[to]
	if !ok {
		h.metrics.MessageDropped(metrics.DropReasonUnknownTarget)
		h.log.Debug("dropping message for unknown connection", "to", to, "type", msg.Type)
		return
	}
	h.enqueue(c, msg)
}

// Broadcast implements relay.Transport. The message is encoded once.
func (h *Hub) Broadcast(except relay.ConnID, msg relay.Message) {
	data, err := encodeMessage(msg)
	if err != nil {
		h.log.Error("encode message", "type", msg.Type, "err", err)
		return
	}
	for id, c := range h.clients {
		if id != except {
			h.enqueueRaw(c, msg.Type, data)
		}
	}
}

func (h *Hub) enqueue(c *Client, msg relay.Message) {
	data, err := encodeMessage(msg)
	if err != nil {
		h.log.Error("encode message", "type", msg.Type, "err", err)
		return
	}
	h.enqueueRaw(c, msg.Type, data)
}

func (h *Hub) enqueueRaw(c *Client, msgType string, data []byte) {
	select {
	case c.send <- data:
	default:
		h.metrics.MessageDropped(metrics.DropReasonSendQueueFull)
		h.log.Warn("send queue full; dropping message", "conn_id", c.id, "type", msgType)
	}
}
