package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	publishTimeout = 5 * time.Second
)

// Conn is a live transport handle. Send must never block; it reports false when the message was
// dropped. Close is idempotent.
type Conn interface {
	ID() string
	Send(msg WSMessage) bool
	Close()
}

// FeedPublisher publishes poll events to consumers outside this process (e.g. dashboards).
type FeedPublisher interface {
	PublishPollEvent(ctx context.Context, pollID, event string, payload []byte) error
}

// Hub encodes events once and fans them out to the members of a room. Every payload type it is given
// is a projection, so transport handles and correct answers for participants never reach the wire.
type Hub struct {
	logger  *zap.Logger
	feed    FeedPublisher
	metrics *Metrics
}

// NewHub creates a broadcast hub. feed may be nil.
func NewHub(logger *zap.Logger, feed FeedPublisher, metrics *Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{logger: logger, feed: feed, metrics: metrics}
}

func (h *Hub) encode(event string, payload interface{}) (WSMessage, bool) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
			return WSMessage{}, false
		}
	}
	return WSMessage{Event: event, Data: data}, true
}

func (h *Hub) deliver(c Conn, msg WSMessage) {
	if c == nil {
		return
	}
	if !c.Send(msg) {
		h.metrics.DroppedMessages.Inc()
	}
}

// SendTo sends one event to a single transport.
func (h *Hub) SendTo(c Conn, event string, payload interface{}) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.deliver(c, msg)
}

// broadcast delivers to every member. Callers hold the room lock so delivery order on each connection
// matches the order of room mutations.
func (h *Hub) broadcast(reg *registry, event string, payload interface{}) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	reg.eachMember(func(p *Participant) { h.deliver(p.conn, msg) })
}

func (h *Hub) broadcastModerators(reg *registry, event string, payload interface{}) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	reg.eachModerator(func(p *Participant) { h.deliver(p.conn, msg) })
}

// Publish forwards an event to the results feed. It performs network I/O and must not be called under
// a room lock. Local delivery never depends on it.
func (h *Hub) Publish(pollID, event string, payload interface{}) {
	if h.feed == nil {
		return
	}
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.feed.PublishPollEvent(ctx, pollID, event, msg.Data); err != nil {
		h.logger.Warn("publish poll event", zap.String("poll_id", pollID), zap.String("event", event), zap.Error(err))
	}
}
