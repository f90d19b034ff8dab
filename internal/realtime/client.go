package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/errors"
)

const (
	sendBufferSize = 256
	readLimit      = 65536
	writeWait      = 10 * time.Second
	handlerTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Client is a single WebSocket connection. After a successful join it is bound to one poll and one
// client id; a later join on the same connection moves it.
type Client struct {
	id      string
	manager *Manager
	conn    *websocket.Conn
	send    chan WSMessage
	logger  *zap.Logger

	closeMu sync.Mutex
	closed  bool

	// read pump only
	pollID   string
	clientID string
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(manager *Manager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			id:      uuid.New().String(),
			manager: manager,
			conn:    conn,
			send:    make(chan WSMessage, sendBufferSize),
			logger:  logger,
		}
		manager.metrics.Connections.Inc()
		defer manager.metrics.Connections.Dec()

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues msg without blocking. It reports false when the buffer is full or the client is closed.
func (c *Client) Send(msg WSMessage) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops accepting messages. Anything already queued is still written before the socket closes.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		if c.pollID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			c.manager.Leave(ctx, c, c.pollID, c.clientID)
			cancel()
		}
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("conn_id", c.id), zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		c.dispatch(ctx, msg)
		cancel()
	}
}

func (c *Client) dispatch(ctx context.Context, msg WSMessage) {
	switch msg.Event {
	case EventJoin:
		var req JoinRequest
		if !c.decode(msg, &req, EventError) {
			return
		}
		c.handleJoin(ctx, req)
	case EventLeave:
		if c.pollID != "" {
			c.manager.Leave(ctx, c, c.pollID, c.clientID)
			c.pollID, c.clientID = "", ""
		}
	case EventOpenQuestion:
		var req OpenRequest
		if !c.decode(msg, &req, EventOpenAck) || !c.requireModerator(req.PollID, EventOpenAck) {
			return
		}
		q, err := c.manager.OpenQuestion(ctx, req)
		if err != nil {
			c.nack(EventOpenAck, err)
			return
		}
		c.manager.hub.SendTo(c, EventOpenAck, Ack{Success: true, QuestionID: q.ID.String()})
	case EventSubmitAnswer:
		var req SubmitRequest
		if !c.decode(msg, &req, EventSubmitAck) {
			return
		}
		if err := c.manager.SubmitAnswer(ctx, c, req); err != nil {
			c.nack(EventSubmitAck, err)
		}
	case EventEndQuestion:
		var req EndRequest
		if !c.decode(msg, &req, EventEndAck) || !c.requireModerator(req.PollID, EventEndAck) {
			return
		}
		if err := c.manager.EndQuestion(ctx, req); err != nil {
			c.nack(EventEndAck, err)
			return
		}
		c.manager.hub.SendTo(c, EventEndAck, Ack{Success: true, QuestionID: req.QuestionID})
	case EventKick:
		var req KickRequest
		if !c.decode(msg, &req, EventKickAck) || !c.requireModerator(req.PollID, EventKickAck) {
			return
		}
		if err := c.manager.Kick(ctx, req); err != nil {
			c.nack(EventKickAck, err)
			return
		}
		c.manager.hub.SendTo(c, EventKickAck, Ack{Success: true})
	default:
		// ignore
	}
}

func (c *Client) handleJoin(ctx context.Context, req JoinRequest) {
	if c.pollID != "" && (c.pollID != req.PollID || c.clientID != req.ClientID) {
		c.manager.Leave(ctx, c, c.pollID, c.clientID)
		c.pollID, c.clientID = "", ""
	}
	p, err := c.manager.Join(ctx, c, req)
	if err != nil {
		c.nack(EventError, err)
		return
	}
	c.pollID, c.clientID = req.PollID, p.ClientID
}

func (c *Client) decode(msg WSMessage, v interface{}, ackEvent string) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.nack(ackEvent, errors.InvalidArgument("invalid %s payload", msg.Event))
		return false
	}
	return true
}

func (c *Client) requireModerator(pollID, ackEvent string) bool {
	if pollID != "" && pollID == c.pollID && c.manager.IsModerator(pollID, c.clientID, c) {
		return true
	}
	c.nack(ackEvent, errors.FailedPrecondition("moderator role required"))
	return false
}

// nack reports err to this connection. Only the coded message leaves the server.
func (c *Client) nack(event string, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		c.logger.Error("request failed", zap.String("conn_id", c.id), zap.String("event", event), zap.Error(err))
	}
	if event == EventError {
		c.manager.hub.SendTo(c, EventError, ErrorPayload{Message: e.Message})
		return
	}
	c.manager.hub.SendTo(c, event, Ack{Success: false, Message: e.Message})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
