package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/chatroom/internal/apperr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("connection closed")
)

// Client is a middleman between the websocket connection and the handler.
type Client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	// Buffered channel of outbound messages.
	send chan []byte
}

func newClient(conn *websocket.Conn, userID int64, buffer int, log *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
		log:    log.With(zap.String("conn_id", id), zap.Int64("user_id", userID)),
	}
}

func (c *Client) ID() string    { return c.id }
func (c *Client) UserID() int64 { return c.userID }

// Send enqueues payload without blocking. A full buffer drops the payload;
// the client recovers it through a catch-up read.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump decodes frames from the websocket connection and hands them to
// the handler in arrival order.
func (c *Client) readPump(ctx context.Context, handler FrameHandler, maxFrame int64) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.replyError("", apperr.Validation("malformed frame: %v", err))
			continue
		}
		handler.HandleFrame(ctx, c, frame)
	}
}

func (c *Client) replyError(ref string, err error) {
	payload, encErr := EncodeReply(TypeError, ref, ErrorData{Code: apperr.Code(err), Message: err.Error()})
	if encErr != nil {
		return
	}
	if err := c.Send(payload); err != nil {
		c.log.Debug("dropped error frame", zap.Error(err))
	}
}

// writePump writes queued frames to the websocket connection, one frame
// per websocket message, and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
