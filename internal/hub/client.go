package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/camarasama/instant-class-chat/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one live websocket connection bound to a verified identity.
type Client struct {
	ID       string
	Identity model.Profile

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	joined  map[string]bool
	closed  bool // guarded by hub.mu
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient wraps an upgraded connection. The caller registers it with the
// hub and starts the pumps.
func (h *Hub) NewClient(conn *websocket.Conn, identity model.Profile) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendQueueSize),
		joined:   make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run starts the write pump and blocks in the read pump until the connection
// drops. It always unregisters the client before returning.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) closeConn() {
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !isExpectedCloseError(err) {
				log.Printf("hub: read from %s (%s): %v", c.Identity.DisplayName, c.ID, err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reply(Frame{Type: FrameError, Reason: "invalid_payload"})
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	switch frame.Type {
	case FrameJoinChannel:
		if frame.ChannelID == "" {
			c.reply(Frame{Type: FrameError, Reason: "invalid_payload"})
			return
		}
		if err := c.hub.Join(c.ctx, c, frame.ChannelID); err != nil {
			c.reply(Frame{Type: FrameError, ChannelID: frame.ChannelID, Reason: joinReason(err)})
		}
	case FrameLeaveChannel:
		if frame.ChannelID == "" {
			c.reply(Frame{Type: FrameError, Reason: "invalid_payload"})
			return
		}
		c.hub.Leave(c.ctx, c, frame.ChannelID)
	case FrameSendMessage:
		c.handleSend(frame)
	case FrameTypingStart:
		c.hub.Typing(c, frame.ChannelID, true)
	case FrameTypingStop:
		c.hub.Typing(c, frame.ChannelID, false)
	default:
		c.reply(Frame{Type: FrameError, Reason: "unknown_frame"})
	}
}

func (c *Client) handleSend(frame Frame) {
	if !c.limiter.Allow() {
		c.reply(Frame{Type: FrameMessageError, ChannelID: frame.ChannelID, Reason: "rate_limited"})
		return
	}
	if frame.ChannelID == "" || strings.TrimSpace(frame.Text) == "" {
		c.reply(Frame{Type: FrameMessageError, ChannelID: frame.ChannelID, Reason: "invalid_payload"})
		return
	}
	if c.hub.ingress == nil {
		c.reply(Frame{Type: FrameMessageError, ChannelID: frame.ChannelID, Reason: "server_error"})
		return
	}
	if _, err := c.hub.ingress.HandleIncoming(c.ctx, c.Identity, frame.ChannelID, frame.Text, frame.FileURL, frame.ReplyTo); err != nil {
		c.reply(Frame{Type: FrameMessageError, ChannelID: frame.ChannelID, Reason: sendReason(err)})
	}
}

// reply queues a frame for this connection only.
func (c *Client) reply(frame Frame) {
	payload := MarshalFrame(frame)
	if payload == nil {
		return
	}
	c.hub.trySend(c, payload)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func joinReason(err error) string {
	switch {
	case errors.Is(err, model.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, model.ErrChannelNotFound):
		return "channel_not_found"
	default:
		return "server_error"
	}
}

func sendReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, model.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, model.ErrChannelNotFound):
		return "channel_not_found"
	default:
		return "server_error"
	}
}
