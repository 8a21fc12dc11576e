package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 << 10 // 64KB; user messages are short
)

// ErrClientGone means the connection was unregistered while a dispatch was
// still relaying chunks to it.
var ErrClientGone = errors.New("client disconnected")

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{} // closed on unregister
	sessionID  string
	remoteAddr string

	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, sessionID, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		sessionID:  sessionID,
		remoteAddr: remoteAddr,
	}
}

func (c *Client) SessionID() string { return c.sessionID }

// Send queues a text frame. It blocks when the buffer is full (backpressure
// toward the dispatcher) and fails once the client is unregistered, which is
// how an in-flight dispatch learns its sink is gone.
func (c *Client) Send(text string) error {
	select {
	case c.send <- []byte(text):
		return nil
	case <-c.done:
		return ErrClientGone
	}
}

// SendJSON marshals v and queues it like Send.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientGone
	}
}

func (c *Client) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("client disconnected", "session", c.sessionID, "err", err)
			}
			return
		}
		c.hub.handleMessage(c, string(message))
	}
}

func (c *Client) WritePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
