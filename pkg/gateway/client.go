// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// pongWait must outlast one ping period so a port that answered the
	// previous probe is never torn down early.
	pongWait      = pingPeriod + 5*time.Second
	maxMessageLen = 64 * 1024
	sendQueueLen  = 256
)

// Client is one connected operator port. The hub owns registration;
// readPump and writePump own the socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Send queues a wire-ready envelope for this client. Messages to a dead
// port or one that cannot keep up are dropped rather than allowed to
// stall the engine.
func (c *Client) Send(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- buf:
	default:
		c.log.Warn("operator send queue full, dropping message")
	}
}

// close shuts the send queue exactly once. Called only by the hub.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// SendMessage marshals and queues one envelope.
func (c *Client) SendMessage(msgType string, payload any) {
	buf, err := Marshal(msgType, payload)
	if err != nil {
		c.log.Error("marshal operator message", "type", msgType, "error", err)
		return
	}
	c.Send(buf)
}

// readPump parses operator envelopes and hands them to the hub's
// request channel. Unparseable messages are logged and ignored; the
// connection stays open.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageLen)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("operator read error", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("ignoring malformed operator message", "error", err)
			continue
		}
		if env.Type == "" {
			c.log.Warn("ignoring operator message without type")
			continue
		}
		c.hub.deliver(Request{Client: c, Env: env})
	}
}

// writePump drains the send queue and keeps the liveness probe going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case buf, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
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
