// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The browser UI is served from the same origin in production;
	// bench setups connect from file:// and localhost.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected operator ports and fans broadcasts out to them.
// Requests flow the other way: every parsed operator envelope lands on
// the Requests channel for the engine task to drain.
type Hub struct {
	log        *slog.Logger
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	requests   chan Request
	clients    map[*Client]bool

	mu   sync.Mutex
	done bool

	operatorGauge prometheus.Gauge
}

// NewHub creates a hub. Run must be started before ServeWS accepts
// connections.
func NewHub(log *slog.Logger, reg prometheus.Registerer) *Hub {
	h := &Hub{
		log:        log,
		register:   make(chan *Client, 8),
		unregister: make(chan *Client, 8),
		broadcast:  make(chan []byte, 64),
		requests:   make(chan Request, 64),
		clients:    make(map[*Client]bool),
		operatorGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canmaster_operator_connections",
			Help: "Number of connected operator websockets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.operatorGauge)
	}
	return h
}

// Requests exposes the stream of operator messages for the engine task.
func (h *Hub) Requests() <-chan Request {
	return h.requests
}

// Broadcast queues an envelope for every connected operator.
func (h *Hub) Broadcast(msgType string, payload any) {
	buf, err := Marshal(msgType, payload)
	if err != nil {
		h.log.Error("marshal broadcast", "type", msgType, "error", err)
		return
	}
	select {
	case h.broadcast <- buf:
	default:
		h.log.Warn("broadcast queue full, dropping message", "type", msgType)
	}
}

// Run owns the client set. It returns when ctx is cancelled, closing
// every operator port.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.done = true
			h.mu.Unlock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.operatorGauge.Set(0)
			return
		case c := <-h.register:
			h.clients[c] = true
			h.operatorGauge.Set(float64(len(h.clients)))
			h.log.Info("operator connected", "operators", len(h.clients))
			h.deliver(Request{Client: c, Env: Envelope{Type: MsgClientConnected}})
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.operatorGauge.Set(float64(len(h.clients)))
				h.log.Info("operator disconnected", "operators", len(h.clients))
			}
		case buf := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- buf:
				default:
					delete(h.clients, c)
					c.close()
					h.operatorGauge.Set(float64(len(h.clients)))
					h.log.Warn("operator too slow, dropped")
				}
			}
		}
	}
}

// deliver hands a request to the engine, dropping it if the engine has
// gone away. In-flight requests from a dead port are harmless; the
// engine checks client liveness only when replying.
func (h *Hub) deliver(req Request) {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		return
	}
	select {
	case h.requests <- req:
	default:
		h.log.Warn("request queue full, dropping operator message", "type", req.Env.Type)
	}
}

// ServeWS upgrades an HTTP request to an operator port.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueLen),
		log:  h.log.With("remote", conn.RemoteAddr().String()),
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}
