// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

// Package engine is the single-task core of the master: it owns the
// inventory, drives the interview state machine, applies operator
// edits, and emits housekeeping traffic. All state mutations happen on
// the Run loop, which gives a total order over inventory changes
// without locks.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmorgan-eng/canmaster/pkg/bus"
	"github.com/jmorgan-eng/canmaster/pkg/canwire"
	"github.com/jmorgan-eng/canmaster/pkg/defs"
	"github.com/jmorgan-eng/canmaster/pkg/gateway"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

// Broadcaster fans a message out to every connected operator.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

const auditWindow = 20

// Config assembles an Engine. All fields are required unless noted.
type Config struct {
	Log       *slog.Logger
	Bus       bus.Bus
	Inventory *inventory.Store
	DB        *store.Store
	Registry  *defs.Registry
	Hub       Broadcaster
	Requests  <-chan gateway.Request
	MasterID  canwire.NodeID

	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
	// Registerer may be nil to skip metrics registration.
	Registerer prometheus.Registerer

	// ReqIntroInterval and EpochInterval default to 30m and 10s.
	ReqIntroInterval time.Duration
	EpochInterval    time.Duration
}

func (c *Config) Validate() error {
	if c.Log == nil {
		return errors.New("engine: nil logger")
	}
	if c.Bus == nil {
		return errors.New("engine: nil bus")
	}
	if c.Inventory == nil {
		return errors.New("engine: nil inventory")
	}
	if c.DB == nil {
		return errors.New("engine: nil store")
	}
	if c.Registry == nil {
		return errors.New("engine: nil definition registry")
	}
	if c.Hub == nil {
		return errors.New("engine: nil hub")
	}
	return nil
}

// Engine is the master controller core. Not safe for concurrent use;
// every method runs on the Run loop.
type Engine struct {
	log      *slog.Logger
	bus      bus.Bus
	inv      *inventory.Store
	db       *store.Store
	reg      *defs.Registry
	hub      Broadcaster
	requests <-chan gateway.Request
	clock    clockwork.Clock
	metrics  *metrics
	masterID canwire.NodeID

	reqIntroInterval time.Duration
	epochInterval    time.Duration
	lastReqIntro     time.Time
	lastTsMsg        time.Time

	frames chan canwire.Frame
}

// New validates cfg and builds an engine ready to Run.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReqIntroInterval <= 0 {
		cfg.ReqIntroInterval = 30 * time.Minute
	}
	if cfg.EpochInterval <= 0 {
		cfg.EpochInterval = 10 * time.Second
	}
	e := &Engine{
		log:              cfg.Log,
		bus:              cfg.Bus,
		inv:              cfg.Inventory,
		db:               cfg.DB,
		reg:              cfg.Registry,
		hub:              cfg.Hub,
		requests:         cfg.Requests,
		clock:            cfg.Clock,
		metrics:          newMetrics(cfg.Registerer),
		masterID:         cfg.MasterID,
		reqIntroInterval: cfg.ReqIntroInterval,
		epochInterval:    cfg.EpochInterval,
		frames:           make(chan canwire.Frame, 256),
	}
	e.metrics.knownNodes.Set(float64(e.inv.Len()))
	return e, nil
}

// WarmStart rehydrates the inventory from persistence so a restart does
// not forget the network between intro rounds.
func (e *Engine) WarmStart() error {
	nodes, err := e.db.LoadInventory()
	if err != nil {
		return fmt.Errorf("engine: warm start: %w", err)
	}
	for _, n := range nodes {
		e.inv.Put(n)
	}
	e.metrics.knownNodes.Set(float64(e.inv.Len()))
	if len(nodes) > 0 {
		e.log.Info("inventory rehydrated", "nodes", len(nodes))
	}
	return nil
}

// Run processes bus frames, operator requests, and housekeeping ticks
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.readLoop(ctx)

	tick := e.clock.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-e.frames:
			e.handleFrame(ctx, f)
			e.housekeeping(ctx)
		case req, ok := <-e.requests:
			if !ok {
				return errors.New("engine: request channel closed")
			}
			e.handleRequest(ctx, req)
		case <-tick.Chan():
			e.housekeeping(ctx)
		}
	}
}

// readLoop pulls frames off the bus and feeds the engine task. Receive
// errors back off exponentially; the bus is best-effort.
func (e *Engine) readLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 5 * time.Second

	for {
		f, err := e.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return
			}
			wait := bo.NextBackOff()
			e.log.Error("bus receive failed", "error", err, "retry_in", wait)
			select {
			case <-e.clock.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
		select {
		case e.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame dispatches one inbound frame: live broadcast first, then
// interview handling for intro-range ids.
func (e *Engine) handleFrame(ctx context.Context, f canwire.Frame) {
	e.metrics.framesReceived.Inc()
	e.hub.Broadcast(gateway.MsgCANMessage, gateway.CANMessage{
		ID:        f.ID,
		Name:      e.reg.Name(f.ID),
		Data:      f.Payload(),
		Timestamp: e.clock.Now().UnixMilli(),
	})

	switch {
	case canwire.IsNodeIntro(f.ID):
		e.handleNodeIntro(ctx, f)
	case canwire.IsSubModIntro(f.ID):
		e.handleSubModIntro(ctx, f)
	}
}

// housekeeping emits the periodic introduction request and epoch
// broadcast when their intervals have elapsed.
func (e *Engine) housekeeping(ctx context.Context) {
	now := e.clock.Now()

	if now.Sub(e.lastReqIntro) > e.reqIntroInterval {
		f := canwire.Frame{ID: canwire.ReqNodeIntroID, Len: canwire.PayloadSize}
		copy(f.Data[:], e.masterID.Bytes())
		e.send(ctx, f)
		e.lastReqIntro = now
	}

	if now.Sub(e.lastTsMsg) > e.epochInterval {
		e.send(ctx, canwire.Frame{
			ID:   canwire.DataEpochID,
			Len:  canwire.PayloadSize,
			Data: canwire.PackEpoch(now),
		})
		e.lastTsMsg = now
	}
}

// send writes one frame to the bus. Errors are logged and swallowed.
func (e *Engine) send(ctx context.Context, f canwire.Frame) {
	if err := e.bus.Send(ctx, f); err != nil {
		e.log.Error("bus send failed", "frame", f.String(), "error", err)
		return
	}
	e.metrics.framesSent.Inc()
	e.log.Debug("frame sent", "frame", f.String())
}

// broadcastInventory pushes a deep snapshot of the store to every
// operator.
func (e *Engine) broadcastInventory() {
	e.metrics.knownNodes.Set(float64(e.inv.Len()))
	e.hub.Broadcast(gateway.MsgDatabaseUpdate, e.inv.SnapshotAll())
}

// broadcastAudit pushes the newest audit rows to every operator.
func (e *Engine) broadcastAudit() {
	rows, err := e.db.RecentAudit(auditWindow)
	if err != nil {
		e.log.Error("load audit log", "error", err)
		return
	}
	e.hub.Broadcast(gateway.MsgAuditLogUpdate, rows)
}

func jsonValue(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}
