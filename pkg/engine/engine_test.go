// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmorgan-eng/canmaster/pkg/bus"
	"github.com/jmorgan-eng/canmaster/pkg/canwire"
	"github.com/jmorgan-eng/canmaster/pkg/defs"
	"github.com/jmorgan-eng/canmaster/pkg/gateway"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

type hubMsg struct {
	msgType string
	payload any
}

type hubRecorder struct {
	msgs []hubMsg
}

func (h *hubRecorder) Broadcast(msgType string, payload any) {
	h.msgs = append(h.msgs, hubMsg{msgType, payload})
}

func (h *hubRecorder) count(msgType string) int {
	n := 0
	for _, m := range h.msgs {
		if m.msgType == msgType {
			n++
		}
	}
	return n
}

type replierRecorder struct {
	msgs []hubMsg
}

func (r *replierRecorder) SendMessage(msgType string, payload any) {
	r.msgs = append(r.msgs, hubMsg{msgType, payload})
}

type testRig struct {
	engine *Engine
	bus    *bus.Loopback
	hub    *hubRecorder
	clock  *clockwork.FakeClock
	db     *store.Store
	inv    *inventory.Store
	ctx    context.Context
}

func newRig(t *testing.T) *testRig {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "canmaster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lb := bus.NewLoopback()
	t.Cleanup(func() { lb.Close() })

	hub := &hubRecorder{}
	inv := inventory.NewStore()
	clock := clockwork.NewFakeClock()

	masterID, err := canwire.ParseNodeID("01000001")
	require.NoError(t, err)

	e, err := New(Config{
		Log:       slog.New(slog.DiscardHandler),
		Bus:       lb,
		Inventory: inv,
		DB:        db,
		Registry:  defs.NewRegistry([]defs.Definition{{IDDec: 0x780, Name: "NODE_INTRO"}}),
		Hub:       hub,
		Clock:     clock,
		MasterID:  masterID,
	})
	require.NoError(t, err)

	return &testRig{engine: e, bus: lb, hub: hub, clock: clock, db: db, inv: inv, ctx: context.Background()}
}

func frame(id uint32, data ...byte) canwire.Frame {
	f := canwire.Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func nodeIntro(crcHi, crcLo byte) canwire.Frame {
	return frame(0x780, 0x19, 0, 0, 0x19, 0x02, crcHi, crcLo, 0)
}

func (r *testRig) interviewBothSubModules(t *testing.T) {
	t.Helper()
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x00, 0xAA, 0xBB, 0xCC))
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x80, 0x02, 0x10, 0x88))
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x01, 0x01, 0x02, 0x03))
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x81, 0x03, 0x00, 0x04))
	r.bus.DrainSent()
}

func TestFirstContact(t *testing.T) {
	r := newRig(t)

	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))

	n, ok := r.inv.Get("19000019")
	require.True(t, ok)
	require.Equal(t, uint8(2), n.SubModCnt)
	require.NotNil(t, n.ConfigCRC)
	require.Equal(t, uint16(0x0012), *n.ConfigCRC)
	require.Equal(t, n.FirstSeen, n.LastSeen)
	require.False(t, n.IntroComplete)

	sent := r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.ReqAckIntroID, sent[0].ID)
	require.Equal(t, []byte{0x19, 0, 0, 0x19}, sent[0].Data[:4])
}

func TestSubModulePhases(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.bus.DrainSent()

	// Phase A then phase B for sub-module 0.
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x00, 0xAA, 0xBB, 0xCC))
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x80, 0x02, 0x10, 0x88))

	n, _ := r.inv.Get("19000019")
	sm := n.SubModules[0]
	require.NotNil(t, sm)
	require.Equal(t, [3]byte{0xAA, 0xBB, 0xCC}, sm.RawConfig)
	require.Equal(t, uint16(0x0210), sm.DataMsgID)
	require.Equal(t, uint8(8), sm.DataMsgDlc)
	require.True(t, sm.SaveState)
	require.True(t, sm.Interviewed())
	require.Equal(t, uint8(0), n.LastSubModIdx)

	// Each sub-intro warrants an ACK.
	sent := r.bus.DrainSent()
	require.Len(t, sent, 2)
	for _, f := range sent {
		require.Equal(t, canwire.ReqAckIntroID, f.ID)
	}
}

func TestPhaseReceiptIsIdempotent(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x00, 0xAA, 0xBB, 0xCC))

	// A second phase A with different bytes must not overwrite.
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x00, 0x01, 0x02, 0x03))

	n, _ := r.inv.Get("19000019")
	require.Equal(t, [3]byte{0xAA, 0xBB, 0xCC}, n.SubModules[0].RawConfig)

	// Fully interviewed sub-modules drop re-receipts without an ACK.
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x80, 0x02, 0x10, 0x88))
	r.bus.DrainSent()
	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x00, 0x01, 0x02, 0x03))
	require.Empty(t, r.bus.DrainSent())
	require.Equal(t, [3]byte{0xAA, 0xBB, 0xCC}, n.SubModules[0].RawConfig)
}

func TestCompletionStopsAck(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)

	// The node repeats its intro once everything is interviewed.
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))

	n, _ := r.inv.Get("19000019")
	require.True(t, n.IntroComplete)
	require.Empty(t, r.bus.DrainSent())
}

func TestCRCDriftArchivesPriorState(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))

	r.clock.Advance(time.Second)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x99))

	n, _ := r.inv.Get("19000019")
	require.Equal(t, uint16(0x0099), *n.ConfigCRC)

	hist, err := r.db.History("19000019")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, uint16(0x0012), *hist[0].ConfigCRC)
	require.Less(t, hist[0].RecordedAt, n.LastSeen)

	var archived map[uint8]*inventory.SubModule
	require.NoError(t, json.Unmarshal([]byte(hist[0].FullData), &archived))
	require.Len(t, archived, 2)
	require.Equal(t, [3]byte{0xAA, 0xBB, 0xCC}, archived[0].RawConfig)

	// A repeat with the same CRC must not add another row.
	r.clock.Advance(time.Second)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x99))
	hist, err = r.db.History("19000019")
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestFirstIntroNeverArchives(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))

	count, err := r.db.HistoryCount("19000019")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSubIntroForUnknownNodeDropped(t *testing.T) {
	r := newRig(t)

	r.engine.handleFrame(r.ctx, frame(0x700, 0x19, 0, 0, 0x19, 0x00, 0xAA, 0xBB, 0xCC))

	require.Zero(t, r.inv.Len())
	require.Empty(t, r.bus.DrainSent())
}

func TestShortIntroDropped(t *testing.T) {
	r := newRig(t)

	r.engine.handleFrame(r.ctx, frame(0x780, 0x19, 0, 0))

	require.Zero(t, r.inv.Len())
	require.Empty(t, r.bus.DrainSent())
}

func TestLiveFrameBroadcast(t *testing.T) {
	r := newRig(t)

	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.engine.handleFrame(r.ctx, frame(0x234, 0x01, 0x02))

	var live []gateway.CANMessage
	for _, m := range r.hub.msgs {
		if m.msgType == gateway.MsgCANMessage {
			live = append(live, m.payload.(gateway.CANMessage))
		}
	}
	require.Len(t, live, 2)
	require.Equal(t, "NODE_INTRO", live[0].Name)
	require.Equal(t, "UNKNOWN", live[1].Name)
	require.Equal(t, uint32(0x234), live[1].ID)
}

func submoduleUpdate() gateway.UpdateNodeConfig {
	return gateway.UpdateNodeConfig{
		NodeID:       "19000019",
		ConfigTarget: gateway.TargetSubModule,
		SubModIdx:    0,
		IntroMsgID:   0x700,
		DataMsgID:    0x0210,
		DataMsgDlc:   8,
		RawConfig:    [3]byte{0xAA, 0xBB, 0xCC},
	}
}

func TestConfigUpdateNoOp(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)
	from := &replierRecorder{}

	r.engine.applyConfigUpdate(r.ctx, from, submoduleUpdate())

	require.Empty(t, r.bus.DrainSent())
	require.Empty(t, from.msgs)
	audit, err := r.db.RecentAudit(20)
	require.NoError(t, err)
	require.Empty(t, audit)
}

func TestConfigUpdateChange(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)
	histBefore, err := r.db.HistoryCount("19000019")
	require.NoError(t, err)
	from := &replierRecorder{}

	update := submoduleUpdate()
	update.DataMsgID = 0x0211
	r.engine.applyConfigUpdate(r.ctx, from, update)

	sent := r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.CfgSubDataMsgID, sent[0].ID)
	require.Equal(t, []byte{0x19, 0, 0, 0x19}, sent[0].Data[:4])
	require.Equal(t, byte(0), sent[0].Data[4])
	require.Equal(t, byte(0x02), sent[0].Data[5])
	require.Equal(t, byte(0x11), sent[0].Data[6])
	require.Equal(t, byte(8), sent[0].Data[7])

	n, _ := r.inv.Get("19000019")
	require.Equal(t, uint16(0x0211), n.SubModules[0].DataMsgID)

	audit, err := r.db.RecentAudit(20)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, "dataMsgId", audit[0].Field)
	require.NotNil(t, audit[0].SubIdx)
	require.Equal(t, uint8(0), *audit[0].SubIdx)

	histAfter, err := r.db.HistoryCount("19000019")
	require.NoError(t, err)
	require.Equal(t, histBefore+1, histAfter)

	require.Len(t, from.msgs, 1)
	require.Equal(t, gateway.MsgUpdateAck, from.msgs[0].msgType)
	ack := from.msgs[0].payload.(gateway.UpdateAck)
	require.True(t, ack.Success)
	require.Equal(t, "19000019", ack.NodeID)

	require.Equal(t, 1, r.hub.count(gateway.MsgAuditLogUpdate))
}

func TestConfigUpdateRawConfig(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)

	update := submoduleUpdate()
	update.RawConfig = [3]byte{0x01, 0x02, 0x03}
	r.engine.applyConfigUpdate(r.ctx, &replierRecorder{}, update)

	sent := r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.CfgSubRawDataID, sent[0].ID)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, sent[0].Data[5:8])
}

func TestConfigUpdateParent(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.bus.DrainSent()
	from := &replierRecorder{}

	r.engine.applyConfigUpdate(r.ctx, from, gateway.UpdateNodeConfig{
		NodeID:       "19000019",
		ConfigTarget: gateway.TargetParent,
		NodeTypeMsg:  0x781,
		NodeTypeDlc:  8,
		SubModCnt:    3,
	})

	// Parent edits change bookkeeping only; nothing goes on the bus.
	require.Empty(t, r.bus.DrainSent())

	n, _ := r.inv.Get("19000019")
	require.Equal(t, uint32(0x781), n.NodeTypeMsg)
	require.Equal(t, uint8(3), n.SubModCnt)

	audit, err := r.db.RecentAudit(20)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Len(t, from.msgs, 1)
}

func TestConfigUpdateUnknownNode(t *testing.T) {
	r := newRig(t)
	from := &replierRecorder{}

	r.engine.applyConfigUpdate(r.ctx, from, submoduleUpdate())

	require.Empty(t, r.bus.DrainSent())
	require.Empty(t, from.msgs)
}

func TestConfigUpdateUninterviewedSubModule(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.bus.DrainSent()
	from := &replierRecorder{}

	update := submoduleUpdate()
	update.SubModIdx = 5
	r.engine.applyConfigUpdate(r.ctx, from, update)

	require.Empty(t, r.bus.DrainSent())
	require.Empty(t, from.msgs)
}

func TestInterviewReset(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.bus.DrainSent()

	require.True(t, r.engine.resetInterview(r.ctx, "19000019"))

	n, _ := r.inv.Get("19000019")
	require.Empty(t, n.SubModules)
	require.Equal(t, uint8(0), n.LastSubModIdx)
	require.False(t, n.IntroComplete)

	sent := r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.ReqNodeIntroID, sent[0].ID)
	require.Equal(t, []byte{0x19, 0, 0, 0x19}, sent[0].Data[:4])

	require.False(t, r.engine.resetInterview(r.ctx, "deadbeef"))
}

func TestHousekeeping(t *testing.T) {
	r := newRig(t)

	// Both timers fire on the first pass after start-up.
	r.engine.housekeeping(r.ctx)
	sent := r.bus.DrainSent()
	require.Len(t, sent, 2)
	require.Equal(t, canwire.ReqNodeIntroID, sent[0].ID)
	require.Equal(t, []byte{0x01, 0, 0, 0x01}, sent[0].Data[:4])
	require.Equal(t, canwire.DataEpochID, sent[1].ID)

	// Nothing new inside the interval.
	r.clock.Advance(5 * time.Second)
	r.engine.housekeeping(r.ctx)
	require.Empty(t, r.bus.DrainSent())

	// Epoch broadcast resumes after its 10 s interval.
	r.clock.Advance(6 * time.Second)
	r.engine.housekeeping(r.ctx)
	sent = r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.DataEpochID, sent[0].ID)

	// Intro request resumes after its 30 min interval.
	r.clock.Advance(31 * time.Minute)
	r.engine.housekeeping(r.ctx)
	sent = r.bus.DrainSent()
	require.Len(t, sent, 2)
	require.Equal(t, canwire.ReqNodeIntroID, sent[0].ID)
}

func TestSaveToBus(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.bus.DrainSent()

	r.engine.saveToBus(r.ctx, "19000019")

	sent := r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.CfgSaveStateID, sent[0].ID)
	require.Equal(t, []byte{0x19, 0, 0, 0x19}, sent[0].Data[:4])

	r.engine.saveToBus(r.ctx, "deadbeef")
	require.Empty(t, r.bus.DrainSent())
}

func TestEraseNodeKeepsHistory(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.clock.Advance(time.Second)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x99))

	r.engine.eraseNode("19000019")

	require.Zero(t, r.inv.Len())
	loaded, err := r.db.LoadInventory()
	require.NoError(t, err)
	require.Empty(t, loaded)
	count, err := r.db.HistoryCount("19000019")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWarmStart(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)

	fresh := inventory.NewStore()
	e2, err := New(Config{
		Log:       slog.New(slog.DiscardHandler),
		Bus:       r.bus,
		Inventory: fresh,
		DB:        r.db,
		Registry:  defs.NewRegistry(nil),
		Hub:       &hubRecorder{},
		Clock:     r.clock,
	})
	require.NoError(t, err)
	require.NoError(t, e2.WarmStart())

	n, ok := fresh.Get("19000019")
	require.True(t, ok)
	require.Len(t, n.SubModules, 2)
	require.Equal(t, uint16(0x0210), n.SubModules[0].DataMsgID)
}

func TestHandleRequestDispatch(t *testing.T) {
	r := newRig(t)
	r.engine.handleFrame(r.ctx, nodeIntro(0x00, 0x12))
	r.interviewBothSubModules(t)
	from := &replierRecorder{}

	env := func(msgType string, payload any) gateway.Request {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		return gateway.Request{Client: from, Env: gateway.Envelope{Type: msgType, Payload: raw}}
	}

	// Connect pushes definitions, inventory, and audit.
	r.engine.handleRequest(r.ctx, gateway.Request{Client: from, Env: gateway.Envelope{Type: gateway.MsgClientConnected}})
	require.Len(t, from.msgs, 3)
	require.Equal(t, gateway.MsgDefinitionsList, from.msgs[0].msgType)
	require.Equal(t, gateway.MsgDatabaseUpdate, from.msgs[1].msgType)
	require.Equal(t, gateway.MsgAuditLogUpdate, from.msgs[2].msgType)
	from.msgs = nil

	update := submoduleUpdate()
	update.DataMsgID = 0x0300
	r.engine.handleRequest(r.ctx, env(gateway.MsgUpdateNodeConfig, update))
	require.Len(t, from.msgs, 1)
	require.Equal(t, gateway.MsgUpdateAck, from.msgs[0].msgType)

	audit, err := r.db.RecentAudit(1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	r.engine.handleRequest(r.ctx, env(gateway.MsgSaveAuditComment, gateway.SaveAuditComment{
		AuditID: audit[0].ID,
		Comment: "bench swap",
	}))
	audit, err = r.db.RecentAudit(1)
	require.NoError(t, err)
	require.NotNil(t, audit[0].Comment)
	require.Equal(t, "bench swap", *audit[0].Comment)

	from.msgs = nil
	r.engine.handleRequest(r.ctx, env(gateway.MsgGetDefinitions, struct{}{}))
	require.Len(t, from.msgs, 1)
	require.Equal(t, gateway.MsgDefinitionsList, from.msgs[0].msgType)

	r.bus.DrainSent()
	r.engine.handleRequest(r.ctx, env(gateway.MsgRequestInterview, gateway.RequestInterview{NodeID: "19000019"}))
	sent := r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.ReqNodeIntroID, sent[0].ID)

	r.engine.handleRequest(r.ctx, env(gateway.MsgSaveToBus, gateway.SaveToBus{NodeID: "19000019"}))
	sent = r.bus.DrainSent()
	require.Len(t, sent, 1)
	require.Equal(t, canwire.CfgSaveStateID, sent[0].ID)

	r.engine.handleRequest(r.ctx, env(gateway.MsgEraseNode, gateway.EraseNode{NodeID: "19000019"}))
	require.Zero(t, r.inv.Len())
}
