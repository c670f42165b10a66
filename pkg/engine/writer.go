// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package engine

import (
	"context"
	"encoding/json"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
	"github.com/jmorgan-eng/canmaster/pkg/gateway"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

// handleRequest dispatches one operator message on the engine task.
func (e *Engine) handleRequest(ctx context.Context, req gateway.Request) {
	switch req.Env.Type {
	case gateway.MsgClientConnected:
		e.sendInitialState(req.Client)
	case gateway.MsgUpdateNodeConfig:
		var update gateway.UpdateNodeConfig
		if err := json.Unmarshal(req.Env.Payload, &update); err != nil {
			e.log.Warn("malformed config update", "error", err)
			return
		}
		e.applyConfigUpdate(ctx, req.Client, update)
	case gateway.MsgRequestInterview:
		var r gateway.RequestInterview
		if err := json.Unmarshal(req.Env.Payload, &r); err != nil {
			e.log.Warn("malformed interview request", "error", err)
			return
		}
		e.resetInterview(ctx, r.NodeID)
	case gateway.MsgSaveAuditComment:
		var c gateway.SaveAuditComment
		if err := json.Unmarshal(req.Env.Payload, &c); err != nil {
			e.log.Warn("malformed audit comment", "error", err)
			return
		}
		if err := e.db.UpsertComment(c.AuditID, c.Comment); err != nil {
			e.metrics.persistErrors.Inc()
			e.log.Error("save audit comment", "auditId", c.AuditID, "error", err)
			return
		}
		e.broadcastAudit()
	case gateway.MsgGetDefinitions:
		if req.Client != nil {
			req.Client.SendMessage(gateway.MsgDefinitionsList, e.reg.All())
		}
	case gateway.MsgSaveToBus:
		var s gateway.SaveToBus
		if err := json.Unmarshal(req.Env.Payload, &s); err != nil {
			e.log.Warn("malformed save-to-bus request", "error", err)
			return
		}
		e.saveToBus(ctx, s.NodeID)
	case gateway.MsgEraseNode:
		var er gateway.EraseNode
		if err := json.Unmarshal(req.Env.Payload, &er); err != nil {
			e.log.Warn("malformed erase request", "error", err)
			return
		}
		e.eraseNode(er.NodeID)
	default:
		e.log.Warn("unknown operator message", "type", req.Env.Type)
	}
}

// sendInitialState pushes the state set a freshly connected operator
// needs to render.
func (e *Engine) sendInitialState(c gateway.Replier) {
	if c == nil {
		return
	}
	c.SendMessage(gateway.MsgDefinitionsList, e.reg.All())
	c.SendMessage(gateway.MsgDatabaseUpdate, e.inv.SnapshotAll())
	rows, err := e.db.RecentAudit(auditWindow)
	if err != nil {
		e.log.Error("load audit log", "error", err)
		return
	}
	c.SendMessage(gateway.MsgAuditLogUpdate, rows)
}

// fieldChange is one pending audit row plus its in-memory apply step.
type fieldChange struct {
	field  string
	subIdx *uint8
	old    any
	new    any
	apply  func()
}

// applyConfigUpdate diffs an operator edit against the inventory,
// emits the resulting config frames, applies the diff, and records it.
// An edit that changes nothing does nothing at all.
func (e *Engine) applyConfigUpdate(ctx context.Context, from gateway.Replier, update gateway.UpdateNodeConfig) {
	n, ok := e.inv.Get(update.NodeID)
	if !ok {
		e.log.Warn("config update for unknown node", "node", update.NodeID)
		return
	}

	var changes []fieldChange
	var frames []canwire.Frame
	ackIdx := update.SubModIdx

	switch update.ConfigTarget {
	case gateway.TargetParent:
		ackIdx = 0
		if n.NodeTypeMsg != update.NodeTypeMsg {
			changes = append(changes, fieldChange{
				field: "nodeTypeMsg", old: n.NodeTypeMsg, new: update.NodeTypeMsg,
				apply: func() { n.NodeTypeMsg = update.NodeTypeMsg },
			})
		}
		if n.NodeTypeDlc != update.NodeTypeDlc {
			changes = append(changes, fieldChange{
				field: "nodeTypeDlc", old: n.NodeTypeDlc, new: update.NodeTypeDlc,
				apply: func() { n.NodeTypeDlc = update.NodeTypeDlc },
			})
		}
		if n.SubModCnt != update.SubModCnt {
			changes = append(changes, fieldChange{
				field: "subModCnt", old: n.SubModCnt, new: update.SubModCnt,
				apply: func() { n.SubModCnt = update.SubModCnt },
			})
		}

	case gateway.TargetSubModule:
		if update.SubModIdx >= canwire.MaxSubModules {
			e.log.Warn("config update with bad sub-module index",
				"node", update.NodeID, "idx", update.SubModIdx)
			return
		}
		sm, exists := n.SubModules[update.SubModIdx]
		if !exists {
			e.log.Warn("config update for uninterviewed sub-module",
				"node", update.NodeID, "idx", update.SubModIdx)
			return
		}
		idx := update.SubModIdx
		nodeID, err := canwire.ParseNodeID(n.NodeID)
		if err != nil {
			e.log.Error("stored node id unparseable", "node", n.NodeID, "error", err)
			return
		}

		if sm.IntroMsgID != update.IntroMsgID {
			changes = append(changes, fieldChange{
				field: "introMsgId", subIdx: &idx, old: sm.IntroMsgID, new: update.IntroMsgID,
				apply: func() { sm.IntroMsgID = update.IntroMsgID },
			})
		}
		dataMsgChanged := sm.DataMsgID != update.DataMsgID || sm.DataMsgDlc != update.DataMsgDlc
		if sm.DataMsgID != update.DataMsgID {
			changes = append(changes, fieldChange{
				field: "dataMsgId", subIdx: &idx, old: sm.DataMsgID, new: update.DataMsgID,
				apply: func() { sm.DataMsgID = update.DataMsgID },
			})
		}
		if sm.DataMsgDlc != update.DataMsgDlc {
			changes = append(changes, fieldChange{
				field: "dataMsgDlc", subIdx: &idx, old: sm.DataMsgDlc, new: update.DataMsgDlc,
				apply: func() { sm.DataMsgDlc = update.DataMsgDlc },
			})
		}
		if sm.RawConfig != update.RawConfig {
			changes = append(changes, fieldChange{
				field: "rawConfig", subIdx: &idx, old: sm.RawConfig[:], new: update.RawConfig[:],
				apply: func() { sm.RawConfig = update.RawConfig },
			})
		}

		if dataMsgChanged {
			f := canwire.Frame{ID: canwire.CfgSubDataMsgID, Len: canwire.PayloadSize}
			copy(f.Data[:], nodeID.Bytes())
			f.Data[4] = idx
			f.Data[5] = byte(update.DataMsgID >> 8)
			f.Data[6] = byte(update.DataMsgID)
			f.Data[7] = update.DataMsgDlc
			frames = append(frames, f)
		}
		if sm.RawConfig != update.RawConfig {
			f := canwire.Frame{ID: canwire.CfgSubRawDataID, Len: canwire.PayloadSize}
			copy(f.Data[:], nodeID.Bytes())
			f.Data[4] = idx
			copy(f.Data[5:8], update.RawConfig[:])
			frames = append(frames, f)
		}

	default:
		e.log.Warn("config update with unknown target",
			"node", update.NodeID, "target", update.ConfigTarget)
		return
	}

	if len(changes) == 0 {
		return
	}

	for _, f := range frames {
		e.send(ctx, f)
	}

	now := e.clock.Now().UnixMilli()
	entries := make([]store.AuditEntry, 0, len(changes))
	for _, ch := range changes {
		entries = append(entries, store.AuditEntry{
			Ts:       now,
			NodeID:   n.NodeID,
			SubIdx:   ch.subIdx,
			Field:    ch.field,
			OldValue: jsonValue(ch.old),
			NewValue: jsonValue(ch.new),
		})
		ch.apply()
	}
	n.LastSeen = now

	if _, err := e.db.CommitUpdate(n, now, entries); err != nil {
		e.metrics.persistErrors.Inc()
		e.log.Error("persist config update", "node", n.NodeID, "error", err)
		return
	}
	e.metrics.operatorUpdates.Inc()

	if from != nil {
		from.SendMessage(gateway.MsgUpdateAck, gateway.UpdateAck{
			NodeID:    n.NodeID,
			SubModIdx: ackIdx,
			Success:   true,
		})
	}
	e.broadcastAudit()
	e.broadcastInventory()
}

// saveToBus asks a node to commit its running configuration to its own
// non-volatile storage.
func (e *Engine) saveToBus(ctx context.Context, nodeID string) {
	n, ok := e.inv.Get(nodeID)
	if !ok {
		e.log.Warn("save-to-bus for unknown node", "node", nodeID)
		return
	}
	id, err := canwire.ParseNodeID(n.NodeID)
	if err != nil {
		e.log.Error("stored node id unparseable", "node", n.NodeID, "error", err)
		return
	}
	f := canwire.Frame{ID: canwire.CfgSaveStateID, Len: canwire.PayloadSize}
	copy(f.Data[:], id.Bytes())
	e.send(ctx, f)
}

// eraseNode removes a node from the inventory and its persisted row.
// History rows stay behind as the only record it existed.
func (e *Engine) eraseNode(nodeID string) {
	if !e.inv.Delete(nodeID) {
		e.log.Warn("erase for unknown node", "node", nodeID)
		return
	}
	if err := e.db.DeleteNode(nodeID); err != nil {
		e.metrics.persistErrors.Inc()
		e.log.Error("delete node row", "node", nodeID, "error", err)
	}
	e.log.Info("node erased", "node", nodeID)
	e.broadcastInventory()
}
