// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package engine

import (
	"context"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
)

// handleNodeIntro processes one frame from the node-intro range:
// create-or-refresh the node, detect CRC drift, and decide whether to
// keep soliciting sub-modules.
func (e *Engine) handleNodeIntro(ctx context.Context, f canwire.Frame) {
	nodeID, err := canwire.DecodeNodeID(f.Payload())
	if err != nil {
		e.metrics.framesDropped.Inc()
		e.log.Debug("dropping short node intro", "frame", f.String())
		return
	}

	now := e.clock.Now().UnixMilli()
	n, created := e.inv.GetOrCreate(nodeID.Hex(), now)
	if created {
		e.log.Info("node discovered", "node", n.NodeID, "id", f.ID)
	}
	incoming := canwire.AssembleBE16(f.Data[5], f.Data[6])

	// A known node reporting a different CRC has been reconfigured
	// behind our back; archive the state we are about to overwrite.
	// recorded_at is the old lastSeen, which precedes this frame.
	drift := !created && n.ConfigCRC != nil && *n.ConfigCRC != incoming
	var prior *inventory.Node
	if drift {
		prior = n.Clone()
		e.metrics.crcDrift.Inc()
		e.log.Info("config crc drift",
			"node", n.NodeID,
			"old", *n.ConfigCRC,
			"new", incoming)
	}

	n.NodeTypeMsg = f.ID
	n.NodeTypeDlc = canwire.PayloadSize
	n.SubModCnt = f.Data[4]
	crc := incoming
	n.ConfigCRC = &crc
	n.LastSeen = now

	complete := int(n.LastSubModIdx) >= int(n.SubModCnt)-1
	if complete && !n.IntroComplete {
		n.IntroComplete = true
		e.metrics.interviewsDone.Inc()
		e.log.Info("interview complete", "node", n.NodeID, "subModCnt", n.SubModCnt)
	}

	switch {
	case drift:
		if err := e.db.ArchiveAndUpsert(prior, prior.LastSeen, n); err != nil {
			e.metrics.persistErrors.Inc()
			e.log.Error("archive drift snapshot", "node", n.NodeID, "error", err)
		} else {
			e.broadcastInventory()
		}
	case complete:
		if err := e.db.UpsertNode(n); err != nil {
			e.metrics.persistErrors.Inc()
			e.log.Error("persist node", "node", n.NodeID, "error", err)
		} else {
			e.broadcastInventory()
		}
	}

	if !complete {
		e.ackIntro(ctx, nodeID)
	}
}

// handleSubModIntro processes one frame from the sub-module intro
// range. The two phases may arrive in either order; a phase that has
// already completed is not reapplied.
func (e *Engine) handleSubModIntro(ctx context.Context, f canwire.Frame) {
	nodeID, err := canwire.DecodeNodeID(f.Payload())
	if err != nil {
		e.metrics.framesDropped.Inc()
		e.log.Debug("dropping short sub-module intro", "frame", f.String())
		return
	}

	n, ok := e.inv.Get(nodeID.Hex())
	if !ok {
		e.metrics.framesDropped.Inc()
		e.log.Debug("sub-module intro for unknown node", "node", nodeID.Hex())
		return
	}

	tag := f.Data[4]
	workingIdx := tag & canwire.SubModIdxMask
	isPartB := tag&canwire.SubModPhaseB != 0

	if workingIdx >= canwire.MaxSubModules {
		e.metrics.framesDropped.Inc()
		e.log.Warn("sub-module index out of range", "node", n.NodeID, "idx", workingIdx)
		return
	}

	if sm, exists := n.SubModules[workingIdx]; exists && sm.Interviewed() {
		// Idempotent re-receipt of a fully interviewed sub-module.
		return
	}

	sm := n.EnsureSubModule(workingIdx)
	sm.IntroMsgID = f.ID
	sm.IntroMsgDlc = canwire.PayloadSize

	now := e.clock.Now().UnixMilli()
	switch {
	case !isPartB && !sm.PartAComplete:
		sm.LastSeen = now
		copy(sm.RawConfig[:], f.Data[5:8])
		sm.PartAComplete = true
	case isPartB && !sm.PartBComplete:
		sm.LastSeen = now
		sm.DataMsgID = canwire.AssembleBE16(f.Data[5], f.Data[6])
		dlc, saveState := canwire.UnpackByteSeven(f.Data[7])
		sm.DataMsgDlc = dlc
		sm.SaveState = saveState
		sm.PartBComplete = true
	}

	if sm.Interviewed() {
		n.LastSubModIdx = workingIdx
		e.log.Debug("sub-module interviewed",
			"node", n.NodeID,
			"idx", workingIdx,
			"dataMsgId", sm.DataMsgID)
		if err := e.db.UpsertNode(n); err != nil {
			e.metrics.persistErrors.Inc()
			e.log.Error("persist node", "node", n.NodeID, "error", err)
		} else {
			e.broadcastInventory()
		}
	}

	e.ackIntro(ctx, nodeID)
}

// ackIntro solicits the node's next interview frame.
func (e *Engine) ackIntro(ctx context.Context, nodeID canwire.NodeID) {
	f := canwire.Frame{ID: canwire.ReqAckIntroID, Len: canwire.PayloadSize}
	copy(f.Data[:], nodeID.Bytes())
	e.send(ctx, f)
}

// resetInterview clears a node's interview progress and asks it to
// introduce itself again.
func (e *Engine) resetInterview(ctx context.Context, nodeID string) bool {
	if !e.inv.ResetInterview(nodeID) {
		e.log.Warn("interview reset for unknown node", "node", nodeID)
		return false
	}
	n, _ := e.inv.Get(nodeID)
	if err := e.db.UpsertNode(n); err != nil {
		e.metrics.persistErrors.Inc()
		e.log.Error("persist reset node", "node", nodeID, "error", err)
	}
	e.broadcastInventory()

	id, err := canwire.ParseNodeID(nodeID)
	if err != nil {
		e.log.Warn("unparseable node id on reset", "node", nodeID, "error", err)
		return false
	}
	f := canwire.Frame{ID: canwire.ReqNodeIntroID, Len: canwire.PayloadSize}
	copy(f.Data[:], id.Bytes())
	e.send(ctx, f)
	return true
}
