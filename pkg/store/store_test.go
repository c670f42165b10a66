// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmorgan-eng/canmaster/pkg/defs"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "canmaster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode() *inventory.Node {
	crc := uint16(0x0012)
	return &inventory.Node{
		NodeID:        "19000019",
		NodeTypeMsg:   0x780,
		NodeTypeDlc:   8,
		SubModCnt:     2,
		ConfigCRC:     &crc,
		FirstSeen:     1000,
		LastSeen:      2000,
		LastSubModIdx: 1,
		IntroComplete: true,
		SubModules: map[uint8]*inventory.SubModule{
			0: {
				SubModIdx:     0,
				IntroMsgID:    0x700,
				IntroMsgDlc:   8,
				RawConfig:     [3]byte{0xAA, 0xBB, 0xCC},
				DataMsgID:     0x0210,
				DataMsgDlc:    8,
				SaveState:     true,
				PartAComplete: true,
				PartBComplete: true,
			},
		},
	}
}

func TestUpsertAndLoadInventory(t *testing.T) {
	s := openTestStore(t)
	n := testNode()

	require.NoError(t, s.UpsertNode(n))

	loaded, err := s.LoadInventory()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	require.Equal(t, "19000019", got.NodeID)
	require.Equal(t, uint32(0x780), got.NodeTypeMsg)
	require.Equal(t, uint8(2), got.SubModCnt)
	require.NotNil(t, got.ConfigCRC)
	require.Equal(t, uint16(0x0012), *got.ConfigCRC)
	require.True(t, got.IntroComplete)
	require.Len(t, got.SubModules, 1)
	require.Equal(t, n.SubModules[0], got.SubModules[0])

	// Upsert replaces, never duplicates.
	n.LastSeen = 3000
	require.NoError(t, s.UpsertNode(n))
	loaded, err = s.LoadInventory()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, int64(3000), loaded[0].LastSeen)
}

func TestUpsertNodeNilCRC(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	n.ConfigCRC = nil

	require.NoError(t, s.UpsertNode(n))

	loaded, err := s.LoadInventory()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Nil(t, loaded[0].ConfigCRC)
}

func TestArchiveAndUpsert(t *testing.T) {
	s := openTestStore(t)

	prior := testNode()
	current := testNode()
	crc := uint16(0x0099)
	current.ConfigCRC = &crc
	current.LastSeen = 5000

	require.NoError(t, s.ArchiveAndUpsert(prior, prior.LastSeen, current))

	hist, err := s.History("19000019")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.NotNil(t, hist[0].ConfigCRC)
	require.Equal(t, uint16(0x0012), *hist[0].ConfigCRC)
	require.Equal(t, int64(2000), hist[0].RecordedAt)

	var archived map[uint8]*inventory.SubModule
	require.NoError(t, json.Unmarshal([]byte(hist[0].FullData), &archived))
	require.Equal(t, prior.SubModules, archived)

	loaded, err := s.LoadInventory()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, uint16(0x0099), *loaded[0].ConfigCRC)
}

func TestCommitUpdateAndAudit(t *testing.T) {
	s := openTestStore(t)
	n := testNode()

	idx := uint8(0)
	ids, err := s.CommitUpdate(n, n.LastSeen, []AuditEntry{
		{Ts: 2000, NodeID: n.NodeID, SubIdx: &idx, Field: "dataMsgId", OldValue: "528", NewValue: "529"},
		{Ts: 2000, NodeID: n.NodeID, Field: "subModCnt", OldValue: "2", NewValue: "3"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	count, err := s.HistoryCount(n.NodeID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	audit, err := s.RecentAudit(20)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	// Newest first.
	require.Equal(t, "subModCnt", audit[0].Field)
	require.Nil(t, audit[0].SubIdx)
	require.Equal(t, "dataMsgId", audit[1].Field)
	require.NotNil(t, audit[1].SubIdx)
	require.Equal(t, uint8(0), *audit[1].SubIdx)
	require.Nil(t, audit[1].Comment)
}

func TestUpsertComment(t *testing.T) {
	s := openTestStore(t)
	n := testNode()

	ids, err := s.CommitUpdate(n, n.LastSeen, []AuditEntry{
		{Ts: 2000, NodeID: n.NodeID, Field: "dataMsgId", OldValue: "528", NewValue: "529"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, s.UpsertComment(ids[0], "field swap during bench test"))
	require.NoError(t, s.UpsertComment(ids[0], "corrected value"))

	audit, err := s.RecentAudit(20)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.NotNil(t, audit[0].Comment)
	require.Equal(t, "corrected value", *audit[0].Comment)
}

func TestDeleteNodeKeepsHistory(t *testing.T) {
	s := openTestStore(t)
	n := testNode()

	require.NoError(t, s.ArchiveAndUpsert(n, n.LastSeen, n))
	require.NoError(t, s.DeleteNode(n.NodeID))

	loaded, err := s.LoadInventory()
	require.NoError(t, err)
	require.Empty(t, loaded)

	count, err := s.HistoryCount(n.NodeID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestReplaceDefinitions(t *testing.T) {
	s := openTestStore(t)

	list := []defs.Definition{
		{IDDec: 0x780, IDHex: "0x780", Name: "NODE_INTRO", Dlc: 8, Category: "status"},
		{IDDec: 0x120, IDHex: "0x120", Name: "CFG_SUB_DATA_MSG", Dlc: 5, Category: "config"},
	}
	require.NoError(t, s.ReplaceDefinitions(list))

	got, err := s.LoadDefinitions()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint32(0x120), got[0].IDDec)
	require.Equal(t, "NODE_INTRO", got[1].Name)

	// Re-import replaces by id.
	list[0].Name = "NODE_INTRO_V2"
	require.NoError(t, s.ReplaceDefinitions(list[:1]))
	got, err = s.LoadDefinitions()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "NODE_INTRO_V2", got[1].Name)
}
