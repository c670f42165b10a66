// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

// Package store persists the inventory, its history, the operator audit
// trail, and the message definition mirror in a single sqlite file. The
// handle is owned by the engine task; every method is a short blocking
// call and multi-table writes run inside one transaction.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jmorgan-eng/canmaster/pkg/defs"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
)

const schema = `
CREATE TABLE IF NOT EXISTS node_inventory (
	node_id          TEXT PRIMARY KEY,
	node_type_msg    INTEGER NOT NULL,
	node_type_dlc    INTEGER NOT NULL,
	sub_mod_cnt      INTEGER NOT NULL,
	config_crc       INTEGER,
	first_seen       INTEGER NOT NULL,
	last_seen        INTEGER NOT NULL,
	last_sub_mod_idx INTEGER NOT NULL,
	intro_complete   INTEGER NOT NULL,
	sub_modules      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS node_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id       TEXT NOT NULL,
	node_type_msg INTEGER NOT NULL,
	sub_mod_cnt   INTEGER NOT NULL,
	config_crc    INTEGER,
	recorded_at   INTEGER NOT NULL,
	full_data     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        INTEGER NOT NULL,
	node_id   TEXT NOT NULL,
	sub_idx   INTEGER,
	field     TEXT NOT NULL,
	old_value TEXT NOT NULL,
	new_value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS config_comments (
	audit_id     INTEGER PRIMARY KEY,
	comment_text TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_definitions (
	id_dec      INTEGER PRIMARY KEY,
	id_hex      TEXT NOT NULL,
	name        TEXT NOT NULL,
	dlc         INTEGER NOT NULL,
	category    TEXT NOT NULL,
	description TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_node ON node_history(node_id, recorded_at);
`

// AuditEntry is one operator-initiated field change, optionally joined
// with its free-text comment.
type AuditEntry struct {
	ID       int64   `json:"id"`
	Ts       int64   `json:"ts"`
	NodeID   string  `json:"nodeId"`
	SubIdx   *uint8  `json:"subIdx"`
	Field    string  `json:"field"`
	OldValue string  `json:"oldValue"`
	NewValue string  `json:"newValue"`
	Comment  *string `json:"comment"`
}

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The handle is used from a single task; a second connection would
	// only invite SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func crcValue(n *inventory.Node) any {
	if n.ConfigCRC == nil {
		return nil
	}
	return int64(*n.ConfigCRC)
}

func upsertNodeTx(tx *sql.Tx, n *inventory.Node) error {
	subs, err := json.Marshal(n.SubModules)
	if err != nil {
		return fmt.Errorf("store: marshal sub-modules: %w", err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO node_inventory
		(node_id, node_type_msg, node_type_dlc, sub_mod_cnt, config_crc,
		 first_seen, last_seen, last_sub_mod_idx, intro_complete, sub_modules)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.NodeID, n.NodeTypeMsg, n.NodeTypeDlc, n.SubModCnt, crcValue(n),
		n.FirstSeen, n.LastSeen, n.LastSubModIdx, n.IntroComplete, string(subs))
	if err != nil {
		return fmt.Errorf("store: upsert node %s: %w", n.NodeID, err)
	}
	return nil
}

func insertHistoryTx(tx *sql.Tx, n *inventory.Node, recordedAt int64) error {
	full, err := json.Marshal(n.SubModules)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO node_history
		(node_id, node_type_msg, sub_mod_cnt, config_crc, recorded_at, full_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.NodeID, n.NodeTypeMsg, n.SubModCnt, crcValue(n), recordedAt, string(full))
	if err != nil {
		return fmt.Errorf("store: insert history for %s: %w", n.NodeID, err)
	}
	return nil
}

func (s *Store) withTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UpsertNode mirrors the in-memory node into node_inventory.
func (s *Store) UpsertNode(n *inventory.Node) error {
	return s.withTx(func(tx *sql.Tx) error {
		return upsertNodeTx(tx, n)
	})
}

// ArchiveAndUpsert inserts a history snapshot of prior and upserts
// current in one transaction. Used on CRC drift: prior carries the
// about-to-be-overwritten state, recordedAt its last observation time.
func (s *Store) ArchiveAndUpsert(prior *inventory.Node, recordedAt int64, current *inventory.Node) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := insertHistoryTx(tx, prior, recordedAt); err != nil {
			return err
		}
		return upsertNodeTx(tx, current)
	})
}

// CommitUpdate records an operator edit: audit rows, the refreshed
// inventory row, and a history snapshot of the post-write state, all in
// one transaction. Returns the assigned audit ids in entry order.
func (s *Store) CommitUpdate(n *inventory.Node, recordedAt int64, entries []AuditEntry) ([]int64, error) {
	ids := make([]int64, 0, len(entries))
	err := s.withTx(func(tx *sql.Tx) error {
		for _, e := range entries {
			var subIdx any
			if e.SubIdx != nil {
				subIdx = int64(*e.SubIdx)
			}
			res, err := tx.Exec(`INSERT INTO audit_log
				(ts, node_id, sub_idx, field, old_value, new_value)
				VALUES (?, ?, ?, ?, ?, ?)`,
				e.Ts, e.NodeID, subIdx, e.Field, e.OldValue, e.NewValue)
			if err != nil {
				return fmt.Errorf("store: insert audit: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("store: audit id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := upsertNodeTx(tx, n); err != nil {
			return err
		}
		return insertHistoryTx(tx, n, recordedAt)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpsertComment attaches free text to an audit row.
func (s *Store) UpsertComment(auditID int64, text string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO config_comments (audit_id, comment_text) VALUES (?, ?)`,
		auditID, text)
	if err != nil {
		return fmt.Errorf("store: upsert comment %d: %w", auditID, err)
	}
	return nil
}

// RecentAudit returns the newest limit audit rows joined with comments,
// newest first.
func (s *Store) RecentAudit(limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(`SELECT a.id, a.ts, a.node_id, a.sub_idx, a.field,
			a.old_value, a.new_value, c.comment_text
		FROM audit_log a
		LEFT JOIN config_comments c ON c.audit_id = a.id
		ORDER BY a.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var subIdx sql.NullInt64
		var comment sql.NullString
		if err := rows.Scan(&e.ID, &e.Ts, &e.NodeID, &subIdx, &e.Field,
			&e.OldValue, &e.NewValue, &comment); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		if subIdx.Valid {
			v := uint8(subIdx.Int64)
			e.SubIdx = &v
		}
		if comment.Valid {
			e.Comment = &comment.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteNode removes a node's inventory row. History stays.
func (s *Store) DeleteNode(nodeID string) error {
	_, err := s.db.Exec(`DELETE FROM node_inventory WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("store: delete node %s: %w", nodeID, err)
	}
	return nil
}

// ReplaceDefinitions mirrors the parsed CSV into message_definitions in
// a single transaction.
func (s *Store) ReplaceDefinitions(list []defs.Definition) error {
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO message_definitions
			(id_dec, id_hex, name, dlc, category, description)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare definitions: %w", err)
		}
		defer stmt.Close()
		for _, d := range list {
			if _, err := stmt.Exec(d.IDDec, d.IDHex, d.Name, d.Dlc, d.Category, d.Description); err != nil {
				return fmt.Errorf("store: insert definition 0x%X: %w", d.IDDec, err)
			}
		}
		return nil
	})
}

// LoadDefinitions reads the mirrored definition table back, ordered by
// id.
func (s *Store) LoadDefinitions() ([]defs.Definition, error) {
	rows, err := s.db.Query(`SELECT id_dec, id_hex, name, dlc, category, description
		FROM message_definitions ORDER BY id_dec`)
	if err != nil {
		return nil, fmt.Errorf("store: query definitions: %w", err)
	}
	defer rows.Close()

	var out []defs.Definition
	for rows.Next() {
		var d defs.Definition
		if err := rows.Scan(&d.IDDec, &d.IDHex, &d.Name, &d.Dlc, &d.Category, &d.Description); err != nil {
			return nil, fmt.Errorf("store: scan definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadInventory rehydrates every persisted node for a warm start.
func (s *Store) LoadInventory() ([]*inventory.Node, error) {
	rows, err := s.db.Query(`SELECT node_id, node_type_msg, node_type_dlc, sub_mod_cnt,
			config_crc, first_seen, last_seen, last_sub_mod_idx, intro_complete, sub_modules
		FROM node_inventory`)
	if err != nil {
		return nil, fmt.Errorf("store: query inventory: %w", err)
	}
	defer rows.Close()

	var out []*inventory.Node
	for rows.Next() {
		n := &inventory.Node{}
		var crc sql.NullInt64
		var subs string
		if err := rows.Scan(&n.NodeID, &n.NodeTypeMsg, &n.NodeTypeDlc, &n.SubModCnt,
			&crc, &n.FirstSeen, &n.LastSeen, &n.LastSubModIdx, &n.IntroComplete, &subs); err != nil {
			return nil, fmt.Errorf("store: scan inventory: %w", err)
		}
		if crc.Valid {
			v := uint16(crc.Int64)
			n.ConfigCRC = &v
		}
		if err := json.Unmarshal([]byte(subs), &n.SubModules); err != nil {
			return nil, fmt.Errorf("store: decode sub-modules for %s: %w", n.NodeID, err)
		}
		if n.SubModules == nil {
			n.SubModules = make(map[uint8]*inventory.SubModule)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// HistoryCount reports the number of history rows for a node.
func (s *Store) HistoryCount(nodeID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM node_history WHERE node_id = ?`, nodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count history: %w", err)
	}
	return n, nil
}

// HistoryRow is one archived node snapshot.
type HistoryRow struct {
	ID          int64   `json:"id"`
	NodeID      string  `json:"nodeId"`
	NodeTypeMsg uint32  `json:"nodeTypeMsg"`
	SubModCnt   uint8   `json:"subModCnt"`
	ConfigCRC   *uint16 `json:"configCrc"`
	RecordedAt  int64   `json:"recordedAt"`
	FullData    string  `json:"fullData"`
}

// History returns a node's snapshots, oldest first.
func (s *Store) History(nodeID string) ([]HistoryRow, error) {
	rows, err := s.db.Query(`SELECT id, node_id, node_type_msg, sub_mod_cnt,
			config_crc, recorded_at, full_data
		FROM node_history WHERE node_id = ? ORDER BY id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		var crc sql.NullInt64
		if err := rows.Scan(&h.ID, &h.NodeID, &h.NodeTypeMsg, &h.SubModCnt,
			&crc, &h.RecordedAt, &h.FullData); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		if crc.Valid {
			v := uint16(crc.Int64)
			h.ConfigCRC = &v
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
