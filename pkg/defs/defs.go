// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

// Package defs holds the message definition registry: a read-mostly map
// from arbitration id to human-readable metadata, loaded once from a CSV
// export and mirrored into the message_definitions table.
package defs

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Definition describes one known arbitration id.
type Definition struct {
	IDDec       uint32 `json:"id_dec"`
	IDHex       string `json:"id_hex"`
	Name        string `json:"name"`
	Dlc         uint8  `json:"dlc"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// CSV geometry: six leading metadata/header rows, then rows with at least
// sixteen columns. Column positions are 1-based in the export tooling.
const (
	csvSkipRows    = 6
	csvMinColumns  = 16
	colCategory    = 0
	colIDHex       = 2
	colDlc         = 3
	colName        = 13
	colDescription = 14
	defaultDlc     = 8
)

// LoadCSV parses a definitions export. Malformed rows are skipped;
// unreadable rows and rows with unparseable hex ids are logged at debug.
// A partial result is not an error.
func LoadCSV(path string, log *slog.Logger) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("defs: open %s: %w", path, err)
	}
	defer f.Close()
	return parseCSV(f, log)
}

func parseCSV(r io.Reader, log *slog.Logger) ([]Definition, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var defs []Definition
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Debug("skipping unreadable csv row", "row", row, "error", err)
			row++
			continue
		}
		row++
		if row <= csvSkipRows {
			continue
		}
		if len(record) < csvMinColumns {
			continue
		}

		idHex := strings.TrimSpace(record[colIDHex])
		if !strings.HasPrefix(idHex, "0x") {
			continue
		}
		id, err := strconv.ParseUint(idHex[2:], 16, 32)
		if err != nil {
			log.Debug("skipping row with bad id", "row", row, "id", idHex, "error", err)
			continue
		}

		dlc := uint8(defaultDlc)
		if v, err := strconv.ParseUint(strings.TrimSpace(record[colDlc]), 10, 8); err == nil && v <= 8 {
			dlc = uint8(v)
		}

		defs = append(defs, Definition{
			IDDec:       uint32(id),
			IDHex:       idHex,
			Name:        strings.TrimSpace(record[colName]),
			Dlc:         dlc,
			Category:    strings.TrimSpace(record[colCategory]),
			Description: strings.TrimSpace(record[colDescription]),
		})
	}
	return defs, nil
}

// Registry is immutable after construction; readers never take a lock.
type Registry struct {
	byID map[uint32]Definition
	list []Definition
}

// NewRegistry builds a registry from a definition list. Later duplicates
// replace earlier ones, matching insert-or-replace persistence semantics.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{byID: make(map[uint32]Definition, len(defs))}
	for _, d := range defs {
		r.byID[d.IDDec] = d
	}
	r.list = make([]Definition, 0, len(r.byID))
	for _, d := range r.byID {
		r.list = append(r.list, d)
	}
	sort.Slice(r.list, func(i, j int) bool { return r.list[i].IDDec < r.list[j].IDDec })
	return r
}

// Name returns the definition name for id, or "UNKNOWN".
func (r *Registry) Name(id uint32) string {
	if d, ok := r.byID[id]; ok && d.Name != "" {
		return d.Name
	}
	return "UNKNOWN"
}

// Lookup returns the full definition for id.
func (r *Registry) Lookup(id uint32) (Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns every definition ordered by id.
func (r *Registry) All() []Definition {
	return r.list
}

// InRange returns definitions with lo <= id <= hi, for range-filtered
// operator drop-downs.
func (r *Registry) InRange(lo, hi uint32) []Definition {
	var out []Definition
	for _, d := range r.list {
		if d.IDDec >= lo && d.IDDec <= hi {
			out = append(out, d)
		}
	}
	return out
}

// Len reports the number of distinct definitions.
func (r *Registry) Len() int {
	return len(r.byID)
}
