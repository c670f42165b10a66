// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

// Package gateway is the operator-facing duplex port: a websocket hub
// that fans decoded bus traffic and inventory updates out to browser
// clients and serializes their requests onto the engine task.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps every message on the operator socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound message kinds.
const (
	MsgUpdateNodeConfig = "UPDATE_NODE_CONFIG"
	MsgRequestInterview = "REQUEST_NODE_INTERVIEW"
	MsgSaveAuditComment = "SAVE_AUDIT_COMMENT"
	MsgGetDefinitions   = "GET_DEFINITIONS"
	MsgSaveToBus        = "SAVE_TO_BUS"
	MsgEraseNode        = "ERASE_NODE"

	// MsgClientConnected is synthesized by the hub when an operator
	// attaches, so the engine can push the initial state set.
	MsgClientConnected = "CLIENT_CONNECTED"
)

// Outbound message kinds.
const (
	MsgDefinitionsList = "DEFINITIONS_LIST"
	MsgDatabaseUpdate  = "DATABASE_UPDATE"
	MsgAuditLogUpdate  = "AUDIT_LOG_UPDATE"
	MsgUpdateAck       = "UPDATE_ACK"
	MsgCANMessage      = "CAN_MESSAGE"
)

// ConfigTarget selects which half of a node an update addresses.
type ConfigTarget string

const (
	TargetParent    ConfigTarget = "PARENT"
	TargetSubModule ConfigTarget = "SUBMODULE"
)

// UpdateNodeConfig is the operator edit request. The populated fields
// depend on ConfigTarget: PARENT edits carry the node trio, SUBMODULE
// edits carry SubModIdx plus the sub-module fields.
type UpdateNodeConfig struct {
	NodeID       string       `json:"nodeId"`
	ConfigTarget ConfigTarget `json:"configTarget"`
	NodeTypeMsg  uint32       `json:"nodeTypeMsg"`
	NodeTypeDlc  uint8        `json:"nodeTypeDlc"`
	SubModCnt    uint8        `json:"subModCnt"`
	SubModIdx    uint8        `json:"subModIdx"`
	IntroMsgID   uint32       `json:"introMsgId"`
	DataMsgID    uint16       `json:"dataMsgId"`
	DataMsgDlc   uint8        `json:"dataMsgDlc"`
	RawConfig    [3]byte      `json:"rawConfig"`
}

// RequestInterview asks the master to re-run a node's interview.
type RequestInterview struct {
	NodeID string `json:"nodeId"`
}

// SaveAuditComment attaches operator free text to an audit row.
type SaveAuditComment struct {
	AuditID int64  `json:"auditId"`
	Comment string `json:"comment"`
}

// SaveToBus asks a node to persist its running configuration.
type SaveToBus struct {
	NodeID string `json:"nodeId"`
}

// EraseNode removes a node from the inventory, leaving history behind.
type EraseNode struct {
	NodeID string `json:"nodeId"`
}

// UpdateAck confirms an applied operator edit.
type UpdateAck struct {
	NodeID    string `json:"nodeId"`
	SubModIdx uint8  `json:"subModIdx"`
	Success   bool   `json:"success"`
}

// CANMessage is one decoded bus frame for the live view.
type CANMessage struct {
	ID        uint32  `json:"id"`
	Name      string  `json:"name"`
	Data      []uint8 `json:"data"`
	Timestamp int64   `json:"timestamp"`
}

// Marshal builds a wire-ready envelope.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal %s payload: %w", msgType, err)
	}
	buf, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal %s envelope: %w", msgType, err)
	}
	return buf, nil
}

// Replier receives directed envelopes outside the broadcast path.
type Replier interface {
	SendMessage(msgType string, payload any)
}

// Request is one operator message bound for the engine task, paired
// with its originating client for directed replies.
type Request struct {
	Client Replier
	Env    Envelope
}
