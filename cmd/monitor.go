// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Jake Morgan

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/jmorgan-eng/canmaster/pkg/gateway"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

var (
	monitorAddr     string
	monitorUser     string
	monitorInsecure bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal view of a running canmaster daemon",
	Long: `Monitor connects to the operator websocket of a running daemon and
renders the node inventory, the audit trail, and live bus traffic in
the terminal. Use --user to authenticate; the password is taken from
the ` + passwordEnvVar + ` environment variable or prompted for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorAddr, "addr", "a", "localhost:8080", "Daemon address (host:port or ws[s]:// url)")
	monitorCmd.Flags().StringVarP(&monitorUser, "user", "u", "", "Basic auth username")
	monitorCmd.Flags().BoolVar(&monitorInsecure, "insecure", false, "Skip TLS certificate verification for wss")
	rootCmd.AddCommand(monitorCmd)
}

// operatorLink tracks the current daemon connection across reconnects so
// the UI always writes to the live socket.
type operatorLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *operatorLink) set(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *operatorLink) send(msgType string, payload any) error {
	raw, err := gateway.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return errors.New("not connected")
	}
	return l.conn.WriteMessage(websocket.TextMessage, raw)
}

func runMonitor() error {
	var password string
	if monitorUser != "" {
		var err error
		if password, err = getPassword(); err != nil {
			return err
		}
	}

	conn, err := dialOperator(monitorAddr, monitorUser, password, monitorInsecure)
	if err != nil {
		return err
	}

	link := &operatorLink{}
	link.set(conn)
	p := tea.NewProgram(initialMonitorModel(monitorAddr, link.send))

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		bo.MaxInterval = 30 * time.Second
		for {
			p.Send(connectedMsg{})
			pumpEnvelopes(conn, p)
			link.set(nil)
			conn.Close()
			p.Send(disconnectMsg{})

			for {
				time.Sleep(bo.NextBackOff())
				conn, err = dialOperator(monitorAddr, monitorUser, password, monitorInsecure)
				if err == nil {
					break
				}
			}
			bo.Reset()
			link.set(conn)
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor ui: %w", err)
	}
	return nil
}

// pumpEnvelopes forwards daemon messages into the UI until conn drops.
func pumpEnvelopes(conn *websocket.Conn, p *tea.Program) {
	for {
		var env gateway.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if msg, ok := translateEnvelope(env); ok {
			p.Send(msg)
		}
	}
}

// translateEnvelope turns a gateway envelope into a tea message. Unknown
// types are dropped so old monitors keep working against new daemons.
func translateEnvelope(env gateway.Envelope) (tea.Msg, bool) {
	switch env.Type {
	case gateway.MsgDatabaseUpdate:
		var nodes map[string]*inventory.Node
		if err := json.Unmarshal(env.Payload, &nodes); err != nil {
			return nil, false
		}
		return inventoryMsg(nodes), true
	case gateway.MsgAuditLogUpdate:
		var rows []store.AuditEntry
		if err := json.Unmarshal(env.Payload, &rows); err != nil {
			return nil, false
		}
		return auditMsg(rows), true
	case gateway.MsgCANMessage:
		var frame gateway.CANMessage
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			return nil, false
		}
		return frameMsg(frame), true
	default:
		return nil, false
	}
}
