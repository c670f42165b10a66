// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

// Package bus abstracts the raw CAN channel the master controller sits on.
//
// Two real transports are provided: Linux SocketCAN (DialSocketCAN) and
// SLCAN serial adapters (DialSLCAN). Loopback is an in-memory pair for
// tests. The bus is best-effort: there are no retries at this layer.
package bus

import (
	"context"
	"errors"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
)

// ErrClosed is returned by Send and Receive after the bus is closed.
var ErrClosed = errors.New("bus: closed")

// Bus is a raw CAN channel. Send blocks until the frame is queued on the
// transport; Receive blocks until the next frame arrives, the context is
// cancelled, or the bus is closed.
type Bus interface {
	Send(ctx context.Context, frame canwire.Frame) error
	Receive(ctx context.Context) (canwire.Frame, error)
	Close() error
}
