// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
)

// SLCAN (Lawicel) ASCII framing over a USB serial adapter. Standard data
// frames only: 't' + 3 hex id chars + 1 hex length char + hex data + CR.
// Extended ('T'/'R') and remote ('r') frames are ignored on receive.
const (
	slcanCR   = '\r'
	slcanBell = '\a'
)

type slcanBus struct {
	port    serial.Port
	dec     *slcanDecoder
	readBuf []byte

	mu     sync.Mutex // serializes writes
	closed bool
}

// DialSLCAN opens an SLCAN adapter on the given serial port, configures
// the CAN bitrate (Lawicel speed code 0-8, e.g. 6 = 500 kbit/s), and opens
// the channel.
func DialSLCAN(portName string, baudRate, speedCode int) (Bus, error) {
	if speedCode < 0 || speedCode > 8 {
		return nil, fmt.Errorf("bus: slcan speed code %d out of range 0-8", speedCode)
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", portName, err)
	}

	b := &slcanBus{
		port:    port,
		dec:     newSLCANDecoder(),
		readBuf: make([]byte, 128),
	}

	// Close any stale channel, set bitrate, open. The adapter answers each
	// command with CR or BEL; we do not wait for them, the decoder skips
	// command echoes.
	for _, cmd := range []string{"C\r", fmt.Sprintf("S%d\r", speedCode), "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return nil, fmt.Errorf("bus: slcan init: %w", err)
		}
	}

	return b, nil
}

func (b *slcanBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.port.Write([]byte("C\r"))
	return b.port.Close()
}

func (b *slcanBus) Send(ctx context.Context, frame canwire.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "t%03X%X", frame.ID, frame.Len)
	for _, by := range frame.Payload() {
		fmt.Fprintf(&sb, "%02X", by)
	}
	sb.WriteByte(slcanCR)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, err := b.port.Write([]byte(sb.String())); err != nil {
		return fmt.Errorf("bus: slcan write: %w", err)
	}
	return nil
}

func (b *slcanBus) Receive(ctx context.Context) (canwire.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return canwire.Frame{}, err
		}
		n, err := b.port.Read(b.readBuf)
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return canwire.Frame{}, ErrClosed
			}
			return canwire.Frame{}, fmt.Errorf("bus: slcan read: %w", err)
		}
		if n == 0 {
			// Serial read timeout; yield briefly and retry.
			time.Sleep(time.Millisecond)
			continue
		}
		for i := 0; i < n; i++ {
			if f, ok := b.dec.Feed(b.readBuf[i]); ok {
				return f, nil
			}
		}
	}
}

// slcanDecoder consumes the adapter's byte stream one byte at a time and
// yields completed standard data frames. Unknown lines (command echoes,
// extended frames, error bells) are skipped at the next CR.
type slcanDecoder struct {
	line []byte
}

func newSLCANDecoder() *slcanDecoder {
	return &slcanDecoder{line: make([]byte, 0, 32)}
}

// Feed processes one byte. It returns a frame and true when the byte
// completes a valid 't' line.
func (d *slcanDecoder) Feed(b byte) (canwire.Frame, bool) {
	switch b {
	case slcanCR:
		line := d.line
		d.line = d.line[:0]
		return parseSLCANLine(line)
	case slcanBell:
		d.line = d.line[:0]
		return canwire.Frame{}, false
	default:
		if len(d.line) < 32 {
			d.line = append(d.line, b)
		}
		return canwire.Frame{}, false
	}
}

func parseSLCANLine(line []byte) (canwire.Frame, bool) {
	if len(line) < 5 || line[0] != 't' {
		return canwire.Frame{}, false
	}

	id, ok := hexVal(line[1:4])
	if !ok || id > canwire.MaxArbitrationID {
		return canwire.Frame{}, false
	}
	dlc, ok := hexVal(line[4:5])
	if !ok || dlc > canwire.PayloadSize {
		return canwire.Frame{}, false
	}
	if len(line) != 5+int(dlc)*2 {
		return canwire.Frame{}, false
	}

	f := canwire.Frame{ID: id, Len: uint8(dlc)}
	for i := 0; i < int(dlc); i++ {
		v, ok := hexVal(line[5+i*2 : 7+i*2])
		if !ok {
			return canwire.Frame{}, false
		}
		f.Data[i] = byte(v)
	}
	return f, true
}

func hexVal(digits []byte) (uint32, bool) {
	var v uint32
	for _, d := range digits {
		v <<= 4
		switch {
		case d >= '0' && d <= '9':
			v |= uint32(d - '0')
		case d >= 'A' && d <= 'F':
			v |= uint32(d-'A') + 10
		case d >= 'a' && d <= 'f':
			v |= uint32(d-'a') + 10
		default:
			return 0, false
		}
	}
	return v, true
}
