// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package canwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame is a classical CAN data frame: 11-bit identifier, 0-8 data bytes.
// Extended identifiers, RTR, and error frames are not modelled.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [PayloadSize]byte
}

var (
	ErrInvalidID  = errors.New("canwire: invalid arbitration id")
	ErrInvalidLen = errors.New("canwire: invalid data length")
)

// NewFrame builds a frame from an id and up to eight data bytes.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > PayloadSize {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate returns an error if the frame is not a valid standard frame.
func (f Frame) Validate() error {
	if f.ID > MaxArbitrationID {
		return ErrInvalidID
	}
	if f.Len > PayloadSize {
		return ErrInvalidLen
	}
	return nil
}

// Payload returns the active data bytes.
func (f Frame) Payload() []byte {
	return f.Data[:f.Len]
}

// String renders the frame as "ID#HEXDATA" for logs.
func (f Frame) String() string {
	return fmt.Sprintf("%03X#%X", f.ID, f.Data[:f.Len])
}

// SocketCAN can_frame layout flags (little-endian struct, 16 bytes).
const (
	canFrameSize = 16
	canEffFlag   = 0x80000000
	canRtrFlag   = 0x40000000
	canErrFlag   = 0x20000000
	canStdMask   = 0x7FF
)

// MarshalBinary encodes the frame into the Linux SocketCAN can_frame
// layout: can_id (4 bytes LE), can_dlc, 3 padding bytes, 8 data bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a SocketCAN can_frame. Frames carrying the
// extended-id, RTR, or error flags are rejected with ErrInvalidID so the
// caller can skip them.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < canFrameSize {
		return fmt.Errorf("canwire: need %d bytes, got %d", canFrameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	if id&(canEffFlag|canRtrFlag|canErrFlag) != 0 {
		return ErrInvalidID
	}
	f.ID = id & canStdMask
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
