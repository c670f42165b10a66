// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

//go:build linux

package bus

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
)

// socketCAN implements Bus over a raw AF_CAN socket.
type socketCAN struct {
	fd     int
	closed chan struct{}
}

// DialSocketCAN opens a raw CAN socket bound to the named interface
// (e.g. "can0").
func DialSocketCAN(iface string) (Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("bus: socket: %w", err)
	}

	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bus: interface %s: %w", iface, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bus: bind %s: %w", iface, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bus: nonblock: %w", err)
	}

	return &socketCAN{fd: fd, closed: make(chan struct{})}, nil
}

func (s *socketCAN) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return unix.Close(s.fd)
}

// Send writes one frame in the kernel can_frame layout.
func (s *socketCAN) Send(ctx context.Context, frame canwire.Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		if err := s.checkDone(ctx); err != nil {
			return err
		}
		n, werr := unix.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				return fmt.Errorf("bus: short write: %d of %d", n, len(buf))
			}
			return nil
		}
		if werr == unix.EAGAIN || werr == unix.EINTR {
			if err := s.wait(ctx, unix.POLLOUT); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("bus: write: %w", werr)
	}
}

// Receive reads the next standard data frame, skipping extended, RTR, and
// error frames.
func (s *socketCAN) Receive(ctx context.Context) (canwire.Frame, error) {
	buf := make([]byte, 16)
	for {
		if err := s.checkDone(ctx); err != nil {
			return canwire.Frame{}, err
		}
		n, rerr := unix.Read(s.fd, buf)
		if rerr == nil {
			if n != len(buf) {
				return canwire.Frame{}, fmt.Errorf("bus: short read: %d bytes", n)
			}
			var f canwire.Frame
			if err := f.UnmarshalBinary(buf); err != nil {
				// Not a standard data frame; keep reading.
				continue
			}
			return f, nil
		}
		if rerr == unix.EAGAIN || rerr == unix.EINTR {
			if err := s.wait(ctx, unix.POLLIN); err != nil {
				return canwire.Frame{}, err
			}
			continue
		}
		return canwire.Frame{}, fmt.Errorf("bus: read: %w", rerr)
	}
}

func (s *socketCAN) checkDone(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// wait polls the fd for the given event, waking periodically to observe
// context cancellation and close.
func (s *socketCAN) wait(ctx context.Context, events int16) error {
	for {
		timeout := 50 // ms
		if deadline, ok := ctx.Deadline(); ok {
			d := time.Until(deadline)
			if d <= 0 {
				return ctx.Err()
			}
			if ms := int(d / time.Millisecond); ms < timeout {
				timeout = ms + 1
			}
		}

		fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("bus: poll: %w", err)
		}
		if err := s.checkDone(ctx); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}
