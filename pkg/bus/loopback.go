// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package bus

import (
	"context"
	"sync"

	"github.com/jmorgan-eng/canmaster/pkg/canwire"
)

// Loopback is an in-memory Bus for tests and simulations. Frames sent
// through Send are captured on Sent; frames pushed with Inject appear on
// Receive, as if nodes on a real bus had emitted them.
type Loopback struct {
	in   chan canwire.Frame
	out  chan canwire.Frame
	once sync.Once
	done chan struct{}
}

// NewLoopback creates a loopback bus with buffered queues.
func NewLoopback() *Loopback {
	return &Loopback{
		in:   make(chan canwire.Frame, 64),
		out:  make(chan canwire.Frame, 64),
		done: make(chan struct{}),
	}
}

// Inject queues a frame for delivery to the next Receive call.
func (l *Loopback) Inject(frame canwire.Frame) {
	select {
	case l.in <- frame:
	case <-l.done:
	}
}

// Sent exposes the frames written by the master side.
func (l *Loopback) Sent() <-chan canwire.Frame {
	return l.out
}

// DrainSent returns all frames queued so far without blocking.
func (l *Loopback) DrainSent() []canwire.Frame {
	var frames []canwire.Frame
	for {
		select {
		case f := <-l.out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func (l *Loopback) Send(ctx context.Context, frame canwire.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Receive(ctx context.Context) (canwire.Frame, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.done:
		return canwire.Frame{}, ErrClosed
	case <-ctx.Done():
		return canwire.Frame{}, ctx.Err()
	}
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
