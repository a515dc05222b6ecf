// Package transport defines the byte-oriented duplex the engine sends
// and receives wire frames over (spec.md §6), plus a Loopback
// reference implementation used by tests. Message
// framing and boundary preservation is each Transport's own
// responsibility — the engine never splits or reassembles frames.
package transport

import "context"

// Transport is the contract the engine consumes. Send may block (the
// caller's tick goroutine budgets for it); TryRecv never blocks,
// returning ok=false if nothing is queued.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	TryRecv() ([]byte, bool)
	Close() error
}

// Loopback is an in-memory Transport that delivers everything sent on
// it back out of the same instance's TryRecv, for tests that don't
// need two real peers, and a PairedLoopback for tests that do.
type Loopback struct {
	queue chan []byte
}

// NewLoopback creates a Loopback with the given buffer depth.
func NewLoopback(capacity int) *Loopback {
	return &Loopback{queue: make(chan []byte, capacity)}
}

func (l *Loopback) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case l.queue <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) TryRecv() ([]byte, bool) {
	select {
	case frame := <-l.queue:
		return frame, true
	default:
		return nil, false
	}
}

func (l *Loopback) Close() error {
	return nil
}

// PairedLoopback returns two Transports wired so that a's Send is b's
// TryRecv and vice versa, modelling a direct peer-to-peer link for
// integration tests (handshake-then-audio, reorder, tamper scenarios).
func PairedLoopback(capacity int) (a, b Transport) {
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	return &pipeEnd{send: ab, recv: ba}, &pipeEnd{send: ba, recv: ab}
}

type pipeEnd struct {
	send chan<- []byte
	recv <-chan []byte
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case p.send <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) TryRecv() ([]byte, bool) {
	select {
	case frame := <-p.recv:
		return frame, true
	default:
		return nil, false
	}
}

func (p *pipeEnd) Close() error {
	return nil
}
