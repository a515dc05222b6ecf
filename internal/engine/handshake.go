package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"humr/internal/session"
	"humr/internal/transport"
	"humr/internal/wire"
)

func toHandshakeInit(msg wire.HandshakeMessage, eph [32]byte) session.HandshakeInit {
	return session.HandshakeInit{
		IdentityKey:  ed25519.PublicKey(msg.IdentityKey),
		EphemeralKey: eph,
		Signature:    msg.Signature,
		TimestampMS:  int64(msg.TimestampMS),
	}
}

func toHandshakeAck(msg wire.HandshakeMessage, eph [32]byte) session.HandshakeAck {
	return session.HandshakeAck{
		EphemeralKey: eph,
		Signature:    msg.Signature,
		TimestampMS:  int64(msg.TimestampMS),
	}
}

// handshakePollInterval is how often Await* polls TryRecv while
// waiting for the peer's next handshake message.
const handshakePollInterval = 10 * time.Millisecond

// InitiateHandshake sends a "hs" message and blocks for the peer's
// "hs_ack", completing the session's initiator-side key exchange.
// Per spec.md §7, a handshake timeout or signature failure aborts
// Start — the caller must not call Engine.Start on error.
func (e *Engine) InitiateHandshake(ctx context.Context, tr transport.Transport, nowMS int64) error {
	init, err := e.session.InitiateHandshake(nowMS)
	if err != nil {
		return fmt.Errorf("engine: initiate handshake: %w", err)
	}

	msg := wire.ToHandshake(init.IdentityKey, init.EphemeralKey[:], init.Signature, uint64(init.TimestampMS))
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("engine: marshal handshake: %w", err)
	}
	if err := tr.Send(ctx, data); err != nil {
		return fmt.Errorf("engine: send handshake: %w", err)
	}

	ack, err := awaitHandshakeMessage(ctx, tr, wire.TypeHandshakeAck)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}

	var eph [32]byte
	copy(eph[:], ack.Ephemeral)
	if err := e.session.ProcessHandshakeAck(toHandshakeAck(ack, eph), int64(ack.TimestampMS)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeSigInvalid, err)
	}
	return nil
}

// AwaitHandshake blocks for the peer's "hs" message, replies with
// "hs_ack", and completes the session's responder-side key exchange.
func (e *Engine) AwaitHandshake(ctx context.Context, tr transport.Transport) error {
	hs, err := awaitHandshakeMessage(ctx, tr, wire.TypeHandshake)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}

	var eph [32]byte
	copy(eph[:], hs.Ephemeral)
	ack, err := e.session.ProcessHandshake(toHandshakeInit(hs, eph), int64(hs.TimestampMS))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeSigInvalid, err)
	}

	ackMsg := wire.ToHandshakeAck(ack.EphemeralKey[:], ack.Signature, uint64(ack.TimestampMS))
	data, err := json.Marshal(ackMsg)
	if err != nil {
		return fmt.Errorf("engine: marshal handshake ack: %w", err)
	}
	return tr.Send(ctx, data)
}

// beginKeyRotation re-runs the initiator side of the handshake on the
// already-Established session, discarding its shared secret and frame
// counters and moving it back to StateHandshakeInFlight. It only sends
// the "hs" message and returns; the peer's "hs_ack" is picked up by
// ingestFrame on the render tick rather than awaited here, so rotation
// never competes with the render tick for transport reads.
func (e *Engine) beginKeyRotation(ctx context.Context) error {
	init, err := e.session.InitiateHandshake(time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("engine: rotate keys: initiate handshake: %w", err)
	}

	msg := wire.ToHandshake(init.IdentityKey, init.EphemeralKey[:], init.Signature, uint64(init.TimestampMS))
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("engine: rotate keys: marshal handshake: %w", err)
	}

	e.rotating.Store(true)
	if err := e.transport.Send(ctx, data); err != nil {
		e.rotating.Store(false)
		return fmt.Errorf("engine: rotate keys: send handshake: %w", err)
	}
	return nil
}

// completeKeyRotation finishes a self-initiated rotation on receipt of
// the peer's "hs_ack". Called from ingestFrame on the render tick.
func (e *Engine) completeKeyRotation(ack wire.HandshakeMessage) {
	defer e.rotating.Store(false)

	var eph [32]byte
	copy(eph[:], ack.Ephemeral)
	if err := e.session.ProcessHandshakeAck(toHandshakeAck(ack, eph), int64(ack.TimestampMS)); err != nil {
		e.log.Warn("engine: key rotation ack rejected", "error", err)
		return
	}
	e.metrics.AddSessionReset()
}

// respondToKeyRotation handles an unsolicited "hs" arriving on an
// already-Established session: the peer rotating its own keys. It
// processes the handshake in place, resetting this side's counters to
// match, and replies with "hs_ack". Called from ingestFrame on the
// render tick.
func (e *Engine) respondToKeyRotation(ctx context.Context, hs wire.HandshakeMessage) {
	var eph [32]byte
	copy(eph[:], hs.Ephemeral)
	ack, err := e.session.ProcessHandshake(toHandshakeInit(hs, eph), int64(hs.TimestampMS))
	if err != nil {
		e.log.Warn("engine: peer key rotation rejected", "error", err)
		return
	}

	ackMsg := wire.ToHandshakeAck(ack.EphemeralKey[:], ack.Signature, uint64(ack.TimestampMS))
	data, err := json.Marshal(ackMsg)
	if err != nil {
		e.log.Warn("engine: marshal rotation ack failed", "error", err)
		return
	}
	if err := e.transport.Send(ctx, data); err != nil {
		e.log.Warn("engine: send rotation ack failed", "error", err)
		return
	}
	e.metrics.AddSessionReset()
}

func awaitHandshakeMessage(ctx context.Context, tr transport.Transport, wantType string) (wire.HandshakeMessage, error) {
	ticker := time.NewTicker(handshakePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return wire.HandshakeMessage{}, ctx.Err()
		case <-ticker.C:
			data, ok := tr.TryRecv()
			if !ok {
				continue
			}
			typ, err := wire.PeekType(data)
			if err != nil || typ != wantType {
				continue
			}
			var msg wire.HandshakeMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			return msg, nil
		}
	}
}
