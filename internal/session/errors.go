package session

import "errors"

// Sentinel errors for the handshake and secure-channel state machine,
// checked with errors.Is by callers that need to distinguish recoverable
// protocol failures from fatal ones (spec.md §7).
var (
	// ErrHandshakeStale is returned when a handshake or response message's
	// timestamp is outside the allowed skew window.
	ErrHandshakeStale = errors.New("session: handshake timestamp outside allowed skew")

	// ErrSignatureInvalid is returned when a handshake message's identity
	// signature does not verify.
	ErrSignatureInvalid = errors.New("session: signature verification failed")

	// ErrUnexpectedState is returned when a handshake message arrives
	// while the session is not in the state that expects it.
	ErrUnexpectedState = errors.New("session: message not valid in current state")

	// ErrNotEstablished is returned by Seal/Open when no session key has
	// been derived yet.
	ErrNotEstablished = errors.New("session: no established session key")

	// ErrReplay is returned by Open when the frame counter is not
	// strictly greater than the last one accepted.
	ErrReplay = errors.New("session: replayed or out-of-order frame counter")

	// ErrDecryptFailed is returned when AEAD authentication fails —
	// tampered ciphertext, wrong key, or corrupted AAD.
	ErrDecryptFailed = errors.New("session: authenticated decryption failed")
)
