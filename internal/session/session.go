// Package session implements the engine's end-to-end secure channel
// (spec.md §4.6 / C7): an X25519+Ed25519 handshake establishing a
// ChaCha20-Poly1305 AEAD session, with replay protection and an
// add-only trust store. The wire encoding of handshake/data messages
// lives in internal/wire; this package only deals in raw key and
// message bytes so it can be tested without any transport.
package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

// sessionKeyDomain is the fixed protocol domain-separation constant
// folded into the session key derivation hash. Never configurable —
// changing it would silently break interoperability with peers running
// an unmodified build.
const sessionKeyDomain = "HUMR_SESSION_KEY_V1"

// MaxTimestampSkew bounds how old a handshake message's timestamp may
// be before it is rejected as stale.
const MaxTimestampSkew = 300 * time.Second

// State is the session's handshake/channel lifecycle state.
type State int

const (
	StateIdle State = iota
	StateHandshakeInFlight
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeInFlight:
		return "handshake_in_flight"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HandshakeInit is the first handshake message, sent by the initiator.
type HandshakeInit struct {
	IdentityKey  ed25519.PublicKey
	EphemeralKey [32]byte
	Signature    []byte
	TimestampMS  int64
}

// HandshakeAck is the responder's reply, completing the key exchange.
type HandshakeAck struct {
	EphemeralKey [32]byte
	Signature    []byte
	TimestampMS  int64
}

// Session drives one peer connection's handshake state machine and,
// once Established, seals/opens audio frames under the derived key.
// Not safe for concurrent handshake calls; Seal/Open may be called
// from one tick goroutine each (capture vs. render) once established,
// synchronised internally.
type Session struct {
	mu sync.Mutex

	identity Identity
	trust    *TrustStore

	state State

	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
	isInitiator   bool

	peerIdentity ed25519.PublicKey
	sessionKey   [32]byte

	sendCounter uint64
	recvCounter uint64
	haveRecvCtr bool
}

// New creates an idle Session for the given local identity, sharing a
// trust store across all peer sessions in the process.
func New(identity Identity, trust *TrustStore) *Session {
	return &Session{identity: identity, trust: trust, state: StateIdle}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerIdentity returns the verified peer identity key once established,
// or nil before that.
func (s *Session) PeerIdentity() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIdentity
}

// InitiateHandshake generates a fresh ephemeral keypair, signs it under
// the local identity, and moves the session to HandshakeInFlight.
func (s *Session) InitiateHandshake(nowMS int64) (HandshakeInit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	priv, pub, err := generateEphemeral()
	if err != nil {
		return HandshakeInit{}, err
	}
	s.ephemeralPriv = priv
	s.ephemeralPub = pub
	s.isInitiator = true
	s.state = StateHandshakeInFlight

	sig := s.identity.sign(signedTranscript(pub, nowMS))

	return HandshakeInit{
		IdentityKey:  s.identity.Public,
		EphemeralKey: pub,
		Signature:    sig,
		TimestampMS:  nowMS,
	}, nil
}

// ProcessHandshake validates an incoming HandshakeInit, derives the
// session key, and returns the HandshakeAck to send back. Moves the
// session directly to Established — there is no third message in this
// protocol; the initiator completes the state transition itself upon
// receiving the ack (ProcessHandshakeAck).
func (s *Session) ProcessHandshake(init HandshakeInit, nowMS int64) (HandshakeAck, error) {
	if err := verifyTimestamp(init.TimestampMS, nowMS); err != nil {
		return HandshakeAck{}, err
	}
	if len(init.IdentityKey) != ed25519.PublicKeySize {
		return HandshakeAck{}, fmt.Errorf("session: invalid identity key length %d", len(init.IdentityKey))
	}
	if !ed25519.Verify(init.IdentityKey, signedTranscript(init.EphemeralKey, init.TimestampMS), init.Signature) {
		return HandshakeAck{}, ErrSignatureInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateEstablished {
		return HandshakeAck{}, fmt.Errorf("%w: got handshake init in state %s", ErrUnexpectedState, s.state)
	}

	s.trust.Add(init.IdentityKey)

	priv, pub, err := generateEphemeral()
	if err != nil {
		return HandshakeAck{}, err
	}

	sessionKey := deriveSessionKey(priv, init.EphemeralKey, s.identity.Public, init.IdentityKey)

	s.ephemeralPriv = priv
	s.ephemeralPub = pub
	s.isInitiator = false
	s.peerIdentity = append(ed25519.PublicKey(nil), init.IdentityKey...)
	s.sessionKey = sessionKey
	s.sendCounter = 0
	s.recvCounter = 0
	s.haveRecvCtr = false
	s.state = StateEstablished

	sig := s.identity.sign(signedTranscript(pub, nowMS))
	return HandshakeAck{EphemeralKey: pub, Signature: sig, TimestampMS: nowMS}, nil
}

// ProcessHandshakeAck completes the initiator side of the exchange
// after receiving the responder's HandshakeAck.
func (s *Session) ProcessHandshakeAck(ack HandshakeAck, nowMS int64) error {
	if err := verifyTimestamp(ack.TimestampMS, nowMS); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateHandshakeInFlight {
		return fmt.Errorf("%w: got handshake ack in state %s", ErrUnexpectedState, s.state)
	}
	if s.peerIdentity == nil {
		return fmt.Errorf("session: no peer identity recorded before ack (call SetExpectedPeer)")
	}
	if !ed25519.Verify(s.peerIdentity, signedTranscript(ack.EphemeralKey, ack.TimestampMS), ack.Signature) {
		return ErrSignatureInvalid
	}

	sessionKey := deriveSessionKey(s.ephemeralPriv, ack.EphemeralKey, s.identity.Public, s.peerIdentity)
	s.sessionKey = sessionKey
	s.sendCounter = 0
	s.recvCounter = 0
	s.haveRecvCtr = false
	s.state = StateEstablished
	return nil
}

// SetExpectedPeer records the peer identity the initiator expects to
// see signed in the handshake ack, and adds it to the trust store. The
// initiator must call this (with the identity learned out-of-band, via
// discovery) before sending InitiateHandshake's result.
func (s *Session) SetExpectedPeer(peerIdentity ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerIdentity = append(ed25519.PublicKey(nil), peerIdentity...)
	s.trust.Add(peerIdentity)
}

// Close moves the session to Closed; Seal/Open fail afterward.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.sessionKey = [32]byte{}
}

func generateEphemeral() (priv, pub [32]byte, err error) {
	if _, err = readRandom(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("session: generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("session: derive ephemeral public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func deriveSessionKey(localPriv, peerPub [32]byte, localIdentity, peerIdentity ed25519.PublicKey) [32]byte {
	shared, err := curve25519.X25519(localPriv[:], peerPub[:])
	if err != nil {
		// Only possible if peerPub is a low-order point; treat as an
		// all-zero shared secret so the resulting session key is still
		// deterministic and Seal/Open simply fail to interoperate rather
		// than panicking the engine.
		shared = make([]byte, 32)
	}

	h := sha256.New()
	h.Write(shared)

	a, b := localIdentity, peerIdentity
	if lexLess(b, a) {
		a, b = b, a
	}
	h.Write(a)
	h.Write(b)
	h.Write([]byte(sessionKeyDomain))

	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

func lexLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func signedTranscript(ephemeralPub [32]byte, timestampMS int64) []byte {
	h := sha256.New()
	h.Write(ephemeralPub[:])
	var ts [8]byte
	putUint64BE(ts[:], uint64(timestampMS))
	h.Write(ts[:])
	return h.Sum(nil)
}

func verifyTimestamp(msgMS, nowMS int64) error {
	delta := nowMS - msgMS
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > MaxTimestampSkew {
		return ErrHandshakeStale
	}
	return nil
}

func putUint64BE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}
