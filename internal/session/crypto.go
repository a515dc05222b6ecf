package session

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

func readRandom(b []byte) (int, error) {
	return rand.Read(b)
}

func (s *Session) aead() (cipher.AEAD, error) {
	return chacha20poly1305.New(s.sessionKey[:])
}

// Seal encrypts plaintext under the established session key, binding
// seq and timestampMS into the AEAD associated data so a tampered or
// replayed header is rejected at Open. The frame counter used for the
// nonce is the session's own monotonic send counter, not seq, so nonce
// uniqueness holds even if seq is attacker-influenced wire framing.
func (s *Session) Seal(plaintext []byte, seq uint32, timestampMS uint64) (nonce, ciphertext []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, nil, ErrNotEstablished
	}

	aead, err := s.aead()
	if err != nil {
		return nil, nil, fmt.Errorf("session: build aead: %w", err)
	}

	nonce = makeNonce(s.sendCounter)
	s.sendCounter++

	aad := makeAAD(seq, timestampMS)
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open authenticates and decrypts a received frame. recvCounter must be
// strictly greater than every previously accepted value for this
// session — out-of-order network delivery is not handled at this layer,
// so Open requires the caller to present frames with monotonically
// increasing counters (the engine's ingestFrame holds early frames in
// its pre-decrypt reorder map and opens them in sequence order).
func (s *Session) Open(nonce, ciphertext []byte, seq uint32, timestampMS uint64, recvCounter uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	if s.haveRecvCtr && recvCounter <= s.recvCounter {
		return nil, ErrReplay
	}

	aead, err := s.aead()
	if err != nil {
		return nil, fmt.Errorf("session: build aead: %w", err)
	}

	aad := makeAAD(seq, timestampMS)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	s.recvCounter = recvCounter
	s.haveRecvCtr = true
	return plaintext, nil
}

func makeNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	putUint64BE(nonce[4:], counter)
	return nonce
}

func makeAAD(seq uint32, timestampMS uint64) []byte {
	aad := make([]byte, 4+8)
	putUint32BE(aad[:4], seq)
	putUint64BE(aad[4:], timestampMS)
	return aad
}

func putUint32BE(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v)
		v >>= 8
	}
}
