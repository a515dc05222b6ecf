package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Identity is a peer's long-term signing keypair, used to authenticate
// ephemeral handshake keys. It is distinct from the per-session X25519
// ephemeral keys used for the Diffie-Hellman exchange.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity keypair.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("session: generate identity: %w", err)
	}
	return Identity{Public: pub, private: priv}, nil
}

// IdentityFromSeed derives an Identity deterministically from a 32-byte
// seed, for persisting an identity across restarts.
func IdentityFromSeed(seed []byte) (Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return Identity{}, fmt.Errorf("session: identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Identity{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

func (id Identity) sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}
