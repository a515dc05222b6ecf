package wire

// ToAudioPacket builds the wire record for a sealed audio frame.
func ToAudioPacket(seq uint32, timestampMS uint64, nonce, ciphertext []byte) AudioPacket {
	return AudioPacket{Type: TypeEncAudio, Seq: seq, TS: timestampMS, Nonce: nonce, CT: ciphertext}
}

// ToHandshake builds the "hs" wire record sent by an initiator.
func ToHandshake(identityKey, ephemeral, signature []byte, timestampMS uint64) HandshakeMessage {
	return HandshakeMessage{
		Type:        TypeHandshake,
		IdentityKey: identityKey,
		Ephemeral:   ephemeral,
		Signature:   signature,
		TimestampMS: timestampMS,
	}
}

// ToHandshakeAck builds the "hs_ack" wire record sent by a responder.
func ToHandshakeAck(ephemeral, signature []byte, timestampMS uint64) HandshakeMessage {
	return HandshakeMessage{
		Type:        TypeHandshakeAck,
		Ephemeral:   ephemeral,
		Signature:   signature,
		TimestampMS: timestampMS,
	}
}
