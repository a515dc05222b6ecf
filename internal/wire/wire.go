// Package wire defines the on-the-wire JSON record shapes exchanged
// with a peer (spec.md §6): encrypted audio packets and the two
// handshake messages. Field names are fixed for interop and must not
// be renamed even though this is a from-scratch Go implementation —
// any peer speaking the protocol depends on them byte-for-byte.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Type values for the "type" discriminator field.
const (
	TypeEncAudio     = "enc_audio"
	TypeHandshake    = "hs"
	TypeHandshakeAck = "hs_ack"
)

// AudioPacket is the wire record for one sealed audio frame.
type AudioPacket struct {
	Type  string `json:"type"`
	Seq   uint32 `json:"seq"`
	TS    uint64 `json:"ts"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

// MarshalJSON base64-encodes Nonce/CT per the wire format, rather than
// relying on encoding/json's default []byte-as-base64 behavior, so the
// field layout stays explicit and independent of that stdlib default.
func (p AudioPacket) MarshalJSON() ([]byte, error) {
	aux := struct {
		Type  string `json:"type"`
		Seq   uint32 `json:"seq"`
		TS    uint64 `json:"ts"`
		Nonce string `json:"nonce"`
		CT    string `json:"ct"`
	}{
		Type:  TypeEncAudio,
		Seq:   p.Seq,
		TS:    p.TS,
		Nonce: base64.StdEncoding.EncodeToString(p.Nonce),
		CT:    base64.StdEncoding.EncodeToString(p.CT),
	}
	return json.Marshal(aux)
}

func (p *AudioPacket) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type  string `json:"type"`
		Seq   uint32 `json:"seq"`
		TS    uint64 `json:"ts"`
		Nonce string `json:"nonce"`
		CT    string `json:"ct"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("wire: decode audio packet: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(aux.Nonce)
	if err != nil {
		return fmt.Errorf("wire: decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(aux.CT)
	if err != nil {
		return fmt.Errorf("wire: decode ciphertext: %w", err)
	}
	p.Type = aux.Type
	p.Seq = aux.Seq
	p.TS = aux.TS
	p.Nonce = nonce
	p.CT = ct
	return nil
}

// HandshakeMessage is the wire record for both the "hs" and "hs_ack"
// messages; the absent fields on an ack (IdentityKey) are simply
// omitted from the JSON via the `,omitempty` IdentityKey tag below.
type HandshakeMessage struct {
	Type        string `json:"type"`
	IdentityKey []byte `json:"id,omitempty"`
	Ephemeral   []byte `json:"eph"`
	Signature   []byte `json:"sig"`
	TimestampMS uint64 `json:"t"`
}

func (h HandshakeMessage) MarshalJSON() ([]byte, error) {
	aux := struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Eph  string `json:"eph"`
		Sig  string `json:"sig"`
		T    uint64 `json:"t"`
	}{
		Type: h.Type,
		Eph:  base64.StdEncoding.EncodeToString(h.Ephemeral),
		Sig:  base64.StdEncoding.EncodeToString(h.Signature),
		T:    h.TimestampMS,
	}
	if len(h.IdentityKey) > 0 {
		aux.ID = base64.StdEncoding.EncodeToString(h.IdentityKey)
	}
	return json.Marshal(aux)
}

func (h *HandshakeMessage) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Eph  string `json:"eph"`
		Sig  string `json:"sig"`
		T    uint64 `json:"t"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("wire: decode handshake message: %w", err)
	}
	eph, err := base64.StdEncoding.DecodeString(aux.Eph)
	if err != nil {
		return fmt.Errorf("wire: decode ephemeral key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(aux.Sig)
	if err != nil {
		return fmt.Errorf("wire: decode signature: %w", err)
	}
	var id []byte
	if aux.ID != "" {
		id, err = base64.StdEncoding.DecodeString(aux.ID)
		if err != nil {
			return fmt.Errorf("wire: decode identity key: %w", err)
		}
	}
	h.Type = aux.Type
	h.IdentityKey = id
	h.Ephemeral = eph
	h.Signature = sig
	h.TimestampMS = aux.T
	return nil
}

// Envelope peeks at the "type" discriminator of an arbitrary wire
// message without fully decoding it, so a transport reader can decide
// which concrete struct to unmarshal into.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType reads only the type discriminator from a raw wire message.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("wire: peek type: %w", err)
	}
	return env.Type, nil
}
