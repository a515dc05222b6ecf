package engine

import (
	"encoding/json"
	"fmt"

	"humr/internal/wire"
)

func marshalPacket(pkt wire.AudioPacket) ([]byte, error) {
	data, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal audio packet: %w", err)
	}
	return data, nil
}

func unmarshalPacket(data []byte, pkt *wire.AudioPacket) error {
	if err := json.Unmarshal(data, pkt); err != nil {
		return fmt.Errorf("engine: unmarshal audio packet: %w", err)
	}
	return nil
}
