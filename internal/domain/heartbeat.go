package domain

import (
	"fmt"

	"github.com/taskworks/backend/pkg/jsonx"
)

// ConsumerHeartbeat is the liveness record each consumer writes into the
// heartbeat hash under its own consumer name.
type ConsumerHeartbeat struct {
	StreamName    string `json:"stream_name"`
	ConsumerName  string `json:"consumer_name"`
	LastHeartbeat int64  `json:"last_heartbeat"`
}

// Encode serializes the heartbeat to its wire JSON.
func (h ConsumerHeartbeat) Encode() (string, error) {
	b, err := jsonx.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode heartbeat for %s: %w", h.ConsumerName, err)
	}
	return string(b), nil
}

// DecodeHeartbeat parses a heartbeat record from its wire JSON.
func DecodeHeartbeat(raw string) (ConsumerHeartbeat, error) {
	var h ConsumerHeartbeat
	if err := jsonx.Unmarshal([]byte(raw), &h); err != nil {
		return ConsumerHeartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return h, nil
}
