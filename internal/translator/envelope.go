package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the wire shape of an event on the inbound bus.
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes a raw bus message. Only the envelope is checked here;
// payload validation belongs to the per-event mappers.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	env.EventID = strings.TrimSpace(env.EventID)
	env.EventType = strings.ToLower(strings.TrimSpace(env.EventType))
	env.AggregateID = strings.TrimSpace(env.AggregateID)

	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope event_type is required")
	}
	return env, nil
}

func (e Envelope) decodePayload(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("payload is required")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
