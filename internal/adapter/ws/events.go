package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Message is the envelope for every frame sent to clients. Seq increases by
// one per event the hub emits, so a client filtering nothing can spot gaps
// after a slow write dropped it and re-fetch state over HTTP.
type Message struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	At      time.Time       `json:"at,omitzero"`
	Payload json.RawMessage `json:"payload"`
}

// BroadcastEvent stamps and fans out one event. Payloads that cannot be
// encoded are logged and skipped without consuming a sequence number.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("ws event not encodable", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{
		Type:    eventType,
		Seq:     h.seq.Add(1),
		At:      time.Now().UTC(),
		Payload: data,
	})
}
