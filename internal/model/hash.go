package model

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns a BLAKE2b-256 digest over the event body (everything
// except the dedup key). A retried delivery of the same agent event hashes
// identically; a reused agent_event_id with a different body does not.
func (in EventInput) ContentHash() string {
	body := struct {
		Phase   Phase           `json:"phase"`
		Tool    string          `json:"tool"`
		Title   string          `json:"title"`
		Message string          `json:"message"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{in.Phase, in.Tool, in.Title, in.Message, compactJSON(in.Payload)}
	b, _ := json.Marshal(body)
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
