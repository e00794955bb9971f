package domain

import "encoding/json"

// MessageState tracks where a message sits in its send lifecycle.
type MessageState int

const (
	// StatePending is a local optimistic echo awaiting remote confirmation.
	StatePending MessageState = iota
	// StateCommitted is a message acknowledged by the feed.
	StateCommitted
	// StateFailed is a local send whose append errored or timed out.
	StateFailed
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry in the merged channel view.
type Message struct {
	ID        string // feed-assigned; empty until the feed has the record
	LocalID   string // client-assigned; set only for locally initiated sends
	SenderID  string
	Content   string
	Timestamp int64 // epoch milliseconds
	State     MessageState
}

// FeedRecord is a raw channel record as stored in the feed. The feed
// enforces no schema, so decoding is tolerant: fields that are missing or
// of the wrong type are left zeroed and caught by validation in the merge
// engine instead of failing the whole snapshot.
type FeedRecord struct {
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (r *FeedRecord) UnmarshalJSON(data []byte) error {
	*r = FeedRecord{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Not even an object. Leave the record zeroed.
		return nil
	}
	if v, ok := raw["senderId"]; ok {
		_ = json.Unmarshal(v, &r.SenderID)
	}
	if v, ok := raw["content"]; ok {
		_ = json.Unmarshal(v, &r.Content)
	}
	if v, ok := raw["timestamp"]; ok {
		var ts int64
		if err := json.Unmarshal(v, &ts); err == nil {
			r.Timestamp = ts
		} else {
			var f float64
			if err := json.Unmarshal(v, &f); err == nil {
				r.Timestamp = int64(f)
			}
		}
	}
	return nil
}

// Valid reports whether the record carries the fields the merge engine
// requires of every displayable message.
func (r FeedRecord) Valid() bool {
	return r.SenderID != "" && r.Content != "" && r.Timestamp > 0
}

// FeedSnapshot is a full point-in-time copy of one channel, keyed by
// feed-assigned id. Each snapshot replaces the previous one entirely; the
// feed never delivers deltas.
type FeedSnapshot map[string]FeedRecord
