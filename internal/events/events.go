// Package events publishes the per-session ordered audit event stream.
//
// Every published event is assigned a strictly increasing sequence number
// and persisted before fan-out. Subscribers are driven off the persisted
// log: a slow or reconnecting subscriber catches up by replaying from its
// last delivered sequence, so delivery is at-least-once and gap-free.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	TypeAgentStarted       = "agent_started"
	TypeAgentThinking      = "agent_thinking"
	TypeToolCall           = "tool_call"
	TypeRetrieval          = "retrieval"
	TypeFindingEmitted     = "finding_emitted"
	TypeProgress           = "progress"
	TypeVerificationResult = "verification_result"
	TypeStatus             = "status"
	TypeError              = "error"
	TypeComplete           = "complete"
	TypeCancelled          = "cancelled"
)

// Terminal reports whether an event type closes the session stream.
func Terminal(eventType string) bool {
	switch eventType {
	case TypeComplete, TypeError, TypeCancelled:
		return true
	}
	return false
}

// Event is one entry in a session's ordered stream.
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"audit_id"`
	Agent     string                 `json:"agent_type,omitempty"`
	Type      string                 `json:"event_type"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New builds an event without a sequence number; Publish assigns it.
func New(sessionID, agent, eventType, message string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Agent:     agent,
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Data:      data,
	}
}

// Encode renders the wire format stored in the event log and sent to
// subscribers.
func (e Event) Encode() (json.RawMessage, error) {
	return json.Marshal(e)
}
