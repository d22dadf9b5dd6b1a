package agent

import (
	"time"

	"github.com/nidhogg/skill-collator/internal/skill"
)

// EventType classifies what the engine emitted during a turn.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Apology is the only text a user sees when a turn fails.
const Apology = "Sorry, something went wrong while handling your request. Please try again."

// Event is one step of a conversation turn. Every turn ends with exactly
// one EventDone.
type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id"`
	Content   string     `json:"content,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	Kind      skill.Kind `json:"kind,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Emitter receives turn events in order.
type Emitter func(Event)

// Collect returns an emitter that gathers text replies, and a function
// returning them once the turn finished.
func Collect() (Emitter, func() []string) {
	var replies []string
	return func(ev Event) {
			if ev.Type == EventText && ev.Content != "" {
				replies = append(replies, ev.Content)
			}
		}, func() []string {
			return replies
		}
}
