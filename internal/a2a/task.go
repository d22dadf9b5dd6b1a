// Package a2a exposes the agent over the Agent2Agent JSON-RPC protocol.
package a2a

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of an A2A task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// validTransitions defines allowed state transitions.
var validTransitions = map[TaskState][]TaskState{
	StateSubmitted:     {StateWorking, StateFailed, StateCanceled},
	StateWorking:       {StateInputRequired, StateCompleted, StateFailed, StateCanceled},
	StateInputRequired: {StateWorking, StateCanceled},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to TaskState) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Role of a message author.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is one piece of message content. Only text is understood.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	File map[string]any `json:"file,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Kind: "text", Text: text} }

// Unsupported replaces parts the agent cannot read.
const Unsupported = "[unsupported content]"

// Message is one conversational turn.
type Message struct {
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// NewAgentMessage builds an agent text message.
func NewAgentMessage(contextID, taskID, text string) Message {
	return Message{
		Kind:      "message",
		MessageID: uuid.New().String(),
		Role:      RoleAgent,
		Parts:     []Part{TextPart(text)},
		ContextID: contextID,
		TaskID:    taskID,
	}
}

// Text joins the text parts of m. Parts of any other kind contribute the
// Unsupported placeholder.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Parts {
		switch {
		case p.Kind != "text" && p.Kind != "":
			parts = append(parts, Unsupported)
		case p.Text != "":
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TaskStatus is the current state with an optional agent message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Task is one exchange processed by the agent.
type Task struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history,omitempty"`
}

// NewTask creates a submitted task in contextID.
func NewTask(contextID string) *Task {
	return &Task{
		Kind:      "task",
		ID:        uuid.New().String(),
		ContextID: contextID,
		Status:    TaskStatus{State: StateSubmitted, Timestamp: now()},
	}
}

// Move transitions t to state, attaching msg as the status message.
func (t *Task) Move(to TaskState, msg *Message) error {
	if err := Transition(t.Status.State, to); err != nil {
		return err
	}
	t.Status = TaskStatus{State: to, Message: msg, Timestamp: now()}
	return nil
}

// StatusUpdate is streamed for every state change and agent reply.
type StatusUpdate struct {
	Kind      string     `json:"kind"`
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

func statusUpdate(t *Task, final bool) StatusUpdate {
	return StatusUpdate{Kind: "status-update", TaskID: t.ID, ContextID: t.ContextID, Status: t.Status, Final: final}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
