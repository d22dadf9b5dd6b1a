package gateway

import (
	"context"
	"fmt"
	"time"
)

// GatewayAdapter defines the interface for platform adapters.
type GatewayAdapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *OutboundMessage) error
	OnMessage(handler MessageHandler)
	Status() AdapterStatus
	Close() error
}

// MessageHandler processes inbound messages from any platform.
type MessageHandler func(msg *InboundMessage)

// InboundMessage is a normalized message from any platform.
type InboundMessage struct {
	Platform  string    `json:"platform"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	// SessionID overrides the derived session key when the platform
	// carries its own conversation identity.
	SessionID string `json:"session_id,omitempty"`

	ctx context.Context
}

// Context returns the context of the caller that sent the message. It is
// done once that caller has gone away; platforms without such a caller
// return context.Background.
func (m *InboundMessage) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// WithContext returns a shallow copy of m bound to ctx.
func (m *InboundMessage) WithContext(ctx context.Context) *InboundMessage {
	m2 := *m
	m2.ctx = ctx
	return &m2
}

// SessionKey identifies the conversation the message belongs to:
// one session per platform, channel and user.
func (m *InboundMessage) SessionKey() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return fmt.Sprintf("%s:%s:%s", m.Platform, m.ChannelID, m.UserID)
}

// OutboundMessage is a message sent to a specific platform channel.
// A Final message carries no new content and marks the end of the replies
// to one inbound message.
type OutboundMessage struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Final     bool   `json:"final,omitempty"`
}

// AdapterStatus describes the connection state of a platform adapter.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// Persona defines how the bot presents itself on chat platforms.
type Persona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // fallback if no icon_url, e.g. ":robot_face:"
}

// splitMessage breaks s into chunks of at most limit bytes, preferring
// line boundaries.
func splitMessage(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var out []string
	for len(s) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if s[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
