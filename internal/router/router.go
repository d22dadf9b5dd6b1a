package router

import (
	"context"
	"strings"
	"time"

	"github.com/nidhogg/skill-collator/internal/agent"
	"github.com/nidhogg/skill-collator/internal/command"
	"github.com/nidhogg/skill-collator/internal/gateway"
	"go.uber.org/zap"
)

// DefaultTurnTimeout bounds one conversation turn started from a chat
// platform.
const DefaultTurnTimeout = 3 * time.Minute

// Turner runs one conversation turn.
type Turner interface {
	Turn(ctx context.Context, sessionID, text string, emit agent.Emitter) error
}

// Sender delivers replies to a platform channel.
type Sender interface {
	Send(ctx context.Context, msg *gateway.OutboundMessage) error
}

// MessageRouter routes inbound platform messages to slash commands or to
// the conversation engine, and sends the replies back.
type MessageRouter struct {
	engine   Turner
	gw       Sender
	commands *command.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a new MessageRouter. commands may be nil.
func New(engine Turner, gw Sender, commands *command.Registry, timeout time.Duration, logger *zap.Logger) *MessageRouter {
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	return &MessageRouter{
		engine:   engine,
		gw:       gw,
		commands: commands,
		timeout:  timeout,
		logger:   logger,
	}
}

// Handle routes an inbound message. The turn ends when the message's own
// context is done or the turn timeout passes, whichever comes first.
// Signature matches gateway.MessageHandler.
func (mr *MessageRouter) Handle(msg *gateway.InboundMessage) {
	ctx, cancel := context.WithTimeout(msg.Context(), mr.timeout)
	defer cancel()
	defer mr.finish(ctx, msg)

	sessionID := msg.SessionKey()
	mr.logger.Info("routing message",
		zap.String("platform", msg.Platform),
		zap.String("channel", msg.ChannelID),
		zap.String("user", msg.UserName),
		zap.String("session", sessionID),
	)

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	// Slash commands never reach the model.
	if mr.commands != nil && strings.HasPrefix(content, "/") {
		cc := &command.CommandContext{
			Platform:  msg.Platform,
			ChannelID: msg.ChannelID,
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			SessionID: sessionID,
		}
		result, err := mr.commands.Dispatch(ctx, content, cc)
		if err != nil {
			mr.logger.Error("command dispatch error", zap.Error(err))
			mr.sendReply(ctx, msg, "That command failed. Please try again.")
			return
		}
		mr.sendReply(ctx, msg, result.Content)
		return
	}

	err := mr.engine.Turn(ctx, sessionID, content, func(ev agent.Event) {
		if ev.Type == agent.EventText && ev.Content != "" {
			mr.sendReply(ctx, msg, ev.Content)
		}
	})
	if err != nil {
		// The engine already told the user; keep the detail in the log.
		mr.logger.Warn("turn failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// sendReply sends a text reply back to the originating platform/channel.
func (mr *MessageRouter) sendReply(ctx context.Context, orig *gateway.InboundMessage, text string) {
	err := mr.gw.Send(ctx, &gateway.OutboundMessage{
		Platform:  orig.Platform,
		ChannelID: orig.ChannelID,
		Content:   text,
		ReplyTo:   orig.ReplyTo,
	})
	if err != nil {
		mr.logger.Error("send reply failed", zap.Error(err))
	}
}

// finish marks the end of the replies to msg.
func (mr *MessageRouter) finish(ctx context.Context, orig *gateway.InboundMessage) {
	err := mr.gw.Send(context.WithoutCancel(ctx), &gateway.OutboundMessage{
		Platform:  orig.Platform,
		ChannelID: orig.ChannelID,
		ReplyTo:   orig.ReplyTo,
		Final:     true,
	})
	if err != nil {
		mr.logger.Debug("final marker not delivered", zap.Error(err))
	}
}
