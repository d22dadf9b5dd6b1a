// Package agent drives the reasoning engine for one conversation turn at a
// time: it assembles the prompt, exposes the tools the session gate allows,
// runs tool calls and reports everything as a stream of events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
	"github.com/nidhogg/skill-collator/internal/skill"
)

// ChatRouter sends a chat request to a reasoning engine.
type ChatRouter interface {
	Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Transcript persists conversation messages.
type Transcript interface {
	AppendMessage(ctx context.Context, sessionID string, msg provider.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]provider.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Options tune the engine.
type Options struct {
	Model      string
	MaxTokens  int
	MaxRounds  int
	MaxHistory int
}

const (
	defaultMaxRounds  = 5
	defaultMaxHistory = 40
	defaultMaxTokens  = 4096
)

// Engine runs conversation turns.
type Engine struct {
	router      ChatRouter
	tools       *ToolRegistry
	sessions    *SessionStore
	transcript  Transcript
	audit       events.Publisher
	instruction string
	opts        Options
	logger      *zap.Logger
}

// NewEngine creates an engine that prompts the reasoning engine with
// instruction on every turn.
func NewEngine(router ChatRouter, instruction string, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Engine{
		router:      router,
		tools:       NewToolRegistry(),
		sessions:    NewSessionStore(),
		instruction: instruction,
		opts:        opts,
		logger:      logger,
	}
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// Sessions returns the live sessions.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// SetTranscript enables message persistence.
func (e *Engine) SetTranscript(t Transcript) { e.transcript = t }

// SetAudit publishes user verdicts on pending proposals to p.
func (e *Engine) SetAudit(p events.Publisher) { e.audit = p }

// AwaitingConfirmation reports whether the session has a proposal waiting
// for the user's answer.
func (e *Engine) AwaitingConfirmation(sessionID string) bool {
	s, ok := e.sessions.Get(sessionID)
	return ok && s.Gate.State() == policy.StateAwaitingConfirmation
}

// Snapshot returns the gate state of a session.
func (e *Engine) Snapshot(sessionID string) (policy.Snapshot, bool) {
	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return policy.Snapshot{}, false
	}
	return s.Gate.Snapshot(), true
}

// Reset forgets a session, canceling its running turn. The persisted
// transcript is dropped too so the next turn starts clean.
func (e *Engine) Reset(sessionID string) bool {
	ok := e.sessions.Delete(sessionID)
	if e.transcript != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.transcript.DeleteSession(ctx, sessionID); err != nil {
			e.logger.Warn("delete transcript failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
	return ok
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return uuid.New().String() }

// Turn processes one user message in the session identified by sessionID,
// creating the session on first use. Events are passed to emit in order and
// the last one is always EventDone. Failures never reach the user as text:
// they are replaced by Apology. The returned error is for logging and
// transport status only.
func (e *Engine) Turn(ctx context.Context, sessionID, text string, emit Emitter) (err error) {
	if emit == nil {
		emit = func(Event) {}
	}
	send := func(ev Event) {
		ev.SessionID = sessionID
		ev.Timestamp = time.Now()
		emit(ev)
	}

	s, created := e.sessions.GetOrCreate(sessionID)
	s.turn.Lock()
	defer s.turn.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("turn panicked", zap.String("session", sessionID), zap.Any("panic", r))
			err = skill.Errorf(skill.KindInternalError, "turn panicked: %v", r)
		}
		if err != nil {
			kind := skill.KindOf(err)
			if kind == skill.KindCanceled {
				e.logger.Info("turn canceled", zap.String("session", sessionID))
				send(Event{Type: EventError, Kind: skill.KindCanceled, Content: "The request was canceled."})
			} else {
				e.logger.Error("turn failed", zap.String("session", sessionID), zap.Error(err))
				send(Event{Type: EventText, Content: Apology})
				send(Event{Type: EventError, Kind: skill.KindInternalError})
			}
		}
		s.Gate.Complete()
		send(Event{Type: EventDone})
	}()

	if created && e.transcript != nil {
		e.restore(ctx, s)
	}

	verdict := s.Gate.ObserveUserTurn(text)
	if verdict != "" {
		e.logger.Debug("user verdict", zap.String("session", sessionID), zap.String("verdict", string(verdict)))
		if e.audit != nil {
			if err := e.audit.Publish(ctx, events.Event{Type: events.TypeVerdict, SessionID: sessionID, Verdict: string(verdict)}); err != nil {
				e.logger.Warn("audit publish failed", zap.Error(err))
			}
		}
	}

	user := provider.Message{Role: provider.RoleUser, Content: text}
	history := s.History()
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: e.instruction})
	msgs = append(msgs, history...)
	msgs = append(msgs, user)
	start := len(msgs) - 1

	req := &provider.ChatRequest{
		Model:     e.opts.Model,
		Messages:  msgs,
		MaxTokens: e.opts.MaxTokens,
	}

	var (
		resp   *provider.ChatResponse
		spoken strings.Builder
		usages []string
	)
	for round := 0; ; round++ {
		if round >= e.opts.MaxRounds {
			// Out of rounds: ask for a final answer without tools.
			req.Tools = nil
			req.ToolChoice = ""
		} else {
			req.Tools = e.tools.Definitions(s.Gate.Tools()...)
			req.ToolChoice = "auto"
		}

		resp, err = e.router.Route(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("route round %d: %w", round+1, err)
		}

		if resp.Content != "" {
			send(Event{Type: EventText, Content: resp.Content})
			spoken.WriteString(resp.Content)
		}
		if len(resp.ToolCalls) == 0 || req.Tools == nil {
			req.Messages = append(req.Messages, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			break
		}

		calls := normalizeCalls(resp.ToolCalls)
		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})

		for _, tc := range calls {
			send(Event{Type: EventToolCall, Tool: tc.Function.Name, CallID: tc.ID, Content: tc.Function.Arguments})
			result := e.runTool(ctx, s, tc)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			send(Event{Type: EventToolResult, Tool: tc.Function.Name, CallID: tc.ID, Content: result})
			if tc.Function.Name == policy.ToolInstall {
				if u := usageFrom(result); u != "" {
					usages = append(usages, u)
				}
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}

		e.logger.Debug("tool round complete",
			zap.String("session", sessionID),
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(calls)))
	}

	// The follow-up command reaches the user even when the model leaves it out.
	var missing []string
	for _, u := range usages {
		if !strings.Contains(spoken.String(), u) {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 {
		hint := "To load the new skill, run: " + strings.Join(missing, " and ")
		send(Event{Type: EventText, Content: hint})
		last := &req.Messages[len(req.Messages)-1]
		last.Content = strings.TrimSpace(last.Content + "\n\n" + hint)
	}

	turn := req.Messages[start:]
	s.appendHistory(turn, e.opts.MaxHistory)
	e.record(ctx, sessionID, turn)
	return nil
}

// usageFrom returns the follow-up command of a successful install result.
func usageFrom(result string) string {
	var r struct {
		Success bool   `json:"success"`
		Usage   string `json:"usage"`
	}
	if err := json.Unmarshal([]byte(result), &r); err != nil || !r.Success {
		return ""
	}
	return r.Usage
}

// runTool executes one call, refusing tools the gate does not expose.
func (e *Engine) runTool(ctx context.Context, s *Session, tc provider.ToolCall) string {
	name := tc.Function.Name
	if !s.Gate.Allows(name) {
		e.logger.Warn("tool not exposed", zap.String("session", s.ID), zap.String("tool", name))
		return errorJSON(fmt.Sprintf("tool %s is not available right now", name))
	}
	result, err := e.tools.Execute(ctx, s, name, tc.Function.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errorJSON("canceled")
		}
		e.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return errorJSON(skill.MessageOf(err))
	}
	return result
}

func (e *Engine) restore(ctx context.Context, s *Session) {
	msgs, err := e.transcript.GetMessages(ctx, s.ID, e.opts.MaxHistory)
	if err != nil {
		e.logger.Warn("restore transcript failed", zap.String("session", s.ID), zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		s.appendHistory(msgs, e.opts.MaxHistory)
	}
}

func (e *Engine) record(ctx context.Context, sessionID string, msgs []provider.Message) {
	if e.transcript == nil {
		return
	}
	for _, m := range msgs {
		if err := e.transcript.AppendMessage(ctx, sessionID, m); err != nil {
			e.logger.Warn("persist message failed", zap.String("session", sessionID), zap.Error(err))
			return
		}
	}
}

func normalizeCalls(calls []provider.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.New().String()[:8]
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		if tc.Function.Arguments == "" {
			tc.Function.Arguments = "{}"
		}
		out[i] = tc
	}
	return out
}
