package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/agent"
	"github.com/nidhogg/skill-collator/internal/skill"
)

// JSON-RPC and A2A error codes.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeTaskNotFound      = -32001
	CodeTaskNotCancelable = -32002
)

const maxBodyBytes = 1 << 20

// Agent runs conversation turns. The context ID of a task is the session.
type Agent interface {
	Turn(ctx context.Context, sessionID, text string, emit agent.Emitter) error
	AwaitingConfirmation(sessionID string) bool
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC response envelope.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type sendParams struct {
	Message       Message `json:"message"`
	Configuration struct {
		HistoryLength *int `json:"historyLength,omitempty"`
	} `json:"configuration"`
}

type taskIDParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Server serves the A2A JSON-RPC endpoint and the agent card.
type Server struct {
	agent   Agent
	store   TaskStore
	card    *AgentCard
	mu      sync.Mutex
	running map[string]*running
	logger  *zap.Logger
}

// NewServer creates an A2A server. A nil store keeps tasks in memory.
func NewServer(a Agent, store TaskStore, card *AgentCard, logger *zap.Logger) *Server {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Server{
		agent:   a,
		store:   store,
		card:    card,
		running: make(map[string]*running),
		logger:  logger,
	}
}

// Card returns the agent card.
func (s *Server) Card() *AgentCard { return s.card }

// HandleCard serves GET /.well-known/agent.json.
func (s *Server) HandleCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

// ServeHTTP handles POST /a2a.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeRPC(w, Response{Error: &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, Response{ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}})
		return
	}

	s.logger.Debug("a2a request", zap.String("method", req.Method))

	switch req.Method {
	case "message/send":
		var p sendParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			writeRPC(w, errorResponse(req.ID, CodeInvalidParams, "invalid params: "+err.Error()))
			return
		}
		task, rpcErr := s.send(r.Context(), p.Message, nil)
		if rpcErr != nil {
			writeRPC(w, Response{ID: req.ID, Error: rpcErr})
			return
		}
		writeRPC(w, Response{ID: req.ID, Result: trimHistory(task, p.Configuration.HistoryLength)})

	case "message/stream":
		var p sendParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			writeRPC(w, errorResponse(req.ID, CodeInvalidParams, "invalid params: "+err.Error()))
			return
		}
		s.stream(w, r, req.ID, p.Message)

	case "tasks/get":
		var p taskIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			writeRPC(w, errorResponse(req.ID, CodeInvalidParams, "params.id is required"))
			return
		}
		task, err := s.store.Get(r.Context(), p.ID)
		if err != nil {
			writeRPC(w, Response{ID: req.ID, Error: storeError(err)})
			return
		}
		writeRPC(w, Response{ID: req.ID, Result: trimHistory(task, p.HistoryLength)})

	case "tasks/cancel":
		var p taskIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			writeRPC(w, errorResponse(req.ID, CodeInvalidParams, "params.id is required"))
			return
		}
		task, rpcErr := s.cancel(r.Context(), p.ID)
		if rpcErr != nil {
			writeRPC(w, Response{ID: req.ID, Error: rpcErr})
			return
		}
		writeRPC(w, Response{ID: req.ID, Result: task})

	default:
		writeRPC(w, errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method))
	}
}

// send runs one agent turn for msg. notify, when set, receives the task
// snapshot and every status update in order.
func (s *Server) send(ctx context.Context, msg Message, notify func(any)) (*Task, *RPCError) {
	if notify == nil {
		notify = func(any) {}
	}
	text := msg.Text()
	if strings.TrimSpace(text) == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "message has no content"}
	}

	var task *Task
	if msg.TaskID != "" {
		t, err := s.store.Get(ctx, msg.TaskID)
		if err != nil {
			return nil, storeError(err)
		}
		if t.Status.State != StateInputRequired {
			return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("task %s is %s", t.ID, t.Status.State)}
		}
		task = t
	} else {
		contextID := msg.ContextID
		if contextID == "" {
			contextID = uuid.New().String()
		}
		task = NewTask(contextID)
	}

	msg.Kind = "message"
	msg.Role = RoleUser
	msg.ContextID = task.ContextID
	msg.TaskID = task.ID
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	task.History = append(task.History, msg)
	if err := s.store.Save(ctx, task); err != nil {
		return nil, storeError(err)
	}
	notify(clone(task))

	if err := task.Move(StateWorking, nil); err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	if err := s.store.Save(ctx, task); err != nil {
		return nil, storeError(err)
	}
	notify(statusUpdate(task, false))

	// The turn outlives a dropped connection only until it is canceled.
	turnCtx, cancel := context.WithCancel(ctx)
	run := &running{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[task.ID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		cancel()
		close(run.done)
	}()

	var last *Message
	err := s.agent.Turn(turnCtx, task.ContextID, text, func(ev agent.Event) {
		if ev.Type != agent.EventText || ev.Content == "" {
			return
		}
		m := NewAgentMessage(task.ContextID, task.ID, ev.Content)
		task.History = append(task.History, m)
		last = &m
		task.Status = TaskStatus{State: StateWorking, Message: &m, Timestamp: now()}
		notify(statusUpdate(task, false))
	})

	final := StateCompleted
	switch {
	case err != nil && skill.KindOf(err) == skill.KindCanceled:
		final = StateCanceled
	case err != nil:
		s.logger.Warn("a2a turn failed", zap.String("task", task.ID), zap.Error(err))
		final = StateFailed
	case s.agent.AwaitingConfirmation(task.ContextID):
		final = StateInputRequired
	}
	if mErr := task.Move(final, last); mErr != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: mErr.Error()}
	}
	// Persist the outcome even when the caller went away.
	if sErr := s.store.Save(context.WithoutCancel(ctx), task); sErr != nil {
		return nil, storeError(sErr)
	}
	notify(statusUpdate(task, true))
	return task, nil
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, id any, msg Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPC(w, errorResponse(id, CodeInternalError, "streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(resp Response) {
		resp.JSONRPC = "2.0"
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	_, rpcErr := s.send(r.Context(), msg, func(v any) {
		write(Response{ID: id, Result: v})
	})
	if rpcErr != nil {
		write(Response{ID: id, Error: rpcErr})
	}
}

func (s *Server) cancel(ctx context.Context, id string) (*Task, *RPCError) {
	s.mu.Lock()
	run, ok := s.running[id]
	s.mu.Unlock()

	if ok {
		run.cancel()
		select {
		case <-run.done:
		case <-time.After(10 * time.Second):
			return nil, &RPCError{Code: CodeInternalError, Message: "timed out waiting for cancellation"}
		case <-ctx.Done():
			return nil, &RPCError{Code: CodeInternalError, Message: ctx.Err().Error()}
		}
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, storeError(err)
		}
		return t, nil
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if err := t.Move(StateCanceled, t.Status.Message); err != nil {
		return nil, &RPCError{Code: CodeTaskNotCancelable, Message: "task cannot be canceled"}
	}
	if err := s.store.Save(ctx, t); err != nil {
		return nil, storeError(err)
	}
	return t, nil
}

func trimHistory(t *Task, n *int) *Task {
	if n == nil || *n < 0 || len(t.History) <= *n {
		return t
	}
	cp := *t
	cp.History = t.History[len(t.History)-*n:]
	return &cp
}

func storeError(err error) *RPCError {
	if errors.Is(err, ErrTaskNotFound) {
		return &RPCError{Code: CodeTaskNotFound, Message: "task not found"}
	}
	return &RPCError{Code: CodeInternalError, Message: "internal error"}
}

func errorResponse(id any, code int, msg string) Response {
	return Response{ID: id, Error: &RPCError{Code: code, Message: msg}}
}

func writeRPC(w http.ResponseWriter, resp Response) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
