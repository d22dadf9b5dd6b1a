package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRESTTimeout bounds how long a REST caller waits for the replies to
// one message. It must exceed the installer timeout.
const DefaultRESTTimeout = 3 * time.Minute

// RESTAdapter implements GatewayAdapter for HTTP-based message ingestion.
type RESTAdapter struct {
	handler  MessageHandler
	channels map[string]chan *OutboundMessage // channelID -> pending responses
	timeout  time.Duration
	started  time.Time
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRESTAdapter creates a REST gateway adapter. timeout <= 0 uses
// DefaultRESTTimeout.
func NewRESTAdapter(timeout time.Duration, logger *zap.Logger) *RESTAdapter {
	if timeout <= 0 {
		timeout = DefaultRESTTimeout
	}
	return &RESTAdapter{
		channels: make(map[string]chan *OutboundMessage),
		timeout:  timeout,
		logger:   logger,
	}
}

func (a *RESTAdapter) Platform() string { return "rest" }

func (a *RESTAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *RESTAdapter) OnMessage(h MessageHandler) { a.handler = h }

func (a *RESTAdapter) Close() error { return nil }

func (a *RESTAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{Platform: "rest", Connected: true, Details: fmt.Sprintf("waiting=%d", len(a.channels))}
	if !a.started.IsZero() {
		t := a.started
		s.ConnectedAt = &t
	}
	return s
}

// Send delivers a message to a waiting REST channel.
func (a *RESTAdapter) Send(ctx context.Context, msg *OutboundMessage) error {
	a.mu.RLock()
	ch, ok := a.channels[msg.ChannelID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active channel: %s", msg.ChannelID)
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return fmt.Errorf("channel %s buffer full", msg.ChannelID)
	}
}

// Routes returns a chi router with REST gateway endpoints.
func (a *RESTAdapter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/message", a.handleMessage)
	return r
}

// RESTReply is the response to one REST message.
type RESTReply struct {
	SessionID string   `json:"session_id"`
	Replies   []string `json:"replies"`
}

// handleMessage accepts an inbound message via HTTP and waits for every
// reply to it.
func (a *RESTAdapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		UserName  string `json:"user_name"`
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	channelID := uuid.New().String()
	ch := make(chan *OutboundMessage, 16)

	a.mu.Lock()
	a.channels[channelID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.channels, channelID)
		a.mu.Unlock()
	}()

	msg := &InboundMessage{
		Platform:  "rest",
		ChannelID: channelID,
		UserID:    req.UserID,
		UserName:  req.UserName,
		Content:   req.Content,
		Timestamp: time.Now(),
		SessionID: req.SessionID,
	}
	if msg.SessionID == "" {
		// Without a session ID every request would start a new session.
		msg.SessionID = "rest:" + req.UserID
	}
	if a.handler == nil {
		writeError(w, http.StatusServiceUnavailable, "no handler")
		return
	}
	// The turn runs on the request context: a caller that disconnects or
	// times out cancels it, and with it any install in flight.
	go a.handler(msg.WithContext(r.Context()))

	reply := RESTReply{SessionID: msg.SessionID, Replies: []string{}}
	timeout := time.NewTimer(a.timeout)
	defer timeout.Stop()
	for {
		select {
		case out := <-ch:
			if out.Content != "" {
				reply.Replies = append(reply.Replies, out.Content)
			}
			if out.Final {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(reply)
				return
			}
		case <-timeout.C:
			a.logger.Warn("rest reply timeout", zap.String("session", msg.SessionID))
			writeError(w, http.StatusGatewayTimeout, "response timeout")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
