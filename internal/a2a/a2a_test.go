package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/agent"
)

type fakeAgent struct {
	mu       sync.Mutex
	inputs   []string
	sessions []string
	replies  []string
	err      error
	awaiting bool
	block    chan struct{} // closed when Turn has started and is blocking
}

func (f *fakeAgent) Turn(ctx context.Context, sessionID, text string, emit agent.Emitter) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	f.sessions = append(f.sessions, sessionID)
	replies, err, block := f.replies, f.err, f.block
	f.mu.Unlock()

	for _, r := range replies {
		emit(agent.Event{Type: agent.EventText, Content: r})
	}
	if block != nil {
		close(block)
		<-ctx.Done()
		emit(agent.Event{Type: agent.EventDone})
		return ctx.Err()
	}
	emit(agent.Event{Type: agent.EventDone})
	return err
}

func (f *fakeAgent) AwaitingConfirmation(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.awaiting
}

func newTestServer(t *testing.T, a Agent) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(a, nil, NewCard("http://localhost:8080/", CardInfo{Name: "SkillsCollatorAgent"}), zap.NewNop())
	mux := http.NewServeMux()
	mux.Handle("/a2a", srv)
	mux.HandleFunc("/.well-known/agent.json", srv.HandleCard)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func rpc(t *testing.T, url, method string, params any) rawResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)
	resp, err := http.Post(url+"/a2a", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "2.0", out.JSONRPC)
	return out
}

func userMessage(contextID string, parts ...Part) map[string]any {
	msg := Message{Kind: "message", MessageID: "m1", Role: RoleUser, Parts: parts, ContextID: contextID}
	return map[string]any{"message": msg}
}

func decodeTask(t *testing.T, raw json.RawMessage) *Task {
	t.Helper()
	var task Task
	require.NoError(t, json.Unmarshal(raw, &task))
	return &task
}

func TestMessageSendRoundTrip(t *testing.T) {
	a := &fakeAgent{replies: []string{"I found firebase-auth-basics.", "Shall I install it?"}}
	_, ts := newTestServer(t, a)

	resp := rpc(t, ts.URL, "message/send", userMessage("ctx-1", TextPart("add firebase auth")))
	require.Nil(t, resp.Error)
	task := decodeTask(t, resp.Result)

	assert.Equal(t, "task", task.Kind)
	assert.Equal(t, "ctx-1", task.ContextID)
	assert.Equal(t, StateCompleted, task.Status.State)
	require.NotNil(t, task.Status.Message)
	assert.Equal(t, "Shall I install it?", task.Status.Message.Text())
	require.Len(t, task.History, 3)
	assert.Equal(t, RoleUser, task.History[0].Role)
	assert.Equal(t, RoleAgent, task.History[1].Role)

	assert.Equal(t, []string{"add firebase auth"}, a.inputs)
	assert.Equal(t, []string{"ctx-1"}, a.sessions)

	got := rpc(t, ts.URL, "tasks/get", map[string]any{"id": task.ID, "historyLength": 1})
	require.Nil(t, got.Error)
	stored := decodeTask(t, got.Result)
	assert.Equal(t, StateCompleted, stored.Status.State)
	assert.Len(t, stored.History, 1)
}

func TestMessageSendGeneratesContextID(t *testing.T) {
	a := &fakeAgent{replies: []string{"hi"}}
	_, ts := newTestServer(t, a)

	resp := rpc(t, ts.URL, "message/send", userMessage("", TextPart("hello")))
	require.Nil(t, resp.Error)
	task := decodeTask(t, resp.Result)
	assert.NotEmpty(t, task.ContextID)
	assert.Equal(t, task.ContextID, a.sessions[0])
}

func TestNonTextPartsBecomePlaceholder(t *testing.T) {
	a := &fakeAgent{replies: []string{"ok"}}
	_, ts := newTestServer(t, a)

	resp := rpc(t, ts.URL, "message/send", userMessage("c",
		TextPart("look at this"),
		Part{Kind: "file", File: map[string]any{"uri": "https://example.com/a.png"}},
	))
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"look at this\n" + Unsupported}, a.inputs)
}

func TestMessageSendInputRequired(t *testing.T) {
	a := &fakeAgent{replies: []string{"Install firebase-auth-basics from https://github.com/firebase/agent-skills?"}, awaiting: true}
	_, ts := newTestServer(t, a)

	resp := rpc(t, ts.URL, "message/send", userMessage("c", TextPart("firebase auth")))
	require.Nil(t, resp.Error)
	task := decodeTask(t, resp.Result)
	assert.Equal(t, StateInputRequired, task.Status.State)

	// The answer continues the same task.
	a.mu.Lock()
	a.awaiting = false
	a.replies = []string{"Installed."}
	a.mu.Unlock()

	msg := Message{Kind: "message", MessageID: "m2", Role: RoleUser, Parts: []Part{TextPart("yes")}, TaskID: task.ID}
	resp = rpc(t, ts.URL, "message/send", map[string]any{"message": msg})
	require.Nil(t, resp.Error)
	next := decodeTask(t, resp.Result)
	assert.Equal(t, task.ID, next.ID)
	assert.Equal(t, StateCompleted, next.Status.State)
	assert.Len(t, next.History, 4)
	assert.Equal(t, []string{"c", "c"}, a.sessions)
}

func TestMessageSendFailedTurn(t *testing.T) {
	a := &fakeAgent{replies: []string{agent.Apology}, err: errors.New("boom")}
	_, ts := newTestServer(t, a)

	resp := rpc(t, ts.URL, "message/send", userMessage("c", TextPart("hi")))
	require.Nil(t, resp.Error)
	task := decodeTask(t, resp.Result)
	assert.Equal(t, StateFailed, task.Status.State)
	assert.Equal(t, agent.Apology, task.Status.Message.Text())
}

func TestMessageSendEmpty(t *testing.T) {
	_, ts := newTestServer(t, &fakeAgent{})
	resp := rpc(t, ts.URL, "message/send", userMessage("c"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestTasksGetUnknown(t *testing.T) {
	_, ts := newTestServer(t, &fakeAgent{})
	resp := rpc(t, ts.URL, "tasks/get", map[string]any{"id": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
}

func TestTasksCancelRunning(t *testing.T) {
	started := make(chan struct{})
	a := &fakeAgent{block: started}
	srv, ts := newTestServer(t, a)

	done := make(chan rawResponse, 1)
	go func() {
		body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "message/send", "params": userMessage("c", TextPart("install everything"))})
		var out rawResponse
		if resp, err := http.Post(ts.URL+"/a2a", "application/json", bytes.NewReader(body)); err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
		}
		done <- out
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	var id string
	srv.mu.Lock()
	for k := range srv.running {
		id = k
	}
	srv.mu.Unlock()
	require.NotEmpty(t, id)

	resp := rpc(t, ts.URL, "tasks/cancel", map[string]any{"id": id})
	require.Nil(t, resp.Error)
	assert.Equal(t, StateCanceled, decodeTask(t, resp.Result).Status.State)

	sent := <-done
	require.Nil(t, sent.Error)
	assert.Equal(t, StateCanceled, decodeTask(t, sent.Result).Status.State)

	// Terminal tasks cannot be canceled again.
	again := rpc(t, ts.URL, "tasks/cancel", map[string]any{"id": id})
	require.NotNil(t, again.Error)
	assert.Equal(t, CodeTaskNotCancelable, again.Error.Code)
}

func TestMessageStream(t *testing.T) {
	a := &fakeAgent{replies: []string{"one", "two"}}
	_, ts := newTestServer(t, a)

	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": "s", "method": "message/stream", "params": userMessage("c", TextPart("hi"))})
	resp, err := http.Post(ts.URL+"/a2a", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var r struct {
			Result map[string]any `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &r))
		events = append(events, r.Result)
	}

	// task, working, one, two, final
	require.Len(t, events, 5)
	assert.Equal(t, "task", events[0]["kind"])
	for _, ev := range events[1:] {
		assert.Equal(t, "status-update", ev["kind"])
	}
	last := events[4]
	assert.Equal(t, true, last["final"])
	assert.Equal(t, "completed", last["status"].(map[string]any)["state"])
	for _, ev := range events[1:4] {
		assert.Equal(t, false, ev["final"])
	}
}

func TestUnknownMethodAndParseError(t *testing.T) {
	_, ts := newTestServer(t, &fakeAgent{})

	resp := rpc(t, ts.URL, "tasks/resubscribe", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)

	r, err := http.Post(ts.URL+"/a2a", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer r.Body.Close()
	var out rawResponse
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, CodeParseError, out.Error.Code)
}

func TestAgentCard(t *testing.T) {
	_, ts := newTestServer(t, &fakeAgent{})

	resp, err := http.Get(ts.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	assert.Equal(t, "http://localhost:8080/a2a", card.URL)
	assert.Equal(t, "SkillsCollatorAgent", card.Name)
	assert.True(t, card.Capabilities.Streaming)
}

func TestTransition(t *testing.T) {
	assert.NoError(t, Transition(StateSubmitted, StateWorking))
	assert.NoError(t, Transition(StateWorking, StateInputRequired))
	assert.NoError(t, Transition(StateInputRequired, StateWorking))
	assert.Error(t, Transition(StateCompleted, StateWorking))
	assert.Error(t, Transition(StateSubmitted, StateCompleted))
	assert.True(t, StateCanceled.Terminal())
	assert.False(t, StateInputRequired.Terminal())
}
