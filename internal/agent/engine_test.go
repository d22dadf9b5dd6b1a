package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
	"github.com/nidhogg/skill-collator/internal/skill"
)

const firebase = "https://github.com/firebase/agent-skills"

// step answers one reasoning request.
type step func(req *provider.ChatRequest) (*provider.ChatResponse, error)

type scriptedRouter struct {
	mu    sync.Mutex
	steps []step
	seen  []*provider.ChatRequest
}

func (r *scriptedRouter) Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	cp.Tools = append([]provider.Tool(nil), req.Tools...)
	r.seen = append(r.seen, &cp)
	if len(r.steps) == 0 {
		return &provider.ChatResponse{Content: "done"}, nil
	}
	s := r.steps[0]
	r.steps = r.steps[1:]
	return s(req)
}

func (r *scriptedRouter) push(steps ...step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, steps...)
}

func (r *scriptedRouter) toolNames(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, t := range r.seen[i].Tools {
		names = append(names, t.Function.Name)
	}
	return names
}

func say(text string) step {
	return func(*provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: text, FinishReason: "stop"}, nil
	}
}

func call(name string, args map[string]string) step {
	return func(*provider.ChatRequest) (*provider.ChatResponse, error) {
		b, _ := json.Marshal(args)
		return &provider.ChatResponse{
			ToolCalls:    []provider.ToolCall{{Function: provider.ToolCallFunction{Name: name, Arguments: string(b)}}},
			FinishReason: "tool_calls",
		}, nil
	}
}

type stubDiscovery struct {
	allow    skill.AllowList
	listings map[string]*skill.Listing
	calls    int
}

func (d *stubDiscovery) ListSkills(ctx context.Context, source string) (*skill.Listing, error) {
	if !d.allow.IsAllowed(source) {
		return nil, d.allow.Reject(source)
	}
	d.calls++
	if l, ok := d.listings[source]; ok {
		return l, nil
	}
	return nil, skill.Errorf(skill.KindUpstreamUnavailable, "failed to fetch: 404 Not Found")
}

type installCall struct{ Source, Name string }

type recordingInstaller struct {
	mu    sync.Mutex
	calls []installCall
	run   func(ctx context.Context, source, name string) skill.InstallResult
}

func (i *recordingInstaller) InstallSkill(ctx context.Context, source, name string) skill.InstallResult {
	i.mu.Lock()
	i.calls = append(i.calls, installCall{source, name})
	i.mu.Unlock()
	if i.run != nil {
		return i.run(ctx, source, name)
	}
	return skill.InstallResult{Success: true, Message: "Successfully added skill " + name + " from " + source + ".", Path: name}
}

func (i *recordingInstaller) Calls() []installCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]installCall(nil), i.calls...)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []events.Event
}

func (a *recordingAudit) Publish(_ context.Context, ev events.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) types() []events.Type {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []events.Type
	for _, ev := range a.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	engine    *Engine
	router    *scriptedRouter
	discovery *stubDiscovery
	installer *recordingInstaller
	audit     *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	allow := skill.DefaultAllowList
	f := &fixture{
		router: &scriptedRouter{},
		discovery: &stubDiscovery{allow: allow, listings: map[string]*skill.Listing{
			firebase: {
				Source: firebase, Owner: "firebase", Repo: "agent-skills", BasePath: "skills/",
				Skills: []skill.Descriptor{{Name: "firebase-auth-basics"}, {Name: "firestore-rules"}},
			},
		}},
		installer: &recordingInstaller{},
		audit:     &recordingAudit{},
	}
	f.engine = NewEngine(f.router, policy.Instruction(allow, "gemini"), Options{Model: "test"}, zap.NewNop())
	f.engine.SetAudit(f.audit)
	RegisterSkillTools(f.engine.Tools(), SkillDeps{
		Allow:     allow,
		Discovery: f.discovery,
		Installer: f.installer,
		Audit:     f.audit,
		CLI:       "gemini",
	}, zap.NewNop())
	return f
}

// turn runs one turn and returns the emitted events.
func (f *fixture) turn(t *testing.T, ctx context.Context, session, text string) ([]Event, error) {
	t.Helper()
	var evs []Event
	err := f.engine.Turn(ctx, session, text, func(ev Event) { evs = append(evs, ev) })
	require.NotEmpty(t, evs)
	assert.Equal(t, EventDone, evs[len(evs)-1].Type, "turn must end with done")
	return evs, err
}

func texts(evs []Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == EventText {
			out = append(out, ev.Content)
		}
	}
	return out
}

func toolResults(evs []Event, tool string) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == EventToolResult && ev.Tool == tool {
			out = append(out, ev.Content)
		}
	}
	return out
}

func proposeSteps() []step {
	return []step{
		call(policy.ToolSearch, map[string]string{"repositoryUrl": firebase}),
		call(policy.ToolPropose, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("I found firebase-auth-basics in " + firebase + ". Shall I install it?"),
	}
}

func TestTurnHappyPathInstallsAfterConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	evs, err := f.turn(t, ctx, "s1", "I need Firebase auth skills from "+firebase)
	require.NoError(t, err)
	assert.Equal(t, []string{"I found firebase-auth-basics in " + firebase + ". Shall I install it?"}, texts(evs))
	assert.Empty(t, f.installer.Calls(), "nothing installs before confirmation")

	search := toolResults(evs, policy.ToolSearch)
	require.Len(t, search, 1)
	assert.Contains(t, search[0], "Found the following skills in skills/: firebase-auth-basics, firestore-rules")

	s, ok := f.engine.Sessions().Get("s1")
	require.True(t, ok)
	assert.Equal(t, policy.StateAwaitingConfirmation, s.Gate.State())

	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("Installed. Run gemini --skills firebase-auth-basics to use it."),
	)
	evs, err = f.turn(t, ctx, "s1", "yes")
	require.NoError(t, err)

	calls := f.installer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, installCall{firebase, "firebase-auth-basics"}, calls[0])
	assert.NotContains(t, texts(evs), "To load the new skill, run: gemini --skills firebase-auth-basics")

	res := toolResults(evs, policy.ToolInstall)
	require.Len(t, res, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res[0]), &out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "gemini --skills firebase-auth-basics", out["usage"])

	assert.Equal(t, policy.StateIdle, s.Gate.State())
	assert.Nil(t, s.Gate.Pending())
	assert.Contains(t, f.audit.types(), events.TypeInstalled)
	assert.Contains(t, f.audit.types(), events.TypeVerdict)

	// History carries both turns; the next request sees them after the system prompt.
	hist := s.History()
	assert.Equal(t, provider.RoleUser, hist[0].Role)
	assert.Equal(t, "yes", func() string {
		for _, m := range hist[1:] {
			if m.Role == provider.RoleUser {
				return m.Content
			}
		}
		return ""
	}())
}

func TestTurnAddsUsageHintWhenModelOmitsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "s1", "add firebase auth from "+firebase)
	require.NoError(t, err)

	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("Done, the skill is installed."),
	)
	evs, err := f.turn(t, ctx, "s1", "yes")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Done, the skill is installed.",
		"To load the new skill, run: gemini --skills firebase-auth-basics",
	}, texts(evs))

	s, _ := f.engine.Sessions().Get("s1")
	hist := s.History()
	assert.Contains(t, hist[len(hist)-1].Content, "gemini --skills firebase-auth-basics")
}

func TestTurnFailedInstallAddsNoUsageHint(t *testing.T) {
	f := newFixture(t)
	f.installer.run = func(context.Context, string, string) skill.InstallResult {
		return skill.Failed(skill.KindInstallFailure, "Failed to add skill", "exit status 1")
	}
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "s1", "add firebase auth from "+firebase)
	require.NoError(t, err)

	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("The install failed."),
	)
	evs, err := f.turn(t, ctx, "s1", "yes")
	require.NoError(t, err)
	assert.Equal(t, []string{"The install failed."}, texts(evs))
}

func TestTurnRootListingPassesRepositoryPath(t *testing.T) {
	f := newFixture(t)
	f.discovery.listings[firebase].BasePath = ""
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "s1", "add firebase auth from "+firebase)
	require.NoError(t, err)
	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("Installed, run gemini --skills firebase-auth-basics."),
	)
	_, err = f.turn(t, ctx, "s1", "yes")
	require.NoError(t, err)

	calls := f.installer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, installCall{firebase, "./firebase-auth-basics"}, calls[0])
}

func TestInstallToolHiddenUntilAffirmative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "s1", "add firebase auth from "+firebase)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.NotContains(t, f.router.toolNames(i), policy.ToolInstall)
	}

	f.router.push(say("Sure, which one?"))
	_, err = f.turn(t, ctx, "s1", "hmm what else is there?")
	require.NoError(t, err)
	assert.NotContains(t, f.router.toolNames(3), policy.ToolInstall)
}

func TestTurnUnverifiedSourceNeverInstalls(t *testing.T) {
	f := newFixture(t)
	evil := "https://github.com/evil/skills"

	f.router.push(
		call(policy.ToolSearch, map[string]string{"repositoryUrl": evil}),
		call(policy.ToolPropose, map[string]string{"repositoryUrl": evil, "skillName": "backdoor"}),
		say("I can only install skills from verified sources."),
	)
	evs, err := f.turn(t, context.Background(), "s1", "install from "+evil)
	require.NoError(t, err)

	search := toolResults(evs, policy.ToolSearch)
	require.Len(t, search, 1)
	assert.Contains(t, search[0], `"success":false`)
	assert.Contains(t, search[0], "verified source")
	assert.Contains(t, search[0], string(skill.KindSourceNotAllowed))

	propose := toolResults(evs, policy.ToolPropose)
	require.Len(t, propose, 1)
	assert.Contains(t, propose[0], `"success":false`)

	assert.Equal(t, 0, f.discovery.calls)
	assert.Empty(t, f.installer.Calls())
}

func TestTurnDeclineDiscardsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "s1", "firebase auth please, from "+firebase)
	require.NoError(t, err)

	// A model that ignores the refusal still cannot install.
	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("Okay, I won't install it. What would you like instead?"),
	)
	evs, err := f.turn(t, ctx, "s1", "no")
	require.NoError(t, err)

	assert.NotContains(t, f.router.toolNames(3), policy.ToolInstall)
	res := toolResults(evs, policy.ToolInstall)
	require.Len(t, res, 1)
	assert.Contains(t, res[0], "not available")
	assert.Empty(t, f.installer.Calls())

	s, _ := f.engine.Sessions().Get("s1")
	assert.Nil(t, s.Gate.Pending())
	assert.Equal(t, policy.StateAwaitingClarification, s.Gate.State())
}

func TestTurnAuthorizeRejectsMismatchedSkill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "s1", "firebase auth from "+firebase)
	require.NoError(t, err)

	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firestore-rules"}),
		say("Something went wrong."),
	)
	evs, err := f.turn(t, ctx, "s1", "yes")
	require.NoError(t, err)

	res := toolResults(evs, policy.ToolInstall)
	require.Len(t, res, 1)
	assert.Contains(t, res[0], "Install refused")
	assert.Empty(t, f.installer.Calls())
	assert.Contains(t, f.audit.types(), events.TypeRefused)
}

func TestTurnApologizesOnRouterError(t *testing.T) {
	f := newFixture(t)
	f.router.push(func(*provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, errors.New("upstream exploded: secret detail")
	})

	evs, err := f.turn(t, context.Background(), "s1", "hello")
	require.Error(t, err)
	assert.Equal(t, []string{Apology}, texts(evs))
	for _, ev := range evs {
		assert.NotContains(t, ev.Content, "secret detail")
	}
	var kinds []skill.Kind
	for _, ev := range evs {
		if ev.Type == EventError {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []skill.Kind{skill.KindInternalError}, kinds)
}

func TestTurnRecoversToolPanic(t *testing.T) {
	f := newFixture(t)
	f.engine.Tools().Register(provider.NewTool(policy.ToolSearch, "shadow", nil),
		func(context.Context, *Session, string) (string, error) { panic("boom") })
	f.router.push(call(policy.ToolSearch, map[string]string{"repositoryUrl": firebase}))

	evs, err := f.turn(t, context.Background(), "s1", "list skills in "+firebase)
	require.Error(t, err)
	assert.Equal(t, skill.KindInternalError, skill.KindOf(err))
	assert.Equal(t, []string{Apology}, texts(evs))
}

func TestTurnCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	evs, err := f.turn(t, ctx, "s1", "hello")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, texts(evs), "no apology for a canceled turn")
	require.Len(t, evs, 2)
	assert.Equal(t, EventError, evs[0].Type)
	assert.Equal(t, skill.KindCanceled, evs[0].Kind)
}

func TestTurnStopsOfferingToolsAfterMaxRounds(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < defaultMaxRounds; i++ {
		f.router.push(call(policy.ToolSearch, map[string]string{"repositoryUrl": firebase}))
	}
	f.router.push(say("Here is what I found."))

	evs, err := f.turn(t, context.Background(), "s1", "look around")
	require.NoError(t, err)
	assert.Equal(t, []string{"Here is what I found."}, texts(evs))
	assert.Len(t, f.router.seen, defaultMaxRounds+1)
	assert.Empty(t, f.router.seen[defaultMaxRounds].Tools)
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.push(proposeSteps()...)
	_, err := f.turn(t, ctx, "alice", "firebase auth from "+firebase)
	require.NoError(t, err)

	// Bob's "yes" has nothing to approve.
	f.router.push(
		call(policy.ToolInstall, map[string]string{"repositoryUrl": firebase, "skillName": "firebase-auth-basics"}),
		say("ok"),
	)
	evs, err := f.turn(t, ctx, "bob", "yes")
	require.NoError(t, err)
	assert.Contains(t, toolResults(evs, policy.ToolInstall)[0], "not available")
	assert.Empty(t, f.installer.Calls())

	alice, _ := f.engine.Sessions().Get("alice")
	assert.Equal(t, policy.StateAwaitingConfirmation, alice.Gate.State())
}

func TestTrimHistoryCutsAtUserMessage(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.RoleUser, Content: "a"},
		{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "1"}}},
		{Role: provider.RoleTool, ToolCallID: "1"},
		{Role: provider.RoleAssistant, Content: "x"},
		{Role: provider.RoleUser, Content: "b"},
		{Role: provider.RoleAssistant, Content: "y"},
	}
	got := trimHistory(msgs, 4)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Content)
	assert.Len(t, trimHistory(msgs, 10), 6)
}

func TestCollect(t *testing.T) {
	emit, replies := Collect()
	emit(Event{Type: EventToolCall, Content: "{}"})
	emit(Event{Type: EventText, Content: "one"})
	emit(Event{Type: EventText, Content: "two"})
	emit(Event{Type: EventDone})
	assert.Equal(t, []string{"one", "two"}, replies())
}

type memoryTranscript struct {
	mu      sync.Mutex
	msgs    map[string][]provider.Message
	deleted []string
}

func (m *memoryTranscript) AppendMessage(_ context.Context, id string, msg provider.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[id] = append(m.msgs[id], msg)
	return nil
}

func (m *memoryTranscript) GetMessages(_ context.Context, id string, limit int) ([]provider.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.msgs[id]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]provider.Message(nil), msgs...), nil
}

func (m *memoryTranscript) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func TestTranscriptRestoreAndReset(t *testing.T) {
	router := &scriptedRouter{}
	tr := &memoryTranscript{msgs: map[string][]provider.Message{}}

	first := NewEngine(router, "be careful", Options{}, zap.NewNop())
	first.SetTranscript(tr)
	router.push(say("Hello there."))
	require.NoError(t, first.Turn(context.Background(), "s1", "hi", nil))
	require.Len(t, tr.msgs["s1"], 2)

	// A restarted process picks the conversation up from the transcript.
	second := NewEngine(router, "be careful", Options{}, zap.NewNop())
	second.SetTranscript(tr)
	router.push(say("Welcome back."))
	require.NoError(t, second.Turn(context.Background(), "s1", "again", nil))

	last := router.seen[len(router.seen)-1].Messages
	require.Len(t, last, 4, "system, restored user and assistant, new user")
	assert.Equal(t, "hi", last[1].Content)
	assert.Equal(t, "Hello there.", last[2].Content)

	assert.True(t, second.Reset("s1"))
	assert.Equal(t, []string{"s1"}, tr.deleted)
	assert.Empty(t, tr.msgs["s1"])
	_, ok := second.Snapshot("s1")
	assert.False(t, ok)
}
