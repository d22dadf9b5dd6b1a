package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/a2a"
	"github.com/nidhogg/skill-collator/internal/agent"
	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/gateway"
	"github.com/nidhogg/skill-collator/internal/provider"
	"github.com/nidhogg/skill-collator/internal/skill"
)

type echoRouter struct{}

func (echoRouter) Route(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &provider.ChatResponse{Content: "you said: " + last.Content}, nil
}

type stubDiscovery struct{}

func (stubDiscovery) ListSkills(_ context.Context, source string) (*skill.Listing, error) {
	allow := skill.DefaultAllowList
	if !allow.IsAllowed(source) {
		return nil, allow.Reject(source)
	}
	if strings.Contains(source, "down") {
		return nil, skill.Errorf(skill.KindUpstreamUnavailable, "GitHub returned 502")
	}
	return &skill.Listing{Source: source, Owner: "firebase", Repo: "agent-skills", BasePath: "skills",
		Skills: []skill.Descriptor{{Name: "firebase-auth-basics"}}}, nil
}

type stubAudit struct{ err error }

func (s stubAudit) Recent(context.Context, int64) ([]events.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []events.Event{{ID: "1-0", Type: events.TypeInstalled, Skill: "firebase-auth-basics", Success: true}}, nil
}

type failingPing struct{}

func (failingPing) Ping(context.Context) error { return errors.New("connection refused") }

// newTestHandler creates a Handler wired with in-memory deps only.
func newTestHandler(t *testing.T, mutate func(*Deps)) (*agent.Engine, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	engine := agent.NewEngine(echoRouter{}, "be careful", agent.Options{}, logger)
	gw := gateway.NewGateway(logger)
	restGW := gateway.NewRESTAdapter(0, logger)
	gw.Register(restGW)

	providers := provider.NewRouter(logger)
	providers.Register(provider.NewOpenAIProvider(provider.ProviderConfig{ID: "openai", Name: "OpenAI"}, logger))

	deps := Deps{
		Engine:    engine,
		Discovery: stubDiscovery{},
		Installed: func() ([]*skill.Manifest, error) {
			return []*skill.Manifest{{Name: "firebase-auth-basics", Description: "Auth"}}, nil
		},
		RESTGW:    restGW,
		Gateway:   gw,
		A2A:       a2a.NewServer(engine, nil, a2a.NewCard("http://collator.test/", a2a.CardInfo{Name: "collator"}), logger),
		Providers: providers,
		Audit:     stubAudit{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	ts := httptest.NewServer(NewHandler(deps, logger).Router())
	t.Cleanup(ts.Close)
	return engine, ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

// --- Tests ---

func TestBanner(t *testing.T) {
	_, ts := newTestHandler(t, nil)
	resp := getJSON(t, ts, "/")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != Banner {
		t.Fatalf("banner = %d %q", resp.StatusCode, body)
	}
}

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t, nil)
	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}

	_, ts = newTestHandler(t, func(d *Deps) { d.Checks = map[string]Pinger{"postgres": failingPing{}} })
	resp = getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded: expected 503, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &body)
	if body["postgres"] != "unavailable" {
		t.Errorf("body = %v", body)
	}
}

func TestDiscoverSkills(t *testing.T) {
	_, ts := newTestHandler(t, nil)

	resp := getJSON(t, ts, "/api/skills/discover?repo=https://github.com/firebase/agent-skills")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var listing skill.Listing
	decodeJSON(t, resp, &listing)
	if len(listing.Skills) != 1 || listing.Skills[0].Name != "firebase-auth-basics" {
		t.Errorf("listing = %+v", listing)
	}

	cases := map[string]int{
		"/api/skills/discover": http.StatusBadRequest,
		"/api/skills/discover?repo=https://github.com/evil/skills":   http.StatusForbidden,
		"/api/skills/discover?repo=https://github.com/firebase/down": http.StatusBadGateway,
	}
	for path, want := range cases {
		resp := getJSON(t, ts, path)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestInstalledSkills(t *testing.T) {
	_, ts := newTestHandler(t, nil)
	var got []skill.Manifest
	decodeJSON(t, getJSON(t, ts, "/api/skills/installed"), &got)
	if len(got) != 1 || got[0].Name != "firebase-auth-basics" {
		t.Errorf("installed = %+v", got)
	}

	_, ts = newTestHandler(t, func(d *Deps) { d.Installed = nil })
	resp := getJSON(t, ts, "/api/skills/installed")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	engine, ts := newTestHandler(t, nil)

	resp := getJSON(t, ts, "/api/sessions/s1")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("unknown session: expected 404, got %d", resp.StatusCode)
	}

	if err := engine.Turn(context.Background(), "s1", "hello", nil); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	var view map[string]any
	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1"), &view)
	if view["id"] != "s1" || view["messages"].(float64) != 2 {
		t.Errorf("session = %v", view)
	}
	gate, _ := view["gate"].(map[string]any)
	if gate["state"] != "idle" {
		t.Errorf("gate = %v", gate)
	}

	var list []map[string]any
	decodeJSON(t, getJSON(t, ts, "/api/sessions"), &list)
	if len(list) != 1 {
		t.Errorf("sessions = %v", list)
	}

	resp = deleteReq(t, ts, "/api/sessions/s1")
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}
	resp = deleteReq(t, ts, "/api/sessions/s1")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestProvidersAndAudit(t *testing.T) {
	_, ts := newTestHandler(t, nil)

	var provs []providerView
	decodeJSON(t, getJSON(t, ts, "/api/providers"), &provs)
	if len(provs) != 1 || !provs[0].Default {
		t.Errorf("providers = %+v", provs)
	}

	var evts []events.Event
	decodeJSON(t, getJSON(t, ts, "/api/audit?count=5"), &evts)
	if len(evts) != 1 || evts[0].Type != events.TypeInstalled {
		t.Errorf("audit = %+v", evts)
	}
	resp := getJSON(t, ts, "/api/audit?count=-1")
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("bad count: expected 400, got %d", resp.StatusCode)
	}

	_, ts = newTestHandler(t, func(d *Deps) { d.Audit = stubAudit{err: errors.New("redis down")} })
	resp = getJSON(t, ts, "/api/audit")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("audit error: expected 502, got %d", resp.StatusCode)
	}
}

func TestGatewayRoutes(t *testing.T) {
	_, ts := newTestHandler(t, nil)

	var statuses []gateway.AdapterStatus
	decodeJSON(t, getJSON(t, ts, "/api/gateway/status"), &statuses)
	if len(statuses) != 1 || statuses[0].Platform != "rest" {
		t.Errorf("statuses = %+v", statuses)
	}

	resp, err := http.Post(ts.URL+"/api/gateway/rest/message", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message: expected 400, got %d", resp.StatusCode)
	}
}

func TestAgentCardAndA2A(t *testing.T) {
	_, ts := newTestHandler(t, nil)

	var card a2a.AgentCard
	decodeJSON(t, getJSON(t, ts, "/.well-known/agent.json"), &card)
	if card.URL != "http://collator.test/a2a" || !card.Capabilities.Streaming {
		t.Errorf("card = %+v", card)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"kind":"message","messageId":"m1","role":"user","parts":[{"kind":"text","text":"hi"}],"contextId":"ctx-9"}}}`
	resp, err := http.Post(ts.URL+"/a2a", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var rpc struct {
		Result a2a.Task `json:"result"`
	}
	decodeJSON(t, resp, &rpc)
	if rpc.Result.ContextID != "ctx-9" || rpc.Result.Status.State != a2a.StateCompleted {
		t.Errorf("task = %+v", rpc.Result)
	}
}
