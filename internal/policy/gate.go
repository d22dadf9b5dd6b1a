// Package policy holds the dialogue contract of the collator agent and the
// per-session gate that enforces the human confirmation step mechanically:
// the install tool is only surfaced, and only accepted, right after the user
// approved the exact pending proposal.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/skill-collator/internal/skill"
)

// Tool names understood by the gate.
const (
	ToolSearch  = "search_agent_skills"
	ToolPropose = "propose_skill_install"
	ToolInstall = "add_agent_skills"
)

var (
	ErrNotDiscovered  = errors.New("skill was not returned by discovery for this repository")
	ErrNotArmed       = errors.New("no confirmed install proposal")
	ErrIntentMismatch = errors.New("install does not match the confirmed proposal")
	ErrBusy           = errors.New("an install is already executing")
)

// Intent is a pending install proposal. It lives only until the next user
// turn resolves it.
type Intent struct {
	Source     string    `json:"source"`
	Skill      string    `json:"skill"`
	Path       string    `json:"path"` // install reference relative to the repository
	ProposedAt time.Time `json:"proposed_at"`
}

// Snapshot is a read-only view of a gate.
type Snapshot struct {
	State   State               `json:"state"`
	Pending *Intent             `json:"pending,omitempty"`
	Armed   bool                `json:"armed"`
	Known   map[string][]string `json:"known,omitempty"`
	Verdict Verdict             `json:"last_verdict,omitempty"`
}

// Gate is the confirmation state machine of one session.
type Gate struct {
	mu       sync.Mutex
	state    State
	intent   *Intent
	armed    bool
	verdict  Verdict
	listings map[string]*skill.Listing
	now      func() time.Time
}

// NewGate returns a gate in the Idle state.
func NewGate() *Gate {
	return &Gate{
		state:    StateIdle,
		listings: make(map[string]*skill.Listing),
		now:      time.Now,
	}
}

// move must be called with mu held.
func (g *Gate) move(to State) error {
	if err := Transition(g.state, to); err != nil {
		return err
	}
	g.state = to
	return nil
}

// State returns the current dialogue state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Armed reports whether the install tool is available this turn.
func (g *Gate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

// Pending returns a copy of the pending intent, if any.
func (g *Gate) Pending() *Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intent == nil {
		return nil
	}
	cp := *g.intent
	return &cp
}

// Snapshot returns the gate state for inspection.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Snapshot{State: g.state, Armed: g.armed, Verdict: g.verdict}
	if g.intent != nil {
		cp := *g.intent
		s.Pending = &cp
	}
	if len(g.listings) > 0 {
		s.Known = make(map[string][]string, len(g.listings))
		for src, l := range g.listings {
			s.Known[src] = l.Names()
		}
	}
	return s
}

// Remember records a discovery listing so its names may be proposed.
// Discovery is read-only and allowed in every state.
func (g *Gate) Remember(l *skill.Listing) {
	if l == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listings[l.Source] = l
	if g.state == StateIdle || g.state == StateAwaitingClarification {
		_ = g.move(StateProposingInstall)
	}
}

// Propose records the intent to install name from source and waits for the
// user's answer. Only names discovery returned for source are accepted.
// A new proposal replaces any earlier one, including an approved one.
func (g *Gate) Propose(source, name string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.listings[source]
	if !ok || !l.Has(name) {
		return Intent{}, fmt.Errorf("%w: %s in %s", ErrNotDiscovered, name, source)
	}
	if err := g.move(StateAwaitingConfirmation); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	path := "./" + name
	if l.BasePath != "" {
		path = l.BasePath + name
	}
	g.intent = &Intent{Source: source, Skill: name, Path: path, ProposedAt: g.now()}
	g.armed = false
	return *g.intent, nil
}

// ObserveUserTurn resolves the pending intent against a new user message and
// must run before the reasoning engine sees it. An affirmative reply arms the
// install for this turn; anything else discards the intent. An approval left
// unused by the previous turn is dropped here too.
func (g *Gate) ObserveUserTurn(text string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateExecuting {
		g.state = StateIdle
	}
	if g.armed {
		g.armed = false
		g.intent = nil
		_ = g.move(StateIdle)
	}
	if g.intent == nil {
		g.verdict = ""
		return ""
	}

	// Naming the proposed skill in the reply is fine ("yes, install foo").
	reply := strings.ReplaceAll(strings.ToLower(text), strings.ToLower(g.intent.Skill), " ")
	v := Classify(reply)
	g.verdict = v
	switch v {
	case Affirmative:
		g.armed = true
	case Negative:
		g.intent = nil
		_ = g.move(StateAwaitingClarification)
	default:
		g.intent = nil
		_ = g.move(StateProposingInstall)
	}
	return v
}

// Tools returns the tool names the reasoning engine may see right now.
func (g *Gate) Tools() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	tools := []string{ToolSearch, ToolPropose}
	if g.armed {
		tools = append(tools, ToolInstall)
	}
	return tools
}

// Allows reports whether tool is currently exposed.
func (g *Gate) Allows(tool string) bool {
	for _, t := range g.Tools() {
		if t == tool {
			return true
		}
	}
	return false
}

// Authorize consumes the approval for exactly (source, name) and moves the
// gate to Executing. Complete must follow.
func (g *Gate) Authorize(source, name string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.armed || g.intent == nil {
		return Intent{}, ErrNotArmed
	}
	if g.intent.Source != source || g.intent.Skill != name {
		return Intent{}, fmt.Errorf("%w: confirmed %s from %s", ErrIntentMismatch, g.intent.Skill, g.intent.Source)
	}
	if err := g.move(StateExecuting); err != nil {
		return Intent{}, err
	}
	in := *g.intent
	g.intent = nil
	g.armed = false
	return in, nil
}

// Complete ends an execution and returns to Idle.
func (g *Gate) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateExecuting {
		_ = g.move(StateIdle)
	}
}

// Reset drops every pending intent and remembered listing.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateIdle
	g.intent = nil
	g.armed = false
	g.verdict = ""
	g.listings = make(map[string]*skill.Listing)
}
