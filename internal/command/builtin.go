package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/skill"
)

// ---------------------------------------------------------------------------
// Interfaces, kept here so builtin commands avoid importing concrete types.
// ---------------------------------------------------------------------------

// SkillDiscoverer lists the skills of a repository.
type SkillDiscoverer interface {
	ListSkills(ctx context.Context, source string) (*skill.Listing, error)
}

// InstalledLister lists skills present in the workspace.
type InstalledLister func() ([]*skill.Manifest, error)

// SessionInspector exposes the confirmation state of sessions.
type SessionInspector interface {
	Snapshot(sessionID string) (policy.Snapshot, bool)
	Reset(sessionID string) bool
}

// StatusProvider provides adapter connection status.
type StatusProvider interface {
	StatusAll() []AdapterStatus
}

// AdapterStatus describes the connection state of a platform adapter.
type AdapterStatus struct {
	Platform  string
	Connected bool
	Details   string
}

// Deps are the capabilities the builtin commands use. Nil members disable
// the commands that need them.
type Deps struct {
	Discovery SkillDiscoverer
	Installed InstalledLister
	Sessions  SessionInspector
	Status    StatusProvider
	CLI       string
}

// RegisterBuiltins registers /help, /skills, /installed, /pending, /reset
// and /status.
func RegisterBuiltins(reg *Registry, deps Deps) {
	reg.Register(helpCommand(reg))
	if deps.Discovery != nil {
		reg.Register(skillsCommand(deps.Discovery))
	}
	if deps.Installed != nil {
		reg.Register(installedCommand(deps.Installed, deps.CLI))
	}
	if deps.Sessions != nil {
		reg.Register(pendingCommand(deps.Sessions))
		reg.Register(resetCommand(deps.Sessions))
	}
	if deps.Status != nil {
		reg.Register(statusCommand(deps.Status))
	}
}

// ---------------------------------------------------------------------------
// /help
// ---------------------------------------------------------------------------

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			cmds := reg.List()
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range cmds {
				fmt.Fprintf(&b, "  /%s - %s\n", c.Name, c.Description)
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			b.WriteString("Anything else is sent to the skills agent.")
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /skills
// ---------------------------------------------------------------------------

func skillsCommand(d SkillDiscoverer) *Command {
	return &Command{
		Name:        "skills",
		Description: "List the skills a verified repository offers (read-only)",
		Usage:       "/skills <repository-url>",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			source := strings.TrimSpace(args)
			if source == "" {
				return &CommandResult{Content: "Usage: /skills <repository-url>"}, nil
			}
			listing, err := d.ListSkills(ctx, source)
			if err != nil {
				if skill.KindOf(err) == skill.KindCanceled {
					return nil, err
				}
				return &CommandResult{
					Content: "Could not list skills: " + skill.MessageOf(err),
					Data:    map[string]string{"kind": string(skill.KindOf(err))},
				}, nil
			}
			if len(listing.Skills) == 0 {
				return &CommandResult{Content: "No skills found in " + source + ".", Data: listing}, nil
			}
			where := listing.BasePath
			if where == "" {
				where = "root"
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Skills in %s (%s):\n", source, where)
			for _, name := range listing.Names() {
				fmt.Fprintf(&b, "  - %s\n", name)
			}
			return &CommandResult{Content: strings.TrimRight(b.String(), "\n"), Data: listing}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /installed
// ---------------------------------------------------------------------------

func installedCommand(list InstalledLister, cli string) *Command {
	return &Command{
		Name:        "installed",
		Description: "List skills installed in the workspace",
		Usage:       "/installed",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			manifests, err := list()
			if err != nil {
				return nil, fmt.Errorf("list installed skills: %w", err)
			}
			if len(manifests) == 0 {
				return &CommandResult{Content: "No skills installed yet."}, nil
			}
			var b strings.Builder
			b.WriteString("Installed skills:\n")
			for _, m := range manifests {
				fmt.Fprintf(&b, "  %s", m.Name)
				if m.Description != "" {
					fmt.Fprintf(&b, " - %s", m.Description)
				}
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "Load one with: %s", policy.UsageHint(cli, "<name>"))
			return &CommandResult{Content: b.String(), Data: manifests}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /pending and /reset
// ---------------------------------------------------------------------------

func pendingCommand(sessions SessionInspector) *Command {
	return &Command{
		Name:        "pending",
		Description: "Show the install proposal waiting for your answer",
		Usage:       "/pending",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			snap, ok := sessions.Snapshot(cc.SessionID)
			if !ok || snap.Pending == nil {
				return &CommandResult{Content: "Nothing is waiting for confirmation."}, nil
			}
			p := snap.Pending
			return &CommandResult{
				Content: fmt.Sprintf("Waiting for your confirmation to install %s from %s. Reply yes to install or no to cancel.", p.Skill, p.Source),
				Data:    snap,
			}, nil
		},
	}
}

func resetCommand(sessions SessionInspector) *Command {
	return &Command{
		Name:        "reset",
		Description: "Forget this conversation and any pending proposal",
		Usage:       "/reset",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			if !sessions.Reset(cc.SessionID) {
				return &CommandResult{Content: "Nothing to reset."}, nil
			}
			return &CommandResult{Content: "Conversation reset."}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /status
// ---------------------------------------------------------------------------

func statusCommand(provider StatusProvider) *Command {
	return &Command{
		Name:        "status",
		Description: "Show adapter connection status",
		Usage:       "/status",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			adapters := provider.StatusAll()
			if len(adapters) == 0 {
				return &CommandResult{Content: "No adapters configured."}, nil
			}
			var b strings.Builder
			b.WriteString("Adapter status:\n")
			for _, a := range adapters {
				state := "disconnected"
				if a.Connected {
					state = "connected"
				}
				fmt.Fprintf(&b, "  %s: %s", a.Platform, state)
				if a.Details != "" {
					fmt.Fprintf(&b, " (%s)", a.Details)
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}
