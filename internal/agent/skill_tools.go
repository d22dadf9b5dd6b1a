package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/skill-collator/internal/discovery"
	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/installer"
	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
	"github.com/nidhogg/skill-collator/internal/skill"
)

// SkillDeps are the capabilities behind the skill tools.
type SkillDeps struct {
	Allow     skill.AllowList
	Discovery discovery.Discoverer
	Installer installer.Installer
	Audit     events.Publisher // optional
	CLI       string           // command users run to load a skill
}

type skillArgs struct {
	RepositoryURL string `json:"repositoryUrl"`
	SkillName     string `json:"skillName"`
}

type searchResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Source   string   `json:"source,omitempty"`
	BasePath string   `json:"base_path,omitempty"`
	Skills   []string `json:"skills"`
	Kind     string   `json:"kind,omitempty"`
}

type proposeResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Repository  string `json:"repository,omitempty"`
	Skill       string `json:"skill,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

type installResult struct {
	skill.InstallResult
	Usage string `json:"usage,omitempty"`
}

var repoParam = map[string]any{
	"type":        "string",
	"description": "The URL of the repository containing the skills, e.g. https://github.com/firebase/agent-skills",
}

// RegisterSkillTools adds the discovery, proposal and install tools.
func RegisterSkillTools(reg *ToolRegistry, deps SkillDeps, logger *zap.Logger) {
	if deps.Audit == nil {
		deps.Audit = events.Nop{}
	}
	if deps.CLI == "" {
		deps.CLI = installer.DefaultCLI
	}
	t := &skillTools{deps: deps, logger: logger}

	reg.Register(provider.NewTool(policy.ToolSearch,
		"Lists the skills available in a verified repository. Call this before proposing any skill.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"repositoryUrl": repoParam},
			"required":   []string{"repositoryUrl"},
		}), t.search)

	reg.Register(provider.NewTool(policy.ToolPropose,
		"Records that you are proposing to install one discovered skill. After calling it, tell the user the exact repository and skill name and ask them to confirm. Do not install until they say yes.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repositoryUrl": repoParam,
				"skillName":     map[string]any{"type": "string", "description": "A skill name exactly as returned by search_agent_skills"},
			},
			"required": []string{"repositoryUrl", "skillName"},
		}), t.propose)

	reg.Register(provider.NewTool(policy.ToolInstall,
		"Installs the skill the user just confirmed. Only available right after an explicit yes.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repositoryUrl": repoParam,
				"skillName":     map[string]any{"type": "string", "description": "The confirmed skill name"},
			},
			"required": []string{"repositoryUrl", "skillName"},
		}), t.install)
}

type skillTools struct {
	deps   SkillDeps
	logger *zap.Logger
}

func (t *skillTools) search(ctx context.Context, s *Session, args string) (string, error) {
	var a skillArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", skill.Wrap(skill.KindMalformedURL, err, "invalid arguments")
	}
	source := strings.TrimSpace(a.RepositoryURL)

	listing, err := t.deps.Discovery.ListSkills(ctx, source)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		t.logger.Info("discovery failed", zap.String("source", source), zap.Error(err))
		return marshal(searchResult{
			Success: false,
			Message: "Failed to list skills: " + skill.MessageOf(err),
			Skills:  []string{},
			Kind:    string(skill.KindOf(err)),
		}), nil
	}

	s.Gate.Remember(listing)
	names := listing.Names()
	where := listing.BasePath
	if where == "" {
		where = "root"
	}
	msg := fmt.Sprintf("Found the following skills in %s: %s", where, strings.Join(names, ", "))
	if len(names) == 0 {
		msg = fmt.Sprintf("No skills found in %s.", where)
	}
	t.audit(ctx, events.Event{Type: events.TypeDiscovered, SessionID: s.ID, Source: source, Success: true, Message: msg})

	return marshal(searchResult{
		Success:  true,
		Message:  msg,
		Source:   listing.Source,
		BasePath: listing.BasePath,
		Skills:   names,
	}), nil
}

func (t *skillTools) propose(ctx context.Context, s *Session, args string) (string, error) {
	var a skillArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", skill.Wrap(skill.KindMalformedURL, err, "invalid arguments")
	}
	source := strings.TrimSpace(a.RepositoryURL)
	name := strings.TrimSpace(a.SkillName)

	if !t.deps.Allow.IsAllowed(source) {
		return marshal(proposeResult{Success: false, Message: t.deps.Allow.Reject(source).Message}), nil
	}
	in, err := s.Gate.Propose(source, name)
	if err != nil {
		msg := "Cannot propose this install: " + err.Error()
		if errors.Is(err, policy.ErrNotDiscovered) {
			msg += ". Call " + policy.ToolSearch + " for the repository and propose one of the names it returns."
		}
		return marshal(proposeResult{Success: false, Message: msg}), nil
	}
	t.audit(ctx, events.Event{Type: events.TypeProposed, SessionID: s.ID, Source: in.Source, Skill: in.Skill})

	return marshal(proposeResult{
		Success:    true,
		Message:    "Proposal recorded.",
		Repository: in.Source,
		Skill:      in.Skill,
		Instruction: fmt.Sprintf("Tell the user you propose to install the skill %q from %s and ask them to confirm. "+
			"Stop here and wait for their reply; the install tool becomes available only after they approve.", in.Skill, in.Source),
	}), nil
}

func (t *skillTools) install(ctx context.Context, s *Session, args string) (string, error) {
	var a skillArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", skill.Wrap(skill.KindMalformedURL, err, "invalid arguments")
	}
	source := strings.TrimSpace(a.RepositoryURL)
	name := strings.TrimSpace(a.SkillName)

	in, err := s.Gate.Authorize(source, name)
	if err != nil {
		t.logger.Warn("install refused", zap.String("session", s.ID), zap.String("skill", name), zap.Error(err))
		t.audit(ctx, events.Event{Type: events.TypeRefused, SessionID: s.ID, Source: source, Skill: name, Message: err.Error()})
		return marshal(installResult{InstallResult: skill.Failed(skill.KindInternalError,
			"Install refused: "+err.Error()+". Propose the skill and wait for the user's explicit confirmation.", "")}), nil
	}
	defer s.Gate.Complete()

	res := t.deps.Installer.InstallSkill(ctx, in.Source, installRef(in))
	out := installResult{InstallResult: res}
	ev := events.Event{SessionID: s.ID, Source: in.Source, Skill: in.Skill, Success: res.Success, Kind: string(res.Kind), Message: res.Message}
	if res.Success {
		out.Usage = policy.UsageHint(t.deps.CLI, in.Skill)
		ev.Type = events.TypeInstalled
	} else {
		ev.Type = events.TypeFailed
	}
	t.audit(ctx, ev)

	if res.Kind == skill.KindCanceled {
		return "", context.Canceled
	}
	return marshal(out), nil
}

// installRef is the name handed to the installer: the discovered name when
// the skill lives in the installer's default directory, its path within the
// repository otherwise.
func installRef(in policy.Intent) string {
	if in.Path == "" || in.Path == installer.SkillsDir+"/"+in.Skill {
		return in.Skill
	}
	return in.Path
}

func (t *skillTools) audit(ctx context.Context, ev events.Event) {
	if err := t.deps.Audit.Publish(context.WithoutCancel(ctx), ev); err != nil {
		t.logger.Warn("audit publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return errorJSON(err.Error())
	}
	return string(b)
}

func errorJSON(msg string) string {
	b, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return string(b)
}
