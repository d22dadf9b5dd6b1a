package main

import (
	"github.com/nidhogg/skill-collator/internal/a2a"
	"github.com/nidhogg/skill-collator/internal/agent"
	"github.com/nidhogg/skill-collator/internal/api"
	"github.com/nidhogg/skill-collator/internal/command"
	"github.com/nidhogg/skill-collator/internal/events"
	"github.com/nidhogg/skill-collator/internal/gateway"
	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
)

func cardInfo() a2a.CardInfo {
	return a2a.CardInfo{
		Name:        policy.AgentName,
		Description: policy.AgentDescription,
		Skills: []a2a.AgentSkill{
			{
				ID:          policy.ToolSearch,
				Name:        "Search agent skills",
				Description: "Lists the skills published in a verified repository.",
				Tags:        []string{"skills", "discovery"},
				Examples:    []string{"What skills does https://github.com/firebase/agent-skills offer?"},
			},
			{
				ID:          policy.ToolInstall,
				Name:        "Add agent skills",
				Description: "Installs a skill from a verified repository after you confirm it.",
				Tags:        []string{"skills", "install"},
				Examples:    []string{"I want to add firebase auth"},
			},
		},
	}
}

// gatewayStatus adapts the gateway to the /status command.
type gatewayStatus struct{ gw *gateway.Gateway }

func (g gatewayStatus) StatusAll() []command.AdapterStatus {
	statuses := g.gw.Statuses()
	out := make([]command.AdapterStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, command.AdapterStatus{Platform: s.Platform, Connected: s.Connected, Details: s.Details})
	}
	return out
}

// providerSwitcher adapts the provider router to /provider and /providers.
type providerSwitcher struct{ r *provider.Router }

func (p providerSwitcher) SetDefault(id string) error { return p.r.SetDefault(id) }

func (p providerSwitcher) ListProviders() []command.ProviderInfo {
	def := p.r.DefaultID()
	var out []command.ProviderInfo
	for _, pr := range p.r.ListProviders() {
		out = append(out, command.ProviderInfo{ID: pr.ID(), Name: pr.Name(), IsDefault: pr.ID() == def})
	}
	return out
}

// auditReader keeps a nil bus from becoming a non-nil interface.
func auditReader(bus *events.Bus) api.AuditReader {
	if bus == nil {
		return nil
	}
	return bus
}

var (
	_ a2a.Agent                = (*agent.Engine)(nil)
	_ command.SessionInspector = (*agent.Engine)(nil)
)
