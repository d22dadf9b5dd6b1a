package command

import (
	"context"
	"fmt"
	"strings"
)

// ProviderSwitcher selects which reasoning provider new turns use.
type ProviderSwitcher interface {
	SetDefault(providerID string) error
	ListProviders() []ProviderInfo
}

// ProviderInfo is one configured provider as shown to users.
type ProviderInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// RegisterProviderCommands registers /providers and /provider.
func RegisterProviderCommands(reg *Registry, switcher ProviderSwitcher) {
	reg.Register(&Command{
		Name:        "providers",
		Description: "List the configured reasoning providers",
		Usage:       "/providers",
		Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: providerList(switcher.ListProviders())}, nil
		},
	})
	reg.Register(&Command{
		Name:        "provider",
		Aliases:     []string{"switch_provider"},
		Description: "Change the reasoning provider for new turns",
		Usage:       "/provider <id>",
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			if args == "" {
				return &CommandResult{Content: providerList(switcher.ListProviders()) + "\nUsage: /provider <id>"}, nil
			}
			if err := switcher.SetDefault(args); err != nil {
				return &CommandResult{Content: "Cannot switch: " + err.Error()}, nil
			}
			return &CommandResult{Content: fmt.Sprintf("New turns now use %s.", args)}, nil
		},
	})
}

func providerList(providers []ProviderInfo) string {
	if len(providers) == 0 {
		return "No providers configured."
	}
	var b strings.Builder
	b.WriteString("Providers (* = current):\n")
	for _, p := range providers {
		mark := " "
		if p.IsDefault {
			mark = "*"
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		fmt.Fprintf(&b, " %s %s [%s]\n", mark, name, p.ID)
	}
	return b.String()
}
