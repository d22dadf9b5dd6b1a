package a2a

import "strings"

// AgentSkill advertises one capability on the agent card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Capabilities lists optional protocol features.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// AgentCard is served at /.well-known/agent.json.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	ProtocolVersion    string       `json:"protocolVersion"`
	PreferredTransport string       `json:"preferredTransport"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
	Skills             []AgentSkill `json:"skills"`
}

// CardInfo is the agent-specific part of a card.
type CardInfo struct {
	Name        string
	Description string
	Version     string
	Skills      []AgentSkill
}

// NewCard builds the card for an agent reachable at baseURL + "/a2a".
func NewCard(baseURL string, info CardInfo) *AgentCard {
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	return &AgentCard{
		Name:               info.Name,
		Description:        info.Description,
		URL:                strings.TrimRight(baseURL, "/") + "/a2a",
		Version:            info.Version,
		ProtocolVersion:    "0.3.0",
		PreferredTransport: "JSONRPC",
		Capabilities:       Capabilities{Streaming: true},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             info.Skills,
	}
}
