package policy

import (
	"fmt"
	"strings"

	"github.com/nidhogg/skill-collator/internal/skill"
)

// AgentName and AgentDescription identify the agent to callers.
const (
	AgentName        = "SkillsCollatorAgent"
	AgentDescription = "An agent that fetches and collates necessary AI development skills for user projects."
)

// Instruction renders the behavioural contract handed to the reasoning
// engine as its system prompt. cli is the command users run to load an
// installed skill.
func Instruction(allow skill.AllowList, cli string) string {
	if cli == "" {
		cli = "gemini"
	}
	example := "https://github.com/firebase/agent-skills"
	if len(allow) > 0 && !strings.HasPrefix(example, allow[0]) {
		example = allow[0] + "<repository>"
	}

	var b strings.Builder
	b.WriteString("You are a Remote Skills Collator Agent.\n")
	b.WriteString("Your purpose is to take a user's intent and fetch the right agent skills to help them accomplish their task.\n")
	b.WriteString("A user will describe what they want to achieve (e.g., \"I want to add firebase authentication to my web app but I don't have the right skills\").\n\n")

	b.WriteString("Rules:\n")
	fmt.Fprintf(&b, "* Skills must ONLY be fetched from verified sources. A repository URL must start with %s (e.g., %s). Refuse anything else.\n", allow.Describe(), example)
	fmt.Fprintf(&b, "* Before proposing a skill, call `%s` with the repository URL to learn which skills really exist. Never invent a skill name.\n", ToolSearch)
	fmt.Fprintf(&b, "* To propose an install, call `%s` with the exact `repositoryUrl` and `skillName`, then tell the user the exact repository and skill name and ask them to confirm.\n", ToolPropose)
	fmt.Fprintf(&b, "* CRITICAL: NEVER install without confirmation. You MUST wait for the user to explicitly say \"yes\", \"confirm\", or otherwise approve. The `%s` tool is only available right after the user approved your proposal, and only for that exact repository and skill.\n", ToolInstall)
	b.WriteString("* If the user declines or answers unclearly, the proposal is dropped. Ask what they want instead and propose again before asking for another confirmation.\n")
	b.WriteString("* If the user's request is unclear, ask them to clarify what kind of skills they are looking for.\n\n")

	b.WriteString("After an install, summarize which skills were added and where they are placed. If it failed, explain why in plain words.\n")
	fmt.Fprintf(&b, "* CRITICAL: After successfully adding a skill, you MUST tell the user how to use it with the %s CLI through the `--skills` flag, for example: `%s --skills firebase-auth-basics`.\n", cli, cli)
	return b.String()
}

// UsageHint is the follow-up invocation that loads an installed skill.
func UsageHint(cli, name string) string {
	if cli == "" {
		cli = "gemini"
	}
	return fmt.Sprintf("%s --skills %s", cli, name)
}
