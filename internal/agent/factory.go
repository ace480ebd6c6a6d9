package agent

import "slices"

// SupportedAgents lists all valid agent names.
var SupportedAgents = []string{"codex", "claude", "gemini"}

// DefaultAgent is the agent used when none is specified.
const DefaultAgent = "codex"

// IsSupported reports whether name is a known agent.
func IsSupported(name string) bool {
	return slices.Contains(SupportedAgents, name)
}
