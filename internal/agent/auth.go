package agent

import (
	"slices"
	"strings"
)

// authExitCodes maps agent names to known authentication failure exit codes.
var authExitCodes = map[string][]int{
	"gemini": {41},
}

// authStderrPatterns contains substrings that indicate authentication failure
// when found in stderr output (checked case-insensitively).
var authStderrPatterns = []string{
	"api_key",
	"unauthorized",
	"401",
	"authentication required",
	"invalid credentials",
	"auth_required",
}

var authHints = map[string]string{
	"gemini": "Set GEMINI_API_KEY or run 'gemini' once interactively to log in.",
	"claude": "Run 'claude login' or set ANTHROPIC_API_KEY for the claude-code-acp adapter.",
	"codex":  "Set OPENAI_API_KEY or run 'codex login' before using the codex-acp adapter.",
}

// IsAuthFailure returns true if the given exit code and stderr indicate
// an authentication failure for the named agent. Exit code 0 is never
// considered an auth failure.
func IsAuthFailure(agentName string, exitCode int, stderr string) bool {
	if exitCode == 0 {
		return false
	}

	if codes, ok := authExitCodes[agentName]; ok {
		if slices.Contains(codes, exitCode) {
			return true
		}
	}

	lower := strings.ToLower(stderr)
	for _, pattern := range authStderrPatterns {
		if strings.Contains(lower, pattern) {
			// A bare "401" only counts as a word, not inside a port or path.
			if pattern == "401" && !containsWord(lower, pattern) {
				continue
			}
			return true
		}
	}

	return false
}

func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == ':' || b == '/' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z')
}

// AuthHint returns an actionable error message for the named agent.
// Returns a generic hint for unknown agents.
func AuthHint(agentName string) string {
	if hint, ok := authHints[agentName]; ok {
		return hint
	}
	return "Check your authentication configuration for " + agentName + "."
}
