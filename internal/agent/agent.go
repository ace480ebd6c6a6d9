package agent

import (
	"fmt"
	"os/exec"
	"strings"
)

// Candidate is an ACP agent the reviewer can launch.
type Candidate struct {
	ID          string
	Label       string
	Command     string
	Args        []string
	Description string
	// Available is true when Command resolves on PATH.
	Available bool
}

// CommandLine returns the command and arguments as one display string.
func (c *Candidate) CommandLine() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

type definition struct {
	id          string
	label       string
	binEnv      string
	packageEnv  string
	command     string
	pkg         string
	args        []string
	description string
}

var definitions = []definition{
	{
		id:          "codex",
		label:       "Codex (ACP)",
		binEnv:      "ATR_CODEX_ACP_BIN",
		packageEnv:  "ATR_CODEX_ACP_PACKAGE",
		command:     "npx",
		pkg:         "@zed-industries/codex-acp@latest",
		description: "Codex through the codex-acp adapter, run with npx",
	},
	{
		id:          "claude",
		label:       "Claude (ACP)",
		binEnv:      "ATR_CLAUDE_ACP_BIN",
		packageEnv:  "ATR_CLAUDE_ACP_PACKAGE",
		command:     "npx",
		pkg:         "@zed-industries/claude-code-acp@latest",
		description: "Claude Code through the claude-code-acp adapter, run with npx",
	},
	{
		id:          "gemini",
		label:       "Gemini (ACP)",
		binEnv:      "ATR_GEMINI_BIN",
		command:     "gemini",
		args:        []string{"--experimental-acp"},
		description: "Gemini CLI in --experimental-acp mode",
	},
}

func (d definition) candidate(getenv func(string) string) *Candidate {
	c := &Candidate{ID: d.id, Label: d.label, Description: d.description}

	switch bin := getenv(d.binEnv); {
	case bin != "":
		// A binary override is launched as-is.
		c.Command = bin
		if d.pkg == "" {
			c.Args = append([]string(nil), d.args...)
		}
	case d.pkg != "":
		pkg := d.pkg
		if override := getenv(d.packageEnv); d.packageEnv != "" && override != "" {
			pkg = override
		}
		c.Command = d.command
		c.Args = []string{"-y", pkg}
	default:
		c.Command = d.command
		c.Args = append([]string(nil), d.args...)
	}

	if path, err := lookPath(c.Command); err == nil {
		c.Command = path
		c.Available = true
	}
	return c
}

// Candidates lists every known agent with its availability.
func Candidates(getenv func(string) string) []*Candidate {
	out := make([]*Candidate, 0, len(definitions))
	for _, d := range definitions {
		out = append(out, d.candidate(getenv))
	}
	return out
}

// Resolve returns the candidate for id. It fails when the id is unknown or
// its command is not installed.
func Resolve(id string, getenv func(string) string) (*Candidate, error) {
	for _, d := range definitions {
		if d.id != id {
			continue
		}
		c := d.candidate(getenv)
		if !c.Available {
			return nil, fmt.Errorf("%s agent command %q not found in PATH", id, c.Command)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown agent %q, supported: %s", id, strings.Join(SupportedAgents, ", "))
}

// OverrideEnv returns the environment variables that override the binary
// and npm package for id. packageEnv is empty for agents run from a binary.
func OverrideEnv(id string) (binEnv, packageEnv string, ok bool) {
	for _, d := range definitions {
		if d.id == id {
			return d.binEnv, d.packageEnv, true
		}
	}
	return "", "", false
}
