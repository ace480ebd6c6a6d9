package taskgen

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
)

//go:embed prompts/generate_tasks.tmpl
var generateTasksTemplate string

var generateTasksPrompt = template.Must(template.New("generate_tasks").Option("missingkey=error").Parse(generateTasksTemplate))

type promptData struct {
	RepoAccess bool
	RepoRoot   string
	Manifest   string
	Diff       string
}

// BuildPrompt renders the task generation prompt for a diff.
func BuildPrompt(idx *diffindex.Index, diffText, repoRoot string) (string, error) {
	var buf bytes.Buffer
	err := generateTasksPrompt.Execute(&buf, promptData{
		RepoAccess: repoRoot != "",
		RepoRoot:   repoRoot,
		Manifest:   strings.TrimSpace(idx.Manifest()),
		Diff:       strings.TrimRight(diffText, "\n"),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
