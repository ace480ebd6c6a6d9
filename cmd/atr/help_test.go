package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func TestSetGroupedUsage(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("diff-file", "", "Diff file")
	cmd.Flags().String("agent", "codex", "Agent")
	cmd.Flags().String("db-path", "", "Database")
	cmd.Flags().Bool("no-config", false, "Skip config")
	cmd.Flags().Bool("help", false, "help")

	setGroupedUsage(cmd)

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	if err := cmd.Usage(); err != nil {
		t.Fatalf("Usage() returned error: %v", err)
	}
	output := buf.String()

	for _, header := range []string{"Input:", "Agent Settings:", "Storage:", "Advanced:", "Other Flags:"} {
		if !strings.Contains(output, header) {
			t.Errorf("expected group header %q in output, got:\n%s", header, output)
		}
	}
	// Output has no members, so its header is omitted.
	if strings.Contains(output, "Output:") {
		t.Errorf("empty group should not be printed, got:\n%s", output)
	}

	inputIdx := strings.Index(output, "Input:")
	agentIdx := strings.Index(output, "Agent Settings:")
	diffIdx := strings.Index(output, "--diff-file")
	if diffIdx < inputIdx || diffIdx > agentIdx {
		t.Error("expected --diff-file under Input")
	}
	if strings.Index(output, "--help") < strings.Index(output, "Other Flags:") {
		t.Error("expected --help under Other Flags")
	}
}

func TestReviewCmd_AllFlagsGrouped(t *testing.T) {
	cmd := newReviewCmd()
	grouped := make(map[string]bool)
	for _, g := range flagGroups {
		for _, name := range g.flags {
			grouped[name] = true
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("group %q lists unknown flag --%s", g.title, name)
			}
		}
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !grouped[f.Name] {
			t.Errorf("flag --%s is not in any group", f.Name)
		}
	})
}
