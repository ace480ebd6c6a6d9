// Package git provides the git queries the reviewer needs: the repository
// root and the diff under review.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GetRoot returns the root directory of the current git repository.
func GetRoot() (string, error) {
	return GetRootFrom("")
}

// GetRootFrom returns the root of the repository containing dir. An empty
// dir means the working directory.
func GetRootFrom(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not inside a git repository: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// refExists reports whether ref names a commit in the repository at dir.
func refExists(ctx context.Context, ref, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref+"^{commit}") //nolint:gosec // ref is validated by callers
	cmd.Dir = dir
	return cmd.Run() == nil
}
