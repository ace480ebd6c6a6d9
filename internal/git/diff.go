package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ValidateRef rejects refs that git would parse as options.
func ValidateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("base ref cannot be empty")
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("invalid base ref %q: must not start with -", ref)
	}
	return nil
}

// ResolveBaseRef returns ref if it names a commit, otherwise origin/ref if
// that does, otherwise ref unchanged so git reports the error.
func ResolveBaseRef(ctx context.Context, ref, dir string) string {
	if strings.HasPrefix(ref, "origin/") || refExists(ctx, ref, dir) {
		return ref
	}
	if remote := "origin/" + ref; refExists(ctx, remote, dir) {
		return remote
	}
	return ref
}

// GetDiff returns the unified diff of the working tree in dir against
// baseRef, including uncommitted changes. Rename detection is on so moved
// files show as one entry.
func GetDiff(ctx context.Context, baseRef, dir string) (string, error) {
	if err := ValidateRef(baseRef); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "git", "diff", "--no-color", "--no-ext-diff", "-M", baseRef) //nolint:gosec // baseRef is validated above
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git diff %s: %s", baseRef, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git diff %s: %w", baseRef, err)
	}
	return string(out), nil
}
