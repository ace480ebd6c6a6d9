package diffindex

import (
	"fmt"
	"strings"
)

// Manifest renders every hunk with its id and numbered body lines as
// markdown. It is what the agent addresses hunks and lines against.
func (idx *Index) Manifest() string {
	var b strings.Builder
	for i, f := range idx.files {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### %s\n", f.Path)
		switch {
		case f.IsBinary:
			b.WriteString("(binary file)\n")
			continue
		case len(f.Hunks) == 0:
			b.WriteString("(no textual changes)\n")
			continue
		}
		for _, h := range f.Hunks {
			fmt.Fprintf(&b, "\n%s (%s)\n", h.ID, h.Ref)
			b.WriteString("```diff\n")
			for _, l := range h.Lines {
				fmt.Fprintf(&b, "%s %s%s\n", l.ID, l.Kind, l.Content)
			}
			b.WriteString("```\n")
		}
	}
	return b.String()
}
