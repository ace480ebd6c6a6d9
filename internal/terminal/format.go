package terminal

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxReportWidth is the maximum width for reports.
const MaxReportWidth = 90

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs / 60)
	remainSecs := secs - float64(mins*60)
	return fmt.Sprintf("%dm %.1fs", mins, remainSecs)
}

// Ruler returns a horizontal rule string.
func Ruler(width int, char string) string {
	return fmt.Sprintf("%s%s%s", Color(Dim), strings.Repeat(char, width), Color(Reset))
}

// WrapText wraps text to width columns, prefixing every line with indent.
// Widths are counted in runes so task titles in any script wrap evenly.
func WrapText(text string, width int, indent string) string {
	indentLen := utf8.RuneCountInString(indent)
	if width <= indentLen {
		return indent + text
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var lines []string
	var line strings.Builder
	line.WriteString(indent + words[0])
	lineLen := indentLen + utf8.RuneCountInString(words[0])

	for _, word := range words[1:] {
		wordLen := utf8.RuneCountInString(word)
		if lineLen+1+wordLen > width {
			lines = append(lines, line.String())
			line.Reset()
			line.WriteString(indent + word)
			lineLen = indentLen + wordLen
			continue
		}
		line.WriteString(" " + word)
		lineLen += 1 + wordLen
	}
	lines = append(lines, line.String())

	return strings.Join(lines, "\n")
}

// ReportWidth returns the report width based on terminal width.
func ReportWidth() int {
	w := GetTerminalWidth()
	if w > MaxReportWidth {
		return MaxReportWidth
	}
	return w
}

// Pluralize returns "1 task" or "3 tasks".
func Pluralize(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}

// Indent prefixes every non-empty line of text with prefix.
func Indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}
