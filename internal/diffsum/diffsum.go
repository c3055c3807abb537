// Package diffsum bounds unified diffs and counts their changes.
package diffsum

import (
	"fmt"
	"strings"

	"careerline/internal/domain"
)

// DefaultMaxLines bounds the diff handed to the generation pipeline.
const DefaultMaxLines = 5000

type Result struct {
	Content   string
	Stats     domain.DiffStats
	Truncated bool
}

// Summarize counts files, additions and deletions over the whole diff and
// keeps at most maxLines lines of content. maxLines <= 0 uses
// DefaultMaxLines.
func Summarize(diff string, maxLines int) Result {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	lines := strings.Split(diff, "\n")
	var stats domain.DiffStats
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git"):
			stats.FilesChanged++
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			stats.Additions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			stats.Deletions++
		}
	}
	stats.TotalLines = len(lines)
	if stats.FilesChanged == 0 && strings.TrimSpace(diff) != "" {
		stats.FilesChanged = 1
	}

	if len(lines) <= maxLines {
		return Result{Content: diff, Stats: stats}
	}
	dropped := len(lines) - maxLines
	content := strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n\n[Note: %d additional lines were truncated to reduce processing cost. Full diff available in PR.]", dropped)
	return Result{Content: content, Stats: stats, Truncated: true}
}
