package diffsum

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"careerline/internal/domain"
)

func TestSummarizeCountsChanges(t *testing.T) {
	diff := strings.Join([]string{
		"diff --git a/cache.go b/cache.go",
		"new file mode 100644",
		"--- /dev/null",
		"+++ b/cache.go",
		"@@ -0,0 +1,3 @@",
		"+package cache",
		"+",
		"+type LRU struct{}",
		"-// removed",
	}, "\n")
	got := Summarize(diff, 0)
	want := domain.DiffStats{FilesChanged: 1, Additions: 3, Deletions: 1, TotalLines: 9}
	if diff := cmp.Diff(want, got.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if got.Truncated || got.Content != diff {
		t.Fatalf("expected content untouched")
	}
}

func TestSummarizeForcesOneFileWithoutMarkers(t *testing.T) {
	got := Summarize("+only an addition\n", 10)
	if got.Stats.FilesChanged != 1 {
		t.Fatalf("expected filesChanged 1, got %d", got.Stats.FilesChanged)
	}
	empty := Summarize("   \n", 10)
	if empty.Stats.FilesChanged != 0 {
		t.Fatalf("expected no files for blank diff, got %d", empty.Stats.FilesChanged)
	}
}

func TestSummarizeTruncatesButCountsEverything(t *testing.T) {
	var lines []string
	lines = append(lines, "diff --git a/a b/a", "diff --git a/b b/b")
	for i := 0; i < 10; i++ {
		lines = append(lines, "+line")
	}
	diff := strings.Join(lines, "\n")
	got := Summarize(diff, 5)
	if !got.Truncated {
		t.Fatalf("expected truncation")
	}
	want := domain.DiffStats{FilesChanged: 2, Additions: 10, Deletions: 0, TotalLines: 12}
	if d := cmp.Diff(want, got.Stats); d != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", d)
	}
	kept := strings.Join(lines[:5], "\n")
	if !strings.HasPrefix(got.Content, kept+"\n\n[Note: 7 additional lines were truncated") {
		t.Fatalf("unexpected content:\n%s", got.Content)
	}
}

func TestSummarizeIsPure(t *testing.T) {
	diff := "diff --git a/x b/x\n+a\n-b"
	if d := cmp.Diff(Summarize(diff, 2), Summarize(diff, 2)); d != "" {
		t.Fatalf("expected identical results:\n%s", d)
	}
}
