// Package diff renders compact unified diffs for worker diagnostics.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Result contains a generated diff and its statistics.
type Result struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// maxDiffSize caps the content size fed into diffmatchpatch.
const maxDiffSize = 10 * 1024 * 1024

// Unified creates a unified diff between old and new content for a file.
func Unified(oldContent, newContent, filename string) *Result {
	if oldContent == newContent {
		return &Result{}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}

	if len(oldContent) > maxDiffSize || len(newContent) > maxDiffSize {
		return &Result{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ Large file, diff skipped @@", filename, filename),
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	patches := dmp.PatchMake(oldContent, diffs)
	patchText := dmp.PatchToText(patches)

	var out strings.Builder
	out.WriteString("--- a/" + filename + "\n")
	out.WriteString("+++ b/" + filename + "\n")
	out.WriteString(patchText)

	added, deleted := countChanges(diffs)
	return &Result{
		UnifiedDiff:  out.String(),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// Summary returns a human-readable one-line summary of the change.
func (r *Result) Summary() string {
	if r.IsBinary {
		return "binary file changed"
	}
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "no changes"
	}
	parts := []string{}
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.DeletedLines))
	}
	return strings.Join(parts, ", ")
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += strings.Count(d.Text, "\n")
			if !strings.HasSuffix(d.Text, "\n") {
				added++
			}
		case diffmatchpatch.DiffDelete:
			deleted += strings.Count(d.Text, "\n")
			if !strings.HasSuffix(d.Text, "\n") {
				deleted++
			}
		}
	}
	return
}

func isBinary(content string) bool {
	checkLen := min(len(content), 8000)
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
