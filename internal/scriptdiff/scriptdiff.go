// Package scriptdiff compares two script drafts line by line, typically a
// current draft against an earlier version pulled from history.
package scriptdiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// Result is the full comparison of two drafts. Truncated is set when the
// drafts were too large to diff and Lines is empty.
type Result struct {
	Lines     []Line `json:"lines"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	Truncated bool   `json:"truncated"`
}

// MaxLines caps the combined size of the two drafts. A short-video script
// is a page or two; anything past this is not a script and gets a
// truncated result instead of an expensive diff.
const MaxLines = 5000

// Compare diffs the previous draft against the current one.
func Compare(previous, current string) Result {
	if lineCount(previous)+lineCount(current) > MaxLines {
		return Result{Truncated: true}
	}

	dmp := diffmatchpatch.New()
	prevChars, currChars, lineArray := dmp.DiffLinesToChars(previous, current)
	diffs := dmp.DiffMain(prevChars, currChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var result Result
	oldLine := 1
	newLine := 1
	for _, diff := range diffs {
		for _, text := range splitLines(diff.Text) {
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				result.Lines = append(result.Lines, Line{Type: LineContext, Text: text, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				result.Lines = append(result.Lines, Line{Type: LineRemoved, Text: text, OldLine: oldLine})
				result.Removed++
				oldLine++
			case diffmatchpatch.DiffInsert:
				result.Lines = append(result.Lines, Line{Type: LineAdded, Text: text, NewLine: newLine})
				result.Added++
				newLine++
			}
		}
	}
	return result
}

// Changed reports whether the two drafts differ at all.
func (r Result) Changed() bool {
	return r.Added > 0 || r.Removed > 0
}

func splitLines(chunk string) []string {
	lines := strings.Split(chunk, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
