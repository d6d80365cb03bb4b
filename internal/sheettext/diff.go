package sheettext

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	// DefaultMaxDiffChars bounds the rendered diff size.
	DefaultMaxDiffChars = 3500
	// DefaultMaxChangedWords bounds how many changed words are rendered.
	DefaultMaxChangedWords = 120

	diffFenceOpen  = "```diff\n"
	diffFenceClose = "\n```"
	noChanges      = "No changes."
)

// DiffWords aligns old and new as word sequences and renders each changed
// region as a "- removed" line and/or a "+ added" line inside a diff fence.
// Rendering stops after maxChangedWords changed words and the output never
// exceeds maxChars plus the truncation marker; both cuts are marked.
func DiffWords(old, new string, maxChars, maxChangedWords int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxDiffChars
	}
	if maxChangedWords <= 0 {
		maxChangedWords = DefaultMaxChangedWords
	}

	oldWords := strings.Fields(old)
	newWords := strings.Fields(new)
	matcher := difflib.NewMatcher(oldWords, newWords)

	var lines []string
	changed := 0
	truncated := false
	for _, op := range matcher.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		var removed, added []string
		if op.Tag == 'd' || op.Tag == 'r' {
			removed = oldWords[op.I1:op.I2]
		}
		if op.Tag == 'i' || op.Tag == 'r' {
			added = newWords[op.J1:op.J2]
		}

		remaining := maxChangedWords - changed
		if remaining <= 0 {
			truncated = true
			break
		}
		takeRemoved := takeWords(removed, remaining)
		remaining -= len(takeRemoved)
		takeAdded := takeWords(added, remaining)

		if len(takeRemoved) > 0 {
			lines = append(lines, "- "+strings.Join(takeRemoved, " "))
			changed += len(takeRemoved)
		}
		if len(takeAdded) > 0 {
			lines = append(lines, "+ "+strings.Join(takeAdded, " "))
			changed += len(takeAdded)
		}
		if len(takeRemoved) < len(removed) || len(takeAdded) < len(added) {
			truncated = true
			break
		}
	}

	body := strings.Join(lines, "\n")
	if body == "" {
		body = noChanges
	}

	out := diffFenceOpen + body + diffFenceClose
	if len(out) > maxChars {
		budget := maxChars - len(diffFenceOpen) - len(diffFenceClose) - 5
		trimmed := strings.TrimRight(truncateBytes(body, budget), " \t\n") + "\n..."
		out = diffFenceOpen + trimmed + diffFenceClose
	}
	if truncated {
		out += fmt.Sprintf("\n(truncated at %d changed words)", maxChangedWords)
	}
	return out
}

func takeWords(words []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(words) <= n {
		return words
	}
	return words[:n]
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Truncate shortens s to at most n bytes, appending marker when it cuts.
func Truncate(s string, n int, marker string) string {
	if len(s) <= n {
		return s
	}
	return truncateBytes(s, n) + marker
}
