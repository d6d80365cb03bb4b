// Package sheettext turns exported document markup into stable, hashable
// sections and renders word-level diffs between revisions. Nothing in this
// package performs I/O.
package sheettext

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	mdImageInline   = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	mdImageRef      = regexp.MustCompile(`!\[[^\]]*\]\[[^\]]+\]`)
	mdImageDataDef  = regexp.MustCompile(`(?im)^\[[^\]]+\]:[ \t]*<?data:image/[^>\s]+>?[ \t]*$`)
	mdImageDataURL  = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
	mdNavBar        = regexp.MustCompile(`^\s*(?:✦|-|\*)?\s*(?:\[[^\]]+\]\([^)]+\)\s*){3,}.*$`)
	mdTableRow      = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	mdTableSep      = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(?:\|\s*:?-{3,}:?\s*)+\|?\s*$`)
	zeroWidth       = regexp.MustCompile("[\u200b-\u200f\u2060\ufeff]")
	blankLineRun    = regexp.MustCompile(`\n{3,}`)
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
)

var punctuationFolder = strings.NewReplacer(
	"•", "-", // bullet
	"◦", "-", // white bullet
	"▪", "-", // small black square
	"‣", "-", // triangular bullet
	"–", "-", // en dash
	"—", "-", // em dash
	"―", "-", // horizontal bar
	"−", "-", // minus sign
	"“", `"`,
	"”", `"`,
	"„", `"`,
	"‘", "'",
	"’", "'",
	"‚", "'",
)

// Normalize produces the canonical text form of a raw export. Two exports
// that differ only by cosmetic edits (quote style, line endings, spacing,
// embedded images, navigation link bars, table layout) normalize to the
// same string, and Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	text := norm.NFKC.String(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = zeroWidth.ReplaceAllString(text, "")
	text = punctuationFolder.Replace(text)

	// images first so an image inside a link bar does not hide it; tables
	// before nav bars so a flattened row of links is caught in the same pass
	text = StripImages(text)
	text = FlattenTables(text)
	text = StripNavBars(text)
	// stripping can leave a base letter next to a combining mark
	text = norm.NFKC.String(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\v\f")
	}
	text = strings.Join(lines, "\n")

	text = blankLineRun.ReplaceAllString(text, "\n\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = trimLineEdges(text)
	text = blankLineRun.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// trimLineEdges removes the single space a collapsed run can leave at the end
// of a line so that a second pass has nothing left to strip.
func trimLineEdges(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
		if strings.TrimSpace(lines[i]) == "" {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}

// StripImages removes inline images, reference images, base64 image
// definitions and stray data:image URLs.
func StripImages(md string) string {
	md = mdImageInline.ReplaceAllString(md, "")
	md = mdImageRef.ReplaceAllString(md, "")
	md = mdImageDataDef.ReplaceAllString(md, "")
	md = mdImageDataURL.ReplaceAllString(md, "")
	return md
}

// StripNavBars drops lines made of three or more consecutive markdown links,
// which is how exported navigation bars look.
func StripNavBars(md string) string {
	lines := strings.Split(md, "\n")
	out := lines[:0]
	for _, line := range lines {
		if mdNavBar.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// FlattenTables drops separator rows and replaces cell delimiters with
// spaces. Cell text survives so edits inside tables are still detected.
func FlattenTables(md string) string {
	lines := strings.Split(md, "\n")
	out := lines[:0]
	for _, line := range lines {
		if mdTableSep.MatchString(line) {
			continue
		}
		if mdTableRow.MatchString(line) {
			line = strings.ReplaceAll(line, "|", " ")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
