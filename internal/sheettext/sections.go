package sheettext

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// FullDocumentKey is the section key used when a document has no headings.
const FullDocumentKey = "__full__"

// DuplicateSeparator joins the bodies of repeated headings.
const DuplicateSeparator = "\n\n---\n\n"

var mdHeading = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

var folder = cases.Fold()

// Section is one heading-delimited block of a normalized document.
type Section struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Sections maps section keys to their content.
type Sections map[string]Section

// Keys returns the section keys in sorted order.
func (s Sections) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Texts returns the section bodies keyed by section key.
func (s Sections) Texts() map[string]string {
	out := make(map[string]string, len(s))
	for key, section := range s {
		out[key] = section.Text
	}
	return out
}

// SectionKey derives the identity of a heading: internal whitespace is
// collapsed and the title is case-folded.
func SectionKey(title string) string {
	return folder.String(strings.Join(strings.Fields(title), " "))
}

// Sectionize splits normalized markdown on headings of any level. Text before
// the first heading is export noise and is dropped. Repeated headings are
// merged with DuplicateSeparator. A document without headings becomes a
// single FullDocumentKey section.
func Sectionize(normalized string) Sections {
	lines := strings.Split(normalized, "\n")

	start := -1
	for i, line := range lines {
		if mdHeading.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		return Sections{FullDocumentKey: {Title: FullDocumentKey, Text: strings.TrimSpace(normalized)}}
	}

	sections := make(Sections)
	var (
		buf          []string
		currentKey   string
		currentTitle string
	)
	flush := func() {
		chunk := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if chunk == "" {
			return
		}
		if existing, ok := sections[currentKey]; ok {
			existing.Text += DuplicateSeparator + chunk
			sections[currentKey] = existing
			return
		}
		sections[currentKey] = Section{Title: currentTitle, Text: chunk}
	}

	for _, line := range lines[start:] {
		if m := mdHeading.FindStringSubmatch(line); m != nil {
			if currentKey != "" {
				flush()
			}
			currentTitle = strings.TrimSpace(m[2])
			currentKey = SectionKey(currentTitle)
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}
