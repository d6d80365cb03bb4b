package sheettext

import (
	"regexp"
	"strings"
)

var (
	mentionID = regexp.MustCompile(`<@!?(\d+)>`)
	docID     = regexp.MustCompile(`https?://docs\.google\.com/document/d/([a-zA-Z0-9_-]+)`)
	docURL    = regexp.MustCompile(`https?://docs\.google\.com/document/d/[a-zA-Z0-9_-]+(?:/[^\s>]*)?`)
	bareDocID = regexp.MustCompile(`^[a-zA-Z0-9_-]{10,}$`)
)

// ExtractUserIDs returns the ids of every user mention in text, in order.
func ExtractUserIDs(text string) []string {
	matches := mentionID.FindAllStringSubmatch(text, -1)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}

// ExtractDocURLs returns every document URL found in text, in order.
func ExtractDocURLs(text string) []string {
	return docURL.FindAllString(text, -1)
}

// DocIDFromURL returns the document id embedded in a document URL.
func DocIDFromURL(url string) (string, bool) {
	m := docID.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResolveDocRef accepts either a document URL or a bare document id.
func ResolveDocRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if id, ok := DocIDFromURL(ref); ok {
		return id, true
	}
	if bareDocID.MatchString(ref) {
		return ref, true
	}
	return "", false
}

// DocURL builds the canonical edit URL for a document id.
func DocURL(id string) string {
	return "https://docs.google.com/document/d/" + id + "/edit"
}
