package sheettext

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// HashText returns the hex SHA-256 digest of the UTF-8 bytes of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashSections returns the content digest of every section.
func HashSections(sections Sections) map[string]string {
	out := make(map[string]string, len(sections))
	for key, section := range sections {
		out[key] = HashText(section.Text)
	}
	return out
}

// GlobalHash digests the sorted "key:digest" pairs, so it does not depend on
// the order in which sections appear in the document.
func GlobalHash(sectionHashes map[string]string) string {
	keys := make([]string, 0, len(sectionHashes))
	for key := range sectionHashes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+":"+sectionHashes[key])
	}
	return HashText(strings.Join(pairs, "||"))
}
