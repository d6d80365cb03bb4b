package report

import (
	"bytes"
	"embed"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/nattyright/grail-kun/internal/store"
)

//go:embed templates/incident.html
var templateFS embed.FS

var incidentTemplate = template.Must(template.New("incident.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 UTC") },
}).ParseFS(templateFS, "templates/incident.html"))

type TemplateData struct {
	IncidentID string
	SheetID    string
	SheetURL   string
	OwnerID    string
	Status     string
	OpenedAt   time.Time
	Resolved   bool
	ResolvedAt time.Time
	ResolvedBy string
	Note       string
	Sections   []TemplateSection
}

type TemplateSection struct {
	Key   string
	Title string
	Lines []DiffLine
}

// DiffLine is one rendered diff row; Kind is "added", "removed" or "".
type DiffLine struct {
	Kind string
	Text string
}

// Build collects the incident's diffs in changed-key order. Titles come from
// the human-readable changed section labels when they line up with the keys.
func Build(inc store.Incident, sheet store.Sheet) TemplateData {
	data := TemplateData{
		IncidentID: inc.ID,
		SheetID:    sheet.ID,
		SheetURL:   sheet.URL,
		OwnerID:    inc.OwnerID,
		Status:     inc.Status,
		OpenedAt:   inc.OpenedAt,
		ResolvedBy: inc.ResolvedBy,
		Note:       inc.ResolutionNote,
	}
	if inc.ResolvedAt != nil {
		data.Resolved = true
		data.ResolvedAt = *inc.ResolvedAt
	}
	if data.ResolvedBy == store.SystemActor {
		data.ResolvedBy = "automatic"
	}

	keys := inc.ChangedKeys
	if len(keys) == 0 {
		for key := range inc.Diffs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
	}
	for i, key := range keys {
		diff, ok := inc.Diffs[key]
		if !ok {
			continue
		}
		title := key
		if len(inc.ChangedSections) == len(inc.ChangedKeys) && i < len(inc.ChangedSections) {
			title = inc.ChangedSections[i]
		}
		data.Sections = append(data.Sections, TemplateSection{Key: key, Title: title, Lines: ParseDiff(diff)})
	}
	return data
}

// ParseDiff splits a fenced word diff into classified rows.
func ParseDiff(diff string) []DiffLine {
	body := strings.TrimSpace(diff)
	body = strings.TrimPrefix(body, "```diff")
	body = strings.TrimSuffix(body, "```")
	body = strings.Trim(body, "\n")

	var lines []DiffLine
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "- "):
			lines = append(lines, DiffLine{Kind: "removed", Text: line})
		case strings.HasPrefix(line, "+ "):
			lines = append(lines, DiffLine{Kind: "added", Text: line})
		case line != "":
			lines = append(lines, DiffLine{Text: line})
		}
	}
	return lines
}

// RenderHTML renders the incident template.
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := incidentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
