package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nattyright/grail-kun/internal/store"
)

func testIncident() (store.Incident, store.Sheet) {
	resolved := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	inc := store.Incident{
		ID:      "inc_1",
		OwnerID: "42",
		Status:  store.IncidentReverted,
		IncidentContent: store.IncidentContent{
			ChangedKeys:     []string{"backstory", "secrets"},
			ChangedSections: []string{"Backstory", "[ADDED] <Secrets>"},
			Diffs: map[string]string{
				"backstory": "```diff\n- storm\n+ sea\n```",
				"secrets":   "```diff\n+ hidden\n```",
			},
		},
		OpenedAt:       time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		ResolvedAt:     &resolved,
		ResolvedBy:     store.SystemActor,
		ResolutionNote: "Content matches baseline again.",
	}
	return inc, store.Sheet{ID: "docAAAAAAAAAAA", URL: "https://docs.google.com/document/d/docAAAAAAAAAAA"}
}

func TestParseDiff(t *testing.T) {
	lines := ParseDiff("```diff\n- old words\n+ new words\n...\n```")
	want := []DiffLine{
		{Kind: "removed", Text: "- old words"},
		{Kind: "added", Text: "+ new words"},
		{Text: "..."},
	}
	if len(lines) != len(want) {
		t.Fatalf("ParseDiff() = %+v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %+v, want %+v", i, lines[i], want[i])
		}
	}
}

func TestBuildUsesSectionTitles(t *testing.T) {
	inc, sheet := testIncident()
	data := Build(inc, sheet)
	if len(data.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(data.Sections))
	}
	if data.Sections[1].Title != "[ADDED] <Secrets>" {
		t.Fatalf("unexpected title %q", data.Sections[1].Title)
	}
	if data.ResolvedBy != "automatic" || !data.Resolved {
		t.Fatalf("unexpected resolution: %+v", data)
	}
}

func TestRenderHTMLEscapesContent(t *testing.T) {
	inc, sheet := testIncident()
	res, err := NewService().Render(context.Background(), inc, sheet, FormatHTML)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	html := string(res.Data)
	for _, want := range []string{
		"[ADDED] &lt;Secrets&gt;",
		`<div class="removed">- storm</div>`,
		"2026-05-02 09:30 UTC by automatic",
		"Content matches baseline again.",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report should contain %q", want)
		}
	}
	if res.Filename != "incident-inc_1.html" {
		t.Fatalf("unexpected filename %q", res.Filename)
	}
}

func TestRenderPDFUsesPrinter(t *testing.T) {
	inc, sheet := testIncident()
	svc := &Service{printPDF: func(_ context.Context, html string) ([]byte, error) {
		if !strings.Contains(html, "inc_1") {
			t.Errorf("printer got unexpected html")
		}
		return []byte("%PDF-1.4"), nil
	}}
	res, err := svc.Render(context.Background(), inc, sheet, FormatPDF)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if res.MimeType != "application/pdf" || string(res.Data) != "%PDF-1.4" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	inc, sheet := testIncident()
	_, err := NewService().Render(context.Background(), inc, sheet, Format("docx"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Render() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b<é"); got != "a%20b%3C%C3%A9" {
		t.Fatalf("percentEncodeForDataURL() = %q", got)
	}
}
