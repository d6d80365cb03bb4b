package report

import (
	"context"
	"fmt"

	"github.com/nattyright/grail-kun/internal/store"
)

type Service struct {
	printPDF func(ctx context.Context, html string) ([]byte, error)
}

func NewService() *Service {
	return &Service{printPDF: printPDF}
}

// Render produces the incident report in the requested format.
func (s *Service) Render(ctx context.Context, inc store.Incident, sheet store.Sheet, format Format) (*Result, error) {
	html, err := RenderHTML(Build(inc, sheet))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	name := "incident-" + sanitizeFilename(inc.ID)

	switch format {
	case FormatHTML, "":
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.printPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func sanitizeFilename(v string) string {
	out := make([]rune, 0, len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		}
	}
	if len(out) > 50 {
		out = out[:50]
	}
	if len(out) == 0 {
		return "report"
	}
	return string(out)
}
