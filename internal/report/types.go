// Package report renders an incident with its section diffs as HTML or PDF.
package report

import "errors"

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Result contains the rendered report.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates no headless browser is installed.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported report format")
)
