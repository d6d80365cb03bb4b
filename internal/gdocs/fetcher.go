// Package gdocs downloads public document exports from the document host.
package gdocs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// DefaultExportURL is formatted with the document id and export format.
	DefaultExportURL = "https://docs.google.com/document/d/%s/export?format=%s"
	DefaultTimeout   = 20 * time.Second
	DefaultUserAgent = "sheetwatch-bot/1.0"

	FormatMarkdown = "md"
	FormatText     = "txt"

	acceptHeader         = "text/plain,text/markdown,text/*;q=0.9,*/*;q=0.1"
	maxExportBytes       = 10 * 1024 * 1024
	errorSnippetMaxChars = 200
)

var (
	// ErrAccessDenied means the host answered with a sign-in page instead of
	// the export. It persists until the owner makes the document public.
	ErrAccessDenied = errors.New("document export returned a sign-in page; is the document publicly viewable?")
	// ErrFetch wraps transient failures: network errors, timeouts, non-200 answers.
	ErrFetch = errors.New("document export failed")
)

// Export is the raw body of one document export.
type Export struct {
	DocID     string
	Text      string
	Format    string
	FetchedAt time.Time
}

// Observer receives the outcome of every export request.
type Observer interface {
	ObserveFetch(format string, elapsed time.Duration, err error)
}

type Config struct {
	ExportURL string
	Timeout   time.Duration
	UserAgent string
	// MaxBytes caps an export body; larger exports fail. Zero selects 10 MiB.
	MaxBytes int64
}

type Fetcher struct {
	client    *http.Client
	exportURL string
	userAgent string
	maxBytes  int64
	observer  Observer
}

func New(cfg Config) *Fetcher {
	if cfg.ExportURL == "" {
		cfg.ExportURL = DefaultExportURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = maxExportBytes
	}
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		exportURL: cfg.ExportURL,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
	}
}

// WithObserver attaches an observer, typically the metrics recorder.
func (f *Fetcher) WithObserver(o Observer) *Fetcher {
	f.observer = o
	return f
}

// FetchBest tries the markdown export, which keeps headings, and falls back
// to the plain-text export on any failure. There is no retry loop here; a
// failed sheet is picked up again by the next scheduled pass.
func (f *Fetcher) FetchBest(ctx context.Context, docID string) (Export, error) {
	text, err := f.Fetch(ctx, docID, FormatMarkdown)
	if err == nil {
		return Export{DocID: docID, Text: text, Format: FormatMarkdown, FetchedAt: time.Now().UTC()}, nil
	}
	if ctx.Err() != nil {
		return Export{}, err
	}
	text, err = f.Fetch(ctx, docID, FormatText)
	if err != nil {
		return Export{}, err
	}
	return Export{DocID: docID, Text: text, Format: FormatText, FetchedAt: time.Now().UTC()}, nil
}

// Fetch downloads one export format.
func (f *Fetcher) Fetch(ctx context.Context, docID, format string) (body string, err error) {
	started := time.Now()
	if f.observer != nil {
		defer func() { f.observer.ObserveFetch(format, time.Since(started), err) }()
	}

	url := fmt.Sprintf(f.exportURL, docID, format)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build %s request: %w", ErrFetch, format, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: get %s export: %w", ErrFetch, format, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: read %s export: %w", ErrFetch, format, err)
	}
	if int64(len(raw)) > f.maxBytes {
		return "", fmt.Errorf("%w: %s export too large (over %d bytes)", ErrFetch, format, f.maxBytes)
	}
	body = strings.ToValidUTF8(string(raw), "�")

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d fetching %s export: %s", ErrFetch, resp.StatusCode, format, snippet(body))
	}
	if LooksLikeSignIn(body) {
		return "", ErrAccessDenied
	}
	return body, nil
}

// LooksLikeSignIn reports whether body is an HTML sign-in page rather than
// document content.
func LooksLikeSignIn(body string) bool {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "<html") {
		return false
	}
	if strings.Contains(lower, "accounts.google.com") || strings.Contains(lower, "sign in") {
		return true
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find("input[type='password'], input[type='email'], form[action*='ServiceLogin']").Length() > 0 {
		return true
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	return strings.Contains(title, "sign-in") || strings.Contains(title, "login")
}

func snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= errorSnippetMaxChars {
		return body
	}
	return string(runes[:errorSnippetMaxChars]) + "..."
}
