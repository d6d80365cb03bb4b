package gdocs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{ExportURL: srv.URL + "/document/d/%s/export?format=%s", Timeout: 2 * time.Second})
}

func TestFetchBestPrefersMarkdown(t *testing.T) {
	var gotAgent, gotAccept, gotPath string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		assert.Equal(t, FormatMarkdown, r.URL.Query().Get("format"))
		_, _ = w.Write([]byte("# Stats\nSTR 10"))
	})

	exp, err := f.FetchBest(context.Background(), "doc123")
	require.NoError(t, err)

	assert.Equal(t, FormatMarkdown, exp.Format)
	assert.Equal(t, "# Stats\nSTR 10", exp.Text)
	assert.Equal(t, "doc123", exp.DocID)
	assert.Equal(t, DefaultUserAgent, gotAgent)
	assert.Equal(t, acceptHeader, gotAccept)
	assert.Equal(t, "/document/d/doc123/export", gotPath)
}

func TestFetchBestFallsBackToText(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == FormatMarkdown {
			http.Error(w, "unsupported", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("plain body"))
	})

	exp, err := f.FetchBest(context.Background(), "doc123")
	require.NoError(t, err)

	assert.Equal(t, FormatText, exp.Format)
	assert.Equal(t, "plain body", exp.Text)
}

func TestFetchDetectsSignInPage(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Google Docs</title></head><body><a href="https://accounts.google.com/ServiceLogin">Sign in</a></body></html>`))
	})

	_, err := f.FetchBest(context.Background(), "private")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.False(t, errors.Is(err, ErrFetch))
}

func TestFetchNonOKIsTransient(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	})

	_, err := f.Fetch(context.Background(), "doc", FormatText)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Contains(t, err.Error(), strings.Repeat("x", 200)+"...")
	assert.NotContains(t, err.Error(), strings.Repeat("x", 201))
}

func TestFetchRejectsOversizedExport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 65)))
	}))
	t.Cleanup(srv.Close)
	f := New(Config{ExportURL: srv.URL + "/document/d/%s/export?format=%s", MaxBytes: 64})

	_, err := f.Fetch(context.Background(), "doc", FormatText)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Contains(t, err.Error(), "too large")

	exact := New(Config{ExportURL: srv.URL + "/document/d/%s/export?format=%s", MaxBytes: 65})
	body, err := exact.Fetch(context.Background(), "doc", FormatText)
	require.NoError(t, err)
	assert.Len(t, body, 65)
}

func TestLooksLikeSignIn(t *testing.T) {
	assert.False(t, LooksLikeSignIn("# Heading\nplain markdown that mentions sign in"))
	assert.True(t, LooksLikeSignIn(`<html><body><form><input type="password"></form></body></html>`))
	assert.False(t, LooksLikeSignIn(`<html><body><p>exported html</p></body></html>`))
}

type recordingObserver struct {
	mu      sync.Mutex
	formats []string
	errs    []error
}

func (o *recordingObserver) ObserveFetch(format string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.formats = append(o.formats, format)
	o.errs = append(o.errs, err)
}

func TestFetchReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == FormatMarkdown {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}).WithObserver(obs)

	_, err := f.FetchBest(context.Background(), "doc")
	require.NoError(t, err)

	assert.Equal(t, []string{FormatMarkdown, FormatText}, obs.formats)
	assert.Error(t, obs.errs[0])
	assert.NoError(t, obs.errs[1])
}
