package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nattyright/grail-kun/internal/logger"
	"github.com/nattyright/grail-kun/internal/report"
	"github.com/nattyright/grail-kun/internal/watch"
)

type HTTPServer struct {
	service    *Service
	metrics    http.Handler
	corsOrigin string
	log        logger.Logger
}

// NewHTTPServer builds the operator API. metrics may be nil.
func NewHTTPServer(service *Service, metrics http.Handler, corsOrigin string, log logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPServer{service: service, metrics: metrics, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// incidentActions maps route segments to moderation actions.
var incidentActions = map[string]string{
	"approve":    watch.ActionApprove,
	"reject":     watch.ActionReject,
	"dismiss":    watch.ActionDismiss,
	"recheck":    watch.ActionRecheck,
	"post-diffs": watch.ActionPostDiffs,
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts, err := splitPath(r.URL.EscapedPath())
	if err != nil || len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "events":
		if len(parts) == 3 && r.Method == http.MethodPost {
			s.handleEvent(w, r, session, parts[2])
			return
		}
	case "communities":
		if len(parts) >= 4 {
			s.handleCommunity(w, r, session, parts[2], parts[3:])
			return
		}
	case "sheets":
		if len(parts) == 4 {
			s.handleSheet(w, r, session, parts[2], parts[3])
			return
		}
	case "incidents":
		if len(parts) == 4 {
			s.handleIncident(w, r, session, parts[2], parts[3])
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request, session Session, kind string) {
	switch kind {
	case "message":
		var msg watch.Message
		if err := decodeBody(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		registered, err := s.service.IngestMessage(r.Context(), session, msg)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"registered": registered})
	case "message-edit":
		var in MessageEditInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		registered, err := s.service.IngestMessageEdit(r.Context(), session, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"registered": registered})
	case "interaction":
		var in InteractionInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.Interaction(r.Context(), session, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCommunity(w http.ResponseWriter, r *http.Request, session Session, communityID string, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "settings" && r.Method == http.MethodGet:
		view, err := s.service.Settings(r.Context(), session, communityID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 1 && rest[0] == "settings" && r.Method == http.MethodPut:
		var in SettingsInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpdateSettings(r.Context(), session, communityID, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(rest) == 1 && rest[0] == "rescan" && r.Method == http.MethodPost:
		res, err := s.service.Rescan(r.Context(), session, communityID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case len(rest) == 2 && rest[0] == "sheets" && rest[1] == "search" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := s.service.SearchSheets(r.Context(), session, communityID, r.URL.Query().Get("q"), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case len(rest) == 3 && rest[0] == "owners" && rest[2] == "sheets" && r.Method == http.MethodGet:
		used, err := queryBool(r, "used")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := s.service.OwnerSheets(r.Context(), session, communityID, rest[1], used)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSheet(w http.ResponseWriter, r *http.Request, session Session, ref, action string) {
	switch {
	case action == "audit" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := s.service.Audit(r.Context(), session, ref, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case action == "check" && r.Method == http.MethodPost:
		res, err := s.service.Check(r.Context(), session, ref)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case action == "diff" && r.Method == http.MethodGet:
		res, err := s.service.Diff(r.Context(), session, ref)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case action == "used" && r.Method == http.MethodPut:
		var body struct {
			Used *bool `json:"used"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Used == nil {
			s.fail(w, r, validationError("used is required"))
			return
		}
		res, err := s.service.SetUsed(r.Context(), session, ref, *body.Used)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case action == "history" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items, err := s.service.History(r.Context(), session, ref, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleIncident(w http.ResponseWriter, r *http.Request, session Session, incidentID, segment string) {
	if segment == "report" && r.Method == http.MethodGet {
		format := report.Format(strings.ToLower(r.URL.Query().Get("format")))
		res, err := s.service.Report(r.Context(), session, incidentID, format)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", res.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", res.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Data)
		return
	}

	action, ok := incidentActions[segment]
	if !ok || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	res, err := s.service.IncidentAction(r.Context(), session, incidentID, action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

// fail writes err as a response. Unrecognized errors are logged; their text
// never reaches the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("request_id", requestID(r.Context())),
			logger.String("path", r.URL.Path),
			logger.Err(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			logger.String("request_id", id),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", writer.status),
			logger.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// splitPath splits an escaped path and unescapes each segment, so a sheet
// URL passed as one escaped segment stays intact.
func splitPath(escaped string) ([]string, error) {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		parts[i] = decoded
	}
	return parts, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, validationError(key + " must be a non-negative integer")
	}
	return v, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, validationError(key + " must be true or false")
	}
	return v, nil
}
