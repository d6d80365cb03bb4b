package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nattyright/grail-kun/internal/auth"
	"github.com/nattyright/grail-kun/internal/gdocs"
	"github.com/nattyright/grail-kun/internal/report"
	"github.com/nattyright/grail-kun/internal/store"
	"github.com/nattyright/grail-kun/internal/watch"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

// mapError turns an error into a response status and stable code. Only
// domain errors carry their own message; anything unrecognized becomes a
// generic server error.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, watch.ErrInvalidRef):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Not a document URL or id", nil
	case errors.Is(err, watch.ErrNotTracked):
		return http.StatusNotFound, "NOT_TRACKED", "Sheet is not tracked", nil
	case errors.Is(err, watch.ErrIncidentNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Incident not found", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, watch.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, watch.ErrIncidentClosed):
		return http.StatusConflict, "INCIDENT_CLOSED", "Incident is already resolved", nil
	case errors.Is(err, watch.ErrNotApproved):
		return http.StatusConflict, "NOT_APPROVED", "Sheet has no approved baseline yet", nil
	case errors.Is(err, gdocs.ErrAccessDenied):
		return http.StatusUnprocessableEntity, "ACCESS_DENIED", "Document is not publicly readable", nil
	case errors.Is(err, gdocs.ErrFetch):
		return http.StatusBadGateway, "FETCH_FAILED", "Document could not be fetched", nil
	case errors.Is(err, report.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported report format", nil
	case errors.Is(err, report.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
