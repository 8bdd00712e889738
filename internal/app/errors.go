package app

import (
	"errors"
	"fmt"
	"net/http"

	"reliefhub/api/internal/coordinator"
	"reliefhub/api/internal/store"
)

// DomainError is an error that already knows its HTTP response.
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *coordinator.ValidationError
	switch {
	case errors.Is(err, coordinator.ErrConcurrentModification):
		// Checked before validation: a lost race may also carry the reason
		// the retry became invalid.
		if errors.As(err, &validationErr) {
			details = map[string]any{"field": validationErr.Field, "reason": validationErr.Message}
		}
		return http.StatusConflict, "CONCURRENT_MODIFICATION", "Another update changed this record; reload and retry", details
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Error(), map[string]any{"field": validationErr.Field}
	case errors.Is(err, coordinator.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, coordinator.ErrServiceDegraded), errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_DEGRADED", "Record store unavailable, try again shortly", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
