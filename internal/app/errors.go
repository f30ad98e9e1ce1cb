package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
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

// Kind classifies a mutation outcome.
type Kind string

const (
	KindNone            Kind = ""
	KindInvalidItemType Kind = "InvalidItemType"
	KindInvalidStatus   Kind = "InvalidStatus"
	KindForbidden       Kind = "Forbidden"
	KindUnexpected      Kind = "Unexpected"
)

const (
	codeInvalidItemType = "INVALID_ITEM_TYPE"
	codeInvalidStatus   = "INVALID_STATUS"
	codeForbidden       = "FORBIDDEN"
	codeNotFound        = "NOT_FOUND"
	codeValidation      = "VALIDATION_ERROR"
)

// KindOf maps err to its kind. A nil error is KindNone; not-found outcomes are
// nil results, never errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		switch domainErr.Code {
		case codeInvalidItemType:
			return KindInvalidItemType
		case codeInvalidStatus:
			return KindInvalidStatus
		case codeForbidden:
			return KindForbidden
		}
	}
	return KindUnexpected
}

func errInvalidItemType(operation, itemType string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeInvalidItemType,
		fmt.Sprintf("%s does not apply to %s items", operation, itemType),
		map[string]any{"itemType": itemType})
}

func errInvalidStatus(status string, allowed []string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeInvalidStatus,
		fmt.Sprintf("status %q is not configured for this item", strings.TrimSpace(status)),
		map[string]any{"allowed": allowed})
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, codeForbidden, "Your positions cannot change this item", nil)
}

func errJoinForbidden() *DomainError {
	return domainError(http.StatusForbidden, codeForbidden, "Your positions cannot follow this checklist", nil)
}

func errChecklistNotFound() *DomainError {
	return domainError(http.StatusNotFound, codeNotFound, "Checklist not found", nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, message, nil)
}
