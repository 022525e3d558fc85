package scim

import (
	"fmt"
	"net/http"
)

// SCIM error types as defined in RFC 7644 Section 3.12.
const (
	TypeInvalidFilter = "invalidFilter"
	TypeInvalidPath   = "invalidPath"
	TypeInvalidSyntax = "invalidSyntax"
	TypeInvalidValue  = "invalidValue"
	TypeInvalidVers   = "invalidVers"
	TypeMutability    = "mutability"
	TypeNoTarget      = "noTarget"
	TypeSensitive     = "sensitive"
	TypeTooMany       = "tooMany"
	TypeUniqueness    = "uniqueness"
)

// Error is a SCIM protocol error carrying the HTTP status and scimType
// that the central error filter maps onto the RFC 7644 Error schema.
type Error struct {
	Status   int
	Detail   string
	ScimType string
}

func (e *Error) Error() string {
	return e.Detail
}

// NewError creates a SCIM error.
func NewError(status int, detail, scimType string) *Error {
	return &Error{Status: status, Detail: detail, ScimType: scimType}
}

func ErrInvalidFilter(detail string) *Error {
	return NewError(http.StatusBadRequest, detail, TypeInvalidFilter)
}

func ErrInvalidPath(detail string) *Error {
	return NewError(http.StatusBadRequest, detail, TypeInvalidPath)
}

func ErrInvalidSyntax(detail string) *Error {
	return NewError(http.StatusBadRequest, detail, TypeInvalidSyntax)
}

func ErrInvalidValue(detail string) *Error {
	return NewError(http.StatusBadRequest, detail, TypeInvalidValue)
}

func ErrMutability(detail string) *Error {
	return NewError(http.StatusBadRequest, detail, TypeMutability)
}

// ErrNoTarget is the 400 form used for remove operations without a target.
func ErrNoTarget(detail string) *Error {
	return NewError(http.StatusBadRequest, detail, TypeNoTarget)
}

func ErrUniqueness(detail string) *Error {
	return NewError(http.StatusConflict, detail, TypeUniqueness)
}

// ErrNotFound is the 404 form; missing resources carry scimType noTarget.
func ErrNotFound(resourceType, id string) *Error {
	return NewError(http.StatusNotFound, fmt.Sprintf("%s %s not found", resourceType, id), TypeNoTarget)
}

func ErrUnauthorized() *Error {
	return NewError(http.StatusUnauthorized, "Unauthorized", "")
}

func ErrInternal(detail string) *Error {
	return NewError(http.StatusInternalServerError, detail, "")
}
