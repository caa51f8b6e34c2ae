package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeDuplicateCredentials Code = "DUPLICATE_CREDENTIALS"
	CodeStateConflict        Code = "STATE_CONFLICT"
	CodeOutOfStock           Code = "OUT_OF_STOCK"
	CodeContention           Code = "CONTENTION"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeDependency           Code = "DEPENDENCY_ERROR"
)

// Metadata describes how a code surfaces to callers.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:           {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
	CodeNotFound:             {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
	CodeConflict:             {HTTPStatus: http.StatusConflict, PublicMessage: "conflict detected"},
	CodeDuplicateCredentials: {HTTPStatus: http.StatusConflict, PublicMessage: "stock credentials already exist for product", DetailsAllowed: true},
	CodeStateConflict:        {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", DetailsAllowed: true},
	CodeOutOfStock:           {HTTPStatus: http.StatusConflict, PublicMessage: "insufficient stock", DetailsAllowed: true},
	CodeContention:           {HTTPStatus: http.StatusServiceUnavailable, PublicMessage: "stock is busy, try again", Retryable: true, DetailsAllowed: true},
	CodeInternal:             {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error", Retryable: true},
	CodeDependency:           {HTTPStatus: http.StatusServiceUnavailable, PublicMessage: "dependency unavailable", Retryable: true, DetailsAllowed: true},
}

// MetadataFor falls back to the internal error entry for unknown codes.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded error. The zero code never escapes New or Wrap.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Retryable reports whether the caller may repeat the failed operation.
func Retryable(err error) bool {
	typed := As(err)
	return typed != nil && MetadataFor(typed.Code()).Retryable
}

// IsCode reports whether err carries the provided code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
