// Package apperr is the error taxonomy shared by the services and the HTTP layer.
// Domain failures carry a Kind; anything untagged is treated as a store fault.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindStoreFailure Kind = iota
	KindInvalidInput
	KindNotFound
	KindDuplicateAccount
	KindDuplicateBook
	KindDuplicateBorrow
	KindNotBorrowed
	KindMissingUser
	KindNoStock
	KindInvalidCapacity
	KindBooksOnLoan
	KindUnauthorized
	KindForbidden
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindStoreFailure:     "StoreFailure",
	KindInvalidInput:     "InvalidInput",
	KindNotFound:         "NotFound",
	KindDuplicateAccount: "DuplicateAccount",
	KindDuplicateBook:    "DuplicateBook",
	KindDuplicateBorrow:  "DuplicateBorrow",
	KindNotBorrowed:      "NotBorrowed",
	KindMissingUser:      "MissingUser",
	KindNoStock:          "NoStock",
	KindInvalidCapacity:  "InvalidCapacity",
	KindBooksOnLoan:      "BooksOnLoan",
	KindUnauthorized:     "Unauthorized",
	KindForbidden:        "Forbidden",
	KindRateLimited:      "RateLimited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified failure. Message is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.NoStock) style checks work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New returns a classified error with a caller-facing message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Store wraps an infrastructure fault.
func Store(err error, op string) *Error {
	return &Error{Kind: KindStoreFailure, Message: op, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	InvalidInput     = &Error{Kind: KindInvalidInput}
	NotFound         = &Error{Kind: KindNotFound}
	DuplicateAccount = &Error{Kind: KindDuplicateAccount}
	DuplicateBook    = &Error{Kind: KindDuplicateBook}
	DuplicateBorrow  = &Error{Kind: KindDuplicateBorrow}
	NotBorrowed      = &Error{Kind: KindNotBorrowed}
	MissingUser      = &Error{Kind: KindMissingUser}
	NoStock          = &Error{Kind: KindNoStock}
	InvalidCapacity  = &Error{Kind: KindInvalidCapacity}
	BooksOnLoan      = &Error{Kind: KindBooksOnLoan}
	Unauthorized     = &Error{Kind: KindUnauthorized}
	Forbidden        = &Error{Kind: KindForbidden}
	RateLimited      = &Error{Kind: KindRateLimited}
	StoreFailure     = &Error{Kind: KindStoreFailure}
)

// KindOf classifies any error. Untagged errors are store failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreFailure
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindDuplicateAccount, KindDuplicateBook, KindDuplicateBorrow,
		KindNotBorrowed, KindMissingUser, KindNoStock, KindInvalidCapacity, KindBooksOnLoan:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
