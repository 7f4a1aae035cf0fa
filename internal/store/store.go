// Package store is the entity store adapter: Books and Users collections addressed by
// primary key, with conditional updates for the lending invariants.
package store

import (
	"context"
	"errors"

	"librarylend/internal/domain"
)

var (
	ErrNotFound        = errors.New("store: item not found")
	ErrAlreadyExists   = errors.New("store: item already exists")
	ErrConditionFailed = errors.New("store: conditional check failed")
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrUnavailable marks transient faults that are safe to retry.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrOutcomeUnknown joins the final error of a write that hit a transient
	// fault on some attempt. That attempt may have been applied.
	ErrOutcomeUnknown = errors.New("store: write outcome unknown")
)

// Books is the book collection.
type Books interface {
	GetBook(ctx context.Context, isbn string) (*domain.Book, error)
	// ListBooks scans books in store order. An empty category matches all.
	ListBooks(ctx context.Context, category string) ([]*domain.Book, error)
	CreateBook(ctx context.Context, book *domain.Book) error
	// ReplaceBook overwrites the book if its stored version equals expectedVersion.
	ReplaceBook(ctx context.Context, book *domain.Book, expectedVersion int) error
	DeleteBook(ctx context.Context, isbn string, expectedVersion int) error

	// BorrowCopy atomically takes one copy for userID. It fails with
	// ErrConditionFailed unless AvailableCopies > 0 and userID is not a borrower.
	BorrowCopy(ctx context.Context, isbn, userID string) (*domain.Book, error)
	// ReleaseCopy atomically returns userID's copy. It fails with
	// ErrConditionFailed unless userID is a borrower.
	ReleaseCopy(ctx context.Context, isbn, userID string) (*domain.Book, error)
}

// Users is the user collection.
type Users interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error

	// AddBorrowedBook adds isbn to the user's set, ErrConditionFailed if present.
	AddBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error)
	// RemoveBorrowedBook removes isbn from the user's set, ErrConditionFailed if absent.
	RemoveBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error)
}

type Store interface {
	Books
	Users
	Ping(ctx context.Context) error
	Close() error
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
