// internal/circulation/service.go
package circulation

import (
	"context"

	"librarylend/internal/domain"
)

// Service defines the inventory consistency engine.
type Service interface {
	// Borrow takes a copy of isbn for userID: book side first, then user side,
	// compensating the book side if the user side fails.
	Borrow(ctx context.Context, isbn, userID string) (*domain.Book, error)
	// Return gives userID's copy back: user side first, then book side.
	Return(ctx context.Context, isbn, userID string) error

	AddBook(ctx context.Context, fields BookFields) (*domain.Book, error)
	EditBook(ctx context.Context, isbn string, fields BookFields) (*domain.Book, error)
	DeleteBook(ctx context.Context, isbn string) error
}

// RepairQueue accepts repairs for (isbn, userID) pairs whose two sides may disagree.
type RepairQueue interface {
	Enqueue(isbn, userID, reason string) bool
}
