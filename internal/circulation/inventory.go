// internal/circulation/inventory.go
package circulation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"librarylend/internal/apperr"
	"librarylend/internal/domain"
	"librarylend/internal/store"
)

// AddBook creates a book with fresh lending state.
func (s *service) AddBook(ctx context.Context, fields BookFields) (book *domain.Book, err error) {
	isbn := strings.TrimSpace(string(fields.ISBN))
	ctx, span := s.start(ctx, "add_book", isbn, "")
	defer func() { s.observe(span, "add_book", err) }()

	if isbn == "" || strings.TrimSpace(string(fields.Title)) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "ISBN and Title are required")
	}
	total, err := copies(fields.TotalCopies, 1)
	if err != nil {
		return nil, err
	}

	book = domain.NewBook(isbn, "", total)
	fields.applyDescriptive(book)

	if err := s.books.CreateBook(ctx, book); err != nil {
		if errors.Is(err, store.ErrOutcomeUnknown) && s.created(ctx, book) {
			s.logger.InfoContext(ctx, "book added", "isbn", isbn, "total", total)
			return book, nil
		}
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.New(apperr.KindDuplicateBook, "Book %s already exists", isbn)
		}
		return nil, apperr.Store(err, "create book")
	}
	s.logger.InfoContext(ctx, "book added", "isbn", isbn, "total", total)
	return book, nil
}

// created reports whether the stored book is the one an uncertain create wrote.
func (s *service) created(ctx context.Context, want *domain.Book) bool {
	got, err := s.books.GetBook(ctx, want.ISBN)
	if err != nil {
		return false
	}
	if got.Version != 1 || got.Title != want.Title || got.Author != want.Author ||
		got.Category != want.Category || got.TotalCopies != want.TotalCopies || len(got.Borrowers) > 0 {
		return false
	}
	want.Version = got.Version
	return true
}

// EditBook updates descriptive fields and capacity, keeping the loans intact.
func (s *service) EditBook(ctx context.Context, isbn string, fields BookFields) (book *domain.Book, err error) {
	ctx, span := s.start(ctx, "edit_book", isbn, "")
	defer func() { s.observe(span, "edit_book", err) }()

	return retryOnConflict(ctx, s.maxAttempts, "edit book", func() (*domain.Book, error) {
		cur, err := s.books.GetBook(ctx, isbn)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "Book not found")
		}
		if err != nil {
			return nil, apperr.Store(err, "get book")
		}

		onLoan := cur.OnLoan()
		total, err := copies(fields.TotalCopies, cur.TotalCopies)
		if err != nil {
			return nil, err
		}
		if total < onLoan {
			return nil, apperr.New(apperr.KindInvalidCapacity,
				"TotalCopies cannot be less than the %d copies on loan", onLoan)
		}

		next := cur.Clone()
		fields.applyDescriptive(next)
		next.TotalCopies = total
		next.AvailableCopies = total - onLoan
		next.RefreshStatus()

		if err := s.books.ReplaceBook(ctx, next, cur.Version); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperr.New(apperr.KindNotFound, "Book not found")
			}
			return nil, err
		}
		s.logger.InfoContext(ctx, "book edited", "isbn", isbn, "total", total, "available", next.AvailableCopies)
		return next, nil
	})
}

// DeleteBook removes a book that has no copies on loan.
func (s *service) DeleteBook(ctx context.Context, isbn string) (err error) {
	ctx, span := s.start(ctx, "delete_book", isbn, "")
	defer func() { s.observe(span, "delete_book", err) }()

	_, err = retryOnConflict(ctx, s.maxAttempts, "delete book", func() (struct{}, error) {
		cur, err := s.books.GetBook(ctx, isbn)
		if errors.Is(err, store.ErrNotFound) {
			return struct{}{}, apperr.New(apperr.KindNotFound, "Book not found")
		}
		if err != nil {
			return struct{}{}, apperr.Store(err, "get book")
		}
		if n := max(cur.OnLoan(), len(cur.Borrowers)); n > 0 {
			return struct{}{}, apperr.New(apperr.KindBooksOnLoan,
				"Cannot delete book: %d copies are still on loan", n)
		}

		if err := s.books.DeleteBook(ctx, isbn, cur.Version); err != nil {
			if errors.Is(err, store.ErrOutcomeUnknown) && errors.Is(err, store.ErrNotFound) {
				s.logger.InfoContext(ctx, "book deleted", "isbn", isbn)
				return struct{}{}, nil
			}
			if errors.Is(err, store.ErrNotFound) {
				return struct{}{}, apperr.New(apperr.KindNotFound, "Book not found")
			}
			return struct{}{}, err
		}
		s.logger.InfoContext(ctx, "book deleted", "isbn", isbn)
		return struct{}{}, nil
	})
	return err
}

// copies validates a payload copy count, falling back to def when absent.
func copies(c Count, def int) (int, error) {
	if c.Invalid {
		return 0, apperr.New(apperr.KindInvalidInput, "TotalCopies must be an integer")
	}
	if !c.Set {
		return def, nil
	}
	if c.Value < 0 {
		return 0, apperr.New(apperr.KindInvalidInput, "TotalCopies must not be negative")
	}
	return c.Value, nil
}

// retryOnConflict re-runs op while the store reports a version conflict, up to
// attempts times. Any other error stops the loop. Exhaustion is a store failure.
func retryOnConflict[T any](ctx context.Context, attempts int, what string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))

	if err == nil {
		return v, nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return v, appErr
	}
	return v, apperr.Store(err, what)
}
