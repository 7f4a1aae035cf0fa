package store

import (
	"context"
	"sync"

	"librarylend/internal/domain"
)

// Operation names shared by the fault injector, retry metrics and logs.
const (
	OpGetBook            = "get_book"
	OpListBooks          = "list_books"
	OpCreateBook         = "create_book"
	OpReplaceBook        = "replace_book"
	OpDeleteBook         = "delete_book"
	OpBorrowCopy         = "borrow_copy"
	OpReleaseCopy        = "release_copy"
	OpGetUser            = "get_user"
	OpListUsers          = "list_users"
	OpCreateUser         = "create_user"
	OpAddBorrowedBook    = "add_borrowed_book"
	OpRemoveBorrowedBook = "remove_borrowed_book"
	OpPing               = "ping"
)

type fault struct {
	err       error
	remaining int // negative: until healed
	// applied lets the call reach the store before err is returned.
	applied bool
}

// Faulty wraps a Store and fails chosen operations on demand. It drives the
// chaos drills and the saga tests.
type Faulty struct {
	next Store

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

func NewFaulty(next Store) *Faulty {
	return &Faulty{
		next:   next,
		faults: make(map[string]*fault),
		calls:  make(map[string]int),
	}
}

// Fail makes the next times calls of op return err. times < 0 fails until Heal.
func (f *Faulty) Fail(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{err: err, remaining: times}
}

// FailAfter is Fail for a reply lost on the way back: the call is applied to
// the wrapped store and err is returned in place of its result.
func (f *Faulty) FailAfter(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{err: err, remaining: times, applied: true}
}

func (f *Faulty) Heal(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, op)
}

func (f *Faulty) HealAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.faults)
}

// Calls reports how many times op reached the wrapper, failed or not.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) check(op string) *fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	ft, ok := f.faults[op]
	if !ok {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
		if ft.remaining == 0 {
			delete(f.faults, op)
		}
	}
	return ft
}

func intercept[T any](f *Faulty, op string, fn func() (T, error)) (T, error) {
	var zero T
	ft := f.check(op)
	if ft == nil {
		return fn()
	}
	if !ft.applied {
		return zero, ft.err
	}
	if _, err := fn(); err != nil {
		return zero, err
	}
	return zero, ft.err
}

func interceptErr(f *Faulty, op string, fn func() error) error {
	_, err := intercept(f, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (f *Faulty) Ping(ctx context.Context) error {
	return interceptErr(f, OpPing, func() error { return f.next.Ping(ctx) })
}

func (f *Faulty) Close() error { return f.next.Close() }

func (f *Faulty) GetBook(ctx context.Context, isbn string) (*domain.Book, error) {
	return intercept(f, OpGetBook, func() (*domain.Book, error) { return f.next.GetBook(ctx, isbn) })
}

func (f *Faulty) ListBooks(ctx context.Context, category string) ([]*domain.Book, error) {
	return intercept(f, OpListBooks, func() ([]*domain.Book, error) { return f.next.ListBooks(ctx, category) })
}

func (f *Faulty) CreateBook(ctx context.Context, book *domain.Book) error {
	return interceptErr(f, OpCreateBook, func() error { return f.next.CreateBook(ctx, book) })
}

func (f *Faulty) ReplaceBook(ctx context.Context, book *domain.Book, expectedVersion int) error {
	return interceptErr(f, OpReplaceBook, func() error { return f.next.ReplaceBook(ctx, book, expectedVersion) })
}

func (f *Faulty) DeleteBook(ctx context.Context, isbn string, expectedVersion int) error {
	return interceptErr(f, OpDeleteBook, func() error { return f.next.DeleteBook(ctx, isbn, expectedVersion) })
}

func (f *Faulty) BorrowCopy(ctx context.Context, isbn, userID string) (*domain.Book, error) {
	return intercept(f, OpBorrowCopy, func() (*domain.Book, error) { return f.next.BorrowCopy(ctx, isbn, userID) })
}

func (f *Faulty) ReleaseCopy(ctx context.Context, isbn, userID string) (*domain.Book, error) {
	return intercept(f, OpReleaseCopy, func() (*domain.Book, error) { return f.next.ReleaseCopy(ctx, isbn, userID) })
}

func (f *Faulty) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return intercept(f, OpGetUser, func() (*domain.User, error) { return f.next.GetUser(ctx, userID) })
}

func (f *Faulty) ListUsers(ctx context.Context) ([]*domain.User, error) {
	return intercept(f, OpListUsers, func() ([]*domain.User, error) { return f.next.ListUsers(ctx) })
}

func (f *Faulty) CreateUser(ctx context.Context, user *domain.User) error {
	return interceptErr(f, OpCreateUser, func() error { return f.next.CreateUser(ctx, user) })
}

func (f *Faulty) AddBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error) {
	return intercept(f, OpAddBorrowedBook, func() (*domain.User, error) { return f.next.AddBorrowedBook(ctx, userID, isbn) })
}

func (f *Faulty) RemoveBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error) {
	return intercept(f, OpRemoveBorrowedBook, func() (*domain.User, error) { return f.next.RemoveBorrowedBook(ctx, userID, isbn) })
}
