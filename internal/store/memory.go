package store

import (
	"context"
	"slices"
	"sync"

	"librarylend/internal/domain"
)

// Memory is an in-process store. It keeps insertion order for scans so that
// it behaves like a table scan, and serializes every write.
type Memory struct {
	mu        sync.RWMutex
	books     map[string]*domain.Book
	bookOrder []string
	users     map[string]*domain.User
	userOrder []string
}

func NewMemory() *Memory {
	return &Memory{
		books: make(map[string]*domain.Book),
		users: make(map[string]*domain.User),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) GetBook(_ context.Context, isbn string) (*domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[isbn]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) ListBooks(_ context.Context, category string) ([]*domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Book, 0, len(m.bookOrder))
	for _, isbn := range m.bookOrder {
		b := m.books[isbn]
		if category != "" && b.Category != category {
			continue
		}
		out = append(out, b.Clone())
	}
	return out, nil
}

func (m *Memory) CreateBook(_ context.Context, book *domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[book.ISBN]; ok {
		return ErrAlreadyExists
	}
	b := book.Clone()
	b.Version = 1
	b.RefreshStatus()
	m.books[b.ISBN] = b
	m.bookOrder = append(m.bookOrder, b.ISBN)
	book.Version = 1
	return nil
}

func (m *Memory) ReplaceBook(_ context.Context, book *domain.Book, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.books[book.ISBN]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	b := book.Clone()
	b.Version = expectedVersion + 1
	b.RefreshStatus()
	m.books[b.ISBN] = b
	book.Version = b.Version
	return nil
}

func (m *Memory) DeleteBook(_ context.Context, isbn string, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.books[isbn]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.books, isbn)
	m.bookOrder = slices.DeleteFunc(m.bookOrder, func(s string) bool { return s == isbn })
	return nil
}

func (m *Memory) BorrowCopy(_ context.Context, isbn, userID string) (*domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[isbn]
	if !ok {
		return nil, ErrNotFound
	}
	if b.AvailableCopies <= 0 || b.HasBorrower(userID) {
		return nil, ErrConditionFailed
	}
	b.AvailableCopies--
	b.BorrowCount++
	b.Borrowers = append(b.Borrowers, userID)
	b.Version++
	b.RefreshStatus()
	return b.Clone(), nil
}

func (m *Memory) ReleaseCopy(_ context.Context, isbn, userID string) (*domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[isbn]
	if !ok {
		return nil, ErrNotFound
	}
	if !b.HasBorrower(userID) {
		return nil, ErrConditionFailed
	}
	b.Borrowers = slices.DeleteFunc(b.Borrowers, func(s string) bool { return s == userID })
	b.AvailableCopies++
	b.Version++
	b.RefreshStatus()
	return b.Clone(), nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (m *Memory) ListUsers(context.Context) ([]*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.User, 0, len(m.userOrder))
	for _, id := range m.userOrder {
		out = append(out, m.users[id].Clone())
	}
	return out, nil
}

func (m *Memory) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.UserID]; ok {
		return ErrAlreadyExists
	}
	u := user.Clone()
	u.Version = 1
	m.users[u.UserID] = u
	m.userOrder = append(m.userOrder, u.UserID)
	user.Version = 1
	return nil
}

func (m *Memory) AddBorrowedBook(_ context.Context, userID, isbn string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.HasBorrowed(isbn) {
		return nil, ErrConditionFailed
	}
	u.BorrowedBooks = append(u.BorrowedBooks, isbn)
	u.Version++
	return u.Clone(), nil
}

func (m *Memory) RemoveBorrowedBook(_ context.Context, userID, isbn string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if !u.HasBorrowed(isbn) {
		return nil, ErrConditionFailed
	}
	u.BorrowedBooks = slices.DeleteFunc(u.BorrowedBooks, func(s string) bool { return s == isbn })
	u.Version++
	return u.Clone(), nil
}
