package circulation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarylend/internal/apperr"
	"librarylend/internal/domain"
	"librarylend/internal/logger"
	"librarylend/internal/store"
)

type repairCall struct{ isbn, userID, reason string }

type recordingQueue struct {
	mu    sync.Mutex
	calls []repairCall
}

func (q *recordingQueue) Enqueue(isbn, userID, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, repairCall{isbn, userID, reason})
	return true
}

func (q *recordingQueue) pairs() [][2]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][2]string, 0, len(q.calls))
	for _, c := range q.calls {
		out = append(out, [2]string{c.isbn, c.userID})
	}
	return out
}

type fixture struct {
	mem    *store.Memory
	faulty *store.Faulty
	queue  *recordingQueue
	svc    Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	faulty := store.NewFaulty(mem)
	queue := &recordingQueue{}
	return &fixture{
		mem:    mem,
		faulty: faulty,
		queue:  queue,
		svc:    NewService(faulty, Options{MaxAttempts: 3, Repairs: queue, Logger: logger.Discard()}),
	}
}

func (f *fixture) book(t *testing.T, isbn string, total int) {
	t.Helper()
	_, err := f.svc.AddBook(context.Background(), BookFields{
		ISBN: Text(isbn), Title: Text("Title " + isbn), TotalCopies: Count{Value: total, Set: true},
	})
	require.NoError(t, err)
}

func (f *fixture) user(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.mem.CreateUser(context.Background(), &domain.User{UserID: id, Role: domain.RoleMember}))
}

func (f *fixture) getBook(t *testing.T, isbn string) *domain.Book {
	t.Helper()
	b, err := f.mem.GetBook(context.Background(), isbn)
	require.NoError(t, err)
	return b
}

func (f *fixture) getUser(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := f.mem.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestBorrowReturnRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 2)
	f.user(t, "alice")

	b, err := f.svc.Borrow(ctx, "978", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, b.AvailableCopies)
	assert.Equal(t, []string{"alice"}, b.Borrowers)
	assert.Equal(t, []string{"978"}, f.getUser(t, "alice").BorrowedBooks)

	require.NoError(t, f.svc.Return(ctx, "978", "alice"))
	b = f.getBook(t, "978")
	assert.Equal(t, 2, b.AvailableCopies)
	assert.Empty(t, b.Borrowers)
	assert.Equal(t, 1, b.BorrowCount)
	assert.Empty(t, f.getUser(t, "alice").BorrowedBooks)

	_, err = f.svc.Borrow(ctx, "978", "alice")
	require.NoError(t, err)
	b = f.getBook(t, "978")
	assert.Equal(t, 1, b.AvailableCopies)
	assert.Equal(t, 2, b.BorrowCount)
	assert.Empty(t, f.queue.pairs())
}

func TestBorrowErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "one", 1)
	f.book(t, "none", 0)
	f.user(t, "alice")
	f.user(t, "bob")
	_, err := f.svc.Borrow(ctx, "one", "alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		isbn   string
		userID string
		want   *apperr.Error
	}{
		{"missing user id", "one", "", apperr.MissingUser},
		{"unknown book", "nope", "alice", apperr.NotFound},
		{"stock is checked before the user", "none", "ghost", apperr.NoStock},
		{"no stock", "one", "bob", apperr.NoStock},
		{"stock is checked before duplicates", "one", "alice", apperr.NoStock},
		{"zero copies", "none", "alice", apperr.NoStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Borrow(ctx, tt.isbn, tt.userID)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	f.book(t, "many", 3)
	_, err = f.svc.Borrow(ctx, "many", "ghost")
	assert.ErrorIs(t, err, apperr.NotFound)
	_, err = f.svc.Borrow(ctx, "many", "alice")
	require.NoError(t, err)
	_, err = f.svc.Borrow(ctx, "many", "alice")
	assert.ErrorIs(t, err, apperr.DuplicateBorrow)

	b := f.getBook(t, "many")
	assert.Equal(t, 2, b.AvailableCopies)
	assert.Equal(t, 1, b.BorrowCount)
}

func TestReturnErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 1)
	f.user(t, "alice")

	assert.ErrorIs(t, f.svc.Return(ctx, "978", ""), apperr.MissingUser)
	assert.ErrorIs(t, f.svc.Return(ctx, "978", "alice"), apperr.NotBorrowed)
	assert.ErrorIs(t, f.svc.Return(ctx, "978", "ghost"), apperr.NotBorrowed)

	b := f.getBook(t, "978")
	assert.Equal(t, 1, b.AvailableCopies)
}

func TestReturnOfDeletedBookSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.user(t, "alice")
	_, err := f.mem.AddBorrowedBook(ctx, "alice", "gone")
	require.NoError(t, err)

	require.NoError(t, f.svc.Return(ctx, "gone", "alice"))
	assert.Empty(t, f.getUser(t, "alice").BorrowedBooks)
	assert.Empty(t, f.queue.pairs())
}

func TestReturnWithoutBookBorrowerQueuesRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 1)
	f.user(t, "alice")
	_, err := f.mem.AddBorrowedBook(ctx, "alice", "978")
	require.NoError(t, err)

	require.NoError(t, f.svc.Return(ctx, "978", "alice"))
	assert.Empty(t, f.getUser(t, "alice").BorrowedBooks)
	assert.Equal(t, 1, f.getBook(t, "978").AvailableCopies)
	assert.Equal(t, [][2]string{{"978", "alice"}}, f.queue.pairs())
}

func TestBorrowCompensatesFailedUserUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 1)
	f.user(t, "alice")
	f.faulty.Fail(store.OpAddBorrowedBook, store.ErrUnavailable, 1)

	_, err := f.svc.Borrow(ctx, "978", "alice")
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))

	b := f.getBook(t, "978")
	assert.Empty(t, b.Borrowers)
	assert.Equal(t, 1, b.AvailableCopies)
	assert.Equal(t, 1, b.BorrowCount, "lifetime counter is not rolled back")
	assert.Empty(t, f.getUser(t, "alice").BorrowedBooks)
	assert.Empty(t, f.queue.pairs())
}

func TestBorrowFailedCompensationQueuesRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 1)
	f.user(t, "alice")
	f.faulty.Fail(store.OpAddBorrowedBook, store.ErrUnavailable, 1)
	f.faulty.Fail(store.OpReleaseCopy, store.ErrUnavailable, 1)

	_, err := f.svc.Borrow(ctx, "978", "alice")
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))

	assert.Equal(t, []string{"alice"}, f.getBook(t, "978").Borrowers)
	assert.Equal(t, [][2]string{{"978", "alice"}}, f.queue.pairs())
}

func TestReturnCompensatesFailedBookUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 1)
	f.user(t, "alice")
	_, err := f.svc.Borrow(ctx, "978", "alice")
	require.NoError(t, err)

	f.faulty.Fail(store.OpReleaseCopy, store.ErrUnavailable, 1)
	err = f.svc.Return(ctx, "978", "alice")
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))
	assert.Equal(t, []string{"978"}, f.getUser(t, "alice").BorrowedBooks)
	assert.Equal(t, []string{"alice"}, f.getBook(t, "978").Borrowers)
	assert.Empty(t, f.queue.pairs())

	f.faulty.Fail(store.OpReleaseCopy, store.ErrUnavailable, 1)
	f.faulty.Fail(store.OpAddBorrowedBook, store.ErrUnavailable, 1)
	err = f.svc.Return(ctx, "978", "alice")
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))
	assert.Equal(t, [][2]string{{"978", "alice"}}, f.queue.pairs())
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 1)
	f.user(t, "alice")
	f.user(t, "bob")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Borrow(ctx, "978", u)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.NoStock)
	}
	assert.Equal(t, 1, succeeded)

	b := f.getBook(t, "978")
	assert.Equal(t, 0, b.AvailableCopies)
	assert.Len(t, b.Borrowers, 1)
	assert.Equal(t, domain.StatusOutOfStock, b.Status)
}
