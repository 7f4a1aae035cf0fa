package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarylend/internal/apperr"
	"librarylend/internal/circulation"
	"librarylend/internal/domain"
	"librarylend/internal/logger"
	"librarylend/internal/store"
	"librarylend/internal/worker"
)

// brokenStore builds one violation of every kind.
func brokenStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.CreateUser(ctx, &domain.User{UserID: u}))
	}
	for _, isbn := range []string{"ok", "orphan-borrower", "orphan-loan", "counts"} {
		require.NoError(t, s.CreateBook(ctx, domain.NewBook(isbn, isbn, 2)))
	}

	// ok: consistent loan
	_, err := s.BorrowCopy(ctx, "ok", "alice")
	require.NoError(t, err)
	_, err = s.AddBorrowedBook(ctx, "alice", "ok")
	require.NoError(t, err)

	// orphan-borrower: book side only
	_, err = s.BorrowCopy(ctx, "orphan-borrower", "bob")
	require.NoError(t, err)

	// orphan-loan: user side only
	_, err = s.AddBorrowedBook(ctx, "carol", "orphan-loan")
	require.NoError(t, err)

	// missing book: user lists a book that does not exist
	_, err = s.AddBorrowedBook(ctx, "carol", "deleted")
	require.NoError(t, err)

	// counts: available disagrees with borrowers
	b, err := s.GetBook(ctx, "counts")
	require.NoError(t, err)
	b.AvailableCopies = 1
	require.NoError(t, s.ReplaceBook(ctx, b, b.Version))
	return s
}

func kinds(r *Report) map[string]int {
	out := map[string]int{}
	for _, v := range r.Violations {
		out[v.Kind]++
	}
	return out
}

func TestAudit(t *testing.T) {
	rec := New(brokenStore(t), Options{Logger: logger.Discard()})
	report, err := rec.Audit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.BooksScanned)
	assert.Equal(t, 3, report.UsersScanned)
	assert.False(t, report.Clean())
	assert.Equal(t, map[string]int{
		CountMismatch:  1,
		OrphanBorrower: 1,
		OrphanLoan:     1,
		MissingBook:    1,
	}, kinds(report))
}

func TestRepairPairs(t *testing.T) {
	ctx := context.Background()
	s := brokenStore(t)
	rec := New(s, Options{Logger: logger.Discard()})

	fixed, err := rec.Repair(ctx, "ok", "alice")
	require.NoError(t, err)
	assert.False(t, fixed)

	fixed, err = rec.Repair(ctx, "orphan-borrower", "bob")
	require.NoError(t, err)
	assert.True(t, fixed)
	b, err := s.GetBook(ctx, "orphan-borrower")
	require.NoError(t, err)
	assert.Empty(t, b.Borrowers)
	assert.Equal(t, 2, b.AvailableCopies)

	fixed, err = rec.Repair(ctx, "orphan-loan", "carol")
	require.NoError(t, err)
	assert.True(t, fixed)
	fixed, err = rec.Repair(ctx, "deleted", "carol")
	require.NoError(t, err)
	assert.True(t, fixed)
	u, err := s.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, u.BorrowedBooks)

	fixed, err = rec.Repair(ctx, "nothing", "nobody")
	require.NoError(t, err)
	assert.False(t, fixed)
}

func TestRepairSurfacesStoreFaults(t *testing.T) {
	faulty := store.NewFaulty(brokenStore(t))
	faulty.Fail(store.OpReleaseCopy, store.ErrUnavailable, 1)

	_, err := New(faulty, Options{Logger: logger.Discard()}).Repair(context.Background(), "orphan-borrower", "bob")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s := brokenStore(t)
	rec := New(s, Options{Logger: logger.Discard()})

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Violations, 4)
	assert.Equal(t, 4, report.Repaired)

	after, err := rec.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, after.Clean(), "%+v", after.Violations)

	b, err := s.GetBook(ctx, "counts")
	require.NoError(t, err)
	assert.Equal(t, 2, b.AvailableCopies)

	b, err = s.GetBook(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, b.Borrowers)
}

func TestQueuedRepairRestoresAgreementAfterFailedCompensation(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	faulty := store.NewFaulty(mem)
	require.NoError(t, mem.CreateUser(ctx, &domain.User{UserID: "alice"}))
	require.NoError(t, mem.CreateBook(ctx, domain.NewBook("978", "Dune", 1)))

	pool := worker.NewPool(1, 10, logger.Discard())
	rec := New(faulty, Options{Grace: 5 * time.Millisecond, Logger: logger.Discard()})
	queue := NewQueue(pool, rec, logger.Discard())
	queue.timeout = 5 * time.Second
	svc := circulation.NewService(faulty, circulation.Options{Repairs: queue, Logger: logger.Discard()})

	// The user side fails, then releasing the copy fails once; the queued
	// repair retries until the store answers.
	faulty.Fail(store.OpAddBorrowedBook, store.ErrUnavailable, 1)
	faulty.Fail(store.OpReleaseCopy, store.ErrUnavailable, 2)

	_, err := svc.Borrow(ctx, "978", "alice")
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))

	pool.Stop()

	b, err := mem.GetBook(ctx, "978")
	require.NoError(t, err)
	assert.Empty(t, b.Borrowers)
	assert.Equal(t, 1, b.AvailableCopies)

	report, err := rec.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

// hooked runs afterGetUser once, right after the first GetUser read.
type hooked struct {
	store.Store
	once         sync.Once
	afterGetUser func()
}

func (h *hooked) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	u, err := h.Store.GetUser(ctx, userID)
	h.once.Do(h.afterGetUser)
	return u, err
}

func TestRepairLeavesPairThatSettledDuringGrace(t *testing.T) {
	ctx := context.Background()
	s := brokenStore(t)
	h := &hooked{Store: s, afterGetUser: func() {
		// The borrow that took bob's copy records its loan.
		_, err := s.AddBorrowedBook(ctx, "bob", "orphan-borrower")
		require.NoError(t, err)
	}}
	rec := New(h, Options{Grace: 5 * time.Millisecond, Logger: logger.Discard()})

	fixed, err := rec.Repair(ctx, "orphan-borrower", "bob")
	require.NoError(t, err)
	assert.False(t, fixed)

	b, err := s.GetBook(ctx, "orphan-borrower")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, b.Borrowers)
	u, err := s.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan-borrower"}, u.BorrowedBooks)
}

func TestRepairStillFixesLastingDisagreement(t *testing.T) {
	ctx := context.Background()
	s := brokenStore(t)
	rec := New(s, Options{Grace: 5 * time.Millisecond, Logger: logger.Discard()})

	fixed, err := rec.Repair(ctx, "orphan-borrower", "bob")
	require.NoError(t, err)
	assert.True(t, fixed)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Repaired)
	assert.Zero(t, report.Pending)

	after, err := rec.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, after.Clean(), "%+v", after.Violations)
}

func TestRepairStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := New(brokenStore(t), Options{Grace: time.Hour, Logger: logger.Discard()})
	cancel()

	_, err := rec.Repair(ctx, "orphan-borrower", "bob")
	assert.ErrorIs(t, err, context.Canceled)
}

type sweepResult struct {
	report *Report
	err    error
}

// midBorrow runs a sweep as soon as a borrow reaches its user-side write and
// holds that write until the sweep's first audit has read both collections.
type midBorrow struct {
	store.Store
	rec     *Reconciler
	once    sync.Once
	audited chan struct{}
	swept   chan sweepResult
}

func (m *midBorrow) ListUsers(ctx context.Context) ([]*domain.User, error) {
	users, err := m.Store.ListUsers(ctx)
	m.once.Do(func() { close(m.audited) })
	return users, err
}

func (m *midBorrow) AddBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error) {
	go func() {
		report, err := m.rec.Sweep(context.Background())
		m.swept <- sweepResult{report, err}
	}()
	<-m.audited
	return m.Store.AddBorrowedBook(ctx, userID, isbn)
}

func TestSweepBetweenBorrowStepsKeepsTheLoan(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateUser(ctx, &domain.User{UserID: "alice"}))
	require.NoError(t, mem.CreateBook(ctx, domain.NewBook("b1", "Dune", 1)))

	m := &midBorrow{Store: mem, audited: make(chan struct{}), swept: make(chan sweepResult, 1)}
	m.rec = New(m, Options{Grace: 50 * time.Millisecond, Logger: logger.Discard()})
	svc := circulation.NewService(m, circulation.Options{Logger: logger.Discard()})

	_, err := svc.Borrow(ctx, "b1", "alice")
	require.NoError(t, err)

	res := <-m.swept
	require.NoError(t, res.err)
	assert.Empty(t, res.report.Violations)
	assert.Equal(t, 1, res.report.Pending, "the in-flight borrow was seen once")
	assert.Zero(t, res.report.Repaired)

	b, err := mem.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, b.Borrowers)
	u, err := mem.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, u.BorrowedBooks)

	report, err := m.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestQueuedRepairSettlesLostCopyReply(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	faulty := store.NewFaulty(mem)
	st := store.NewResilient(faulty, store.ResilienceOptions{MaxRetries: 2, BaseDelay: time.Millisecond, Logger: logger.Discard()})
	require.NoError(t, mem.CreateUser(ctx, &domain.User{UserID: "alice"}))
	require.NoError(t, mem.CreateBook(ctx, domain.NewBook("978", "Dune", 1)))

	pool := worker.NewPool(1, 10, logger.Discard())
	rec := New(st, Options{Grace: 5 * time.Millisecond, Logger: logger.Discard()})
	svc := circulation.NewService(st, circulation.Options{Repairs: NewQueue(pool, rec, logger.Discard()), Logger: logger.Discard()})

	// The copy is taken but the reply is lost, so the retry misses its condition.
	faulty.FailAfter(store.OpBorrowCopy, store.ErrUnavailable, 1)
	_, err := svc.Borrow(ctx, "978", "alice")
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))

	pool.Stop()

	b, err := mem.GetBook(ctx, "978")
	require.NoError(t, err)
	assert.Empty(t, b.Borrowers)
	assert.Equal(t, 1, b.AvailableCopies)

	report, err := rec.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestQueuedRepairsGiveUpAtShutdownDeadline(t *testing.T) {
	faulty := store.NewFaulty(brokenStore(t))
	faulty.Fail(store.OpGetBook, store.ErrUnavailable, -1)

	pool := worker.NewPool(1, 10, logger.Discard())
	queue := NewQueue(pool, New(faulty, Options{Logger: logger.Discard()}), logger.Discard())
	for i := 0; i < 3; i++ {
		require.True(t, queue.Enqueue("orphan-borrower", "bob", "store down"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := pool.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 5*time.Second)
}
