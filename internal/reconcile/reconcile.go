// Package reconcile finds and repairs disagreements between books and users
// left behind by sagas that could not finish or compensate.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"librarylend/internal/domain"
	"librarylend/internal/metrics"
	"librarylend/internal/store"
)

// Violation kinds.
const (
	CountMismatch  = "count_mismatch"
	OrphanBorrower = "orphan_borrower"
	OrphanLoan     = "orphan_loan"
	MissingBook    = "missing_book"
)

type Violation struct {
	Kind   string `json:"kind"`
	ISBN   string `json:"isbn"`
	UserID string `json:"user_id,omitempty"`
	Detail string `json:"detail"`
}

type Report struct {
	BooksScanned int         `json:"books_scanned"`
	UsersScanned int         `json:"users_scanned"`
	Violations   []Violation `json:"violations"`
	Repaired     int         `json:"repaired"`
	// Pending counts disagreements seen by only one of a sweep's two audits.
	// They may belong to sagas in flight and are left for the next sweep.
	Pending      int         `json:"pending"`
}

// Clean reports whether the audit found nothing.
func (r *Report) Clean() bool { return len(r.Violations) == 0 }

// Options tunes the reconciler.
type Options struct {
	// Grace is how long a pair must stay in disagreement before it is
	// repaired. A borrow or return holds its pair inconsistent between its two
	// writes, so this should exceed the slowest saga. Zero repairs at once.
	Grace  time.Duration
	Logger *slog.Logger
}

type Reconciler struct {
	store  store.Store
	grace  time.Duration
	logger *slog.Logger
}

func New(st store.Store, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{store: st, grace: opts.Grace, logger: opts.Logger}
}

// Audit scans both collections and reports every invariant violation.
func (r *Reconciler) Audit(ctx context.Context) (*Report, error) {
	books, err := r.store.ListBooks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	report := &Report{BooksScanned: len(books), UsersScanned: len(users), Violations: []Violation{}}
	byISBN := make(map[string]*domain.Book, len(books))
	byUser := make(map[string]*domain.User, len(users))
	for _, u := range users {
		byUser[u.UserID] = u
	}

	for _, b := range books {
		byISBN[b.ISBN] = b
		if !b.Consistent() {
			report.Violations = append(report.Violations, Violation{
				Kind: CountMismatch,
				ISBN: b.ISBN,
				Detail: fmt.Sprintf("total=%d available=%d borrowers=%d",
					b.TotalCopies, b.AvailableCopies, len(b.Borrowers)),
			})
		}
		for _, uid := range b.Borrowers {
			if u, ok := byUser[uid]; !ok || !u.HasBorrowed(b.ISBN) {
				report.Violations = append(report.Violations, Violation{
					Kind: OrphanBorrower, ISBN: b.ISBN, UserID: uid,
					Detail: "book lists a borrower whose account does not list the book",
				})
			}
		}
	}

	for _, u := range users {
		for _, isbn := range u.BorrowedBooks {
			b, ok := byISBN[isbn]
			switch {
			case !ok:
				report.Violations = append(report.Violations, Violation{
					Kind: MissingBook, ISBN: isbn, UserID: u.UserID,
					Detail: "account lists a book that is not in the catalog",
				})
			case !b.HasBorrower(u.UserID):
				report.Violations = append(report.Violations, Violation{
					Kind: OrphanLoan, ISBN: isbn, UserID: u.UserID,
					Detail: "account lists a book that does not list the borrower",
				})
			}
		}
	}
	return report, nil
}

// pairState is what each side of an (isbn, userID) pair says about the loan.
type pairState struct {
	bookFound bool
	bookHas   bool
	userHas   bool
}

func (p pairState) consistent() bool { return p.bookHas == p.userHas }

func stateOf(v Violation) pairState {
	switch v.Kind {
	case OrphanBorrower:
		return pairState{bookFound: true, bookHas: true}
	case OrphanLoan:
		return pairState{bookFound: true, userHas: true}
	default:
		return pairState{userHas: true}
	}
}

func (r *Reconciler) observe(ctx context.Context, isbn, userID string) (pairState, error) {
	book, err := r.store.GetBook(ctx, isbn)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return pairState{}, fmt.Errorf("get book %s: %w", isbn, err)
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return pairState{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return pairState{
		bookFound: book != nil,
		bookHas:   book != nil && book.HasBorrower(userID),
		userHas:   user != nil && user.HasBorrowed(isbn),
	}, nil
}

// settle waits out the grace period.
func (r *Reconciler) settle(ctx context.Context) error {
	if r.grace <= 0 {
		return nil
	}
	t := time.NewTimer(r.grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Repair brings one (isbn, userID) pair into agreement once it has stayed in
// disagreement for the grace period. A borrower the user does not confirm is
// released; a loan the book does not confirm is dropped.
func (r *Reconciler) Repair(ctx context.Context, isbn, userID string) (bool, error) {
	seen, err := r.observe(ctx, isbn, userID)
	if err != nil {
		return false, err
	}
	if seen.consistent() {
		return false, nil
	}
	if err := r.settle(ctx); err != nil {
		return false, err
	}
	return r.fix(ctx, isbn, userID, seen)
}

// fix re-reads the pair and writes only if it still looks the way it did when
// the disagreement was first seen.
func (r *Reconciler) fix(ctx context.Context, isbn, userID string, seen pairState) (bool, error) {
	now, err := r.observe(ctx, isbn, userID)
	if err != nil {
		return false, err
	}
	if now != seen {
		r.logger.InfoContext(ctx, "pair changed during grace period, leaving it",
			"isbn", isbn, "user_id", userID)
		return false, nil
	}

	if now.bookHas {
		_, err = r.store.ReleaseCopy(ctx, isbn, userID)
		if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("release copy of %s for %s: %w", isbn, userID, err)
		}
		metrics.Repairs.WithLabelValues(OrphanBorrower).Inc()
		r.logger.InfoContext(ctx, "released unconfirmed borrower", "isbn", isbn, "user_id", userID)
		return true, nil
	}

	_, err = r.store.RemoveBorrowedBook(ctx, userID, isbn)
	if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove loan %s from %s: %w", isbn, userID, err)
	}
	kind := OrphanLoan
	if !now.bookFound {
		kind = MissingBook
	}
	metrics.Repairs.WithLabelValues(kind).Inc()
	r.logger.InfoContext(ctx, "dropped unconfirmed loan", "isbn", isbn, "user_id", userID, "kind", kind)
	return true, nil
}

// fixCounts recomputes AvailableCopies from the borrower set, growing
// TotalCopies if more borrowers are recorded than copies exist.
func (r *Reconciler) fixCounts(ctx context.Context, isbn string) (bool, error) {
	b, err := r.store.GetBook(ctx, isbn)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get book %s: %w", isbn, err)
	}
	if b.Consistent() {
		return false, nil
	}

	next := b.Clone()
	next.TotalCopies = max(next.TotalCopies, len(next.Borrowers))
	next.AvailableCopies = next.TotalCopies - len(next.Borrowers)
	next.RefreshStatus()
	if err := r.store.ReplaceBook(ctx, next, b.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("replace book %s: %w", isbn, err)
	}
	metrics.Repairs.WithLabelValues(CountMismatch).Inc()
	r.logger.InfoContext(ctx, "recomputed copy counts", "isbn", isbn,
		"total", next.TotalCopies, "available", next.AvailableCopies)
	return true, nil
}

// Sweep audits twice, a grace period apart, and repairs what both audits
// found. Pairs are fixed before counts because releasing a borrower changes
// the expected count.
func (r *Reconciler) Sweep(ctx context.Context) (*Report, error) {
	report, err := r.Audit(ctx)
	if err != nil {
		return nil, err
	}
	if r.grace > 0 && !report.Clean() {
		first := report
		if err := r.settle(ctx); err != nil {
			return nil, err
		}
		if report, err = r.Audit(ctx); err != nil {
			return nil, err
		}
		confirmed := confirm(first.Violations, report.Violations)
		report.Pending = max(0, len(first.Violations)+len(report.Violations)-2*len(confirmed))
		report.Violations = confirmed
	}

	var errs []error
	var counts []string
	for _, v := range report.Violations {
		if v.Kind == CountMismatch {
			counts = append(counts, v.ISBN)
			continue
		}
		fixed, err := r.fix(ctx, v.ISBN, v.UserID, stateOf(v))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if fixed {
			report.Repaired++
		}
	}
	for _, isbn := range counts {
		fixed, err := r.fixCounts(ctx, isbn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if fixed {
			report.Repaired++
		}
	}

	r.logger.InfoContext(ctx, "reconcile sweep finished", "violations", len(report.Violations),
		"pending", report.Pending, "repaired", report.Repaired, "errors", len(errs))
	return report, errors.Join(errs...)
}

// confirm keeps the violations of later that earlier also reported.
func confirm(earlier, later []Violation) []Violation {
	type key struct{ kind, isbn, userID string }
	seen := make(map[key]bool, len(earlier))
	for _, v := range earlier {
		seen[key{v.Kind, v.ISBN, v.UserID}] = true
	}
	out := []Violation{}
	for _, v := range later {
		if seen[key{v.Kind, v.ISBN, v.UserID}] {
			out = append(out, v)
		}
	}
	return out
}
