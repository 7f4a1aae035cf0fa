// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"librarylend/internal/apperr"
	"librarylend/internal/circulation"
	"librarylend/internal/domain"
	"librarylend/internal/reconcile"
	"librarylend/internal/store"
)

// Lab is the system under drill: a store behind a fault injector, the lending
// engine on top of it and a reconciler that measures agreement.
type Lab struct {
	Faults      *store.Faulty
	Circulation circulation.Service
	Reconciler  *reconcile.Reconciler
	// Window is the observation window given to every experiment.
	Window time.Duration

	base store.Store
}

// NewLab wraps base in a fault injector. Experiments seed their own titles and
// readers under fresh ids, so base may already hold data. grace is the
// reconciler's grace period for the sweep that closes a drill.
func NewLab(base store.Store, window, grace time.Duration, logger *slog.Logger) *Lab {
	if logger == nil {
		logger = slog.Default()
	}
	faults := store.NewFaulty(base)
	return &Lab{
		Faults:      faults,
		Circulation: circulation.NewService(faults, circulation.Options{Logger: logger}),
		Reconciler:  reconcile.New(faults, reconcile.Options{Grace: grace, Logger: logger}),
		Window:      window,
		base:        base,
	}
}

// RegisterExperiments registers every predefined drill with the engine.
func (l *Lab) RegisterExperiments(e *Engine) {
	e.Register(
		l.ConcurrentBorrowRace(50),
		l.UserStoreOutage(5),
		l.CompensationFailure(),
		l.BorrowReturnChurn(8, 2, 25),
	)
}

// invariantViolations is the steady-state metric every drill shares.
func (l *Lab) invariantViolations() Metric {
	return Metric{
		Name: "invariant_violations",
		Query: func(ctx context.Context) (float64, error) {
			report, err := l.Reconciler.Audit(ctx)
			if err != nil {
				return 0, err
			}
			return float64(len(report.Violations)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func (l *Lab) availableCopies(name, isbn string, want float64) Metric {
	return Metric{
		Name: name,
		Query: func(ctx context.Context) (float64, error) {
			b, err := l.base.GetBook(ctx, isbn)
			if errors.Is(err, store.ErrNotFound) {
				return 0, nil // not seeded yet
			}
			if err != nil {
				return 0, err
			}
			return float64(b.AvailableCopies), nil
		},
		Threshold: Threshold{Operator: "<=", Value: want},
	}
}

func counter(name string, c *atomic.Int64, op string, bound float64) Metric {
	return Metric{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: Threshold{Operator: op, Value: bound},
	}
}

func noViolations() Assertion {
	return Assertion{
		Metric:    "invariant_violations",
		Condition: func(v float64) bool { return v == 0 },
		Message:   "Books and users should agree once the drill is over",
	}
}

// seed creates a title and readers straight in the base store, bypassing faults.
func (l *Lab) seed(ctx context.Context, isbn string, copies int, readers []string) error {
	book := domain.NewBook(isbn, "Chaos Drill "+isbn, copies)
	book.Category = "Drill"
	if err := l.base.CreateBook(ctx, book); err != nil {
		return fmt.Errorf("seed book %s: %w", isbn, err)
	}
	for _, id := range readers {
		if err := l.base.CreateUser(ctx, &domain.User{UserID: id, Name: id, Role: domain.RoleMember}); err != nil {
			return fmt.Errorf("seed reader %s: %w", id, err)
		}
	}
	return nil
}

func drillIDs(readers int) (string, []string) {
	tag := uuid.NewString()[:8]
	ids := make([]string, readers)
	for i := range ids {
		ids[i] = fmt.Sprintf("chaos-reader-%s-%d", tag, i)
	}
	return "chaos-" + tag, ids
}

func seedAction(l *Lab, isbn string, copies int, readers []string) Action {
	return Action{
		Type:       "seed",
		Target:     "store",
		Parameters: map[string]any{"isbn": isbn, "copies": copies, "readers": len(readers)},
		Execute:    func(ctx context.Context) error { return l.seed(ctx, isbn, copies, readers) },
	}
}

func healAction(l *Lab) Action {
	return Action{
		Type:   "heal",
		Target: "store",
		Execute: func(context.Context) error {
			l.Faults.HealAll()
			return nil
		},
	}
}

// ConcurrentBorrowRace fires contenders simultaneous borrows at a one-copy title.
func (l *Lab) ConcurrentBorrowRace(contenders int) Experiment {
	isbn, readers := drillIDs(contenders)
	var granted, denied atomic.Int64

	return Experiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Exactly one of many simultaneous borrows of the last copy succeeds and the rest see NoStock",
		SteadyState: []Metric{
			l.invariantViolations(),
			counter("borrows_granted", &granted, "<=", 1),
			counter("borrows_denied", &denied, ">=", 0),
			l.availableCopies("available_copies", isbn, 1),
		},
		Method: []Action{
			seedAction(l, isbn, 1, readers),
			{
				Type:       "concurrent-borrows",
				Target:     "circulation",
				Parameters: map[string]any{"concurrency": contenders, "isbn": isbn},
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					errs := make(chan error, contenders)
					for _, id := range readers {
						wg.Add(1)
						go func(id string) {
							defer wg.Done()
							_, err := l.Circulation.Borrow(ctx, isbn, id)
							switch {
							case err == nil:
								granted.Add(1)
							case apperr.KindOf(err) == apperr.KindNoStock:
								denied.Add(1)
							default:
								errs <- err
							}
						}(id)
					}
					wg.Wait()
					close(errs)

					var all []error
					for err := range errs {
						all = append(all, err)
					}
					return errors.Join(all...)
				},
			},
		},
		Validation: []Assertion{
			noViolations(),
			{
				Metric:    "borrows_granted",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one borrow should win the last copy",
			},
			{
				Metric:    "borrows_denied",
				Condition: func(v float64) bool { return v == float64(contenders-1) },
				Message:   "Every other contender should see NoStock",
			},
			{
				Metric:    "available_copies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "The title should be out of stock",
			},
		},
		Duration:    l.Window,
		BlastRadius: 0.1,
	}
}

// UserStoreOutage fails every user-side update while borrowers line up. Each
// borrow must fail and give its copy back.
func (l *Lab) UserStoreOutage(borrowers int) Experiment {
	isbn, readers := drillIDs(borrowers)
	var failed atomic.Int64

	return Experiment{
		Name:       "user-store-outage",
		Hypothesis: "Borrows fail cleanly during a user-store outage and every taken copy is compensated",
		SteadyState: []Metric{
			l.invariantViolations(),
			l.availableCopies("available_copies", isbn, float64(borrowers)),
			counter("store_failures", &failed, ">=", 0),
		},
		Method: []Action{
			seedAction(l, isbn, borrowers, readers),
			{
				Type:       "inject-fault",
				Target:     "users",
				Parameters: map[string]any{"op": store.OpAddBorrowedBook, "err": store.ErrUnavailable.Error()},
				Execute: func(context.Context) error {
					l.Faults.Fail(store.OpAddBorrowedBook, store.ErrUnavailable, -1)
					return nil
				},
			},
			{
				Type:       "sequential-borrows",
				Target:     "circulation",
				Parameters: map[string]any{"borrowers": borrowers, "isbn": isbn},
				Execute: func(ctx context.Context) error {
					for _, id := range readers {
						_, err := l.Circulation.Borrow(ctx, isbn, id)
						if err == nil {
							return fmt.Errorf("borrow by %s succeeded during outage", id)
						}
						if apperr.KindOf(err) == apperr.KindStoreFailure {
							failed.Add(1)
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{healAction(l)},
		Validation: []Assertion{
			noViolations(),
			{
				Metric:    "available_copies",
				Condition: func(v float64) bool { return v == float64(borrowers) },
				Message:   "Every compensated copy should be back on the shelf",
			},
			{
				Metric:    "store_failures",
				Condition: func(v float64) bool { return v == float64(borrowers) },
				Message:   "Every borrow should report a store failure",
			},
		},
		Duration:    l.Window,
		BlastRadius: 0.2,
	}
}

// CompensationFailure breaks both sides of one borrow so its compensation
// cannot run. The disagreement must be visible and a sweep must clear it.
func (l *Lab) CompensationFailure() Experiment {
	isbn, readers := drillIDs(1)

	return Experiment{
		Name:       "compensation-failure",
		Hypothesis: "A reconcile sweep restores agreement after a borrow could not compensate",
		SteadyState: []Metric{
			l.invariantViolations(),
		},
		Method: []Action{
			seedAction(l, isbn, 1, readers),
			{
				Type:   "inject-fault",
				Target: "store",
				Parameters: map[string]any{
					"ops": []string{store.OpAddBorrowedBook, store.OpReleaseCopy},
				},
				Execute: func(context.Context) error {
					l.Faults.Fail(store.OpAddBorrowedBook, store.ErrUnavailable, -1)
					l.Faults.Fail(store.OpReleaseCopy, store.ErrUnavailable, -1)
					return nil
				},
			},
			{
				Type:   "borrow",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					if _, err := l.Circulation.Borrow(ctx, isbn, readers[0]); apperr.KindOf(err) != apperr.KindStoreFailure {
						return fmt.Errorf("borrow during double fault: want StoreFailure, got %v", err)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			healAction(l),
			{
				Type:   "sweep",
				Target: "reconcile",
				Execute: func(ctx context.Context) error {
					_, err := l.Reconciler.Sweep(ctx)
					return err
				},
			},
		},
		Validation:  []Assertion{noViolations()},
		Duration:    l.Window,
		BlastRadius: 0.1,
	}
}

// BorrowReturnChurn has readers borrow and return a contended title in a loop
// while a few returns hit transient faults.
func (l *Lab) BorrowReturnChurn(readers, copies, rounds int) Experiment {
	isbn, ids := drillIDs(readers)
	var borrowed, returned atomic.Int64
	outstanding := Metric{
		Name: "loans_outstanding",
		Query: func(context.Context) (float64, error) {
			return float64(borrowed.Load() - returned.Load()), nil
		},
		Threshold: Threshold{Operator: ">=", Value: 0},
	}

	return Experiment{
		Name:       "borrow-return-churn",
		Hypothesis: "Counts and borrower sets stay in agreement under borrow and return churn with flaky returns",
		SteadyState: []Metric{
			l.invariantViolations(),
			l.availableCopies("available_copies", isbn, float64(copies)),
			outstanding,
		},
		Method: []Action{
			seedAction(l, isbn, copies, ids),
			{
				Type:       "inject-fault",
				Target:     "books",
				Parameters: map[string]any{"op": store.OpReleaseCopy, "times": 3},
				Execute: func(context.Context) error {
					l.Faults.Fail(store.OpReleaseCopy, store.ErrUnavailable, 3)
					l.Faults.Fail(store.OpRemoveBorrowedBook, store.ErrUnavailable, 2)
					return nil
				},
			},
			{
				Type:       "churn",
				Target:     "circulation",
				Parameters: map[string]any{"readers": readers, "copies": copies, "rounds": rounds},
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					for _, id := range ids {
						wg.Add(1)
						go func(id string) {
							defer wg.Done()
							for range rounds {
								if _, err := l.Circulation.Borrow(ctx, isbn, id); err != nil {
									continue
								}
								borrowed.Add(1)
								// A failed return leaves the loan intact. There are fewer
								// injected faults than attempts, so one of them goes through.
								for attempt := 0; attempt < 8; attempt++ {
									if err := l.Circulation.Return(ctx, isbn, id); err == nil {
										returned.Add(1)
										break
									}
								}
							}
						}(id)
					}
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{healAction(l)},
		Validation: []Assertion{
			noViolations(),
			{
				Metric:    "available_copies",
				Condition: func(v float64) bool { return v == float64(copies) },
				Message:   "All copies should be back once every loan was returned",
			},
			{
				Metric:    "loans_outstanding",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every granted borrow should have been returned",
			},
		},
		Duration:    l.Window,
		BlastRadius: 0.2,
	}
}
