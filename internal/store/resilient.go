package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"librarylend/internal/domain"
	"librarylend/internal/metrics"
)

// ResilienceOptions tunes the retry and circuit breaker around a Store.
type ResilienceOptions struct {
	MaxRetries      uint
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
}

func (o ResilienceOptions) withDefaults() ResilienceOptions {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 20 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Resilient retries transient faults with exponential backoff and stops calling a
// failing store through a circuit breaker. Domain outcomes pass through untouched.
type Resilient struct {
	next    Store
	breaker *gobreaker.CircuitBreaker
	opts    ResilienceOptions
}

func NewResilient(next Store, opts ResilienceOptions) *Resilient {
	opts = opts.withDefaults()
	r := &Resilient{next: next, opts: opts}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("store circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return r
}

func (r *Resilient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BaseDelay
	b.MaxInterval = r.opts.MaxDelay
	return b
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	return run(ctx, r, op, false, fn)
}

// write is call for mutations. A transient fault can surface after the store
// applied the change, so once one is seen the final error carries ErrOutcomeUnknown.
func write[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	return run(ctx, r, op, true, fn)
}

func run[T any](ctx context.Context, r *Resilient, op string, mutates bool, fn func(context.Context) (T, error)) (T, error) {
	var faulted bool
	operation := func() (T, error) {
		var zero T
		v, err := r.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err))
		}
		if err != nil {
			if !IsTransient(err) {
				return zero, backoff.Permanent(err)
			}
			faulted = true
			return zero, err
		}
		return v.(T), nil
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.opts.MaxRetries+1),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.StoreRetries.WithLabelValues(op).Inc()
			r.opts.Logger.Debug("retrying store call", "op", op, "err", err, "delay", d)
		}),
	)
	if err != nil && mutates && faulted {
		r.opts.Logger.Warn("store write outcome unknown", "op", op, "err", err)
		return v, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	return v, err
}

// exec adapts write calls that only return an error.
func exec(ctx context.Context, r *Resilient, op string, fn func(context.Context) error) error {
	_, err := write(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *Resilient) Ping(ctx context.Context) error {
	_, err := call(ctx, r, OpPing, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Ping(ctx)
	})
	return err
}

func (r *Resilient) Close() error { return r.next.Close() }

func (r *Resilient) GetBook(ctx context.Context, isbn string) (*domain.Book, error) {
	return call(ctx, r, OpGetBook, func(ctx context.Context) (*domain.Book, error) {
		return r.next.GetBook(ctx, isbn)
	})
}

func (r *Resilient) ListBooks(ctx context.Context, category string) ([]*domain.Book, error) {
	return call(ctx, r, OpListBooks, func(ctx context.Context) ([]*domain.Book, error) {
		return r.next.ListBooks(ctx, category)
	})
}

func (r *Resilient) CreateBook(ctx context.Context, book *domain.Book) error {
	return exec(ctx, r, OpCreateBook, func(ctx context.Context) error {
		return r.next.CreateBook(ctx, book)
	})
}

func (r *Resilient) ReplaceBook(ctx context.Context, book *domain.Book, expectedVersion int) error {
	return exec(ctx, r, OpReplaceBook, func(ctx context.Context) error {
		return r.next.ReplaceBook(ctx, book, expectedVersion)
	})
}

func (r *Resilient) DeleteBook(ctx context.Context, isbn string, expectedVersion int) error {
	return exec(ctx, r, OpDeleteBook, func(ctx context.Context) error {
		return r.next.DeleteBook(ctx, isbn, expectedVersion)
	})
}

func (r *Resilient) BorrowCopy(ctx context.Context, isbn, userID string) (*domain.Book, error) {
	return write(ctx, r, OpBorrowCopy, func(ctx context.Context) (*domain.Book, error) {
		return r.next.BorrowCopy(ctx, isbn, userID)
	})
}

func (r *Resilient) ReleaseCopy(ctx context.Context, isbn, userID string) (*domain.Book, error) {
	return write(ctx, r, OpReleaseCopy, func(ctx context.Context) (*domain.Book, error) {
		return r.next.ReleaseCopy(ctx, isbn, userID)
	})
}

func (r *Resilient) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return call(ctx, r, OpGetUser, func(ctx context.Context) (*domain.User, error) {
		return r.next.GetUser(ctx, userID)
	})
}

func (r *Resilient) ListUsers(ctx context.Context) ([]*domain.User, error) {
	return call(ctx, r, OpListUsers, r.next.ListUsers)
}

func (r *Resilient) CreateUser(ctx context.Context, user *domain.User) error {
	return exec(ctx, r, OpCreateUser, func(ctx context.Context) error {
		return r.next.CreateUser(ctx, user)
	})
}

func (r *Resilient) AddBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error) {
	return write(ctx, r, OpAddBorrowedBook, func(ctx context.Context) (*domain.User, error) {
		return r.next.AddBorrowedBook(ctx, userID, isbn)
	})
}

func (r *Resilient) RemoveBorrowedBook(ctx context.Context, userID, isbn string) (*domain.User, error) {
	return write(ctx, r, OpRemoveBorrowedBook, func(ctx context.Context) (*domain.User, error) {
		return r.next.RemoveBorrowedBook(ctx, userID, isbn)
	})
}
