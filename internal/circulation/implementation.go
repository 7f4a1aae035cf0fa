// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"librarylend/internal/apperr"
	"librarylend/internal/domain"
	"librarylend/internal/metrics"
	"librarylend/internal/store"
)

// Options tunes the engine.
type Options struct {
	// MaxAttempts bounds the optimistic retry loops. Defaults to 5.
	MaxAttempts int
	// Repairs receives pairs left inconsistent by a failed compensation.
	Repairs RepairQueue
	Logger  *slog.Logger
}

// service implements the Service interface.
type service struct {
	books       store.Books
	users       store.Users
	repairs     RepairQueue
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewService creates a new engine over the shared store.
func NewService(st store.Store, opts Options) Service {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &service{
		books:       st,
		users:       st,
		repairs:     opts.Repairs,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		tracer:      otel.Tracer("librarylend/circulation"),
	}
}

func (s *service) start(ctx context.Context, op, isbn, userID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("book.isbn", isbn)}
	if userID != "" {
		attrs = append(attrs, attribute.String("user.id", userID))
	}
	return s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
}

// observe records the outcome of op on the span and in metrics.
func (s *service) observe(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		metrics.LendingOperations.WithLabelValues(op, "ok").Inc()
		return
	}
	kind := apperr.KindOf(err)
	metrics.LendingOperations.WithLabelValues(op, kind.String()).Inc()
	span.SetAttributes(attribute.String("error.kind", kind.String()))
	if kind == apperr.KindStoreFailure {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// enqueueRepair hands a possibly inconsistent pair to the repair queue.
func (s *service) enqueueRepair(ctx context.Context, isbn, userID, reason string) {
	if s.repairs != nil && s.repairs.Enqueue(isbn, userID, reason) {
		s.logger.WarnContext(ctx, "repair queued", "isbn", isbn, "user_id", userID, "reason", reason)
		return
	}
	s.logger.ErrorContext(ctx, "repair could not be queued; run reconcile",
		"isbn", isbn, "user_id", userID, "reason", reason)
}

// Borrow orchestrates the borrow saga.
func (s *service) Borrow(ctx context.Context, isbn, userID string) (book *domain.Book, err error) {
	userID = domain.NormalizeUserID(userID)
	ctx, span := s.start(ctx, "borrow", isbn, userID)
	defer func() { s.observe(span, "borrow", err) }()

	if userID == "" {
		return nil, apperr.New(apperr.KindMissingUser, "UserID is required")
	}

	// Step 1: Validate book and user before touching either
	cur, err := s.books.GetBook(ctx, isbn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "Book not found")
	}
	if err != nil {
		return nil, apperr.Store(err, "get book")
	}
	if cur.AvailableCopies <= 0 {
		return nil, apperr.New(apperr.KindNoStock, "No copies available")
	}

	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "User not found")
	}
	if err != nil {
		return nil, apperr.Store(err, "get user")
	}
	if user.HasBorrowed(isbn) || cur.HasBorrower(userID) {
		return nil, apperr.New(apperr.KindDuplicateBorrow, "Book already borrowed by this user")
	}

	// Step 2: Take the copy on the book (conditional on stock and not already held)
	book, err = s.takeCopy(ctx, isbn, userID)
	if err != nil {
		return nil, err
	}

	// Step 3: Record the loan on the user (with compensation)
	_, err = s.users.AddBorrowedBook(ctx, userID, isbn)
	if err == nil || landed(err) {
		// A landed write is ours: the user did not list the book before the
		// copy was taken, and the copy now blocks every other borrow of the pair.
		s.logger.InfoContext(ctx, "book borrowed", "isbn", isbn, "user_id", userID,
			"available", book.AvailableCopies)
		return book, nil
	}

	s.logger.WarnContext(ctx, "user side of borrow failed, releasing copy",
		"isbn", isbn, "user_id", userID, "err", err)
	if s.compensateBorrow(ctx, isbn, userID) && errors.Is(err, store.ErrOutcomeUnknown) {
		s.enqueueRepair(ctx, isbn, userID, "loan write outcome unknown")
	}

	switch {
	case errors.Is(err, store.ErrConditionFailed):
		// The user already listed the book while the book did not list the user.
		s.enqueueRepair(ctx, isbn, userID, "user listed book without matching borrower")
		return nil, apperr.New(apperr.KindDuplicateBorrow, "Book already borrowed by this user")
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.New(apperr.KindNotFound, "User not found")
	default:
		return nil, apperr.Store(err, "record loan on user")
	}
}

// landed reports whether a retried write missed its condition only because an
// earlier attempt had already applied it.
func landed(err error) bool {
	return errors.Is(err, store.ErrOutcomeUnknown) && errors.Is(err, store.ErrConditionFailed)
}

// takeCopy runs the conditional book update and explains a miss by re-reading.
func (s *service) takeCopy(ctx context.Context, isbn, userID string) (*domain.Book, error) {
	for attempt := 1; ; attempt++ {
		book, err := s.books.BorrowCopy(ctx, isbn, userID)
		if err == nil {
			return book, nil
		}
		if errors.Is(err, store.ErrOutcomeUnknown) {
			// The copy may be held for the user, or by a concurrent borrow of the
			// same pair. Neither can be told apart here, so the repair settles it.
			s.enqueueRepair(ctx, isbn, userID, "copy write outcome unknown")
			return nil, apperr.Store(err, "take copy")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "Book not found")
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, apperr.Store(err, "take copy")
		}

		now, rerr := s.books.GetBook(ctx, isbn)
		switch {
		case errors.Is(rerr, store.ErrNotFound):
			return nil, apperr.New(apperr.KindNotFound, "Book not found")
		case rerr != nil:
			return nil, apperr.Store(rerr, "get book")
		case now.HasBorrower(userID):
			return nil, apperr.New(apperr.KindDuplicateBorrow, "Book already borrowed by this user")
		case now.AvailableCopies <= 0 || attempt >= s.maxAttempts:
			return nil, apperr.New(apperr.KindNoStock, "No copies available")
		}
		// A copy came back between the update and the re-read.
	}
}

// compensateBorrow releases the copy taken in step 2. It reports false when
// the release failed and a repair was queued instead.
func (s *service) compensateBorrow(ctx context.Context, isbn, userID string) bool {
	_, err := s.books.ReleaseCopy(ctx, isbn, userID)
	if err == nil || landed(err) {
		metrics.SagaCompensations.WithLabelValues("borrow", "ok").Inc()
		return true
	}
	metrics.SagaCompensations.WithLabelValues("borrow", "failed").Inc()
	s.logger.ErrorContext(ctx, "failed to release copy after borrow failure",
		"isbn", isbn, "user_id", userID, "err", err)
	s.enqueueRepair(ctx, isbn, userID, "borrow compensation failed")
	return false
}

// Return orchestrates the return saga.
func (s *service) Return(ctx context.Context, isbn, userID string) (err error) {
	userID = domain.NormalizeUserID(userID)
	ctx, span := s.start(ctx, "return", isbn, userID)
	defer func() { s.observe(span, "return", err) }()

	if userID == "" {
		return apperr.New(apperr.KindMissingUser, "UserID is required")
	}

	// Step 1: Remove the loan from the user (conditional on membership)
	_, err = s.users.RemoveBorrowedBook(ctx, userID, isbn)
	removalLanded := landed(err)
	switch {
	case removalLanded:
		// An earlier attempt may have removed the loan; the book side decides.
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConditionFailed):
		return apperr.New(apperr.KindNotBorrowed, "Book not borrowed by this user")
	case err != nil:
		if errors.Is(err, store.ErrOutcomeUnknown) {
			s.enqueueRepair(ctx, isbn, userID, "loan removal outcome unknown")
		}
		return apperr.Store(err, "remove loan from user")
	}

	// Step 2: Give the copy back to the book
	book, err := s.books.ReleaseCopy(ctx, isbn, userID)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "book returned", "isbn", isbn, "user_id", userID,
			"available", book.AvailableCopies)
		return nil
	case errors.Is(err, store.ErrNotFound):
		s.logger.InfoContext(ctx, "returned book no longer in catalog", "isbn", isbn, "user_id", userID)
		return nil
	case landed(err):
		s.logger.InfoContext(ctx, "book returned", "isbn", isbn, "user_id", userID)
		return nil
	case errors.Is(err, store.ErrConditionFailed) && removalLanded:
		// Neither side lists the pair now.
		return apperr.New(apperr.KindNotBorrowed, "Book not borrowed by this user")
	case errors.Is(err, store.ErrConditionFailed):
		s.logger.WarnContext(ctx, "returned book did not list the borrower", "isbn", isbn, "user_id", userID)
		s.enqueueRepair(ctx, isbn, userID, "book missing borrower on return")
		return nil
	}

	s.logger.WarnContext(ctx, "book side of return failed, restoring user loan",
		"isbn", isbn, "user_id", userID, "err", err)
	_, cerr := s.users.AddBorrowedBook(ctx, userID, isbn)
	switch {
	case cerr != nil && !landed(cerr):
		metrics.SagaCompensations.WithLabelValues("return", "failed").Inc()
		s.logger.ErrorContext(ctx, "failed to restore user loan after return failure",
			"isbn", isbn, "user_id", userID, "err", cerr)
		s.enqueueRepair(ctx, isbn, userID, "return compensation failed")
	case errors.Is(err, store.ErrOutcomeUnknown):
		metrics.SagaCompensations.WithLabelValues("return", "ok").Inc()
		s.enqueueRepair(ctx, isbn, userID, "copy release outcome unknown")
	default:
		metrics.SagaCompensations.WithLabelValues("return", "ok").Inc()
	}
	return apperr.Store(err, "release copy")
}
