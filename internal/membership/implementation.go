// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librarylend/internal/apperr"
	"librarylend/internal/auth"
	"librarylend/internal/domain"
	"librarylend/internal/store"
)

// Options tunes the account service.
type Options struct {
	// RatePerMinute and Burst bound register and login attempts per UserID.
	// Zero disables throttling.
	RatePerMinute int
	Burst         int
	// Tokens, when set, makes Login issue an access token.
	Tokens *auth.TokenManager
	Logger *slog.Logger
}

// service implements the Service interface.
type service struct {
	users    store.Users
	throttle *throttle
	tokens   *auth.TokenManager
	logger   *slog.Logger
	tracer   trace.Tracer

	// dummyHash is compared against when the account does not exist.
	dummyHash string
}

// NewService creates a new account service instance.
func NewService(users store.Users, opts Options) Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dummy, _ := hashPassword("librarylend-timing-equalizer")
	return &service{
		users:     users,
		throttle:  newThrottle(opts.RatePerMinute, opts.Burst),
		tokens:    opts.Tokens,
		logger:    logger,
		tracer:    otel.Tracer("librarylend/membership"),
		dummyHash: dummy,
	}
}

// Register creates a new member.
func (s *service) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	if !s.throttle.allow(domain.NormalizeUserID(req.UserID)) {
		return nil, apperr.New(apperr.KindRateLimited, "Too many requests")
	}
	return s.create(ctx, req, domain.RoleMember)
}

func (s *service) CreateAdmin(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	return s.create(ctx, req, domain.RoleAdmin)
}

func (s *service) create(ctx context.Context, req RegisterRequest, role string) (*domain.User, error) {
	userID := domain.NormalizeUserID(req.UserID)
	ctx, span := s.tracer.Start(ctx, "membership.register",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("user.role", role)))
	defer span.End()

	if userID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "UserID is required")
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, apperr.Store(err, "hash password")
	}

	user := &domain.User{
		UserID:        userID,
		PasswordHash:  hash,
		Name:          req.Name,
		Role:          role,
		BorrowedBooks: []string{},
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrOutcomeUnknown) && s.created(ctx, user) {
			s.logger.InfoContext(ctx, "account registered", "user_id", userID, "role", role)
			return user, nil
		}
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.New(apperr.KindDuplicateAccount, "Account already exists")
		}
		span.RecordError(err)
		return nil, apperr.Store(err, "create user")
	}

	s.logger.InfoContext(ctx, "account registered", "user_id", userID, "role", role)
	return user, nil
}

// created reports whether the stored account is the one an uncertain create
// wrote. Salted hashes never repeat, so the hash identifies the write.
func (s *service) created(ctx context.Context, want *domain.User) bool {
	got, err := s.users.GetUser(ctx, want.UserID)
	return err == nil && got.PasswordHash == want.PasswordHash
}

// Login verifies credentials and returns the caller's profile.
func (s *service) Login(ctx context.Context, req LoginRequest) (*Profile, error) {
	userID := domain.NormalizeUserID(req.UserID)
	if !s.throttle.allow(userID) {
		return nil, apperr.New(apperr.KindRateLimited, "Too many requests")
	}

	ctx, span := s.tracer.Start(ctx, "membership.login",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	denied := apperr.New(apperr.KindUnauthorized, "Invalid UserID or password")

	if userID == "" {
		return nil, denied
	}
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		// Spend the same hashing time as a real comparison.
		_, _ = verifyPassword(req.Password, s.dummyHash)
		return nil, denied
	}
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Store(err, "get user")
	}

	ok, err := verifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.WarnContext(ctx, "stored password hash unreadable", "user_id", user.UserID, "err", err)
		return nil, denied
	}
	if !ok {
		return nil, denied
	}

	role := user.Role
	if role == "" {
		role = domain.RoleMember
	}
	profile := &Profile{
		UserID:        user.UserID,
		Name:          user.Name,
		Role:          role,
		BorrowedBooks: user.BorrowedBooks,
	}
	if s.tokens != nil {
		token, exp, err := s.tokens.Issue(user.UserID, role)
		if err != nil {
			return nil, apperr.Store(err, "issue token")
		}
		profile.Token = token
		profile.ExpiresAt = &exp
	}
	return profile, nil
}
