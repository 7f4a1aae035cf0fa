package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"librarylend/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const bookColumns = `isbn, title, author, category, publisher, publish_year, description,
	cover_url, location, total_copies, available_copies, borrow_count, borrowers, version`

const userColumns = `user_id, password_hash, name, role, borrowed_books, version`

type bookRow struct {
	ISBN            string         `db:"isbn"`
	Title           string         `db:"title"`
	Author          string         `db:"author"`
	Category        string         `db:"category"`
	Publisher       string         `db:"publisher"`
	PublishYear     string         `db:"publish_year"`
	Description     string         `db:"description"`
	CoverURL        string         `db:"cover_url"`
	Location        string         `db:"location"`
	TotalCopies     int            `db:"total_copies"`
	AvailableCopies int            `db:"available_copies"`
	BorrowCount     int            `db:"borrow_count"`
	Borrowers       pq.StringArray `db:"borrowers"`
	Version         int            `db:"version"`
}

func (r bookRow) book() *domain.Book {
	b := &domain.Book{
		ISBN:            r.ISBN,
		Title:           r.Title,
		Author:          r.Author,
		Category:        r.Category,
		Publisher:       r.Publisher,
		PublishYear:     r.PublishYear,
		Description:     r.Description,
		CoverURL:        r.CoverURL,
		Location:        r.Location,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		BorrowCount:     r.BorrowCount,
		Borrowers:       []string(r.Borrowers),
		Version:         r.Version,
	}
	if b.Borrowers == nil {
		b.Borrowers = []string{}
	}
	b.RefreshStatus()
	return b
}

type userRow struct {
	UserID        string         `db:"user_id"`
	PasswordHash  string         `db:"password_hash"`
	Name          string         `db:"name"`
	Role          string         `db:"role"`
	BorrowedBooks pq.StringArray `db:"borrowed_books"`
	Version       int            `db:"version"`
}

func (r userRow) user() *domain.User {
	u := &domain.User{
		UserID:        r.UserID,
		PasswordHash:  r.PasswordHash,
		Name:          r.Name,
		Role:          r.Role,
		BorrowedBooks: []string(r.BorrowedBooks),
		Version:       r.Version,
	}
	if u.BorrowedBooks == nil {
		u.BorrowedBooks = []string{}
	}
	return u
}

// Postgres keeps both collections in PostgreSQL. Every conditional primitive is a
// single UPDATE whose WHERE clause carries the condition.
type Postgres struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{
		db:     db,
		tracer: otel.Tracer("librarylend/store"),
	}
}

// Migrate applies the embedded schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "store."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConditionFailed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *Postgres) GetBook(ctx context.Context, isbn string) (book *domain.Book, err error) {
	ctx, span := p.start(ctx, "get_book", attribute.String("book.isbn", isbn))
	defer func() { finish(span, err) }()

	var row bookRow
	err = p.db.GetContext(ctx, &row, `SELECT `+bookColumns+` FROM books WHERE isbn = $1`, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", isbn, classify(err))
	}
	return row.book(), nil
}

func (p *Postgres) ListBooks(ctx context.Context, category string) (books []*domain.Book, err error) {
	ctx, span := p.start(ctx, "list_books", attribute.String("book.category", category))
	defer func() { finish(span, err) }()

	var rows []bookRow
	err = p.db.SelectContext(ctx, &rows, `
		SELECT `+bookColumns+`
		FROM books
		WHERE ($1::text = '' OR category = $1::text)
		ORDER BY created_at, isbn
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", classify(err))
	}

	books = make([]*domain.Book, 0, len(rows))
	for _, r := range rows {
		books = append(books, r.book())
	}
	span.SetAttributes(attribute.Int("books.scanned", len(books)))
	return books, nil
}

func (p *Postgres) CreateBook(ctx context.Context, b *domain.Book) (err error) {
	ctx, span := p.start(ctx, "create_book", attribute.String("book.isbn", b.ISBN))
	defer func() { finish(span, err) }()

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO books (isbn, title, author, category, publisher, publish_year, description,
			cover_url, location, total_copies, available_copies, borrow_count, borrowers, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (isbn) DO NOTHING
	`, b.ISBN, b.Title, b.Author, b.Category, b.Publisher, b.PublishYear, b.Description,
		b.CoverURL, b.Location, b.TotalCopies, b.AvailableCopies, b.BorrowCount, pq.Array(nonNil(b.Borrowers)))
	if err != nil {
		return fmt.Errorf("create book %s: %w", b.ISBN, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	b.Version = 1
	return nil
}

func (p *Postgres) ReplaceBook(ctx context.Context, b *domain.Book, expectedVersion int) (err error) {
	ctx, span := p.start(ctx, "replace_book",
		attribute.String("book.isbn", b.ISBN),
		attribute.Int("expected.version", expectedVersion),
	)
	defer func() { finish(span, err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE books
		SET title = $2, author = $3, category = $4, publisher = $5, publish_year = $6,
			description = $7, cover_url = $8, location = $9, total_copies = $10,
			available_copies = $11, borrow_count = $12, borrowers = $13,
			version = version + 1, updated_at = NOW()
		WHERE isbn = $1 AND version = $14
	`, b.ISBN, b.Title, b.Author, b.Category, b.Publisher, b.PublishYear, b.Description,
		b.CoverURL, b.Location, b.TotalCopies, b.AvailableCopies, b.BorrowCount,
		pq.Array(nonNil(b.Borrowers)), expectedVersion)
	if err != nil {
		return fmt.Errorf("replace book %s: %w", b.ISBN, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missOrConflict(ctx, "books", "isbn", b.ISBN)
	}
	b.Version = expectedVersion + 1
	return nil
}

func (p *Postgres) DeleteBook(ctx context.Context, isbn string, expectedVersion int) (err error) {
	ctx, span := p.start(ctx, "delete_book",
		attribute.String("book.isbn", isbn),
		attribute.Int("expected.version", expectedVersion),
	)
	defer func() { finish(span, err) }()

	res, err := p.db.ExecContext(ctx, `DELETE FROM books WHERE isbn = $1 AND version = $2`, isbn, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete book %s: %w", isbn, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missOrConflict(ctx, "books", "isbn", isbn)
	}
	return nil
}

func (p *Postgres) BorrowCopy(ctx context.Context, isbn, userID string) (book *domain.Book, err error) {
	ctx, span := p.start(ctx, "borrow_copy",
		attribute.String("book.isbn", isbn),
		attribute.String("user.id", userID),
	)
	defer func() { finish(span, err) }()

	var row bookRow
	err = p.db.GetContext(ctx, &row, `
		UPDATE books
		SET available_copies = available_copies - 1,
			borrow_count = borrow_count + 1,
			borrowers = array_append(borrowers, $2::text),
			version = version + 1,
			updated_at = NOW()
		WHERE isbn = $1 AND available_copies > 0 AND NOT ($2::text = ANY(borrowers))
		RETURNING `+bookColumns, isbn, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrFailed(ctx, "books", "isbn", isbn)
	}
	if err != nil {
		return nil, fmt.Errorf("borrow copy of %s: %w", isbn, classify(err))
	}
	return row.book(), nil
}

func (p *Postgres) ReleaseCopy(ctx context.Context, isbn, userID string) (book *domain.Book, err error) {
	ctx, span := p.start(ctx, "release_copy",
		attribute.String("book.isbn", isbn),
		attribute.String("user.id", userID),
	)
	defer func() { finish(span, err) }()

	var row bookRow
	err = p.db.GetContext(ctx, &row, `
		UPDATE books
		SET available_copies = available_copies + 1,
			borrowers = array_remove(borrowers, $2::text),
			version = version + 1,
			updated_at = NOW()
		WHERE isbn = $1 AND $2::text = ANY(borrowers)
		RETURNING `+bookColumns, isbn, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrFailed(ctx, "books", "isbn", isbn)
	}
	if err != nil {
		return nil, fmt.Errorf("release copy of %s: %w", isbn, classify(err))
	}
	return row.book(), nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (user *domain.User, err error) {
	ctx, span := p.start(ctx, "get_user", attribute.String("user.id", userID))
	defer func() { finish(span, err) }()

	var row userRow
	err = p.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, classify(err))
	}
	return row.user(), nil
}

func (p *Postgres) ListUsers(ctx context.Context) (users []*domain.User, err error) {
	ctx, span := p.start(ctx, "list_users")
	defer func() { finish(span, err) }()

	var rows []userRow
	if err = p.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users ORDER BY created_at, user_id`); err != nil {
		return nil, fmt.Errorf("list users: %w", classify(err))
	}
	users = make([]*domain.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.user())
	}
	return users, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) (err error) {
	ctx, span := p.start(ctx, "create_user", attribute.String("user.id", u.UserID))
	defer func() { finish(span, err) }()

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO users (user_id, password_hash, name, role, borrowed_books, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (user_id) DO NOTHING
	`, u.UserID, u.PasswordHash, u.Name, u.Role, pq.Array(nonNil(u.BorrowedBooks)))
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.UserID, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	u.Version = 1
	return nil
}

func (p *Postgres) AddBorrowedBook(ctx context.Context, userID, isbn string) (user *domain.User, err error) {
	ctx, span := p.start(ctx, "add_borrowed_book",
		attribute.String("user.id", userID),
		attribute.String("book.isbn", isbn),
	)
	defer func() { finish(span, err) }()

	var row userRow
	err = p.db.GetContext(ctx, &row, `
		UPDATE users
		SET borrowed_books = array_append(borrowed_books, $2::text),
			version = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND NOT ($2::text = ANY(borrowed_books))
		RETURNING `+userColumns, userID, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrFailed(ctx, "users", "user_id", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("add borrowed book for %s: %w", userID, classify(err))
	}
	return row.user(), nil
}

func (p *Postgres) RemoveBorrowedBook(ctx context.Context, userID, isbn string) (user *domain.User, err error) {
	ctx, span := p.start(ctx, "remove_borrowed_book",
		attribute.String("user.id", userID),
		attribute.String("book.isbn", isbn),
	)
	defer func() { finish(span, err) }()

	var row userRow
	err = p.db.GetContext(ctx, &row, `
		UPDATE users
		SET borrowed_books = array_remove(borrowed_books, $2::text),
			version = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND $2::text = ANY(borrowed_books)
		RETURNING `+userColumns, userID, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrFailed(ctx, "users", "user_id", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("remove borrowed book for %s: %w", userID, classify(err))
	}
	return row.user(), nil
}

func (p *Postgres) exists(ctx context.Context, table, key, id string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE `+key+` = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check %s %s: %w", table, id, classify(err))
	}
	return ok, nil
}

// missOrFailed explains a conditional update that touched no row.
func (p *Postgres) missOrFailed(ctx context.Context, table, key, id string) error {
	ok, err := p.exists(ctx, table, key, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrConditionFailed
}

// missOrConflict explains a version-checked write that touched no row.
func (p *Postgres) missOrConflict(ctx context.Context, table, key, id string) error {
	ok, err := p.exists(ctx, table, key, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// classify tags connection loss, serialization failures and deadlocks as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
