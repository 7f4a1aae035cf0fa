// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librarylend/internal/apperr"
	"librarylend/internal/domain"
	"librarylend/internal/store"
)

// service implements the Service interface.
type service struct {
	books  store.Books
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(books store.Books) Service {
	return &service{
		books:  books,
		tracer: otel.Tracer("librarylend/catalog"),
	}
}

func (s *service) Search(ctx context.Context, category, keyword string) ([]*domain.Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.search", trace.WithAttributes(
		attribute.String("search.category", category),
		attribute.String("search.keyword", keyword),
	))
	defer span.End()

	if category == domain.CategoryAll {
		category = ""
	}
	books, err := s.books.ListBooks(ctx, category)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Store(err, "list books")
	}

	keyword = strings.ToLower(keyword)
	if keyword == "" {
		return books, nil
	}
	matched := make([]*domain.Book, 0, len(books))
	for _, b := range books {
		if strings.Contains(strings.ToLower(b.Title), keyword) || strings.Contains(strings.ToLower(b.Author), keyword) {
			matched = append(matched, b)
		}
	}
	span.SetAttributes(attribute.Int("search.matches", len(matched)))
	return matched, nil
}

func (s *service) GetBook(ctx context.Context, isbn string) (*domain.Book, error) {
	book, err := s.books.GetBook(ctx, isbn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "Not found")
	}
	if err != nil {
		return nil, apperr.Store(err, "get book")
	}
	return book, nil
}
