// internal/catalog/service.go
package catalog

import (
	"context"

	"librarylend/internal/domain"
)

// Service defines the interface for the catalog query service.
type Service interface {
	// Search scans the catalog. An empty category or "All" disables the category
	// filter; keyword matches Title or Author case-insensitively.
	Search(ctx context.Context, category, keyword string) ([]*domain.Book, error)
	GetBook(ctx context.Context, isbn string) (*domain.Book, error)
}
