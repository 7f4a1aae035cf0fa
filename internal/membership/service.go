// internal/membership/service.go
package membership

import (
	"context"

	"librarylend/internal/domain"
)

// Service defines the interface for the account service.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*domain.User, error)
	Login(ctx context.Context, req LoginRequest) (*Profile, error)
	// CreateAdmin registers a user with the Admin role. It is not rate limited.
	CreateAdmin(ctx context.Context, req RegisterRequest) (*domain.User, error)
}
