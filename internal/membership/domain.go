// internal/membership/domain.go
package membership

import "time"

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	UserID   string `json:"UserID"`
	Password string `json:"Password"`
	Name     string `json:"Name"`
}

// LoginRequest is the login payload.
type LoginRequest struct {
	UserID   string `json:"UserID"`
	Password string `json:"Password"`
}

// Profile is what a successful login returns.
type Profile struct {
	UserID        string     `json:"UserID"`
	Name          string     `json:"Name"`
	Role          string     `json:"Role"`
	BorrowedBooks []string   `json:"BorrowedBooks"`
	Token         string     `json:"Token,omitempty"`
	ExpiresAt     *time.Time `json:"ExpiresAt,omitempty"`
}
