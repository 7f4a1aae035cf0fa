// internal/domain/user.go
package domain

import (
	"slices"
	"strings"
)

// Roles a user can hold.
const (
	RoleMember = "Member"
	RoleAdmin  = "Admin"
)

// User is a library account and the set of books it currently holds.
type User struct {
	UserID        string   `json:"UserID"`
	PasswordHash  string   `json:"-"`
	Name          string   `json:"Name"`
	Role          string   `json:"Role"`
	BorrowedBooks []string `json:"BorrowedBooks"`
	Version       int      `json:"-"`
}

// NormalizeUserID is applied to every UserID before it reaches the store.
func NormalizeUserID(id string) string { return strings.TrimSpace(id) }

// HasBorrowed reports whether the user currently holds isbn.
func (u *User) HasBorrowed(isbn string) bool {
	return slices.Contains(u.BorrowedBooks, isbn)
}

// IsAdmin reports whether the user may manage the catalog.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.BorrowedBooks = slices.Clone(u.BorrowedBooks)
	if c.BorrowedBooks == nil {
		c.BorrowedBooks = []string{}
	}
	return &c
}
