// internal/domain/book.go
package domain

import "slices"

// Book availability states. Status is always derived from AvailableCopies.
const (
	StatusAvailable  = "Available"
	StatusOutOfStock = "OutOfStock"
)

// CategoryAll is the search sentinel that disables the category filter.
const CategoryAll = "All"

// Book is a catalog title and its lending state.
type Book struct {
	ISBN            string   `json:"ISBN"`
	Title           string   `json:"Title"`
	Author          string   `json:"Author,omitempty"`
	Category        string   `json:"Category,omitempty"`
	Publisher       string   `json:"Publisher,omitempty"`
	PublishYear     string   `json:"PublishYear,omitempty"`
	Description     string   `json:"Description,omitempty"`
	CoverURL        string   `json:"CoverURL,omitempty"`
	Location        string   `json:"Location,omitempty"`
	TotalCopies     int      `json:"TotalCopies"`
	AvailableCopies int      `json:"AvailableCopies"`
	BorrowCount     int      `json:"BorrowCount"`
	Borrowers       []string `json:"Borrowers"`
	Status          string   `json:"Status"`
	Version         int      `json:"-"`
}

// NewBook returns a book with freshly initialized lending state.
func NewBook(isbn, title string, totalCopies int) *Book {
	b := &Book{
		ISBN:            isbn,
		Title:           title,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		Borrowers:       []string{},
	}
	b.RefreshStatus()
	return b
}

// RefreshStatus recomputes Status from AvailableCopies.
func (b *Book) RefreshStatus() {
	if b.AvailableCopies > 0 {
		b.Status = StatusAvailable
	} else {
		b.Status = StatusOutOfStock
	}
}

// OnLoan is the number of copies currently checked out, never negative.
func (b *Book) OnLoan() int {
	if n := b.TotalCopies - b.AvailableCopies; n > 0 {
		return n
	}
	return 0
}

// HasBorrower reports whether userID currently holds a copy.
func (b *Book) HasBorrower(userID string) bool {
	return slices.Contains(b.Borrowers, userID)
}

// Consistent reports whether the copy counts agree with the borrower set.
func (b *Book) Consistent() bool {
	return b.AvailableCopies >= 0 &&
		b.AvailableCopies <= b.TotalCopies &&
		b.AvailableCopies == b.TotalCopies-len(b.Borrowers)
}

// Clone returns a deep copy so callers never share the borrower slice.
func (b *Book) Clone() *Book {
	c := *b
	c.Borrowers = slices.Clone(b.Borrowers)
	if c.Borrowers == nil {
		c.Borrowers = []string{}
	}
	return &c
}
