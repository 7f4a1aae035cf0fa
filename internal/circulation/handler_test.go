package circulation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	f.user(t, "alice")
	h := NewHandler(f.svc)

	r := chi.NewRouter()
	r.Post("/admin/books", h.HandleAddBook)
	r.Put("/admin/books/{isbn}", h.HandleEditBook)
	r.Delete("/admin/books/{isbn}", h.HandleDeleteBook)
	r.Post("/books/{isbn}/borrow", h.HandleBorrow)
	r.Post("/books/{isbn}/return", h.HandleReturn)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	steps := []struct {
		method, path, body string
		status             int
		message            string
	}{
		{http.MethodPost, "/admin/books", `{"ISBN":"978","Title":"Dune","TotalCopies":"1"}`, 201, "Book added"},
		{http.MethodPost, "/admin/books", `{"ISBN":"978","Title":"Dune"}`, 400, "Book 978 already exists"},
		{http.MethodPost, "/admin/books", `{"Title":"Dune"}`, 400, "ISBN and Title are required"},
		{http.MethodPost, "/books/978/borrow", `{}`, 400, "UserID is required"},
		{http.MethodPost, "/books/978/borrow", `{"UserID":"alice"}`, 200, "Borrow successful"},
		{http.MethodPost, "/books/978/borrow", `{"UserID":"alice"}`, 400, "No copies available"},
		{http.MethodPost, "/books/404/borrow", `{"UserID":"alice"}`, 404, "Book not found"},
		{http.MethodPut, "/admin/books/978", `{"TotalCopies":0}`, 400, "TotalCopies cannot be less than the 1 copies on loan"},
		{http.MethodDelete, "/admin/books/978", ``, 400, "Cannot delete book: 1 copies are still on loan"},
		{http.MethodPost, "/books/978/return", `{"UserID":"alice"}`, 200, "Return successful"},
		{http.MethodPost, "/books/978/return", `{"UserID":"alice"}`, 400, "Book not borrowed by this user"},
		{http.MethodPut, "/admin/books/978", `{"TotalCopies":3,"Title":"Dune (2nd ed.)"}`, 200, "Book updated"},
		{http.MethodPut, "/admin/books/404", `{"TotalCopies":3}`, 404, "Book not found"},
		{http.MethodDelete, "/admin/books/978", ``, 200, "Book deleted"},
		{http.MethodDelete, "/admin/books/978", ``, 404, "Book not found"},
		{http.MethodPost, "/books/978/borrow", `{"UserID":`, 400, "Invalid JSON body"},
	}
	for _, s := range steps {
		rec := do(s.method, s.path, s.body)
		require.Equal(t, s.status, rec.Code, "%s %s %s: %s", s.method, s.path, s.body, rec.Body.String())
		assert.JSONEq(t, `{"message":"`+s.message+`"}`, rec.Body.String(), "%s %s", s.method, s.path)
	}
}
