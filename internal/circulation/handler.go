// internal/circulation/handler.go
package circulation

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"librarylend/internal/api/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if _, err := h.service.Borrow(r.Context(), chi.URLParam(r, "isbn"), req.UserID); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteMessage(w, http.StatusOK, "Borrow successful")
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if err := h.service.Return(r.Context(), chi.URLParam(r, "isbn"), req.UserID); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteMessage(w, http.StatusOK, "Return successful")
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var fields BookFields
	if err := httpx.DecodeJSON(r, &fields); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if _, err := h.service.AddBook(r.Context(), fields); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteMessage(w, http.StatusCreated, "Book added")
}

func (h *Handler) HandleEditBook(w http.ResponseWriter, r *http.Request) {
	var fields BookFields
	if err := httpx.DecodeJSON(r, &fields); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if _, err := h.service.EditBook(r.Context(), chi.URLParam(r, "isbn"), fields); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteMessage(w, http.StatusOK, "Book updated")
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteBook(r.Context(), chi.URLParam(r, "isbn")); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteMessage(w, http.StatusOK, "Book deleted")
}
