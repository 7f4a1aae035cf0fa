// internal/membership/handler.go
package membership

import (
	"net/http"

	"librarylend/internal/api/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	if _, err := h.service.Register(r.Context(), req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteMessage(w, http.StatusCreated, "Registration successful")
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	profile, err := h.service.Login(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		*Profile
	}{Message: "Login success", Profile: profile})
}
