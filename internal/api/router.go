package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"librarylend/internal/api/httpx"
	"librarylend/internal/auth"
	"librarylend/internal/catalog"
	"librarylend/internal/circulation"
	"librarylend/internal/membership"
	"librarylend/internal/metrics"
	"librarylend/internal/middleware"
)

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Catalog     catalog.Service
	Membership  membership.Service
	Circulation circulation.Service
	Store       Pinger
	Logger      *slog.Logger

	// RateRPS caps the router as a whole. Zero disables the limit.
	RateRPS int
	// AdminTokens guards /admin/* when set.
	AdminTokens *auth.TokenManager
}

func NewRouter(d RouterDeps) http.Handler {
	metrics.Init()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalogHandler := catalog.NewHandler(d.Catalog)
	membershipHandler := membership.NewHandler(d.Membership)
	circulationHandler := circulation.NewHandler(d.Circulation)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recover(logger),
		middleware.CORS(d.AdminTokens != nil),
		middleware.HTTPMetrics(logger),
		middleware.RateLimit(d.RateRPS),
	)

	routeNotFound := func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteMessage(w, http.StatusNotFound, "Route not found")
	}
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(routeNotFound)

	// health & metrics
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			httpx.WriteMessage(w, http.StatusServiceUnavailable, "store unreachable: "+err.Error())
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	// ---------- accounts ----------
	r.Post("/register", membershipHandler.HandleRegister)
	r.Post("/login", membershipHandler.HandleLogin)

	// ---------- catalog & lending ----------
	r.Get("/books", catalogHandler.HandleSearch)
	r.Get("/books/{isbn}", catalogHandler.HandleGetBook)
	r.Post("/books/{isbn}/borrow", circulationHandler.HandleBorrow)
	r.Post("/books/{isbn}/return", circulationHandler.HandleReturn)

	// ---------- admin ----------
	r.Route("/admin/books", func(r chi.Router) {
		if d.AdminTokens != nil {
			r.Use(middleware.RequireAdmin(d.AdminTokens))
		}
		r.Post("/", circulationHandler.HandleAddBook)
		r.Put("/{isbn}", circulationHandler.HandleEditBook)
		r.Delete("/{isbn}", circulationHandler.HandleDeleteBook)
	})

	return r
}
