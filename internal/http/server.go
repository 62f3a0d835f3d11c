// Package http exposes the ledger as a JSON API. Handlers translate wire
// requests into service calls; all domain rules live below this layer.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"splitledger/internal/log"
)

type Server struct {
	http.Server
	service      LedgerAPI
	rateLimiter  *rateLimiter
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, service LedgerAPI, logger *log.Logger) *Server {
	s := &Server{
		service:     service,
		rateLimiter: newRateLimiter(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(log.Middleware(logger))
	r.Use(log.RequestLogger(logger))
	r.Use(s.withRateLimit)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Post("/groups", s.handleCreateGroup)
		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Get("/", s.handleGetGroup)
			r.Get("/members", s.handleListMembers)
			r.Post("/members", s.handleAddMember)
			r.Delete("/members/{memberID}", s.handleRemoveMember)
			r.Get("/expenses", s.handleListExpenses)
			r.Post("/expenses", s.handleCreateExpense)
			r.Post("/settlements", s.handleCreateSettlement)
			r.Get("/balances", s.handleGetBalances)
			r.Get("/debts", s.handleGetSimplifiedDebts)
			r.Get("/changes", s.handleGetChangeRecord)
		})
		r.Route("/expenses/{expenseID}", func(r chi.Router) {
			r.Get("/", s.handleGetExpense)
			r.Put("/", s.handleUpdateExpense)
			r.Delete("/", s.handleDeleteExpense)
		})
		r.Route("/settlements/{settlementID}", func(r chi.Router) {
			r.Put("/", s.handleUpdateSettlement)
			r.Delete("/", s.handleDeleteSettlement)
		})
	})

	s.Server = http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Shutdown stops background routines before draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
