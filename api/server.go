/*
server.go - HTTP router and middleware configuration

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  unique id per request, echoed in error logs
  2. RealIP
  3. Logger:     access log
  4. Recoverer:  panic recovery (500 instead of crash)
  5. CORS:       cross-origin requests for the partner portal

ROUTE GROUPS:
  /api/commissions/*      calculation and settlement
  /api/farmer-transactions
  /api/partners/{id}/*    partner-facing reads and withdrawals
  /api/admin/*            payouts, onboarding, reconciliation
  /ws                     in-app notifications
  /healthz

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", h.ServeWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Route("/commissions", func(r chi.Router) {
			r.Post("/calculate", h.CalculateCommission)
			r.Post("/process", h.ProcessCommission)
		})
		r.Post("/farmer-transactions", h.RecordFarmerTransaction)

		r.Route("/partners/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/commissions/summary", h.GetCommissionSummary)
			r.Get("/commissions/history", h.GetCommissionHistory)
			if h.Limiter != nil {
				r.With(h.Limiter.Middleware).Post("/withdrawals", h.ProcessWithdrawal)
			} else {
				r.Post("/withdrawals", h.ProcessWithdrawal)
			}
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/commissions", h.ListCommissions)
			r.Post("/commissions/{id}/pay", h.PayCommission)
			r.Get("/partners", h.ListPartners)
			r.Post("/partners", h.CreatePartner)
			r.Get("/partners/{id}/verify", h.VerifyPartner)
			r.Post("/referrals", h.CreateReferral)
			r.Get("/referrals/{id}", h.GetReferral)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
			r.Post("/reconciliation/run", h.TriggerReconciliation)
		})
	})

	return r
}
