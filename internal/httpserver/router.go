package httpserver

import (
	"net/http"

	"papertrade/internal/auth"
	"papertrade/internal/httputil"
	"papertrade/internal/metrics"
	"papertrade/internal/orders"

	"github.com/go-chi/chi/v5"
)

type RouterDeps struct {
	OrderHandler *orders.Handler
	AuthService  *auth.Service
	WSHandler    http.Handler
}

// authed adapts a handler that needs the caller's user id. WithAuth has
// already run on these routes, so a missing id means a broken middleware
// chain, not a client error.
func authed(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		h(w, r, userID)
	}
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS middleware for development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", d.WSHandler.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Post("/orders/buy", authed(d.OrderHandler.Buy))
			r.Post("/orders/sell", authed(d.OrderHandler.Sell))
			r.Get("/positions", authed(d.OrderHandler.Positions))
			r.Get("/account", authed(d.OrderHandler.Account))
			r.Get("/transactions", authed(d.OrderHandler.Transactions))
			r.Route("/events/{eventID}", func(r chi.Router) {
				r.Post("/orders/buy", authed(d.OrderHandler.EventBuy))
				r.Post("/orders/sell", authed(d.OrderHandler.EventSell))
				r.Get("/positions", authed(d.OrderHandler.EventPositions))
				r.Get("/account", authed(d.OrderHandler.EventAccount))
				r.Get("/transactions", authed(d.OrderHandler.EventTransactions))
			})
		})
	})
	return r
}
