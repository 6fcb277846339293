package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"papertrade/internal/auth"
	"papertrade/internal/events"

	"github.com/gorilla/websocket"
)

// WSHandler streams execution and square-off events to connected clients.
type WSHandler struct {
	bus      *events.Bus
	authSvc  *auth.Service
	origin   string
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *events.Bus, authSvc *auth.Service, origin string) *WSHandler {
	return &WSHandler{
		bus:     bus,
		authSvc: authSvc,
		origin:  origin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "" || origin == "*" {
		return true
	}
	reqHost := originHost(r.Header.Get("Origin"))
	cfgHost := originHost(origin)
	if reqHost == "" || cfgHost == "" {
		return false
	}
	// Allow both localhost and 127.0.0.1 variants for development
	if isLoopback(cfgHost) && isLoopback(reqHost) {
		return true
	}
	return strings.EqualFold(reqHost, cfgHost)
}

// originHost extracts the hostname from an Origin value, with or without a
// scheme. Comparing hosts rather than substrings keeps lookalike domains
// like localhost.evil.com out.
func originHost(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(origin); err == nil {
		return host
	}
	return origin
}

func isLoopback(host string) bool {
	return strings.EqualFold(host, "localhost") || host == "127.0.0.1"
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on WebSocket requests, so the token
	// rides in the query string.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if _, err := h.authSvc.ParseToken(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt := <-sub:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
