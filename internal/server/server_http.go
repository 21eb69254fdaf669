package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

// Handler builds the HTTP router: the device endpoint at "/", a public
// health check, and the loopback-only status and control API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	// AutoX devices dial ws://<host>:<port> with no path.
	r.Get("/", s.handleWebSocket)

	// Health check endpoint for monitoring
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(loopbackOnly)
		r.Use(s.accessLog)

		r.Get("/status", s.handleStatus)

		r.Route("/api", func(r chi.Router) {
			r.Get("/devices", s.handleListDevices)
			r.Delete("/devices/{session}", s.handleDisconnect)
			r.Post("/commands", s.handleCommand)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// handleWebSocket upgrades a device connection and runs its session until
// it closes. The request goroutine owns the read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("autox hub: connect with the AutoX app\n"))
		return
	}
	if !s.IsRunning() {
		http.Error(w, "hub is not running", http.StatusServiceUnavailable)
		return
	}

	// Upgrade the HTTP connection to a WebSocket connection.
	// This performs the WebSocket handshake (HTTP 101 Switching Protocols).
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(s, r.RemoteAddr, conn)
	sess.setState(StateHandshaking)
	if !s.addPending(sess) {
		// Stop won the race with this upgrade.
		sess.Close("")
		return
	}
	s.log.Debug().Str("session", sess.id).Msg("connection accepted, waiting for hello")

	go sess.keepalive()
	sess.readLoop()
}

// loopbackOnly rejects requests that do not come from this machine.
// The control API can push code to devices, so it is never exposed on the LAN.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			writeError(w, http.StatusForbidden,
				apperrors.New(apperrors.CodeAPIForbidden, "control API is local-only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopbackRequest reports whether the peer address is a loopback address.
// Unparseable addresses are rejected.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	// 127.0.0.0/8 for IPv4, ::1 for IPv6
	return ip.IsLoopback()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("api request")
	})
}

// errorResponse is the body of every API error.
type errorResponse struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	NextAction string `json:"next_action,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	writeJSON(w, status, errorResponse{
		Code:       code,
		Message:    msg,
		NextAction: apperrors.GetNextAction(code),
	})
}
