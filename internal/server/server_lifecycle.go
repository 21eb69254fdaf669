package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/netutil"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// Start binds host:port and serves in the background. Calling Start on a
// running hub is a no-op. Port 0 picks a free port; Port reports it.
func (s *Server) Start(port int) error {
	return <-s.StartAsync(port)
}

// StartAsync starts the hub and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the hub is either running or failed.
func (s *Server) StartAsync(port int) <-chan error {
	errCh := make(chan error, 1)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug().Int("port", s.Port()).Msg("hub already running")
		errCh <- nil
		close(errCh)
		return errCh
	}

	// Create the listener first to detect port conflicts immediately.
	// net.Listen returns an error if the port is already in use.
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		errCh <- apperrors.BindFailed(addr, err)
		close(errCh)
		return errCh
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpServer
	s.listener = ln
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("hub listening")
		// Signal successful startup
		errCh <- nil
		close(errCh)

		// Serve blocks until the hub is stopped
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("hub server error")
		}
	}()

	return errCh
}

// Stop notifies every device with a close notice, closes all sessions,
// clears the registry and stops listening. The hub reports not running
// before any connection is touched. Stop is idempotent, and the hub may be
// started again afterwards.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false

	pending := make([]*Session, 0, len(s.pending))
	for sess := range s.pending {
		pending = append(pending, sess)
	}
	s.pending = make(map[*Session]struct{})

	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	registered, _ := s.registry.sessions(nil)
	s.log.Info().
		Int("devices", len(registered)).
		Int("pending", len(pending)).
		Msg("stopping hub")

	for _, sess := range append(registered, pending...) {
		sess.Close(protocol.ReasonServerShutdown)
	}
	s.registry.drain()

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}

// IsRunning reports whether the hub is accepting devices.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// URL is the address devices should dial: ws://<lan-ip>:<port>.
func (s *Server) URL() string {
	port := s.Port()
	if port == 0 {
		return ""
	}
	host := s.opts.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = netutil.LocalIP()
	}
	return fmt.Sprintf("ws://%s", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Uptime is how long the current run has lasted.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Disconnect closes one registered session with a close notice. It
// reports whether the session existed.
func (s *Server) Disconnect(sessionID string) bool {
	sess, ok := s.registry.session(sessionID)
	if !ok {
		return false
	}
	s.log.Info().Str("session", sessionID).Msg("disconnecting device")
	sess.Close(protocol.ReasonServerDisconnect)
	return true
}

// releaseSession drops sess from the pending set and the registry. It
// reports the device when the session had been registered.
func (s *Server) releaseSession(sess *Session) (Device, bool) {
	s.removePending(sess)

	device, ok := s.registry.unregisterSession(sess.id, sess)
	if !ok {
		s.log.Debug().Str("session", sess.id).Msg("connection closed before handshake")
	}
	return device, ok
}

// sessionClosed runs once per registered session from Session.Close, after
// its transport is closed.
func (s *Server) sessionClosed(sess *Session, device Device) {
	s.log.Info().Str("session", sess.id).Str("device", device.Name).Msg("device disconnected")
	if sess.leave(device) {
		s.listeners.emitDisconnected(device)
	}
}
