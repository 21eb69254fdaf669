package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	// gorilla/websocket is the most popular WebSocket library for Go.
	// It provides a complete implementation of the WebSocket protocol
	// with support for reading/writing messages, ping/pong, and close handling.
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	// Rate limiting for inbound device logs to prevent message flooding.
	"golang.org/x/time/rate"

	"github.com/gaomanyi/AutoXPlugin/internal/logging"
)

// channelBufferSize is the default buffer for event stream listeners. It
// absorbs bursts of device logs; if a reader falls further behind, events
// are dropped for that reader only.
const channelBufferSize = 256

// Defaults for Options fields left at their zero value.
const (
	// DefaultPingInterval is how often the hub sends a transport-level ping.
	DefaultPingInterval = 15 * time.Second

	// DefaultReadTimeout is how long a session may stay silent before it is
	// considered dead. Any inbound frame or pong resets it.
	DefaultReadTimeout = 60 * time.Second

	// DefaultWriteTimeout bounds a single frame write to a slow device.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxMessageSize caps inbound frames. Devices occasionally echo
	// large payloads back, so this is generous.
	DefaultMaxMessageSize = 64 << 20

	// DefaultDispatchConcurrency bounds how many devices one dispatch writes
	// to at the same time.
	DefaultDispatchConcurrency = 16

	// DefaultLogRate and DefaultLogBurst limit log lines per session.
	DefaultLogRate  = rate.Limit(1000)
	DefaultLogBurst = 100
)

// Options configures a Server. The zero value is usable: every unset field
// falls back to its default.
type Options struct {
	// Host is the interface to bind. Empty means all interfaces.
	Host string

	// Version is reported to devices in the handshake acknowledgement.
	Version string

	// Debug is reported to devices in the handshake acknowledgement.
	Debug bool

	// Logger receives hub logs. Nil discards them.
	Logger *zerolog.Logger

	PingInterval        time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxMessageSize      int64
	DispatchConcurrency int
	LogRate             rate.Limit
	LogBurst            int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.DispatchConcurrency <= 0 {
		o.DispatchConcurrency = DefaultDispatchConcurrency
	}
	if o.LogRate <= 0 {
		o.LogRate = DefaultLogRate
	}
	if o.LogBurst <= 0 {
		o.LogBurst = DefaultLogBurst
	}
	return o
}

// Server is the connection hub. It accepts device WebSocket connections,
// keeps the registry of devices that completed the handshake, delivers
// commands to them and fans device events out to every subscribed consumer.
//
// One Server is constructed per process and shared. Consumers obtained with
// Attach only add and remove listeners; only Stop tears connections down.
type Server struct {
	opts Options
	log  zerolog.Logger

	// upgrader converts HTTP connections to WebSocket connections.
	// AutoX devices connect from the LAN without an Origin we could check,
	// so every origin is accepted.
	upgrader websocket.Upgrader

	registry  *Registry
	listeners *Multiplexer

	// mu protects everything below.
	mu sync.RWMutex

	// running is flipped under mu so IsRunning never observes a half-stopped hub.
	running bool

	// httpServer is the underlying HTTP server for shutdown.
	httpServer *http.Server

	// listener is the bound socket; its address gives the real port when
	// Start was called with port 0.
	listener net.Listener

	// startedAt is when the current run began, for uptime reporting.
	startedAt time.Time

	// pending holds sessions that have not completed the handshake, so Stop
	// can close them as well. They are never visible through the registry.
	pending map[*Session]struct{}
}

// NewServer creates a stopped hub. Call Start to begin accepting devices.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	base := zerolog.Nop()
	if opts.Logger != nil {
		base = *opts.Logger
	}
	log := logging.Component(base, "hub")

	return &Server{
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		registry:  NewRegistry(),
		listeners: NewMultiplexer(log),
		pending:   make(map[*Session]struct{}),
	}
}

// Registry exposes read-only queries on the device registry. Sessions
// enter and leave it only through the handshake and Close.
func (s *Server) Registry() DeviceLookup {
	return registryView{s.registry}
}

// Listeners exposes the listener multiplexer.
func (s *Server) Listeners() *Multiplexer {
	return s.listeners
}

// Devices returns a snapshot of the registered devices.
func (s *Server) Devices() []Device {
	return s.registry.List()
}

// Version is the hub version sent in handshake acknowledgements.
func (s *Server) Version() string {
	return s.opts.Version
}

func (s *Server) addPending(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.pending[sess] = struct{}{}
	return true
}

func (s *Server) removePending(sess *Session) {
	s.mu.Lock()
	delete(s.pending, sess)
	s.mu.Unlock()
}

// PendingCount is the number of connections still waiting for a hello.
func (s *Server) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
