package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// State is the protocol state of one device connection.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live device connection. The read loop owns inbound
// frames; writes may come from any goroutine and are serialized by writeMu.
type Session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    zerolog.Logger

	// writeMu makes each frame, and each binary+text pair, atomic on the wire.
	writeMu sync.Mutex

	// mu protects state, device, registered and the announce fields.
	mu         sync.Mutex
	state      State
	device     Device
	registered bool

	// announcing is set while the connected event is being delivered. A
	// disconnect that lands meanwhile is parked in pendingLeave and emitted
	// by the announcer, so observers never see it first.
	announcing   bool
	announced    bool
	pendingLeave *Device

	closeOnce sync.Once
	done      chan struct{}

	// limiter and dropped are only touched by the read loop.
	limiter *rate.Limiter
	dropped int
}

func newSession(s *Server, id string, conn *websocket.Conn) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		server:  s,
		log:     s.log.With().Str("session", id).Logger(),
		state:   StateConnecting,
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(s.opts.LogRate, s.opts.LogBurst),
	}
}

// ID is the session id, the peer's transport address.
func (c *Session) ID() string {
	return c.id
}

// State returns the current protocol state.
func (c *Session) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Session) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// Device returns the announced device, or a placeholder named
// "Unknown Device" before the hello arrives.
func (c *Session) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.registered {
		return Device{SessionID: c.id, Name: protocol.UnknownDeviceName}
	}
	return c.device
}

// Done is closed once the session has been torn down.
func (c *Session) Done() <-chan struct{} {
	return c.done
}

func (c *Session) closing() bool {
	st := c.State()
	return st == StateClosing || st == StateClosed
}

// writeFrame writes one frame under the write lock. Callers check state.
func (c *Session) writeFrame(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(messageType, data)
}

func (c *Session) writeLocked(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return apperrors.WriteFailed(c.id, err)
	}
	return nil
}

// WriteText sends one text frame. A closing session fails fast.
func (c *Session) WriteText(data []byte) error {
	if c.closing() {
		return apperrors.SessionClosed(c.id)
	}
	return c.writeFrame(websocket.TextMessage, data)
}

// WritePair sends a binary frame followed by its text envelope. Nothing
// else is written to this session between the two.
func (c *Session) WritePair(binary, text []byte) error {
	if c.closing() {
		return apperrors.SessionClosed(c.id)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writeLocked(websocket.BinaryMessage, binary); err != nil {
		return err
	}
	return c.writeLocked(websocket.TextMessage, text)
}

func (c *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Internal("encode frame", err)
	}
	return c.WriteText(data)
}

// Close tears the session down. When reason is non-empty the device first
// receives a close notice carrying it. Safe to call from any goroutine and
// any number of times; only the first call has an effect.
func (c *Session) Close(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)

		// Leave the registry before the transport goes away.
		device, registered := c.server.releaseSession(c)

		if reason != "" {
			if err := c.writeFrame(websocket.TextMessage, protocol.CloseNotice(reason).Encode()); err != nil {
				c.log.Debug().Err(err).Msg("close notice not delivered")
			}
		}

		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		c.conn.Close()
		close(c.done)

		if registered {
			c.server.sessionClosed(c, device)
		}
		c.setState(StateClosed)
	})
}

// beginAnnounce marks the connected event as in flight. It fails once the
// session is closing.
func (c *Session) beginAnnounce(first bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return false
	}
	if first {
		c.announcing = true
	}
	return true
}

// endAnnounce records that connected was emitted and returns a disconnect
// parked while it was delivered.
func (c *Session) endAnnounce() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announcing = false
	c.announced = true
	leave := c.pendingLeave
	c.pendingLeave = nil
	return leave
}

// leave reports whether disconnected may be emitted now. Devices never
// announced get no event; during an announce the event is handed over.
func (c *Session) leave(device Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announcing {
		c.pendingLeave = &device
		return false
	}
	return c.announced
}
