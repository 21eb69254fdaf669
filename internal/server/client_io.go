package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// keepalive sends periodic transport pings until the session closes.
// Pings help detect dead connections and keep NAT/firewalls happy.
func (c *Session) keepalive() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			deadline := time.Now().Add(c.server.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug().Err(err).Msg("keepalive ping failed")
				c.Close("")
				return
			}
		}
	}
}

// readLoop reads frames until the transport fails or the session is closed,
// then tears the session down.
func (c *Session) readLoop() {
	defer c.Close("")

	readTimeout := c.server.opts.ReadTimeout
	c.conn.SetReadLimit(c.server.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))

	// A pong to our ping proves the device is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) && !c.closing() {
				c.log.Info().Err(err).Msg("read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if messageType != websocket.TextMessage {
			c.log.Debug().Int("bytes", len(data)).Msg("ignoring binary frame from device")
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Session) handleFrame(data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		c.handleHello(msg.Data)
	case protocol.TypePing:
		c.handlePing(msg.Data)
	case protocol.TypeLog:
		c.handleLog(msg.Data)
	case protocol.TypeClose:
		c.log.Debug().Msg("device asked to close")
		c.Close("")
	case protocol.TypePong:
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}

// handleHello registers the device. An undecodable hello leaves the
// session waiting for another one.
func (c *Session) handleHello(raw json.RawMessage) {
	hello, err := protocol.DecodeHello(raw)
	if err != nil {
		c.log.Warn().Err(apperrors.HandshakeFailed(c.id, err)).Msg("invalid hello; still waiting for handshake")
		return
	}

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	first := !c.registered
	device := Device{
		SessionID:   c.id,
		Name:        hello.DeviceName,
		AppVersion:  hello.AppVersion,
		ConnectedAt: time.Now(),
	}
	if !first {
		device.ConnectedAt = c.device.ConnectedAt
	}
	c.device = device
	c.registered = true
	c.state = StateActive
	c.mu.Unlock()

	c.server.registry.Register(c.id, device, c)
	c.server.removePending(c)

	// Stop may have snapshotted the hub before this registration landed.
	if !c.server.IsRunning() {
		c.Close(protocol.ReasonServerShutdown)
		return
	}

	if !c.beginAnnounce(first) {
		// Close may have released the registry before Register ran.
		c.server.registry.unregisterSession(c.id, c)
		return
	}

	if err := c.writeJSON(protocol.NewHelloAck(c.server.opts.Version, c.server.opts.Debug)); err != nil {
		c.log.Warn().Err(err).Msg("hello ack not delivered")
	}

	if !first {
		c.log.Debug().Str("device", device.Name).Msg("device refreshed hello")
		return
	}

	c.log.Info().Str("device", device.Name).Str("app_version", device.AppVersion).Msg("device connected")
	c.server.listeners.emitConnected(device)

	if leave := c.endAnnounce(); leave != nil {
		c.server.listeners.emitDisconnected(*leave)
	}
}

// handlePing answers immediately with the payload exactly as received.
func (c *Session) handlePing(raw json.RawMessage) {
	if err := c.WriteText(protocol.Pong(raw).Encode()); err != nil {
		c.log.Debug().Err(err).Msg("pong not delivered")
	}
}

func (c *Session) handleLog(raw json.RawMessage) {
	if !c.limiter.Allow() {
		c.dropped++
		return
	}
	if c.dropped > 0 {
		c.log.Warn().Int("dropped", c.dropped).Msg("device log rate limited")
		c.dropped = 0
	}

	text := protocol.LogText(raw)
	c.server.listeners.emitLog(c.Device(), text)
}
