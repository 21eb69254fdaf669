package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

// Inbound and control message types.
const (
	TypeHello = "hello"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeLog   = "log"
	TypeClose = "close"
)

// Close notice reasons sent to devices.
const (
	ReasonServerShutdown   = "Server shutdown"
	ReasonServerDisconnect = "Server initiated disconnect"
)

// UnknownDeviceName labels logs from a session that has not said hello.
const UnknownDeviceName = "Unknown Device"

// Inbound is a message sent by a device. Data is kept raw because its shape
// depends on Type.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeInbound parses a device frame. Unknown types are not an error; the
// caller decides what to ignore.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, apperrors.InvalidJSON(err)
	}
	if msg.Type == "" {
		return Inbound{}, apperrors.New(apperrors.CodeCodecInvalidJSON, "message type is missing")
	}
	return msg, nil
}

// Hello is the device identity announced during the handshake.
type Hello struct {
	DeviceName string `json:"deviceName"`
	AppVersion string `json:"appVersion"`
}

// DecodeHello reads the hello payload. A JSON object is tried first, then a
// string holding a JSON object. Anything else is an invalid hello.
func DecodeHello(raw json.RawMessage) (Hello, error) {
	raw = bytes.TrimSpace(raw)

	if isObject(raw) {
		var h Hello
		if err := json.Unmarshal(raw, &h); err != nil {
			return Hello{}, apperrors.Wrap(apperrors.CodeCodecInvalidHello, "hello data is not a device object", err)
		}
		return h.normalized(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		inner := []byte(strings.TrimSpace(s))
		if isObject(inner) {
			var h Hello
			if err := json.Unmarshal(inner, &h); err == nil {
				return h.normalized(), nil
			}
		}
	}

	return Hello{}, apperrors.New(apperrors.CodeCodecInvalidHello, "hello data is not a device object")
}

func (h Hello) normalized() Hello {
	if strings.TrimSpace(h.DeviceName) == "" {
		h.DeviceName = UnknownDeviceName
	}
	return h
}

// LogText flattens a log payload to a single line of text. It never fails:
//   - "text" or "{\"log\":\"text\"}" as a string yields the text
//   - {"log":"text"} or {"message":"text"} yields the text
//   - anything else yields the raw JSON
func LogText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if inner := []byte(strings.TrimSpace(s)); isObject(inner) {
			if text, ok := logField(inner); ok {
				return text
			}
		}
		return s
	}

	if isObject(raw) {
		if text, ok := logField(raw); ok {
			return text
		}
		var m struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(raw, &m); err == nil && m.Message != nil {
			return *m.Message
		}
	}

	return string(raw)
}

func logField(obj []byte) (string, bool) {
	var l struct {
		Log string `json:"log"`
	}
	if err := json.Unmarshal(obj, &l); err != nil || l.Log == "" {
		return "", false
	}
	return l.Log, true
}

func isObject(b []byte) bool {
	return len(b) > 0 && b[0] == '{'
}

// HelloAck is the hub's reply to a successful hello.
type HelloAck struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Debug     bool   `json:"debug"`
	MessageID string `json:"message_id"`
	Version   string `json:"version"`
}

// NewHelloAck builds the handshake acknowledgement.
func NewHelloAck(version string, debug bool) HelloAck {
	return HelloAck{
		Type:      TypeHello,
		Data:      "ok",
		Debug:     debug,
		MessageID: NewMessageID(),
		Version:   version,
	}
}

// Control is a {"type","data"} frame the hub sends outside of commands:
// pong replies and close notices.
type Control struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Pong echoes the ping payload byte for byte. A ping without data gets a
// null payload back.
func Pong(data json.RawMessage) Control {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	}
	return Control{Type: TypePong, Data: data}
}

// CloseNotice tells a device the hub is about to close its connection.
func CloseNotice(reason string) Control {
	b, _ := json.Marshal(reason)
	return Control{Type: TypeClose, Data: b}
}

// Ping builds a heartbeat with the current unix-millis timestamp, the way
// AutoX devices do. Used by the device simulator.
func Ping(millis int64) Control {
	b, _ := json.Marshal(millis)
	return Control{Type: TypePing, Data: b}
}

// Encode serializes the frame without re-encoding Data, so a pong carries
// the ping payload exactly as the device wrote it.
func (c Control) Encode() []byte {
	data := c.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	}
	t, _ := json.Marshal(c.Type)

	var buf bytes.Buffer
	buf.Grow(len(t) + len(data) + 20)
	buf.WriteString(`{"type":`)
	buf.Write(t)
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes()
}
