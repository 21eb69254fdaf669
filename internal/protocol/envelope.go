package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

// EnvelopeType distinguishes plain commands from commands that follow a
// binary bundle frame.
type EnvelopeType string

const (
	EnvelopeBytesCommand EnvelopeType = "bytes_command"
	EnvelopeCommand      EnvelopeType = "command"
)

// Valid reports whether t is a declared envelope type.
func (t EnvelopeType) Valid() bool {
	return t == EnvelopeBytesCommand || t == EnvelopeCommand
}

// MarshalJSON emits the declared token and refuses undeclared values.
func (t EnvelopeType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, apperrors.New(apperrors.CodeCodecUnknownEnvelope, fmt.Sprintf("unknown envelope type %q", string(t)))
	}
	return json.Marshal(string(t))
}

// UnmarshalJSON accepts only declared tokens.
func (t *EnvelopeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return apperrors.Wrap(apperrors.CodeCodecUnknownEnvelope, "envelope type must be a string", err)
	}
	v := EnvelopeType(s)
	if !v.Valid() {
		return apperrors.New(apperrors.CodeCodecUnknownEnvelope, fmt.Sprintf("unknown envelope type %q", s))
	}
	*t = v
	return nil
}

// Envelope is an outbound command frame.
//
// An empty MD5 is never written, so an unset checksum and an explicitly
// empty one encode to the same bytes.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	MessageID string       `json:"message_id"`
	Data      Command      `json:"data"`
	MD5       string       `json:"md5,omitempty"`
}

// Binary reports whether the envelope must be preceded by a binary frame.
func (e Envelope) Binary() bool {
	return e.Type == EnvelopeBytesCommand
}

// Encode serializes the envelope for a text frame.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		if apperrors.GetCode(err) != apperrors.CodeUnknown {
			return nil, err
		}
		return nil, apperrors.Internal("encode envelope", err)
	}
	return data, nil
}

// DecodeEnvelope parses an outbound envelope. Devices never send these; the
// decoder exists for the device simulator and for tests.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if apperrors.GetCode(err) != apperrors.CodeUnknown {
			return Envelope{}, err
		}
		return Envelope{}, apperrors.InvalidJSON(err)
	}
	if !e.Type.Valid() {
		return Envelope{}, apperrors.New(apperrors.CodeCodecUnknownEnvelope, "envelope type is missing")
	}
	return e, nil
}

// NewMessageID returns "<unix-millis>_<random>". Ids sort roughly by
// creation time, which helps when reading device logs.
func NewMessageID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), random)
}

func newEnvelope(t EnvelopeType, cmd Command, md5 string) Envelope {
	return Envelope{
		Type:      t,
		MessageID: NewMessageID(),
		Data:      cmd,
		MD5:       md5,
	}
}

// SaveProject stores a project bundle on the device under dir.
func SaveProject(dir, md5 string) Envelope {
	return newEnvelope(EnvelopeBytesCommand, Command{Command: CommandSaveProject, ID: dir, Name: dir}, md5)
}

// RunProject stores and runs a project bundle. The bundle must contain a
// project.json at its root.
func RunProject(dir, md5 string) Envelope {
	return newEnvelope(EnvelopeBytesCommand, Command{Command: CommandRunProject, ID: dir, Name: dir}, md5)
}

// Save stores a single script on the device.
func Save(file, script string) Envelope {
	return newEnvelope(EnvelopeCommand, Command{Command: CommandSave, ID: file, Name: file, Script: script}, "")
}

// Run stores and runs a single script.
func Run(file, script string) Envelope {
	return newEnvelope(EnvelopeCommand, Command{Command: CommandRun, ID: file, Name: file, Script: script}, "")
}

// ReRun stops the script identified by file, then runs the new source.
func ReRun(file, script string) Envelope {
	return newEnvelope(EnvelopeCommand, Command{Command: CommandReRun, ID: file, Name: file, Script: script}, "")
}

// Stop stops the script identified by file.
func Stop(file string) Envelope {
	return newEnvelope(EnvelopeCommand, Command{Command: CommandStop, ID: file}, "")
}

// StopAll stops every running script on the device.
func StopAll() Envelope {
	return newEnvelope(EnvelopeCommand, Command{Command: CommandStopAll}, "")
}

// NewEnvelope builds the envelope for an arbitrary command kind, choosing
// the envelope type from the kind. resource is used as id (and name where
// the kind carries one). md5 is ignored for text commands.
func NewEnvelope(kind CommandType, resource, script, md5 string) (Envelope, error) {
	switch kind {
	case CommandSaveProject:
		return SaveProject(resource, md5), nil
	case CommandRunProject:
		return RunProject(resource, md5), nil
	case CommandSave:
		return Save(resource, script), nil
	case CommandRun:
		return Run(resource, script), nil
	case CommandReRun:
		return ReRun(resource, script), nil
	case CommandStop:
		return Stop(resource), nil
	case CommandStopAll:
		return StopAll(), nil
	}
	return Envelope{}, apperrors.New(apperrors.CodeCodecUnknownCommand, fmt.Sprintf("unknown command %q", string(kind)))
}
