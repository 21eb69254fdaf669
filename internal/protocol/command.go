// Package protocol defines the JSON wire format spoken between the hub and
// AutoX devices.
//
// Outbound traffic is an Envelope wrapping a Command:
//
//	{"type":"command","message_id":"1700000000000_1f2e3d4c","data":{"command":"run","id":"a.js","name":"a.js","script":"..."}}
//
// Project commands use the bytes_command envelope. They carry an md5 of the
// zip bundle that the hub writes as a binary frame just before the envelope.
// Inbound traffic is a loose {"type","data"} message whose data shape depends
// on the type (see inbound.go).
package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

// CommandType is the closed set of commands a device understands.
type CommandType string

const (
	CommandSaveProject CommandType = "save_project"
	CommandRunProject  CommandType = "run_project"
	CommandSave        CommandType = "save"
	CommandRun         CommandType = "run"
	CommandReRun       CommandType = "rerun"
	CommandStop        CommandType = "stop"
	CommandStopAll     CommandType = "stopAll"
)

// fieldSet records which optional Command fields a command kind carries.
type fieldSet struct {
	id, name, script bool
}

var commandFields = map[CommandType]fieldSet{
	CommandSaveProject: {id: true, name: true},
	CommandRunProject:  {id: true, name: true},
	CommandSave:        {id: true, name: true, script: true},
	CommandRun:         {id: true, name: true, script: true},
	CommandReRun:       {id: true, name: true, script: true},
	CommandStop:        {id: true},
	CommandStopAll:     {},
}

// CommandTypes returns every known command kind in declaration order.
func CommandTypes() []CommandType {
	return []CommandType{
		CommandSaveProject, CommandRunProject,
		CommandSave, CommandRun, CommandReRun,
		CommandStop, CommandStopAll,
	}
}

// ParseCommandType maps a wire token to its CommandType.
// Unknown tokens are an error; there is no default.
func ParseCommandType(s string) (CommandType, error) {
	c := CommandType(s)
	if _, ok := commandFields[c]; !ok {
		return "", apperrors.New(apperrors.CodeCodecUnknownCommand, fmt.Sprintf("unknown command %q", s))
	}
	return c, nil
}

// Valid reports whether c is one of the declared command kinds.
func (c CommandType) Valid() bool {
	_, ok := commandFields[c]
	return ok
}

// Binary reports whether the command ships a binary bundle before its envelope.
func (c CommandType) Binary() bool {
	return c == CommandSaveProject || c == CommandRunProject
}

// MarshalJSON emits the declared token and refuses undeclared values.
func (c CommandType) MarshalJSON() ([]byte, error) {
	if !c.Valid() {
		return nil, apperrors.New(apperrors.CodeCodecUnknownCommand, fmt.Sprintf("unknown command %q", string(c)))
	}
	return json.Marshal(string(c))
}

// UnmarshalJSON accepts only declared tokens.
func (c *CommandType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return apperrors.Wrap(apperrors.CodeCodecUnknownCommand, "command must be a string", err)
	}
	parsed, err := ParseCommandType(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Command is the payload carried in an Envelope's data field.
// Which of ID, Name and Script appear on the wire is decided by the
// command kind, never by whether the Go value happens to be empty.
type Command struct {
	Command CommandType
	ID      string
	Name    string
	Script  string
}

// commandWire is the JSON shape of Command. Nil pointers are omitted.
type commandWire struct {
	Command CommandType `json:"command"`
	ID      *string     `json:"id,omitempty"`
	Name    *string     `json:"name,omitempty"`
	Script  *string     `json:"script,omitempty"`
}

// MarshalJSON writes exactly the fields the command kind declares.
func (c Command) MarshalJSON() ([]byte, error) {
	fields, ok := commandFields[c.Command]
	if !ok {
		return nil, apperrors.New(apperrors.CodeCodecUnknownCommand, fmt.Sprintf("unknown command %q", string(c.Command)))
	}

	w := commandWire{Command: c.Command}
	if fields.id {
		w.ID = &c.ID
	}
	if fields.name {
		w.Name = &c.Name
	}
	if fields.script {
		w.Script = &c.Script
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a command, rejecting unknown kinds.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		if apperrors.GetCode(err) != apperrors.CodeUnknown {
			return err
		}
		return apperrors.InvalidJSON(err)
	}
	if w.Command == "" {
		return apperrors.New(apperrors.CodeCodecUnknownCommand, "command field is missing")
	}

	*c = Command{Command: w.Command}
	if w.ID != nil {
		c.ID = *w.ID
	}
	if w.Name != nil {
		c.Name = *w.Name
	}
	if w.Script != nil {
		c.Script = *w.Script
	}
	return nil
}
