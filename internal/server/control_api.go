package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaomanyi/AutoXPlugin/internal/bundle"
	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// CommandRequest is the body of POST /api/commands.
type CommandRequest struct {
	// Command is a wire token such as "run" or "save_project".
	Command string `json:"command"`

	// Path is the script file or project directory. Not used by stopAll.
	Path string `json:"path,omitempty"`

	// Script, when set, is sent instead of reading Path. Path still names
	// the script on the device.
	Script *string `json:"script,omitempty"`

	// Devices are session ids or device names. Empty means all devices.
	Devices []string `json:"devices,omitempty"`
}

// DisconnectResponse is the body of a successful DELETE /api/devices/{session}.
type DisconnectResponse struct {
	SessionID    string `json:"session_id"`
	Disconnected bool   `json:"disconnected"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Devices())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "session"))
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, apperrors.BadRequest("invalid session id"))
		return
	}

	if !s.Disconnect(id) {
		writeError(w, http.StatusNotFound, apperrors.SessionNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, DisconnectResponse{SessionID: id, Disconnected: true})
}

// handleCommand reads or packs the named resource and dispatches it.
// Bundle and codec failures are the caller's fault (400); delivery
// failures are reported inside the Result with status 200.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.BadRequest("invalid JSON body: "+err.Error()))
		return
	}

	env, payload, err := BuildCommand(req)
	if err != nil {
		status := http.StatusBadRequest
		if apperrors.IsCode(err, apperrors.CodeInternal) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}

	res, err := s.SendCommand(r.Context(), env, payload, req.Devices)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BuildCommand turns a request into an envelope, reading scripts and
// packing projects from disk as needed. payload is nil for text commands.
func BuildCommand(req CommandRequest) (protocol.Envelope, []byte, error) {
	kind, err := protocol.ParseCommandType(req.Command)
	if err != nil {
		return protocol.Envelope{}, nil, err
	}
	if kind != protocol.CommandStopAll && req.Path == "" {
		return protocol.Envelope{}, nil, apperrors.BadRequest("path is required for " + string(kind))
	}

	switch kind {
	case protocol.CommandSaveProject, protocol.CommandRunProject:
		archive, err := bundle.PackProject(req.Path, kind == protocol.CommandRunProject)
		if err != nil {
			return protocol.Envelope{}, nil, err
		}
		env, err := protocol.NewEnvelope(kind, archive.Dir, "", archive.MD5)
		return env, archive.Data, err

	case protocol.CommandSave, protocol.CommandRun, protocol.CommandReRun:
		var id, script string
		if req.Script != nil {
			id, err = bundle.ScriptID(req.Path)
			script = *req.Script
		} else {
			id, script, err = bundle.ReadScript(req.Path)
		}
		if err != nil {
			return protocol.Envelope{}, nil, err
		}
		env, err := protocol.NewEnvelope(kind, id, script, "")
		return env, nil, err

	case protocol.CommandStop:
		id, err := bundle.ScriptID(req.Path)
		if err != nil {
			return protocol.Envelope{}, nil, err
		}
		return protocol.Stop(id), nil, nil
	}

	return protocol.StopAll(), nil, nil
}

// handleEvents streams hub events as newline-delimited JSON until the
// client goes away. Each request is its own consumer and detaches when the
// request ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	consumer := s.Attach("events-" + uuid.NewString())
	defer consumer.Close()

	events := NewChannelListener(channelBufferSize, s.log.With().Str("consumer", consumer.ID()).Logger())
	consumer.Subscribe(events)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.Warn().Err(err).Msg("event stream cannot flush")
		return
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events.Events():
			if err := enc.Encode(ev); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
