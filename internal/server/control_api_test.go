package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaomanyi/AutoXPlugin/internal/bundle"
	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

func apiRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.20:5555"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestAPIRejectsRemoteCallers(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/devices", "/api/events"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.168.1.20:5555"
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code, path)
		body := decodeBody[errorResponse](t, rr)
		assert.Equal(t, apperrors.CodeAPIForbidden, body.Code)
	}
}

func TestPlainGetOnDeviceEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := apiRequest(t, s, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "autox hub")
}

func TestListDevices(t *testing.T) {
	s := newTestServer(t)

	rr := apiRequest(t, s, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	_, id := connectDevice(t, s, "Pixel")
	rr = apiRequest(t, s, http.MethodGet, "/api/devices", nil)
	devices := decodeBody[[]Device](t, rr)
	require.Len(t, devices, 1)
	assert.Equal(t, id, devices[0].SessionID)
	assert.Equal(t, "Pixel", devices[0].Name)
	assert.Equal(t, "6.5.8", devices[0].AppVersion)
}

func TestDisconnectEndpoint(t *testing.T) {
	s := newTestServer(t)
	conn, id := connectDevice(t, s, "Pixel")

	rr := apiRequest(t, s, http.MethodDelete, "/api/devices/"+url.PathEscape(id), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody[DisconnectResponse](t, rr)
	assert.True(t, resp.Disconnected)
	assert.Equal(t, id, resp.SessionID)

	_, data := readFrame(t, conn)
	assert.Contains(t, string(data), protocol.ReasonServerDisconnect)

	rr = apiRequest(t, s, http.MethodDelete, "/api/devices/"+url.PathEscape(id), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	body := decodeBody[errorResponse](t, rr)
	assert.Equal(t, apperrors.CodeSessionNotFound, body.Code)
	assert.Equal(t, apperrors.GetNextAction(apperrors.CodeSessionNotFound), body.NextAction)
}

func TestCommandEndpointRunsScript(t *testing.T) {
	s := newTestServer(t)
	conn, _ := connectDevice(t, s, "Pixel")

	script := filepath.Join(t.TempDir(), "main.js")
	require.NoError(t, os.WriteFile(script, []byte(`toast("hi")`), 0644))

	rr := apiRequest(t, s, http.MethodPost, "/api/commands", CommandRequest{Command: "run", Path: script})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[Result](t, rr)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, protocol.CommandRun, res.Command)

	_, text := readFrame(t, conn)
	env, err := protocol.DecodeEnvelope(text)
	require.NoError(t, err)
	assert.Equal(t, protocol.EnvelopeCommand, env.Type)
	assert.Equal(t, filepath.ToSlash(script), env.Data.ID)
	assert.Equal(t, filepath.ToSlash(script), env.Data.Name)
	assert.Equal(t, `toast("hi")`, env.Data.Script)
	assert.Equal(t, res.MessageID, env.MessageID)
}

func TestCommandEndpointInlineScriptAndStop(t *testing.T) {
	s := newTestServer(t)
	conn, _ := connectDevice(t, s, "Pixel")
	inline := "log(1)"

	rr := apiRequest(t, s, http.MethodPost, "/api/commands",
		CommandRequest{Command: "rerun", Path: "/work/unsaved.js", Script: &inline})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	_, text := readFrame(t, conn)
	env, err := protocol.DecodeEnvelope(text)
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandReRun, env.Data.Command)
	assert.Equal(t, "log(1)", env.Data.Script)

	rr = apiRequest(t, s, http.MethodPost, "/api/commands",
		CommandRequest{Command: "stop", Path: "/work/unsaved.js"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	_, text = readFrame(t, conn)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(text, &raw))
	assert.Equal(t, "stop", raw["data"]["command"])
	assert.NotContains(t, raw["data"], "script")
}

func TestCommandEndpointSendsProject(t *testing.T) {
	s := newTestServer(t)
	conn, _ := connectDevice(t, s, "Pixel")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.json"), []byte(`{"main":"main.js"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte(`toast(1)`), 0644))

	rr := apiRequest(t, s, http.MethodPost, "/api/commands",
		CommandRequest{Command: "run_project", Path: filepath.Join(dir, "project.json")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	mt, bin := readFrame(t, conn)
	require.Equal(t, websocket.BinaryMessage, mt)
	mt, text := readFrame(t, conn)
	require.Equal(t, websocket.TextMessage, mt)

	env, err := protocol.DecodeEnvelope(text)
	require.NoError(t, err)
	assert.Equal(t, protocol.EnvelopeBytesCommand, env.Type)
	assert.Equal(t, protocol.CommandRunProject, env.Data.Command)
	assert.Equal(t, filepath.ToSlash(dir), env.Data.ID)
	assert.Equal(t, bundle.Checksum(bin), env.MD5)
}

func TestCommandEndpointErrors(t *testing.T) {
	s := newTestServer(t)
	empty := t.TempDir()

	tests := []struct {
		name string
		req  CommandRequest
		code string
	}{
		{"unknown command", CommandRequest{Command: "explode", Path: "/a.js"}, apperrors.CodeCodecUnknownCommand},
		{"missing path", CommandRequest{Command: "run"}, apperrors.CodeAPIBadRequest},
		{"not a script", CommandRequest{Command: "run", Path: "/a.txt"}, apperrors.CodeBundleNotScript},
		{"missing script", CommandRequest{Command: "save", Path: filepath.Join(empty, "gone.js")}, apperrors.CodeBundleReadFailed},
		{"empty project", CommandRequest{Command: "save_project", Path: empty}, apperrors.CodeBundleEmpty},
		{"not a project", CommandRequest{Command: "run_project", Path: empty}, apperrors.CodeBundleNotProject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := apiRequest(t, s, http.MethodPost, "/api/commands", tt.req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.code, decodeBody[errorResponse](t, rr).Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/commands", bytes.NewBufferString("{"))
	req.RemoteAddr = "127.0.0.1:1"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCommandEndpointReportsNoDevices(t *testing.T) {
	s := newTestServer(t)

	rr := apiRequest(t, s, http.MethodPost, "/api/commands", CommandRequest{Command: "stopAll"})
	require.Equal(t, http.StatusOK, rr.Code)
	res := decodeBody[Result](t, rr)
	assert.Equal(t, StatusNoDevices, res.Status)
	assert.True(t, apperrors.IsCode(res.Err(), apperrors.CodeDispatchNoDevices))
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return len(s.Listeners().Consumers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn, id := connectDevice(t, s, "Pixel")
	send(t, conn, `{"type":"log","data":"line one"}`)

	lines := make(chan Event, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			var ev Event
			if json.Unmarshal(sc.Bytes(), &ev) == nil {
				lines <- ev
			}
		}
		close(lines)
	}()

	next := func() Event {
		select {
		case ev, ok := <-lines:
			require.True(t, ok, "stream ended early")
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for streamed event")
			return Event{}
		}
	}

	ev := next()
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, id, ev.Device.SessionID)

	ev = next()
	assert.Equal(t, EventLog, ev.Kind)
	assert.Equal(t, "line one", ev.Text)

	resp.Body.Close()
	require.Eventually(t, func() bool { return len(s.Listeners().Consumers()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.IsRunning())
}
