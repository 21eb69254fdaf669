package protocol

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
)

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestFactoriesFieldPresence(t *testing.T) {
	tests := []struct {
		name       string
		env        Envelope
		wantType   EnvelopeType
		wantKeys   []string
		absentKeys []string
		wantMD5    bool
	}{
		{"save_project", SaveProject("/p/demo", "abc"), EnvelopeBytesCommand, []string{"command", "id", "name"}, []string{"script"}, true},
		{"run_project", RunProject("/p/demo", "abc"), EnvelopeBytesCommand, []string{"command", "id", "name"}, []string{"script"}, true},
		{"save", Save("/p/a.js", "toast(1)"), EnvelopeCommand, []string{"command", "id", "name", "script"}, nil, false},
		{"run", Run("/p/a.js", "toast(1)"), EnvelopeCommand, []string{"command", "id", "name", "script"}, nil, false},
		{"rerun", ReRun("/p/a.js", "toast(1)"), EnvelopeCommand, []string{"command", "id", "name", "script"}, nil, false},
		{"stop", Stop("/p/a.js"), EnvelopeCommand, []string{"command", "id"}, []string{"name", "script"}, false},
		{"stopAll", StopAll(), EnvelopeCommand, []string{"command"}, []string{"id", "name", "script"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.env.Encode()
			require.NoError(t, err)

			m := decodeMap(t, encoded)
			assert.Equal(t, string(tt.wantType), m["type"])
			assert.NotEmpty(t, m["message_id"])
			_, hasMD5 := m["md5"]
			assert.Equal(t, tt.wantMD5, hasMD5)

			data, ok := m["data"].(map[string]any)
			require.True(t, ok, "data should be an object")
			assert.Equal(t, tt.name, data["command"])
			for _, k := range tt.wantKeys {
				assert.Contains(t, data, k)
			}
			for _, k := range tt.absentKeys {
				assert.NotContains(t, data, k)
			}
			assert.Len(t, data, len(tt.wantKeys))

			decoded, err := DecodeEnvelope(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.env, decoded)
		})
	}
}

func TestStopEncoding(t *testing.T) {
	encoded, err := Stop("a.js").Encode()
	require.NoError(t, err)

	data := decodeMap(t, encoded)["data"].(map[string]any)
	assert.Equal(t, "stop", data["command"])
	assert.Equal(t, "a.js", data["id"])
	assert.NotContains(t, data, "script")
}

func TestEmptyScriptIsStillPresent(t *testing.T) {
	encoded, err := Save("empty.js", "").Encode()
	require.NoError(t, err)

	data := decodeMap(t, encoded)["data"].(map[string]any)
	assert.Contains(t, data, "script")
	assert.Equal(t, "", data["script"])
}

func TestEmptyMD5MatchesUnset(t *testing.T) {
	withEmpty := Envelope{Type: EnvelopeCommand, MessageID: "1_x", Data: Command{Command: CommandStopAll}, MD5: ""}
	unset := Envelope{Type: EnvelopeCommand, MessageID: "1_x", Data: Command{Command: CommandStopAll}}

	a, err := withEmpty.Encode()
	require.NoError(t, err)
	b, err := unset.Encode()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotContains(t, string(a), "md5")
	assert.NotContains(t, string(a), "null")
}

func TestCommandTypeTokens(t *testing.T) {
	for _, c := range CommandTypes() {
		b, err := json.Marshal(c)
		require.NoError(t, err)
		assert.Equal(t, `"`+string(c)+`"`, string(b))

		var back CommandType
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, c, back)
	}

	b, err := json.Marshal(CommandReRun)
	require.NoError(t, err)
	assert.Equal(t, `"rerun"`, string(b))
}

func TestUnknownTokensAreErrors(t *testing.T) {
	var c CommandType
	err := json.Unmarshal([]byte(`"RE_RUN"`), &c)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecUnknownCommand))
	assert.Equal(t, CommandType(""), c)

	_, err = DecodeEnvelope([]byte(`{"type":"command","message_id":"1","data":{"command":"explode"}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecUnknownCommand))

	_, err = DecodeEnvelope([]byte(`{"type":"blob","message_id":"1","data":{"command":"run"}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecUnknownEnvelope))

	_, err = json.Marshal(CommandType("bogus"))
	assert.Error(t, err)
}

func TestBinaryKinds(t *testing.T) {
	assert.True(t, CommandSaveProject.Binary())
	assert.True(t, CommandRunProject.Binary())
	assert.False(t, CommandRun.Binary())
	assert.True(t, SaveProject("d", "m").Binary())
	assert.False(t, StopAll().Binary())
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(CommandRunProject, "/p", "", "ff")
	require.NoError(t, err)
	assert.Equal(t, EnvelopeBytesCommand, env.Type)
	assert.Equal(t, "ff", env.MD5)

	env, err = NewEnvelope(CommandReRun, "/a.js", "x", "ignored")
	require.NoError(t, err)
	assert.Equal(t, EnvelopeCommand, env.Type)
	assert.Empty(t, env.MD5)

	_, err = NewEnvelope("nope", "", "", "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecUnknownCommand))
}

func TestNewMessageIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^\d{13}_[0-9a-f]{12}$`)
	a, b := NewMessageID(), NewMessageID()
	assert.Regexp(t, re, a)
	assert.NotEqual(t, a, b)
}

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"ping","data":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
	assert.Equal(t, "1700000000", string(msg.Data))

	msg, err = DecodeInbound([]byte(`{"type":"future_thing"}`))
	require.NoError(t, err)
	assert.Equal(t, "future_thing", msg.Type)

	_, err = DecodeInbound([]byte(`{not json`))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecInvalidJSON))

	_, err = DecodeInbound([]byte(`{"data":1}`))
	assert.Error(t, err)
}

func TestDecodeHello(t *testing.T) {
	h, err := DecodeHello(json.RawMessage(`{"deviceName":"Pixel","appVersion":"2.1"}`))
	require.NoError(t, err)
	assert.Equal(t, Hello{DeviceName: "Pixel", AppVersion: "2.1"}, h)

	h, err = DecodeHello(json.RawMessage(`"{\"deviceName\":\"Mi 9\",\"appVersion\":\"6.5.8\"}"`))
	require.NoError(t, err)
	assert.Equal(t, "Mi 9", h.DeviceName)

	h, err = DecodeHello(json.RawMessage(`{"appVersion":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, UnknownDeviceName, h.DeviceName)

	for _, raw := range []string{`42`, `"hi"`, `null`, ``, `{"deviceName":5}`} {
		_, err := DecodeHello(json.RawMessage(raw))
		assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecInvalidHello), "raw=%s", raw)
	}
}

func TestLogText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"plain line"`, "plain line"},
		{`"{\"log\":\"nested\"}"`, "nested"},
		{`{"log":"from object"}`, "from object"},
		{`{"message":"from message"}`, "from message"},
		{`{"level":"info"}`, `{"level":"info"}`},
		{`{"log":""}`, `{"log":""}`},
		{`12`, "12"},
		{`[1,2]`, "[1,2]"},
		{``, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LogText(json.RawMessage(tt.raw)), "raw=%s", tt.raw)
	}
}

func TestPongEchoesVerbatim(t *testing.T) {
	assert.Equal(t, `{"type":"pong","data":1700000000}`, string(Pong(json.RawMessage(`1700000000`)).Encode()))
	assert.Equal(t, `{"type":"pong","data":{"t": 1}}`, string(Pong(json.RawMessage(`{"t": 1}`)).Encode()))
	assert.Equal(t, `{"type":"pong","data":null}`, string(Pong(nil).Encode()))
}

func TestHelloAckAndCloseNotice(t *testing.T) {
	b, err := json.Marshal(NewHelloAck("1.2.0", true))
	require.NoError(t, err)
	m := decodeMap(t, b)
	assert.Equal(t, "hello", m["type"])
	assert.Equal(t, "ok", m["data"])
	assert.Equal(t, true, m["debug"])
	assert.Equal(t, "1.2.0", m["version"])
	assert.NotEmpty(t, m["message_id"])

	assert.Equal(t, `{"type":"close","data":"Server shutdown"}`, string(CloseNotice(ReasonServerShutdown).Encode()))
}
