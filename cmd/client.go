package main

// client.go talks to a running hub over its loopback control API.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/gaomanyi/AutoXPlugin/internal/config"
	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/server"
)

// apiError is the {"code","message"} body the hub returns on failure.
type apiError struct {
	Status     int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	NextAction string `json:"next_action"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("hub returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errHubUnreachable wraps connection failures so commands can print a hint.
var errHubUnreachable = errors.New("hub is not running (or not reachable)")

// printError writes err to w, followed by a hint on what to do next when
// one is known.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var hint string
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		hint = apiErr.NextAction
	case errors.Is(err, errHubUnreachable):
		hint = apperrors.GetNextAction(apperrors.CodeHubNotRunning)
	}
	if hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

// hubClient is a small JSON client for the control API.
type hubClient struct {
	base string
	http *http.Client
	// stream has no timeout; it is used for the event stream.
	stream *http.Client
}

func newHubClient(addr string) *hubClient {
	return &hubClient{
		base:   "http://" + addr,
		http:   &http.Client{Timeout: 30 * time.Second},
		stream: &http.Client{},
	}
}

// clientFlags are shared by every command that talks to a running hub.
type clientFlags struct {
	Config string
	Addr   string
}

func (c *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.Config, "config", "", "Path to config file (default: ~/.autox/config.toml)")
	fs.StringVar(&c.Addr, "addr", "", "Hub control address (default: control_addr from config, 127.0.0.1:9317)")
}

// client resolves the control address: --addr, then the config file, then defaults.
func (c *clientFlags) client() (*hubClient, error) {
	if c.Addr != "" {
		return newHubClient(c.Addr), nil
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return newHubClient(cfg.ControlAddr), nil
}

func (h *hubClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errHubUnreachable, h.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
		apiErr.Code = apperrors.CodeUnknown
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

func (h *hubClient) Status(ctx context.Context) (*server.StatusResponse, error) {
	var status server.StatusResponse
	if err := h.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (h *hubClient) Devices(ctx context.Context) ([]server.Device, error) {
	var devices []server.Device
	if err := h.do(ctx, http.MethodGet, "/api/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (h *hubClient) Disconnect(ctx context.Context, sessionID string) error {
	var resp server.DisconnectResponse
	return h.do(ctx, http.MethodDelete, "/api/devices/"+url.PathEscape(sessionID), nil, &resp)
}

func (h *hubClient) Command(ctx context.Context, req server.CommandRequest) (*server.Result, error) {
	var res server.Result
	if err := h.do(ctx, http.MethodPost, "/api/commands", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Events opens the NDJSON event stream. The caller closes the body.
func (h *hubClient) Events(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/api/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errHubUnreachable, h.base, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}
