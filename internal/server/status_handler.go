package server

import (
	"net/http"
)

// StatusResponse contains hub status information returned by the /status endpoint.
// This structure is used by the CLI to display hub status to the user.
type StatusResponse struct {
	// Running is false only while the hub is shutting down.
	Running bool `json:"running"`

	// Version is the hub version devices see in the handshake.
	Version string `json:"version"`

	// ListeningAddress is the bound address (e.g., "0.0.0.0:9317").
	ListeningAddress string `json:"listening_address"`

	// URL is what devices should dial, using this machine's LAN address.
	URL string `json:"url"`

	// Port is the bound port.
	Port int `json:"port"`

	// Devices is the number of devices that completed the handshake.
	Devices int `json:"devices"`

	// Pending is the number of connections still waiting for a hello.
	Pending int `json:"pending"`

	// Consumers lists the ids of consumers observing the hub.
	Consumers []string `json:"consumers"`

	// UptimeSeconds is how long the hub has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Status snapshots the hub state.
func (s *Server) Status() StatusResponse {
	return StatusResponse{
		Running:          s.IsRunning(),
		Version:          s.opts.Version,
		ListeningAddress: s.Addr(),
		URL:              s.URL(),
		Port:             s.Port(),
		Devices:          s.registry.Count(),
		Pending:          s.PendingCount(),
		Consumers:        s.listeners.Consumers(),
		UptimeSeconds:    int64(s.Uptime().Seconds()),
	}
}

// handleStatus serves GET /status for the "autox status" command.
// The router restricts it to loopback callers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}
