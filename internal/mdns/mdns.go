// Package mdns advertises the hub on the local network and browses for it.
//
// The hub registers itself as a DNS-SD service so the AutoX app (and
// `autox discover`) can find it without typing an address:
//   - Service type: _autox._tcp
//   - TXT records: version, name and path (the websocket path)
//
// Advertisement is opt-in; it only reveals that a hub is listening.
package mdns

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// ServiceType is the DNS-SD service type of the hub.
const ServiceType = "_autox._tcp"

// Domain is the mDNS domain services are registered in.
const Domain = "local."

// DefaultPath is the websocket path devices connect to.
const DefaultPath = "/"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the device endpoint port.
	Port int

	// Version is the hub version published in the TXT record.
	Version string

	// Name is the instance name. Defaults to the system hostname.
	Name string

	// Path is the websocket path. Defaults to "/".
	Path string
}

func (c Config) instanceName() string {
	if c.Name != "" {
		return c.Name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "autox"
}

// TXTRecords returns the key=value strings published with the service.
// Each string stays well under the 255 byte DNS TXT limit for sane names.
func (c Config) TXTRecords() []string {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	txt := []string{
		"name=" + c.instanceName(),
		"path=" + path,
	}
	if c.Version != "" {
		txt = append([]string{"version=" + c.Version}, txt...)
	}
	return txt
}

// Advertiser manages the DNS-SD registration of a running hub.
type Advertiser struct {
	config Config
	log    zerolog.Logger
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser; nothing is published until Start.
func NewAdvertiser(cfg Config, log zerolog.Logger) *Advertiser {
	return &Advertiser{
		config: cfg,
		log:    log.With().Str("component", "mdns").Logger(),
	}
}

// Start registers the service. Calling Start on a running advertiser is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.instanceName()
	server, err := zeroconf.Register(
		name,
		ServiceType,
		Domain,
		a.config.Port,
		a.config.TXTRecords(),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	a.log.Info().Str("name", name).Int("port", a.config.Port).Msg("advertising hub")
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.log.Debug().Msg("advertisement stopped")
	}
}

// IsRunning returns true if the service is currently registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Hub is a hub found on the local network.
type Hub struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// URL is the websocket address a device would dial.
func (h Hub) URL() string {
	path := h.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port)) + path
}

// hubFromEntry converts a resolved service entry. IPv4 is preferred since the
// AutoX app dials IPv4 addresses.
func hubFromEntry(entry *zeroconf.ServiceEntry) Hub {
	hub := Hub{
		Name: entry.Instance,
		Port: entry.Port,
		Path: DefaultPath,
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		hub.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		hub.Host = entry.AddrIPv6[0].String()
	default:
		hub.Host = strings.TrimSuffix(entry.HostName, ".")
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			hub.Version = value
		case "name":
			hub.Name = value
		case "path":
			if value != "" {
				hub.Path = value
			}
		}
	}
	return hub
}

// Discover browses for hubs until ctx is done and returns what it found,
// sorted by name. Repeated announcements of the same hub are collapsed.
func Discover(ctx context.Context) ([]Hub, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		seen = make(map[string]Hub)
		wg   sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hub := hubFromEntry(entry)
			seen[hub.URL()] = hub
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// zeroconf closes entries once ctx is done.
	wg.Wait()

	hubs := make([]Hub, 0, len(seen))
	for _, h := range seen {
		hubs = append(hubs, h)
	}
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].Name != hubs[j].Name {
			return hubs[i].Name < hubs[j].Name
		}
		return hubs[i].URL() < hubs[j].URL()
	})
	return hubs, nil
}
