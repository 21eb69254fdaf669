package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/gaomanyi/AutoXPlugin/internal/config"
	"github.com/gaomanyi/AutoXPlugin/internal/logging"
	"github.com/gaomanyi/AutoXPlugin/internal/mdns"
	"github.com/gaomanyi/AutoXPlugin/internal/netutil"
	"github.com/gaomanyi/AutoXPlugin/internal/server"
	"github.com/gaomanyi/AutoXPlugin/internal/storage"
)

// ServeConfig holds the command-line values of the serve command.
type ServeConfig struct {
	Config       string
	Host         string
	Port         int
	LogLevel     string
	LogFormat    string
	Debug        bool
	MdnsEnabled  bool
	QR           bool
	HistoryDB    string
	HistoryLimit int
	Force        bool
	Quiet        bool
}

// shutdownSignals is replaced in tests.
var shutdownSignals = func() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// runServe implements "autox serve" and "autox up".
// "up" is the editor-style entry point: it creates the default config on
// first use and starts only when auto_start is on or --force is given.
func runServe(args []string, up bool, stdout, stderr io.Writer) int {
	name := "serve"
	if up {
		name = "up"
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	flags := &ServeConfig{}
	fs.StringVar(&flags.Config, "config", "", "Path to config file (default: ~/.autox/config.toml)")
	fs.StringVar(&flags.Host, "host", "", "Interface to listen on (default: 0.0.0.0)")
	fs.IntVarP(&flags.Port, "port", "p", 0, "Port devices connect to (default: 9317)")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&flags.LogFormat, "log-format", "", "Log format: console or json (default: console)")
	fs.BoolVar(&flags.Debug, "debug", false, "Report debug mode to devices in the handshake")
	fs.BoolVar(&flags.MdnsEnabled, "mdns", false, "Advertise the hub on the LAN as _autox._tcp")
	fs.BoolVar(&flags.QR, "qr", false, "Print the hub URL as a QR code")
	fs.StringVar(&flags.HistoryDB, "history-db", "", `Connection history database (default: ~/.autox/history.db, "off" disables)`)
	fs.IntVar(&flags.HistoryLimit, "history-limit", 0, "Number of recent devices kept in history (default: 20)")
	fs.BoolVar(&flags.Quiet, "quiet", false, "Do not print device logs to stdout")
	if up {
		fs.BoolVarP(&flags.Force, "force", "f", false, "Start even when auto_start is off")
	}

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: autox %s [options]\n\nStart the hub and wait for AutoX devices.\n\nOptions:\n", name)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	if up && flags.Config == "" {
		path, err := config.DefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				if err := config.WriteDefault(path); err != nil {
					fmt.Fprintf(stderr, "Error: failed to create config file: %v\n", err)
					return 1
				}
				fmt.Fprintf(stdout, "Created config: %s\n", path)
			}
		}
	}

	cfg, err := resolveServeConfig(fs, flags)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if up && !cfg.AutoStart && !flags.Force {
		fmt.Fprintln(stdout, "Auto start is off. Set auto_start = true in the config or run 'autox up --force'.")
		return 0
	}

	log := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	return serve(cfg, flags.Quiet, log, stdout, stderr)
}

// resolveServeConfig merges the config file with command-line flags.
// Non-empty flag values win; booleans apply only when set on the command line
// so --qr=false can override qr = true in the file.
func resolveServeConfig(fs *pflag.FlagSet, flags *ServeConfig) (*config.Config, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, err
	}

	if flags.Host != "" {
		cfg.Host = flags.Host
	}
	if fs.Changed("port") {
		cfg.Port = flags.Port
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.LogFormat = flags.LogFormat
	}
	if flags.HistoryDB != "" {
		cfg.HistoryDB = flags.HistoryDB
	}
	if flags.HistoryLimit != 0 {
		cfg.HistoryLimit = flags.HistoryLimit
	}
	if fs.Changed("debug") {
		cfg.Debug = flags.Debug
	}
	if fs.Changed("mdns") {
		cfg.MdnsEnabled = flags.MdnsEnabled
	}
	if fs.Changed("qr") {
		cfg.QR = flags.QR
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(cfg *config.Config, quiet bool, log zerolog.Logger, stdout, stderr io.Writer) int {
	hub := server.NewServer(server.Options{
		Host:    cfg.Host,
		Version: Version,
		Debug:   cfg.Debug,
		Logger:  &log,
	})

	// Connection history is best effort; the hub runs without it.
	var (
		store   *storage.SQLiteStore
		history *server.HistoryListener
	)
	if cfg.HistoryEnabled() {
		var err error
		store, err = storage.NewSQLiteStore(cfg.HistoryDB, log)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.HistoryDB).Msg("connection history disabled")
		} else {
			if _, err := store.CloseOpen(time.Now()); err != nil {
				log.Warn().Err(err).Msg("failed to close stale history rows")
			}
			history = server.NewHistoryListener(store, cfg.HistoryLimit, log)
			hub.Attach(server.HistoryConsumerID).Subscribe(history)
		}
	}

	var console *server.Consumer
	if !quiet {
		console = hub.Attach("console")
		console.Subscribe(newConsolePrinter(stdout))
	}

	if err := hub.Start(cfg.Port); err != nil {
		printError(stderr, err)
		if history != nil {
			history.Close()
			store.Close()
		}
		return 1
	}

	url := hub.URL()
	fmt.Fprintf(stdout, "autox hub %s listening on %s\n", Version, hub.Addr())
	fmt.Fprintf(stdout, "Connect devices to %s\n", url)
	if cfg.Host == config.DefaultHost {
		for _, addr := range netutil.Candidates(hub.Port()) {
			if addr != url {
				fmt.Fprintf(stdout, "  also reachable at %s\n", addr)
			}
		}
	}
	if cfg.QR {
		displayQRCode(stdout, url)
	}

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		advertiser = mdns.NewAdvertiser(mdns.Config{Port: hub.Port(), Version: Version}, log)
		if err := advertiser.Start(); err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed")
			advertiser = nil
		}
	}

	sigCh, stopSignals := shutdownSignals()
	defer stopSignals()
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	// Cleanup in reverse order of creation
	if advertiser != nil {
		advertiser.Stop()
	}
	if err := hub.Stop(); err != nil {
		log.Warn().Err(err).Msg("hub stop")
	}
	if console != nil {
		console.Close()
	}
	if history != nil {
		hub.Listeners().UnsubscribeAll(server.HistoryConsumerID)
		history.Close()
		store.Close()
	}
	return 0
}

// consolePrinter writes hub events to the terminal running serve.
type consolePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsolePrinter(w io.Writer) *consolePrinter {
	return &consolePrinter{w: w}
}

func (p *consolePrinter) print(ev server.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, formatEvent(ev))
}

func (p *consolePrinter) OnConnected(d server.Device) {
	p.print(server.Event{Kind: server.EventConnected, Device: d, Time: time.Now()})
}

func (p *consolePrinter) OnDisconnected(d server.Device) {
	p.print(server.Event{Kind: server.EventDisconnected, Device: d, Time: time.Now()})
}

func (p *consolePrinter) OnLog(d server.Device, text string) {
	p.print(server.Event{Kind: server.EventLog, Device: d, Text: text, Time: time.Now()})
}
