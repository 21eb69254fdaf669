package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/gaomanyi/AutoXPlugin/internal/config"
	apperrors "github.com/gaomanyi/AutoXPlugin/internal/errors"
	"github.com/gaomanyi/AutoXPlugin/internal/mdns"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
	"github.com/gaomanyi/AutoXPlugin/internal/server"
	"github.com/gaomanyi/AutoXPlugin/internal/storage"
)

// requestTimeout bounds one control API round trip, including packing a project.
const requestTimeout = 60 * time.Second

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// parseFlags runs fs.Parse and maps --help to exit code 0.
// ok is false when the command should return code.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}

func newFlagSet(name, summary string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: autox %s\n\n%s\n\nOptions:\n", name, summary)
		fs.PrintDefaults()
	}
	return fs
}

func writeJSONOutput(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

// runStatus implements "autox status".
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status [options]", "Show the running hub's status.", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	hub, err := cf.client()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	ctx, cancel := requestContext()
	defer cancel()

	status, err := hub.Status(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if *jsonOutput {
		return writeJSONOutput(stdout, status)
	}
	writeStatusOutput(stdout, status)
	return 0
}

// writeStatusOutput renders human-readable hub status output.
func writeStatusOutput(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Hub Status\n")
	fmt.Fprintf(stdout, "==========\n")
	fmt.Fprintf(stdout, "Running:      %v\n", status.Running)
	fmt.Fprintf(stdout, "Version:      %s\n", status.Version)
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "URL:          %s\n", status.URL)
	fmt.Fprintf(stdout, "Devices:      %d connected, %d handshaking\n", status.Devices, status.Pending)
	if len(status.Consumers) > 0 {
		fmt.Fprintf(stdout, "Consumers:    %s\n", strings.Join(status.Consumers, ", "))
	}
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
}

// runDevices implements "autox devices".
func runDevices(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices [options]", "List devices connected to the running hub.", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	hub, err := cf.client()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	ctx, cancel := requestContext()
	defer cancel()

	devices, err := hub.Devices(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if *jsonOutput {
		if devices == nil {
			devices = []server.Device{}
		}
		return writeJSONOutput(stdout, devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No devices connected.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tNAME\tAPP VERSION\tCONNECTED")
	fmt.Fprintln(w, "-------\t----\t-----------\t---------")
	now := time.Now()
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.SessionID, d.DisplayName(), orDash(d.AppVersion), formatAgo(now.Sub(d.ConnectedAt)))
	}
	w.Flush()
	return 0
}

// runHistory implements "autox history". It reads the history database
// directly, so it works whether or not a hub is running.
func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history [options]", "List recently connected devices.", stderr)
	configPath := fs.String("config", "", "Path to config file (default: ~/.autox/config.toml)")
	dbPath := fs.String("history-db", "", "Connection history database (default: ~/.autox/history.db)")
	limit := fs.IntP("limit", "n", 0, "Number of devices to show (default: history_limit from config)")
	device := fs.String("device", "", "Show every recorded connection of one device name")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if *dbPath != "" {
		cfg.HistoryDB = *dbPath
	}
	cfg.ApplyDefaults()
	if !cfg.HistoryEnabled() {
		fmt.Fprintln(stdout, "Connection history is disabled.")
		return 0
	}
	if *limit <= 0 {
		*limit = cfg.HistoryLimit
	}

	if _, err := os.Stat(cfg.HistoryDB); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No devices recorded yet.")
		return 0
	}

	store, err := storage.NewSQLiteStore(cfg.HistoryDB, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open history: %v\n", err)
		return 1
	}
	defer store.Close()

	var conns []*storage.Connection
	if *device != "" {
		conns, err = store.Connections(*device, *limit)
	} else {
		conns, err = store.RecentDevices(*limit)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to read history: %v\n", err)
		return 1
	}

	if *jsonOutput {
		if conns == nil {
			conns = []*storage.Connection{}
		}
		return writeJSONOutput(stdout, conns)
	}
	if len(conns) == 0 {
		fmt.Fprintln(stdout, "No devices recorded yet.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAPP VERSION\tLAST SESSION\tCONNECTED\tSTATE")
	fmt.Fprintln(w, "----\t-----------\t------------\t---------\t-----")
	now := time.Now()
	for _, c := range conns {
		state := "connected"
		if !c.Open() {
			state = "left " + formatAgo(now.Sub(*c.DisconnectedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.DeviceName, orDash(c.AppVersion), c.SessionID, formatAgo(now.Sub(c.ConnectedAt)), state)
	}
	w.Flush()
	return 0
}

// runDisconnect implements "autox disconnect <session>".
func runDisconnect(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("disconnect <session> [options]", "Disconnect one device from the running hub.", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	hub, err := cf.client()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	ctx, cancel := requestContext()
	defer cancel()

	id := fs.Arg(0)
	if err := hub.Disconnect(ctx, id); err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Disconnected %s\n", id)
	return 0
}

// commandNames maps CLI verbs to wire command tokens.
var commandNames = map[string]protocol.CommandType{
	"save":         protocol.CommandSave,
	"run":          protocol.CommandRun,
	"rerun":        protocol.CommandReRun,
	"stop":         protocol.CommandStop,
	"stop-all":     protocol.CommandStopAll,
	"save-project": protocol.CommandSaveProject,
	"run-project":  protocol.CommandRunProject,
}

// runCommand implements the script and project commands. The hub reads and
// packs the path itself, so relative paths are made absolute first.
func runCommand(verb string, args []string, stdout, stderr io.Writer) int {
	kind := commandNames[verb]
	usageLine := verb + " <path> [options]"
	if kind == protocol.CommandStopAll {
		usageLine = verb + " [options]"
	}
	fs := newFlagSet(usageLine, fmt.Sprintf("Send the %s command to connected devices.", kind), stderr)
	cf := &clientFlags{}
	cf.register(fs)
	sel := &deviceSelection{}
	fs.StringArrayVarP(&sel.Devices, "device", "d", nil, "Target device by session id or name (repeatable)")
	fs.BoolVar(&sel.All, "all", false, "Send to every connected device without asking")
	jsonOutput := fs.Bool("json", false, "Output the dispatch result as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	req := server.CommandRequest{Command: string(kind)}
	if kind != protocol.CommandStopAll {
		if fs.NArg() != 1 {
			fs.Usage()
			return 1
		}
		abs, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			printError(stderr, err)
			return 1
		}
		req.Path = abs
	}

	hub, err := cf.client()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	ctx, cancel := requestContext()
	defer cancel()

	req.Devices, err = sel.resolve(ctx, hub, stdout)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	res, err := hub.Command(ctx, req)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if *jsonOutput {
		writeJSONOutput(stdout, res)
	} else {
		writeResultOutput(stdout, res)
	}

	switch res.Status {
	case server.StatusOK, server.StatusPartial:
		return 0
	}
	return 1
}

func writeResultOutput(w io.Writer, res *server.Result) {
	if err := res.Err(); err != nil {
		code, msg := apperrors.ToCodeAndMessage(err)
		fmt.Fprintf(w, "%s: %s (%s)\n", res.Command, msg, code)
		if hint := apperrors.GetNextAction(code); hint != "" {
			fmt.Fprintf(w, "Hint: %s\n", hint)
		}
		return
	}
	fmt.Fprintf(w, "%s: delivered to %d of %d device(s)\n", res.Command, res.Delivered, res.Attempted)
	for _, f := range res.Failed {
		name := f.Device
		if name == "" {
			name = f.Target
		}
		fmt.Fprintf(w, "  %s: %s (%s)\n", name, f.Message, f.Code)
	}
}

// runLogs implements "autox logs": it follows the hub's event stream until
// interrupted or the hub stops.
func runLogs(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("logs [options]", "Follow device logs and connection events.", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	filter := fs.StringArrayP("device", "d", nil, "Only show events of this session id or device name (repeatable)")
	jsonOutput := fs.Bool("json", false, "Print events as NDJSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	hub, err := cf.client()
	if err != nil {
		printError(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	body, err := hub.Events(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer body.Close()

	err = followEvents(body, *filter, *jsonOutput, stdout)
	switch {
	case ctx.Err() != nil:
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		// The hub closes open streams when it stops.
		fmt.Fprintln(stderr, "Hub stopped.")
	default:
		fmt.Fprintf(stderr, "Error: event stream: %v\n", err)
		return 1
	}
	return 0
}

// followEvents copies events from an NDJSON stream to w until it ends.
func followEvents(r io.Reader, filter []string, raw bool, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		var ev server.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if !matchesFilter(ev.Device, filter) {
			continue
		}
		if raw {
			fmt.Fprintln(w, sc.Text())
		} else {
			fmt.Fprintln(w, formatEvent(ev))
		}
	}
	return sc.Err()
}

func matchesFilter(d server.Device, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == d.SessionID || f == d.Name {
			return true
		}
	}
	return false
}

// formatEvent renders one event as a terminal line.
func formatEvent(ev server.Event) string {
	ts := ev.Time.Local().Format("15:04:05")
	name := ev.Device.DisplayName()
	switch ev.Kind {
	case server.EventConnected:
		return fmt.Sprintf("%s * %s connected (%s)", ts, name, ev.Device.SessionID)
	case server.EventDisconnected:
		return fmt.Sprintf("%s * %s disconnected", ts, name)
	}
	return fmt.Sprintf("%s [%s] %s", ts, name, strings.TrimRight(ev.Text, "\r\n"))
}

// runDiscover implements "autox discover".
func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("discover [options]", "Find hubs advertised on the local network.", stderr)
	timeout := fs.DurationP("timeout", "t", 3*time.Second, "How long to browse")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	hubs, err := mdns.Discover(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if *jsonOutput {
		if hubs == nil {
			hubs = []mdns.Hub{}
		}
		return writeJSONOutput(stdout, hubs)
	}
	if len(hubs) == 0 {
		fmt.Fprintln(stdout, "No hubs found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tVERSION")
	for _, h := range hubs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.Name, h.URL(), orDash(h.Version))
	}
	w.Flush()
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAgo formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatAgo(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
