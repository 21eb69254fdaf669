// Command fakedevice pretends to be an AutoX device for trying out a hub.
// It says hello, sends heartbeats and log lines, and prints every command
// it receives, checking the md5 of project bundles.
//
// Usage: go run ./cmd/fakedevice --name Pixel ws://127.0.0.1:9317
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/gaomanyi/AutoXPlugin/internal/bundle"
	"github.com/gaomanyi/AutoXPlugin/internal/logging"
	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// Options configures one simulated device.
type Options struct {
	URL          string
	Name         string
	AppVersion   string
	PingInterval time.Duration
	Logs         []string
	// LogInput, when set, is forwarded line by line as log messages.
	LogInput io.Reader
}

// Received is a command the device got, after bundle verification.
type Received struct {
	Envelope protocol.Envelope
	// Files lists bundle entries for bytes_command envelopes.
	Files []string
	// Err is set when the bundle was missing or did not match its md5.
	Err error
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("fakedevice", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := Options{}
	fs.StringVarP(&opts.Name, "name", "n", "Fake Device", "Device name sent in hello")
	fs.StringVar(&opts.AppVersion, "app-version", "6.5.8", "App version sent in hello")
	fs.DurationVar(&opts.PingInterval, "ping", 10*time.Second, "Heartbeat interval (0 disables)")
	fs.StringArrayVar(&opts.Logs, "log", nil, "Log line to send after hello (repeatable)")
	forward := fs.Bool("stdin", false, "Forward stdin lines as device logs")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: fakedevice [options] [ws://host:port]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	opts.URL = "ws://127.0.0.1:9317"
	if fs.NArg() > 0 {
		opts.URL = fs.Arg(0)
	}
	if *forward {
		opts.LogInput = stdin
	}

	log := logging.New(stderr, *logLevel, logging.FormatConsole)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	received := make(chan Received, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range received {
			printReceived(stdout, r)
		}
	}()

	err := Run(ctx, opts, log, received)
	close(received)
	<-done
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printReceived(w io.Writer, r Received) {
	cmd := r.Envelope.Data
	fmt.Fprintf(w, "%s %s id=%q", r.Envelope.Type, cmd.Command, cmd.ID)
	if cmd.Script != "" {
		fmt.Fprintf(w, " script=%d bytes", len(cmd.Script))
	}
	if r.Envelope.Binary() {
		fmt.Fprintf(w, " md5=%s files=%d", r.Envelope.MD5, len(r.Files))
	}
	if r.Err != nil {
		fmt.Fprintf(w, " error=%q", r.Err.Error())
	}
	fmt.Fprintln(w)
}

// device is one live connection to a hub.
type device struct {
	conn    *websocket.Conn
	log     zerolog.Logger
	writeMu sync.Mutex
}

func (d *device) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.writeText(data)
}

func (d *device) writeText(data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

func (d *device) sendLog(text string) error {
	return d.writeJSON(map[string]any{"type": protocol.TypeLog, "data": map[string]string{"log": text}})
}

// Run connects, says hello and delivers received commands to out until ctx
// ends or the hub closes the connection. out is never closed by Run.
func Run(ctx context.Context, opts Options, log zerolog.Logger, out chan<- Received) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.URL, err)
	}
	defer conn.Close()

	d := &device{conn: conn, log: logging.Component(log, "device")}
	d.log.Info().Str("url", opts.URL).Str("name", opts.Name).Msg("connected")

	hello := map[string]any{
		"type": protocol.TypeHello,
		"data": protocol.Hello{DeviceName: opts.Name, AppVersion: opts.AppVersion},
	}
	if err := d.writeJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr <- d.readLoop(out)
	}()
	// The read loop must not outlive Run; it sends on out.
	defer func() {
		conn.Close()
		<-readDone
	}()

	for _, line := range opts.Logs {
		if err := d.sendLog(line); err != nil {
			return fmt.Errorf("send log: %w", err)
		}
	}
	if opts.LogInput != nil {
		go d.forward(opts.LogInput)
	}

	var tick <-chan time.Time
	if opts.PingInterval > 0 {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case err := <-readErr:
			return err
		case <-tick:
			if err := d.writeText(protocol.Ping(time.Now().UnixMilli()).Encode()); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case <-ctx.Done():
			d.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			d.writeMu.Unlock()
			select {
			case <-readErr:
			case <-time.After(time.Second):
			}
			return ctx.Err()
		}
	}
}

func (d *device) forward(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := d.sendLog(sc.Text()); err != nil {
			return
		}
	}
}

// readLoop handles hub frames. A binary frame is held until the envelope
// that follows it. It returns nil when the hub closes normally.
func (d *device) readLoop(out chan<- Received) error {
	var pending []byte
	for {
		mt, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if mt == websocket.BinaryMessage {
			pending = data
			d.log.Debug().Int("bytes", len(data)).Msg("bundle received")
			continue
		}

		var head struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			d.log.Warn().Err(err).Msg("invalid frame from hub")
			continue
		}

		switch head.Type {
		case protocol.TypeHello:
			d.log.Info().RawJSON("ack", data).Msg("handshake acknowledged")
			continue
		case protocol.TypePong:
			d.log.Debug().RawJSON("data", head.Data).Msg("pong")
			continue
		case protocol.TypeClose:
			var reason string
			json.Unmarshal(head.Data, &reason)
			d.log.Info().Str("reason", reason).Msg("hub is closing the connection")
			continue
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			d.log.Warn().Err(err).Str("type", head.Type).Msg("unknown frame from hub")
			continue
		}

		r := Received{Envelope: env}
		if env.Binary() {
			r.Files, r.Err = verifyBundle(env, pending)
			pending = nil
		}
		out <- r
	}
}

// verifyBundle checks the bundle against the envelope md5 and lists its files.
func verifyBundle(env protocol.Envelope, data []byte) ([]string, error) {
	if data == nil {
		return nil, errors.New("no binary frame before bytes_command")
	}
	if sum := bundle.Checksum(data); sum != env.MD5 {
		return nil, fmt.Errorf("md5 mismatch: envelope %s, bundle %s", env.MD5, sum)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	files := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		files = append(files, f.Name)
	}
	return files, nil
}
