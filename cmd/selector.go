package main

// selector.go decides which devices a command goes to.

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/gaomanyi/AutoXPlugin/internal/server"
)

// Replaced in tests.
var (
	promptInput io.Reader = os.Stdin
	isTerminal            = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

// deviceSelection is the --device/--all pair shared by dispatching commands.
type deviceSelection struct {
	Devices []string
	All     bool
}

// errSelectionCancelled is returned when the prompt is answered with nothing usable.
var errSelectionCancelled = fmt.Errorf("no device selected")

// resolve returns the targets to put in a CommandRequest. A nil slice means
// every connected device.
//
// Without --device or --all: one device is used directly, several devices
// prompt on a terminal and go to all of them otherwise. With no devices
// connected the hub reports no_devices itself.
func (s deviceSelection) resolve(ctx context.Context, hub *hubClient, out io.Writer) ([]string, error) {
	if len(s.Devices) > 0 {
		return s.Devices, nil
	}
	if s.All {
		return nil, nil
	}

	devices, err := hub.Devices(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case len(devices) <= 1:
		return nil, nil
	case !isTerminal():
		return nil, nil
	}
	return promptDevices(devices, promptInput, out)
}

// promptDevices lists devices and reads a choice: a number, a comma
// separated list of numbers, or "a" for all.
func promptDevices(devices []server.Device, in io.Reader, out io.Writer) ([]string, error) {
	fmt.Fprintln(out, "Several devices are connected:")
	for i, d := range devices {
		fmt.Fprintf(out, "  %d) %s (%s)\n", i+1, d.DisplayName(), d.SessionID)
	}
	fmt.Fprint(out, "Send to [a]ll or device numbers: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return nil, errSelectionCancelled
	}
	return parseSelection(line, devices)
}

func parseSelection(line string, devices []server.Device) ([]string, error) {
	line = strings.TrimSpace(strings.ToLower(line))
	if line == "" || line == "a" || line == "all" {
		return nil, nil
	}

	var targets []string
	seen := make(map[int]bool)
	for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > len(devices) {
			return nil, fmt.Errorf("invalid choice %q: pick 1-%d", field, len(devices))
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		targets = append(targets, devices[n-1].SessionID)
	}
	if len(targets) == 0 {
		return nil, errSelectionCancelled
	}
	return targets, nil
}
