package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v1.0.0" -o autox ./cmd
var Version = "dev"

const usage = `autox - development hub for AutoX devices

Usage:
  autox <command> [options]

Hub:
  serve                 Start the hub and wait for devices (alias: up)
  status                Show the running hub's status

Devices:
  devices               List connected devices
  history               List recently connected devices
  disconnect <session>  Disconnect one device

Scripts:
  save <file.js>        Save a script on devices
  run <file.js>         Run a script on devices
  rerun <file.js>       Stop and run a script again
  stop <file.js>        Stop a running script
  stop-all              Stop every script on devices

Projects:
  save-project <dir>    Send a project to devices and save it
  run-project <dir>     Send a project to devices and run it

Utilities:
  logs                  Follow device logs and connection events
  qr                    Print the hub URL as a QR code
  discover              Find hubs on the local network
  version               Print the version

Run 'autox <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], false, stdout, stderr)
	case "up":
		return runServe(args[2:], true, stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "devices":
		return runDevices(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "disconnect":
		return runDisconnect(args[2:], stdout, stderr)
	case "save", "run", "rerun", "stop", "stop-all", "save-project", "run-project":
		return runCommand(args[1], args[2:], stdout, stderr)
	case "logs":
		return runLogs(args[2:], stdout, stderr)
	case "qr":
		return runQR(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "autox %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
