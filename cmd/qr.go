package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"
)

// displayQRCode prints the hub URL as a QR code for the AutoX app to scan,
// with the URL underneath as plain-text fallback.
func displayQRCode(w io.Writer, url string) {
	// Medium error correction keeps the code small enough for a terminal.
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Connect devices to %s\n", url)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN IN THE AUTOX APP")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "  URL: %s\n", url)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// runQR implements "autox qr" for the running hub, or for --url.
func runQR(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("qr", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	cf := &clientFlags{}
	cf.register(fs)
	url := fs.String("url", "", "Encode this URL instead of asking the hub")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: autox qr [options]\n\nPrint the hub URL as a QR code.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *url
	if target == "" {
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
		target = status.URL
	}

	displayQRCode(stdout, target)
	return 0
}
