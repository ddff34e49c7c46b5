package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/srg/focusd/pkg/connection"
)

var (
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

func stateColor(s connection.State) *color.Color {
	switch s {
	case connection.StateConnected:
		return green
	case connection.StateScanning, connection.StateConnecting:
		return yellow
	case connection.StateDisconnecting:
		return cyan
	default:
		return red
	}
}

// printState prints a one-line connection status.
func printState(s connection.State, device string) {
	_, _ = stateColor(s).Fprintf(out, "● %s", s)
	_, _ = fmt.Fprintf(out, " %s\n", device)
}

func printError(err error) {
	_, _ = red.Fprint(errOut, "ERROR: ")
	_, _ = fmt.Fprintln(errOut, FormatUserError(err))
}

func printInfo(format string, args ...any) {
	_, _ = cyan.Fprintf(out, format, args...)
	_, _ = fmt.Fprintln(out)
}
