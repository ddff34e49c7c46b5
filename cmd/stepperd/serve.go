package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/pkg/protocol"
)

// Applier executes decoded commands. *stepper.Driver satisfies it.
type Applier interface {
	Apply(cmd protocol.Command) error
	Position() int
}

// serve executes command lines from r until EOF or ctx is done, acknowledging
// each on w as "ok <command> <position>" or "error <message>".
func serve(ctx context.Context, driver Applier, r io.Reader, w io.Writer, logger *logrus.Logger) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("failed to read commands: %w", err)
					}
				default:
				}
				logger.Info("Command stream closed")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			handleLine(driver, line, w, logger)
		}
	}
}

func handleLine(driver Applier, line string, w io.Writer, logger *logrus.Logger) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		logger.WithError(err).WithField("line", line).Warn("Ignoring invalid command")
		_, _ = fmt.Fprintf(w, "error %v\n", err)
		return
	}

	if err := driver.Apply(cmd); err != nil {
		logger.WithError(err).WithField("command", cmd).Error("Command failed")
		_, _ = fmt.Fprintf(w, "error %v\n", err)
		return
	}
	_, _ = fmt.Fprintf(w, "ok %s %d\n", cmd, driver.Position())
}
