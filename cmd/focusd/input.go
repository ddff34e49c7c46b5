package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/srg/focusd/pkg/accommodation"
)

// readLines streams r line by line until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
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
	}()
	return lines
}

// parsePauseLine recognizes the "pause" and "resume" keywords.
func parsePauseLine(line string) (paused, ok bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "pause":
		return true, true
	case "resume":
		return false, true
	default:
		return false, false
	}
}

// parseDistanceLine parses "<meters> [alpha]". Blank lines and # comments
// yield ok == false.
func parseDistanceLine(line string) (distanceMeters, alpha float64, ok bool, err error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, 0, false, nil
	}
	if len(fields) > 2 {
		return 0, 0, false, fmt.Errorf("expected \"<meters> [alpha]\", got %q", line)
	}

	distanceMeters, err = strconv.ParseFloat(fields[0], 64)
	if err != nil || distanceMeters <= 0 {
		return 0, 0, false, fmt.Errorf("invalid distance %q", fields[0])
	}

	alpha = accommodation.SmoothingDisabled
	if len(fields) == 2 {
		alpha, err = strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, 0, false, fmt.Errorf("invalid smoothing alpha %q", fields[1])
		}
	}
	return distanceMeters, alpha, true, nil
}
