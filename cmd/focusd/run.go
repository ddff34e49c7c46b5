package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/focusd/internal/eventloop"
	"github.com/srg/focusd/internal/script"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the display focused on a target distance",
	Long: `Connect to the focus stage and keep driving it to the target distance.

Targets come from, in order of precedence:
  --script   a Lua file defining distance(t), sampled every --sample-interval
  --distance a fixed distance in meters
  MQTT       <topic_prefix>/target, when a broker is configured
  stdin      one "<meters> [alpha]" per line

"pause" and "resume" lines on stdin, or SIGUSR1 and SIGUSR2, disengage the
motor while paused and re-engage it on resume.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runDistance       float64
	runAlpha          float64
	runScript         string
	runSampleInterval time.Duration
)

func init() {
	runCmd.Flags().Float64VarP(&runDistance, "distance", "d", 0, "Fixed target distance in meters")
	runCmd.Flags().Float64Var(&runAlpha, "alpha", 0, "Smoothing factor for --distance (0..1, -1 disables; default from config)")
	runCmd.Flags().StringVarP(&runScript, "script", "s", "", "Lua script defining distance(t)")
	runCmd.Flags().DurationVar(&runSampleInterval, "sample-interval", 0, "How often --script is sampled (default: accommodation update interval)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("distance") && runDistance <= 0 {
		return fmt.Errorf("--distance must be positive, got %v", runDistance)
	}

	var src *script.Source
	if runScript != "" {
		src, err = script.Load(runScript, logger)
		if err != nil {
			return err
		}
		defer src.Close()
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	h, err := newHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()

	post := h.loop.Dispatcher()
	switch {
	case src != nil:
		interval := runSampleInterval
		if interval <= 0 {
			interval = cfg.Accommodation.UpdateInterval
		}
		logger.WithField("script", runScript).Info("Following scripted distance")
		eventloop.Go(ctx, "lua-distance", func(ctx context.Context) {
			src.Run(ctx, interval, post, h.controller)
		})

	case cmd.Flags().Changed("distance"):
		alpha := cfg.Accommodation.SmoothingAlpha
		if cmd.Flags().Changed("alpha") {
			alpha = runAlpha
		}
		post(func() { h.controller.SetTargetDistance(runDistance, alpha) })

	case h.telemetry != nil:
		if err := h.listenForTargets(); err != nil {
			return err
		}

	default:
		printInfo("Reading target distances from stdin: <meters> [alpha], pause, resume")
		eventloop.Go(ctx, "stdin-distance", func(ctx context.Context) {
			followLines(ctx, post, h, readLines(ctx, os.Stdin))
		})
	}

	return h.run(ctx)
}

// lineSink receives what followLines parses.
type lineSink interface {
	SetTargetDistance(distanceMeters, smoothingAlpha float64)
	SetPaused(paused bool)
}

// followLines feeds parsed distance and pause lines to sink through post.
func followLines(ctx context.Context, post func(func()), sink lineSink, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if paused, ok := parsePauseLine(line); ok {
				post(func() { sink.SetPaused(paused) })
				continue
			}
			distance, alpha, ok, err := parseDistanceLine(line)
			if err != nil {
				printError(err)
				continue
			}
			if ok {
				post(func() { sink.SetTargetDistance(distance, alpha) })
			}
		}
	}
}
