package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/focusd/internal/eventloop"
	"github.com/srg/focusd/pkg/calibration"
	"gopkg.in/yaml.v3"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Record eye calibration profiles at a series of distances",
	Long: `Connect to the focus stage and visit each configured calibration distance.
At every distance the display is refocused, then focusd waits for Enter on
stdin before recording the profile.

With --follow, focusd keeps reading "<meters> [alpha]" lines afterwards and
reports which recorded profile is closest to each distance the stage reaches.`,
	Args: cobra.NoArgs,
	RunE: runCalibrate,
}

var (
	calibrateDistances []float64
	calibrateOutput    string
	calibrateFollow    bool
)

func init() {
	calibrateCmd.Flags().Float64SliceVar(&calibrateDistances, "distances", nil, "Calibration distances in meters (default from config)")
	calibrateCmd.Flags().StringVarP(&calibrateOutput, "output", "o", "", "Write recorded profiles to this YAML file")
	calibrateCmd.Flags().BoolVarP(&calibrateFollow, "follow", "f", false, "Keep following stdin distances after calibrating")
}

// promptCalibrator asks the operator to confirm each calibration on stdin.
type promptCalibrator struct {
	ctx   context.Context
	lines <-chan string
	post  func(func())
	out   io.Writer
	// abort runs on the loop when stdin closes mid-session.
	abort func()
}

func (p *promptCalibrator) Calibrate(distanceMeters float64, name string, done func(error)) {
	_, _ = yellow.Fprintf(p.out, "Focus at %.2f m. Press Enter to record %s", distanceMeters, name)
	_, _ = fmt.Fprintln(p.out)

	go func() {
		select {
		case <-p.ctx.Done():
			return
		case _, ok := <-p.lines:
			if !ok {
				p.post(p.abort)
				return
			}
			p.post(func() { done(nil) })
		}
	}()
}

type profileFile struct {
	Profiles []profileEntry `yaml:"profiles"`
}

type profileEntry struct {
	Name           string  `yaml:"name"`
	DistanceMeters float64 `yaml:"distance_m"`
	Steps          int16   `yaml:"steps"`
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	distances := cfg.Calibration.SessionDistances
	if len(calibrateDistances) > 0 {
		distances = calibrateDistances
	}
	for _, d := range distances {
		if d <= 0 {
			return fmt.Errorf("calibration distances must be positive, got %v", d)
		}
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

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var sessionErr error
	lines := readLines(ctx, os.Stdin)
	calibrator := &promptCalibrator{
		ctx:   runCtx,
		lines: lines,
		post:  h.loop.Dispatcher(),
		out:   out,
		abort: func() {
			sessionErr = errors.New("stdin closed before calibration finished")
			stop()
		},
	}

	store := calibration.NewStore()
	session := calibration.NewSession(distances, cfg.Calibration.SessionDelay, h.controller, calibrator, store, logger)
	selector := calibration.NewSelector(h.table, store, logger)
	h.loop.AddTicker(session)

	h.subs = append(h.subs,
		h.controller.OnReady(func() {
			if !session.Done() {
				session.Start()
			}
		}),
		session.OnComplete(func() {
			printProfiles(out, h.table, store.Profiles())
			if calibrateOutput != "" {
				sessionErr = writeProfiles(calibrateOutput, h.table, store.Profiles())
			}
			if !calibrateFollow || sessionErr != nil {
				stop()
				return
			}
			printInfo("Calibration complete. Reading target distances from stdin: <meters> [alpha]")
			eventloop.Go(runCtx, "stdin-distance", func(ctx context.Context) {
				followLines(ctx, h.loop.Dispatcher(), h, lines)
			})
		}),
		h.controller.OnUpdate(func(distanceMeters float64, _ int16) {
			selector.Update(distanceMeters)
		}),
		selector.OnSelect(func(p calibration.Profile) {
			printInfo("Using %s (recorded at %.2f m)", p.Name, p.DistanceMeters)
		}),
	)

	_ = h.run(runCtx)

	if err := ctx.Err(); err != nil {
		return err
	}
	return sessionErr
}

func printProfiles(w io.Writer, table *calibration.Table, profiles []calibration.Profile) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROFILE\tDISTANCE (m)\tSTEPS")
	for _, p := range profiles {
		_, _ = fmt.Fprintf(tw, "%s\t%.2f\t%d\n", p.Name, p.DistanceMeters, table.Steps(p.DistanceMeters))
	}
	_ = tw.Flush()
}

func writeProfiles(path string, table *calibration.Table, profiles []calibration.Profile) error {
	f := profileFile{Profiles: make([]profileEntry, 0, len(profiles))}
	for _, p := range profiles {
		f.Profiles = append(f.Profiles, profileEntry{
			Name:           p.Name,
			DistanceMeters: p.DistanceMeters,
			Steps:          table.Steps(p.DistanceMeters),
		})
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	printInfo("Wrote %d profiles to %s", len(profiles), path)
	return nil
}
