package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/focusd/internal/stepper"
	"github.com/srg/focusd/pkg/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "stepperd",
	Short: "GPIO stepper driver for the focus stage",
	Long: `stepperd reads one motor command per line on stdin and executes it on a
step/direction stepper driver wired to GPIO pins.

A line is a position in steps (0..max_position) or one of -1 (reset),
-2 (disengage), -3 (engage), -4 (noise), or their names. The motor is
disengaged after stepper.idle_timeout without movement.`,
	Args:    cobra.NoArgs,
	Version: version,
	RunE:    runDriver,
}

var simulate bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.Flags().BoolVar(&simulate, "simulate", false, "Use in-memory pins instead of GPIO")
}

func runDriver(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
		cfg.LogLevel = level
	}
	logger := cfg.NewLogger()
	// stdout carries command acknowledgements.
	logger.SetOutput(os.Stderr)

	var pins stepper.Pins
	if simulate {
		pins = simulatedPins(cfg)
	} else {
		pins, err = openPins(cfg)
		if err != nil {
			return err
		}
	}

	driver, err := stepper.New(pins, cfg.StepperOptions(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.WithError(err).Warn("Failed to disengage stepper")
		}
	}()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	go driver.WatchIdle(ctx, cfg.Stepper.IdleCheck)

	logger.WithFields(logrus.Fields{
		"step":      cfg.Stepper.StepPin,
		"dir":       cfg.Stepper.DirPin,
		"enable":    cfg.Stepper.EnablePin,
		"simulated": simulate,
	}).Info("Stepper driver ready")

	return serve(ctx, driver, os.Stdin, os.Stdout, logger)
}
