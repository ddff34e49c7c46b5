package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	goble "github.com/srg/focusd/internal/device/go-ble"
	"github.com/srg/focusd/pkg/actuator"
	"github.com/srg/focusd/pkg/config"
	"github.com/srg/focusd/pkg/peripheral"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "focusperiph",
	Short: "Focus stage peripheral",
	Long: `focusperiph runs on the focus stage controller. It advertises the focus
GATT service under the configured device name and forwards every accepted
motor command to the actuator driver:

- actuator.command      a child process attached to a PTY (e.g. stepperd)
- actuator.serial_port  a microcontroller on a serial line
- otherwise             one decimal command per line on stdout`,
	Args:    cobra.NoArgs,
	Version: version,
	RunE:    runServe,
}

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
}

func runServe(cmd *cobra.Command, args []string) error {
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

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	bridge, err := actuator.Open(ctx, cfg.ActuatorOptions(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			logger.WithError(err).Warn("Actuator closed with errors")
		}
	}()

	// A driver process that exits takes the peripheral down with it.
	if p, ok := bridge.(interface{ Done() <-chan struct{} }); ok {
		go func() {
			select {
			case <-p.Done():
				logger.Error("Motor driver exited, stopping")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if cfg.Peripheral.ReadCharacteristicID != cfg.Peripheral.WriteCharacteristicID {
		logger.WithFields(logrus.Fields{
			"write": cfg.Peripheral.WriteCharacteristicID,
			"read":  cfg.Peripheral.ReadCharacteristicID,
		}).Warn("Peripheral serves a single characteristic; using the write characteristic for reads")
	}

	handler := peripheral.NewCommandHandler(bridge, logger)
	svc, err := peripheral.NewService(handler, cfg.Peripheral.ServiceID, cfg.Peripheral.WriteCharacteristicID)
	if err != nil {
		return err
	}

	dev, err := goble.DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to open BLE device: %w", goble.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	defer func() {
		if err := dev.Stop(); err != nil {
			logger.WithError(err).Debug("Failed to stop BLE device")
		}
	}()

	if err := peripheral.Serve(ctx, cfg.Peripheral.DeviceName, svc, logger); err != nil {
		return err
	}
	return ctx.Err()
}
