package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/focusd/pkg/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Send a single motor command",
	Long: `Connect to the focus stage, send one command and disconnect.

<command> is a position in steps (0..32767) or one of reset, disengage,
engage, noise. The stage is reset on connect and the motor is disengaged
again on disconnect.`,
	Example: `  focusd send 3050
  focusd send noise`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 30*time.Second, "How long to wait for the stage")
}

func runSend(cmd *cobra.Command, args []string) error {
	command, err := protocol.ParseCommand(args[0])
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
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

	runCtx, stop := context.WithTimeout(ctx, sendTimeout)
	defer stop()

	var (
		once   sync.Once
		result error
	)
	finish := func(err error) {
		once.Do(func() { result = err })
		stop()
	}

	h.subs = append(h.subs, h.controller.OnReady(func() {
		if err := h.motor.Send(command, func() {
			printInfo("Sent %s", command)
			finish(nil)
		}); err != nil {
			finish(fmt.Errorf("failed to send %s: %w", command, err))
		}
	}))

	_ = h.run(runCtx)

	if err := ctx.Err(); err != nil {
		return err
	}
	once.Do(func() {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result = fmt.Errorf("%w after %s", ErrTimeout, sendTimeout)
		}
	})
	return result
}
