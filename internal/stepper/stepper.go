// Package stepper drives a step/direction stepper motor driver (A4988, DRV8825
// and similar) through GPIO pins, executing decoded motor commands.
package stepper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/pkg/protocol"
	"periph.io/x/conn/v3/gpio"
)

// Pins are the driver inputs. Enable may be nil for drivers that are always on.
type Pins struct {
	Step   gpio.PinOut
	Dir    gpio.PinOut
	Enable gpio.PinOut
}

// Options configures motion limits and timing.
type Options struct {
	// MaxPosition is the farthest position from home, in steps.
	MaxPosition int
	// StepPeriod is the duration of one full step pulse.
	StepPeriod time.Duration
	// IdleTimeout disengages the motor when nothing moved it for this long.
	IdleTimeout time.Duration
	// NoiseSteps is how far the noise command nudges the motor.
	NoiseSteps int
	// EnableActiveLow drives Enable low to energize the coils.
	EnableActiveLow bool
}

// DefaultOptions returns limits matching the focus stage.
func DefaultOptions() *Options {
	return &Options{
		MaxPosition:     5500,
		StepPeriod:      500 * time.Microsecond,
		IdleTimeout:     120 * time.Second,
		NoiseSteps:      50,
		EnableActiveLow: true,
	}
}

// Driver tracks the motor position and moves it. Safe for concurrent use.
type Driver struct {
	pins   Pins
	opts   Options
	logger *logrus.Entry

	mu       sync.Mutex
	position int
	engaged  bool
	lastMove time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a driver. The motor starts disengaged at position 0; call Reset
// to home it.
func New(pins Pins, opts *Options, logger *logrus.Logger) (*Driver, error) {
	if pins.Step == nil || pins.Dir == nil {
		return nil, errors.New("step and dir pins are required")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxPosition <= 0 {
		return nil, fmt.Errorf("max position must be positive, got %d", opts.MaxPosition)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Driver{
		pins:     pins,
		opts:     *opts,
		logger:   logger.WithField("component", "stepper"),
		lastMove: time.Now(),
		now:      time.Now,
		sleep:    time.Sleep,
	}, nil
}

// Apply executes one command.
func (d *Driver) Apply(cmd protocol.Command) error {
	switch cmd {
	case protocol.Reset:
		return d.Reset()
	case protocol.Disengage:
		return d.Disengage()
	case protocol.Engage:
		return d.Engage()
	case protocol.Noise:
		return d.Noise()
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	return d.StepTo(int(cmd))
}

// Engage energizes the coils.
func (d *Driver) Engage() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setEngaged(true)
}

// Disengage releases the coils. The position is kept but may drift.
func (d *Driver) Disengage() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setEngaged(false)
}

// Reset assumes the stage rests at the far end and drives it home to 0.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("Resetting stepper")
	if err := d.setEngaged(false); err != nil {
		return err
	}
	d.position = d.opts.MaxPosition
	if err := d.setEngaged(true); err != nil {
		return err
	}
	return d.stepTo(0)
}

// StepTo moves to pos, clamped to [0, MaxPosition].
func (d *Driver) StepTo(pos int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepTo(pos)
}

// Noise nudges the motor forward and back to where it was.
func (d *Driver) Noise() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.position
	if err := d.stepTo(start + d.opts.NoiseSteps); err != nil {
		return err
	}
	return d.stepTo(start)
}

// Position returns the believed current position.
func (d *Driver) Position() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Engaged reports whether the coils are energized.
func (d *Driver) Engaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engaged
}

// CheckIdle disengages the motor if it has not moved for IdleTimeout.
// Reports whether it did.
func (d *Driver) CheckIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.engaged || d.now().Sub(d.lastMove) <= d.opts.IdleTimeout {
		return false
	}
	d.logger.Info("Stepper idle, disengaging")
	if err := d.setEngaged(false); err != nil {
		d.logger.WithError(err).Error("Failed to disengage idle stepper")
		return false
	}
	return true
}

// WatchIdle runs CheckIdle every interval until ctx is done.
func (d *Driver) WatchIdle(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckIdle()
		}
	}
}

// Close disengages the motor.
func (d *Driver) Close() error {
	return d.Disengage()
}

func (d *Driver) setEngaged(engaged bool) error {
	if d.pins.Enable != nil {
		level := gpio.Level(engaged)
		if d.opts.EnableActiveLow {
			level = !level
		}
		if err := d.pins.Enable.Out(level); err != nil {
			return fmt.Errorf("failed to set enable pin: %w", err)
		}
	}
	if d.engaged != engaged {
		d.logger.WithField("engaged", engaged).Debug("Stepper engagement changed")
	}
	d.engaged = engaged
	return nil
}

func (d *Driver) stepTo(pos int) error {
	if pos < 0 {
		pos = 0
	}
	if pos > d.opts.MaxPosition {
		pos = d.opts.MaxPosition
	}

	d.lastMove = d.now()
	if err := d.setEngaged(true); err != nil {
		return err
	}

	delta := pos - d.position
	if delta == 0 {
		return nil
	}

	d.logger.WithFields(logrus.Fields{"from": d.position, "to": pos}).Debug("Moving stepper")
	if err := d.pins.Dir.Out(gpio.Level(delta > 0)); err != nil {
		return fmt.Errorf("failed to set dir pin: %w", err)
	}

	steps, inc := delta, 1
	if delta < 0 {
		steps, inc = -delta, -1
	}

	half := d.opts.StepPeriod / 2
	for i := 0; i < steps; i++ {
		if err := d.pins.Step.Out(gpio.High); err != nil {
			return fmt.Errorf("failed to pulse step pin at position %d: %w", d.position, err)
		}
		d.sleep(half)
		if err := d.pins.Step.Out(gpio.Low); err != nil {
			return fmt.Errorf("failed to pulse step pin at position %d: %w", d.position, err)
		}
		d.sleep(half)
		d.position += inc
	}

	d.lastMove = d.now()
	return nil
}
