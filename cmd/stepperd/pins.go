package main

import (
	"fmt"

	"github.com/srg/focusd/internal/stepper"
	"github.com/srg/focusd/pkg/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/host/v3"
)

// openPins initializes the host drivers and resolves the configured GPIO names.
func openPins(cfg *config.Config) (stepper.Pins, error) {
	if _, err := host.Init(); err != nil {
		return stepper.Pins{}, fmt.Errorf("failed to initialize GPIO host drivers: %w", err)
	}

	step, err := pinByName(cfg.Stepper.StepPin)
	if err != nil {
		return stepper.Pins{}, err
	}
	dir, err := pinByName(cfg.Stepper.DirPin)
	if err != nil {
		return stepper.Pins{}, err
	}

	pins := stepper.Pins{Step: step, Dir: dir}
	if cfg.Stepper.EnablePin != "" {
		if pins.Enable, err = pinByName(cfg.Stepper.EnablePin); err != nil {
			return stepper.Pins{}, err
		}
	}
	return pins, nil
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown GPIO pin %q", name)
	}
	return p, nil
}

func simulatedPins(cfg *config.Config) stepper.Pins {
	return stepper.Pins{
		Step:   &gpiotest.Pin{N: cfg.Stepper.StepPin},
		Dir:    &gpiotest.Pin{N: cfg.Stepper.DirPin},
		Enable: &gpiotest.Pin{N: cfg.Stepper.EnablePin},
	}
}
