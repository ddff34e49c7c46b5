package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	goble "github.com/srg/focusd/internal/device/go-ble"
	"github.com/srg/focusd/internal/eventloop"
	"github.com/srg/focusd/internal/observer"
	"github.com/srg/focusd/pkg/accommodation"
	"github.com/srg/focusd/pkg/calibration"
	"github.com/srg/focusd/pkg/config"
	"github.com/srg/focusd/pkg/connection"
	"github.com/srg/focusd/pkg/motor"
	"github.com/srg/focusd/pkg/telemetry"
)

const shutdownTimeout = 3 * time.Second

// host is the central side of the system: radio, connection, motor and
// accommodation, all owned by one event loop.
type host struct {
	cfg    *config.Config
	logger *logrus.Logger

	loop       *eventloop.Loop
	radio      *goble.Radio
	manager    *connection.Manager
	motor      *motor.Controller
	controller *accommodation.Controller
	table      *calibration.Table
	telemetry  *telemetry.Client

	subs []observer.Subscription
}

func newHost(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*host, error) {
	table, err := cfg.CalibrationTable()
	if err != nil {
		return nil, err
	}

	loop := eventloop.New(cfg.Loop.TickInterval, logger)
	// The radio outlives ctx so the motor can still be disengaged on shutdown.
	radio := goble.NewRadio(context.Background(), loop.Dispatcher(), nil, logger)
	manager := connection.NewManager(radio, cfg.ConnectionOptions(), logger)
	mc := motor.NewController(manager, logger)
	controller := accommodation.NewController(mc, manager, table, cfg.AccommodationOptions(), logger)

	loop.AddTicker(manager)
	loop.AddTicker(controller)

	h := &host{
		cfg:        cfg,
		logger:     logger,
		loop:       loop,
		radio:      radio,
		manager:    manager,
		motor:      mc,
		controller: controller,
		table:      table,
	}

	h.subs = append(h.subs,
		manager.OnStateChange(func(from, to connection.State) {
			printState(to, cfg.Peripheral.DeviceName)
		}),
		manager.OnInitError(func(err error) {
			printError(err)
		}),
	)

	if err := h.startTelemetry(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// startTelemetry connects to the configured MQTT broker, if any, and mirrors
// state changes and stage updates to it.
func (h *host) startTelemetry(ctx context.Context) error {
	client, err := telemetry.NewClient(h.cfg.TelemetryOptions(), h.logger)
	if errors.Is(err, telemetry.ErrDisabled) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", h.cfg.MQTT.Broker, err)
	}
	h.telemetry = client

	device := h.cfg.Peripheral.DeviceName
	h.subs = append(h.subs,
		h.manager.OnStateChange(func(_, to connection.State) {
			client.PublishState(to.String(), device)
		}),
		h.controller.OnUpdate(func(distanceMeters float64, steps int16) {
			client.PublishAccommodation(distanceMeters, steps)
		}),
	)
	return nil
}

// listenForTargets feeds MQTT target distances to the controller.
func (h *host) listenForTargets() error {
	if h.telemetry == nil {
		return nil
	}
	post := h.loop.Dispatcher()
	return h.telemetry.SubscribeTargets(func(t telemetry.Target) {
		post(func() { h.controller.SetTargetDistance(t.DistanceMeters, t.Alpha) })
	})
}

// SetTargetDistance forwards to the accommodation controller. Loop only.
func (h *host) SetTargetDistance(distanceMeters, smoothingAlpha float64) {
	h.controller.SetTargetDistance(distanceMeters, smoothingAlpha)
}

// SetPaused disengages the motor while paused. Loop only.
func (h *host) SetPaused(paused bool) {
	if paused {
		printInfo("Paused, motor disengaged")
	} else {
		printInfo("Resumed")
	}
	h.motor.SetPaused(paused)
}

// pauseSignal maps SIGUSR1 to pause and SIGUSR2 to resume.
func pauseSignal(sig os.Signal) (paused, ok bool) {
	switch sig {
	case syscall.SIGUSR1:
		return true, true
	case syscall.SIGUSR2:
		return false, true
	default:
		return false, false
	}
}

// watchPauseSignals pauses and resumes the motor on SIGUSR1/SIGUSR2 until ctx is done.
func (h *host) watchPauseSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	eventloop.Go(ctx, "pause-signals", func(ctx context.Context) {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if paused, ok := pauseSignal(sig); ok {
					_ = h.loop.Post(func() { h.SetPaused(paused) })
				}
			}
		}
	})
}

// run connects to the configured peripheral and runs the loop until ctx is
// done, then disconnects cleanly.
func (h *host) run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	errCh := make(chan error, 1)
	eventloop.Go(loopCtx, "focusd-loop", func(loopCtx context.Context) {
		errCh <- h.loop.Run(loopCtx)
	})

	h.watchPauseSignals(loopCtx)

	identity := h.cfg.Identity()
	if err := h.loop.Post(func() {
		if err := h.manager.Connect(identity); err != nil {
			h.logger.WithError(err).Error("Failed to start connecting")
		}
	}); err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.disconnect()
	stopLoop()
	<-errCh
	return ctx.Err()
}

// disconnect tears the link down on the loop and waits until it is idle.
// Idle with an identity still set means Init is pending and needs a Deinit.
func (h *host) disconnect() {
	idle := make(chan struct{})
	var once sync.Once
	done := func() { once.Do(func() { close(idle) }) }

	err := h.loop.Post(func() {
		_, active := h.manager.Identity()
		if h.manager.State() == connection.StateIdle && !active {
			done()
			return
		}
		h.subs = append(h.subs, h.manager.OnStateChange(func(_, to connection.State) {
			if to == connection.StateIdle {
				done()
			}
		}))
		h.manager.Disconnect()
	})
	if err != nil {
		return
	}

	select {
	case <-idle:
	case <-time.After(shutdownTimeout):
		h.logger.Warn("Timed out waiting for the peripheral to disconnect")
	}
}

// close releases every component. Call it after run returned.
func (h *host) close() {
	for _, s := range h.subs {
		s.Cancel()
	}
	h.controller.Close()
	h.motor.Close()
	h.manager.Close()
	h.radio.Close()
	if h.telemetry != nil {
		h.telemetry.Disconnect()
	}
}
