// Package accommodation drives the display stage to the lens-display distance
// that matches a requested virtual distance.
//
// Target distances may be set arbitrarily often; the controller acts on them
// only from Tick, throttled in time by the update interval and in space by a
// minimum change measured in diopters. Optional exponential smoothing in
// diopter space spreads large jumps over several updates.
package accommodation

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/observer"
	"github.com/srg/focusd/pkg/calibration"
	"github.com/srg/focusd/pkg/connection"
)

// SmoothingDisabled turns perceptual smoothing off.
const SmoothingDisabled = -1.0

const neverSent = -1.0

// Motor is the command surface the controller drives. *motor.Controller satisfies it.
type Motor interface {
	Connected() bool
	SetSteps(steps int16, onSuccess func()) error
	Reset() error
	OnConnect(fn func()) observer.Subscription
}

// StateNotifier reports connection state transitions. *connection.Manager satisfies it.
type StateNotifier interface {
	OnStateChange(fn func(from, to connection.State)) observer.Subscription
}

// Options configures throttling.
type Options struct {
	// UpdateInterval is the minimum time between two motor updates.
	UpdateInterval time.Duration
	// ThresholdPercent is the minimum change, in percent of diopters, worth moving the stage for.
	ThresholdPercent float64
}

// DefaultOptions returns the stock throttling.
func DefaultOptions() *Options {
	return &Options{
		UpdateInterval:   125 * time.Millisecond,
		ThresholdPercent: 5,
	}
}

// Controller converts target distances into motor positions.
type Controller struct {
	motor  Motor
	table  *calibration.Table
	opts   Options
	logger *logrus.Entry

	lastSent float64
	target   float64
	alpha    float64
	timeout  time.Duration

	// epoch discards send acknowledgements that predate the last reset.
	epoch uint64

	onReady  *observer.List[func()]
	onUpdate *observer.List[func(distanceMeters float64, steps int16)]
	subs     []observer.Subscription
}

// NewController creates a controller. states may be nil when the caller
// forwards transitions to HandleStateChange itself.
func NewController(motor Motor, states StateNotifier, table *calibration.Table, opts *Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if table == nil {
		table = calibration.DefaultTable()
	}

	c := &Controller{
		motor:    motor,
		table:    table,
		opts:     *opts,
		logger:   logger.WithField("component", "accommodation"),
		onReady:  observer.NewList[func()](),
		onUpdate: observer.NewList[func(float64, int16)](),
	}
	c.clear()

	c.subs = append(c.subs, motor.OnConnect(c.handleConnect))
	if states != nil {
		c.subs = append(c.subs, states.OnStateChange(c.HandleStateChange))
	}
	return c
}

// OnReady registers fn to run after the motor connected and was reset.
func (c *Controller) OnReady(fn func()) observer.Subscription {
	return c.onReady.Add(fn)
}

// OnUpdate registers fn to run whenever the stage was driven to a new
// distance, with the distance actually sent and its step position.
func (c *Controller) OnUpdate(fn func(distanceMeters float64, steps int16)) observer.Subscription {
	return c.onUpdate.Add(fn)
}

// SetTargetDistance stores the distance to accommodate to. Pass
// SmoothingDisabled, or any alpha outside [0, 1], to move straight to it.
func (c *Controller) SetTargetDistance(distanceMeters, smoothingAlpha float64) {
	if distanceMeters != c.target {
		c.logger.WithFields(logrus.Fields{
			"distance_m": distanceMeters,
			"alpha":      smoothingAlpha,
		}).Debug("Setting virtual distance")
	}
	c.target = distanceMeters
	c.alpha = smoothingAlpha
}

// TargetDistance returns the last requested distance, or a negative value if none.
func (c *Controller) TargetDistance() float64 {
	return c.target
}

// LastSentDistance returns the distance of the last acknowledged update, or a
// negative value if nothing was sent since the last reset.
func (c *Controller) LastSentDistance() float64 {
	return c.lastSent
}

// Reset forgets all distances and homes the motor if connected.
func (c *Controller) Reset() {
	c.clear()
	if c.motor.Connected() {
		if err := c.motor.Reset(); err != nil {
			c.logger.WithError(err).Debug("Reset not sent")
		}
	}
}

// HandleStateChange forgets all distances once the connection leaves Connected.
func (c *Controller) HandleStateChange(from, to connection.State) {
	if from == connection.StateConnected && to != connection.StateConnected {
		c.logger.WithField("state", to).Debug("Motor link down, clearing accommodation state")
		c.clear()
	}
}

// Tick advances the update timer and drives the motor when it expires.
func (c *Controller) Tick(elapsed time.Duration) {
	c.timeout -= elapsed
	if c.timeout > 0 {
		return
	}
	c.timeout = c.opts.UpdateInterval
	c.update()
}

// Close detaches the controller from the motor and connection.
func (c *Controller) Close() {
	for _, s := range c.subs {
		s.Cancel()
	}
	c.subs = nil
	c.onReady.Clear()
	c.onUpdate.Clear()
}

func (c *Controller) handleConnect() {
	c.Reset()
	c.onReady.Each(func(fn func()) { fn() })
}

func (c *Controller) clear() {
	c.lastSent = neverSent
	c.target = neverSent
	c.alpha = SmoothingDisabled
	c.timeout = c.opts.UpdateInterval
	c.epoch++
}

func (c *Controller) update() {
	if !c.motor.Connected() || c.target <= 0 {
		return
	}
	if c.lastSent > 0 && !ExceedsThreshold(c.target, c.lastSent, c.opts.ThresholdPercent) {
		return
	}

	distance := c.target
	if smoothingEnabled(c.alpha) {
		distance = SmoothDistance(c.target, c.lastSent, c.alpha)
	}
	steps := c.table.Steps(distance)

	entry := c.logger.WithFields(logrus.Fields{"steps": steps, "distance_m": distance})
	entry.Debug("Stepping motor for virtual distance")

	epoch := c.epoch
	err := c.motor.SetSteps(steps, func() {
		if epoch != c.epoch {
			return
		}
		c.lastSent = distance
		c.onUpdate.Each(func(fn func(float64, int16)) { fn(distance, steps) })
	})
	if err != nil {
		entry.WithError(err).Debug("Motor update not sent")
	}
}

func smoothingEnabled(alpha float64) bool {
	return alpha >= 0 && alpha <= 1
}

// Diopters converts a distance in meters to diopters.
func Diopters(meters float64) float64 {
	return 1 / meters
}

// PercentChange is the change from oldMeters to newMeters in percent of the old
// value, measured in diopters.
func PercentChange(newMeters, oldMeters float64) float64 {
	newD, oldD := Diopters(newMeters), Diopters(oldMeters)
	return 100 * math.Abs(newD-oldD) / oldD
}

// ExceedsThreshold reports whether the change from oldMeters to newMeters is at
// least thresholdPercent. Non-positive distances always exceed it.
func ExceedsThreshold(newMeters, oldMeters, thresholdPercent float64) bool {
	if newMeters <= 0 || oldMeters <= 0 {
		return true
	}
	return PercentChange(newMeters, oldMeters) >= thresholdPercent
}

// SmoothDistance blends targetMeters into lastMeters in diopter space:
// alpha*target + (1-alpha)*last. Non-positive inputs return targetMeters.
func SmoothDistance(targetMeters, lastMeters, alpha float64) float64 {
	if targetMeters <= 0 || lastMeters <= 0 {
		return targetMeters
	}
	smoothed := alpha*Diopters(targetMeters) + (1-alpha)*Diopters(lastMeters)
	return 1 / smoothed
}
