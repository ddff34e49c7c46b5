// Package motor is the command surface of the focus stage motor: absolute
// step positions plus the reset/engage/disengage sentinels, sent over the
// active peripheral connection.
package motor

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/observer"
	"github.com/srg/focusd/pkg/protocol"
)

// Link is the connection the motor commands travel over.
// *connection.Manager satisfies it.
type Link interface {
	IsConnected() bool
	Send(data []byte, onDone func(error)) error
	OnConnect(fn func()) observer.Subscription
	BeforeDisconnect(fn func()) observer.Subscription
}

// Controller sends motor commands and keeps the motor disengaged while the
// host is paused or disconnecting.
type Controller struct {
	link   Link
	logger *logrus.Entry

	onConnect *observer.List[func()]
	subs      []observer.Subscription
}

// NewController wires a controller to link.
func NewController(link Link, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}

	c := &Controller{
		link:      link,
		logger:    logger.WithField("component", "motor"),
		onConnect: observer.NewList[func()](),
	}

	c.subs = append(c.subs,
		link.OnConnect(func() {
			c.onConnect.Each(func(fn func()) { fn() })
		}),
		link.BeforeDisconnect(func() {
			c.logger.Debug("Disconnecting. Disengaging motor.")
			_ = c.Disengage()
		}),
	)
	return c
}

// OnConnect registers fn to run once the motor link is established.
func (c *Controller) OnConnect(fn func()) observer.Subscription {
	return c.onConnect.Add(fn)
}

// Connected reports whether commands can currently be delivered.
func (c *Controller) Connected() bool {
	return c.link.IsConnected()
}

// SetSteps moves the motor to an absolute position. onSuccess (may be nil)
// runs once the write was acknowledged by the radio.
func (c *Controller) SetSteps(steps int16, onSuccess func()) error {
	return c.Send(protocol.Command(steps), onSuccess)
}

// Reset homes the motor.
func (c *Controller) Reset() error {
	return c.Send(protocol.Reset, nil)
}

// Engage energizes the motor coils.
func (c *Controller) Engage() error {
	return c.Send(protocol.Engage, nil)
}

// Disengage releases the motor coils.
func (c *Controller) Disengage() error {
	return c.Send(protocol.Disengage, nil)
}

// Noise nudges the motor forward and back.
func (c *Controller) Noise() error {
	return c.Send(protocol.Noise, nil)
}

// Send encodes cmd and writes it to the link.
func (c *Controller) Send(cmd protocol.Command, onSuccess func()) error {
	entry := c.logger.WithField("command", cmd)
	entry.Debug("Sending motor command")

	return c.link.Send(protocol.Encode(cmd), func(err error) {
		if err != nil {
			entry.WithError(err).Debug("Motor command not delivered")
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	})
}

// SetPaused disengages the motor while the host application is paused and
// re-engages it on resume. Does nothing while disconnected.
func (c *Controller) SetPaused(paused bool) {
	if !c.Connected() {
		return
	}

	if paused {
		c.logger.Debug("Application paused. Disengaging motor.")
		// Sent twice; the peripheral treats a repeated disengage as a no-op.
		_ = c.Disengage()
		_ = c.Disengage()
		return
	}

	c.logger.Debug("Application resumed. Re-engaging motor.")
	_ = c.Engage()
}

// Close detaches the controller from its link.
func (c *Controller) Close() {
	for _, s := range c.subs {
		s.Cancel()
	}
	c.subs = nil
	c.onConnect.Clear()
}
