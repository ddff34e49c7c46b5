// Package telemetry mirrors focus state to an MQTT broker and accepts target
// distances from it.
//
// Topics, below a configurable prefix:
//
//	<prefix>/state          retained connection state
//	<prefix>/accommodation  every distance the stage was driven to
//	<prefix>/target         inbound target distances
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTopicPrefix = "focusd"

	publishTimeout = 5 * time.Second
)

// ErrDisabled is returned by NewClient when no broker is configured.
var ErrDisabled = errors.New("mqtt telemetry disabled")

// Options configures the broker connection.
type Options struct {
	// Broker is a URL such as tcp://localhost:1883. Empty disables telemetry.
	Broker      string
	ClientID    string
	TopicPrefix string
}

// StateEvent is published on every connection state change.
type StateEvent struct {
	State     string    `json:"state"`
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AccommodationEvent is published whenever the stage was driven.
type AccommodationEvent struct {
	DistanceMeters float64   `json:"distance_m"`
	Steps          int16     `json:"steps"`
	Timestamp      time.Time `json:"timestamp"`
}

// Target is an inbound target distance request.
type Target struct {
	DistanceMeters float64
	Alpha          float64
}

type targetPayload struct {
	DistanceMeters *float64 `json:"distance_m"`
	Alpha          *float64 `json:"alpha,omitempty"`
}

// DecodeTarget parses a target payload. A missing alpha disables smoothing.
func DecodeTarget(payload []byte) (Target, error) {
	var p targetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Target{}, fmt.Errorf("invalid target payload: %w", err)
	}
	if p.DistanceMeters == nil {
		return Target{}, errors.New("invalid target payload: distance_m is required")
	}

	t := Target{DistanceMeters: *p.DistanceMeters, Alpha: -1}
	if p.Alpha != nil {
		t.Alpha = *p.Alpha
	}
	return t, nil
}

// Client publishes focus telemetry. Publishing never blocks the caller.
type Client struct {
	client mqtt.Client
	opts   Options
	logger *logrus.Entry

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient configures a client with automatic reconnects. Returns ErrDisabled
// if opts.Broker is empty.
func NewClient(opts Options, logger *logrus.Logger) (*Client, error) {
	if opts.Broker == "" {
		return nil, ErrDisabled
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{
		opts:   opts,
		logger: logger.WithFields(logrus.Fields{"component": "telemetry", "broker": opts.Broker}),
		stopCh: make(chan struct{}),
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.Broker)
	mo.SetClientID(opts.ClientID)
	mo.SetCleanSession(true)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectRetryInterval(5 * time.Second)
	mo.SetMaxReconnectInterval(60 * time.Second)
	mo.SetKeepAlive(30 * time.Second)
	mo.SetPingTimeout(10 * time.Second)

	mo.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		c.logger.Info("MQTT connected")
	})
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.WithError(err).Warn("MQTT connection lost")
	})

	c.client = mqtt.NewClient(mo)
	return c, nil
}

func newClientWith(client mqtt.Client, opts Options, logger *logrus.Logger) *Client {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		client:    client,
		opts:      opts,
		logger:    logger.WithField("component", "telemetry"),
		connected: true,
		stopCh:    make(chan struct{}),
	}
}

// Connect waits for the initial broker connection, respecting ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return errors.New("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return errors.New("client stopped")
		default:
		}
	}
}

// Topic returns the full topic name for suffix.
func (c *Client) Topic(suffix string) string {
	return c.opts.TopicPrefix + "/" + suffix
}

// PublishState publishes a retained connection state.
func (c *Client) PublishState(state, device string) {
	c.publish(c.Topic("state"), true, StateEvent{
		State:     state,
		Device:    device,
		Timestamp: time.Now(),
	})
}

// PublishAccommodation publishes a stage update.
func (c *Client) PublishAccommodation(distanceMeters float64, steps int16) {
	c.publish(c.Topic("accommodation"), false, AccommodationEvent{
		DistanceMeters: distanceMeters,
		Steps:          steps,
		Timestamp:      time.Now(),
	})
}

// SubscribeTargets delivers inbound target requests to handler, on the MQTT
// client's goroutine. Malformed payloads are logged and dropped.
func (c *Client) SubscribeTargets(handler func(Target)) error {
	topic := c.Topic("target")
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		target, err := DecodeTarget(msg.Payload())
		if err != nil {
			c.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Dropping target")
			return
		}
		handler(target)
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.logger.WithField("topic", topic).Info("Listening for target distances")
	return nil
}

func (c *Client) publish(topic string, retained bool, v any) {
	if !c.IsConnected() {
		c.logger.WithField("topic", topic).Debug("MQTT not connected, skipping publish")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal telemetry")
		return
	}

	token := c.client.Publish(topic, 1, retained, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			c.logger.WithField("topic", topic).Warn("Publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			c.logger.WithError(err).WithField("topic", topic).Error("Failed to publish telemetry")
			return
		}
		c.logger.WithField("topic", topic).Debug("Published telemetry")
	}()
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. Idempotent.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.client != nil {
		c.client.Disconnect(250)
	}
	c.setConnected(false)
	c.logger.Info("MQTT disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
