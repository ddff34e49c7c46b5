// Package peripheral is the device side of the motor link: a single
// read/write/notify characteristic that accepts encoded commands, forwards
// them to the actuator and echoes the last written value.
package peripheral

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/pkg/protocol"
)

// Actuator executes decoded commands. Implementations live in pkg/actuator.
type Actuator interface {
	Submit(cmd protocol.Command) error
}

// CommandHandler holds the characteristic value. Safe for concurrent use;
// the GATT server calls it from its own goroutines.
type CommandHandler struct {
	actuator Actuator
	logger   *logrus.Entry

	// writeMu serializes forward, store and notify.
	writeMu sync.Mutex

	mu       sync.Mutex
	value    []byte
	notify   func([]byte)
	notifyID uint64
}

// NewCommandHandler creates a handler forwarding commands to actuator.
func NewCommandHandler(actuator Actuator, logger *logrus.Logger) *CommandHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &CommandHandler{
		actuator: actuator,
		logger:   logger.WithField("component", "peripheral"),
	}
}

// HandleWrite decodes and forwards one command, stores the payload as the
// current value and notifies the subscriber. Malformed payloads and unknown
// sentinels are rejected without changing the value.
func (h *CommandHandler) HandleWrite(data []byte) error {
	cmd, err := protocol.Decode(data)
	if err != nil {
		h.logger.WithError(err).Warn("Rejecting malformed write")
		return err
	}
	if err := cmd.Validate(); err != nil {
		h.logger.WithError(err).Warn("Rejecting write")
		return err
	}

	entry := h.logger.WithField("command", cmd)
	if cmd.IsSentinel() {
		entry.Info("Received motor control signal")
	} else {
		entry.Debug("Received motor position")
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.actuator.Submit(cmd); err != nil {
		entry.WithError(err).Error("Actuator did not accept command")
	}

	value := append([]byte(nil), data...)

	h.mu.Lock()
	h.value = value
	notify := h.notify
	h.mu.Unlock()

	if notify != nil {
		entry.Debug("Notifying subscriber")
		notify(append([]byte(nil), value...))
	}
	return nil
}

// HandleRead returns a copy of the last written payload, empty before any write.
func (h *CommandHandler) HandleRead() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte{}, h.value...)
}

// Subscribe installs fn as the notification callback, replacing any previous
// one. Missed notifications are not queued. The returned cancel function is
// idempotent and only clears fn if it is still installed.
func (h *CommandHandler) Subscribe(fn func([]byte)) (cancel func()) {
	h.mu.Lock()
	h.notifyID++
	id := h.notifyID
	h.notify = fn
	h.mu.Unlock()

	h.logger.Debug("Subscriber registered")
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.notifyID == id && h.notify != nil {
			h.notify = nil
			h.logger.Debug("Subscriber removed")
		}
	}
}

// Unsubscribe clears the notification callback.
func (h *CommandHandler) Unsubscribe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notify = nil
}
