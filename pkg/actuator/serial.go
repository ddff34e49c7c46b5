package actuator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/focusd/pkg/protocol"
)

const (
	DefaultBaudRate = 115200

	serialBacklogSize = 1024
)

// SerialBridge writes command lines to a microcontroller-hosted motor driver.
// Submit never blocks on the port: lines are queued and flushed by a writer
// goroutine.
type SerialBridge struct {
	port   io.ReadWriteCloser
	logger *logrus.Entry

	mu      sync.Mutex
	backlog *ringbuffer.RingBuffer
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// OpenSerial opens portName at baud (8N1). A zero baud selects DefaultBaudRate.
func OpenSerial(portName string, baud uint, logger *logrus.Logger) (*SerialBridge, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(serial.OpenOptions{
		PortName:        portName,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	b := newSerialBridge(port, logger)
	b.logger.WithFields(logrus.Fields{"port": portName, "baud": baud}).Info("Serial motor driver attached")
	return b, nil
}

func newSerialBridge(port io.ReadWriteCloser, logger *logrus.Logger) *SerialBridge {
	if logger == nil {
		logger = logrus.New()
	}

	b := &SerialBridge{
		port:    port,
		logger:  logger.WithField("component", "actuator"),
		backlog: ringbuffer.New(serialBacklogSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go b.writeLoop()
	go b.readLoop()
	return b
}

// Submit queues cmd for the port. Whole lines only: a line that does not fit
// is rejected with ErrBacklogFull.
func (b *SerialBridge) Submit(cmd protocol.Command) error {
	line := []byte(cmd.Line() + "\n")

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.backlog.Capacity()-b.backlog.Length() < len(line) {
		b.mu.Unlock()
		return fmt.Errorf("%w: dropping %s", ErrBacklogFull, cmd)
	}
	_, err := b.backlog.Write(line)
	b.mu.Unlock()

	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return fmt.Errorf("failed to queue command %s: %w", cmd, err)
	}

	b.logger.WithField("command", cmd).Debug("Queued command for motor driver")
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *SerialBridge) writeLoop() {
	defer close(b.done)

	buf := make([]byte, serialBacklogSize)
	for {
		select {
		case <-b.stop:
			b.flush(buf)
			return
		case <-b.wake:
			b.flush(buf)
		}
	}
}

func (b *SerialBridge) flush(buf []byte) {
	for {
		b.mu.Lock()
		n, err := b.backlog.TryRead(buf)
		b.mu.Unlock()

		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			return
		}
		if _, err := b.port.Write(buf[:n]); err != nil {
			b.logger.WithError(err).Error("Failed to write to serial motor driver")
			return
		}
	}
}

func (b *SerialBridge) readLoop() {
	scanner := bufio.NewScanner(b.port)
	for scanner.Scan() {
		b.logger.WithField("output", scanner.Text()).Debug("Motor driver output")
	}
}

// Close flushes queued commands and closes the port.
func (b *SerialBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	return b.port.Close()
}
