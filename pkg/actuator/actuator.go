// Package actuator bridges decoded motor commands to the process that drives
// the motor. Every bridge serializes a command as one decimal integer line.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/pkg/protocol"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("actuator bridge closed")

	// ErrProcessExited is returned by Submit once the driver process is gone.
	ErrProcessExited = errors.New("actuator process exited")

	// ErrBacklogFull is returned when the driver does not keep up with commands.
	ErrBacklogFull = errors.New("actuator backlog full")
)

// Bridge delivers commands to a motor driver.
type Bridge interface {
	Submit(cmd protocol.Command) error
	Close() error
}

// Options selects and configures a bridge. Command wins over SerialPort; with
// neither set, commands are written to stdout.
type Options struct {
	Command    []string
	SerialPort string
	BaudRate   uint
}

// Open creates the bridge described by opts.
func Open(ctx context.Context, opts Options, logger *logrus.Logger) (Bridge, error) {
	switch {
	case len(opts.Command) > 0:
		return StartProcess(ctx, opts.Command[0], opts.Command[1:], logger)
	case opts.SerialPort != "":
		return OpenSerial(opts.SerialPort, opts.BaudRate, logger)
	default:
		return NewLineBridge(nopCloser{os.Stdout}, logger), nil
	}
}

// LineBridge writes command lines to a writer.
type LineBridge struct {
	logger *logrus.Entry

	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// NewLineBridge creates a bridge writing to w. Close closes w.
func NewLineBridge(w io.WriteCloser, logger *logrus.Logger) *LineBridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &LineBridge{
		w:      w,
		logger: logger.WithField("component", "actuator"),
	}
}

func (b *LineBridge) Submit(cmd protocol.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.logger.WithField("command", cmd).Debug("Sending command to motor driver")
	if _, err := io.WriteString(b.w, cmd.Line()+"\n"); err != nil {
		return fmt.Errorf("failed to write command %s: %w", cmd, err)
	}
	return nil
}

func (b *LineBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.w.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
