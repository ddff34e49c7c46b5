package actuator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/pkg/protocol"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// outputTailSize is how many driver output lines are kept for error reports.
	outputTailSize = 32

	exitGracePeriod = 2 * time.Second
)

// ProcessBridge runs the motor driver as a child process attached to a raw
// PTY, so the driver line-buffers its output and sees our writes verbatim.
type ProcessBridge struct {
	cmd    *exec.Cmd
	master *os.File
	lines  *LineBridge
	logger *logrus.Entry

	tail mpmc.RichOverlappedRingBuffer[string]

	done    chan struct{}
	waitErr error
	once    sync.Once
}

// StartProcess starts name with args and returns a bridge feeding its terminal.
// The process is killed when ctx is canceled.
func StartProcess(ctx context.Context, name string, args []string, logger *logrus.Logger) (*ProcessBridge, error) {
	if logger == nil {
		logger = logrus.New()
	}

	master, slave, err := openRawPTY()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to start motor driver %q: %w", name, err)
	}
	// The child holds its own copy.
	_ = slave.Close()

	entry := logger.WithFields(logrus.Fields{
		"component": "actuator",
		"driver":    name,
		"pid":       cmd.Process.Pid,
	})
	entry.Info("Motor driver started")

	b := &ProcessBridge{
		cmd:    cmd,
		master: master,
		lines:  NewLineBridge(master, logger),
		logger: entry,
		tail:   mpmc.NewOverlappedRingBuffer[string](outputTailSize),
		done:   make(chan struct{}),
	}

	go b.readOutput()
	go func() {
		b.waitErr = cmd.Wait()
		entry.WithError(b.waitErr).Info("Motor driver exited")
		close(b.done)
	}()

	return b, nil
}

// openRawPTY creates a PTY pair with the slave in raw mode.
func openRawPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err)
	}
	return master, slave, nil
}

func (b *ProcessBridge) readOutput() {
	scanner := bufio.NewScanner(b.master)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		b.logger.WithField("output", line).Debug("Motor driver output")
		if _, err := b.tail.EnqueueM(line); err != nil {
			b.logger.WithError(err).Debug("Failed to record driver output")
		}
	}
}

// Submit writes cmd to the driver's terminal.
func (b *ProcessBridge) Submit(cmd protocol.Command) error {
	select {
	case <-b.done:
		return fmt.Errorf("%w: %v%s", ErrProcessExited, b.waitErr, b.formatTail())
	default:
	}
	return b.lines.Submit(cmd)
}

// Done is closed once the driver process exited.
func (b *ProcessBridge) Done() <-chan struct{} {
	return b.done
}

// Close hangs up the driver's terminal and waits for it to exit, killing it
// after a grace period.
func (b *ProcessBridge) Close() error {
	var err error
	b.once.Do(func() {
		_ = b.lines.Close()

		select {
		case <-b.done:
		case <-time.After(exitGracePeriod):
			b.logger.Warn("Motor driver did not exit, killing it")
			// The driver leads its own session; take its children down with it.
			if err := unix.Kill(-b.cmd.Process.Pid, unix.SIGKILL); err != nil {
				_ = b.cmd.Process.Kill()
			}
			<-b.done
		}

		var exitErr *exec.ExitError
		if b.waitErr != nil && !errors.As(b.waitErr, &exitErr) {
			err = b.waitErr
		}
	})
	return err
}

// Output drains the most recent driver output lines.
func (b *ProcessBridge) Output() []string {
	var out []string
	for !b.tail.IsEmpty() {
		line, err := b.tail.Dequeue()
		if err != nil {
			break
		}
		out = append(out, line)
	}
	return out
}

func (b *ProcessBridge) formatTail() string {
	lines := b.Output()
	if len(lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(lines, "\n")
}
