// Package eventloop runs the single control goroutine that owns the connection
// state machine, the accommodation controller and their collaborators.
//
// Work reaches the loop in two ways: closures posted to its inbox (radio
// callbacks, distance samples) and a fixed-cadence tick that advances every
// registered Ticker by the elapsed wall-clock time.
package eventloop

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTickInterval is how often registered tickers are advanced.
	DefaultTickInterval = 10 * time.Millisecond

	// DefaultInboxSize bounds the number of pending posted closures.
	DefaultInboxSize = 256
)

// ErrStopped is returned by Post once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Ticker is advanced on every loop tick with the wall-clock time since the previous tick.
type Ticker interface {
	Tick(elapsed time.Duration)
}

// TickerFunc adapts a function to the Ticker interface.
type TickerFunc func(elapsed time.Duration)

func (f TickerFunc) Tick(elapsed time.Duration) { f(elapsed) }

// Loop is a cooperative single-threaded executor.
type Loop struct {
	inbox    chan func()
	done     chan struct{}
	interval time.Duration
	tickers  []Ticker
	logger   *logrus.Entry
	running  atomic.Bool
	now      func() time.Time
}

// New creates a loop. A non-positive interval selects DefaultTickInterval.
func New(interval time.Duration, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Loop{
		inbox:    make(chan func(), DefaultInboxSize),
		done:     make(chan struct{}),
		interval: interval,
		logger:   logger.WithField("component", "eventloop"),
		now:      time.Now,
	}
}

// AddTicker registers t. Must be called before Run.
func (l *Loop) AddTicker(t Ticker) {
	l.tickers = append(l.tickers, t)
}

// Post schedules fn on the loop goroutine. Safe for concurrent use.
// Blocks while the inbox is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	select {
	case l.inbox <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Dispatcher returns a fire-and-forget posting function for callback producers.
// Posts after shutdown are dropped with a debug log.
func (l *Loop) Dispatcher() func(func()) {
	return func(fn func()) {
		if err := l.Post(fn); err != nil {
			l.logger.WithError(err).Debug("Dropping callback")
		}
	}
}

// Run executes posted closures and ticks until ctx is canceled.
// Run may be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.done)

	var err error
	pprof.Do(ctx, pprof.Labels("goroutine_name", "eventloop"), func(ctx context.Context) {
		err = l.run(ctx)
	})
	return err
}

func (l *Loop) run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.WithField("interval", l.interval).Debug("Event loop started")
	last := l.now()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopped")
			return ctx.Err()
		case fn := <-l.inbox:
			l.execute(fn)
		case <-ticker.C:
			now := l.now()
			elapsed := now.Sub(last)
			last = now
			for _, t := range l.tickers {
				t.Tick(elapsed)
			}
		}
	}
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Posted callback panicked")
		}
	}()
	fn()
}

// Go starts fn in a goroutine labeled with name for profiles and traces.
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels("goroutine_name", name), fn)
}
