// Package script samples target distances from a Lua script.
//
// The script defines a global function
//
//	function distance(t)      -- t: seconds since the source started
//	  return 0.5 + 0.25 * math.sin(t), 0.5   -- meters, optional smoothing alpha
//	end
//
// print() output goes to the logger.
package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// FunctionName is the global the script must define.
const FunctionName = "distance"

// SmoothingDisabled is reported when the script returns no alpha.
const SmoothingDisabled = -1.0

// DistanceSetter receives samples.
type DistanceSetter interface {
	SetTargetDistance(distanceMeters, smoothingAlpha float64)
}

// Source owns one Lua state. Safe for concurrent use.
type Source struct {
	logger *logrus.Entry

	mu    sync.Mutex
	state *lua.State
}

// Load runs the script file at path.
func Load(path string, logger *logrus.Logger) (*Source, error) {
	s := newSource(logger)
	if err := s.state.DoFile(path); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load script %s: %w", path, err)
	}
	return s.checked()
}

// LoadString runs script source code.
func LoadString(code string, logger *logrus.Logger) (*Source, error) {
	s := newSource(logger)
	if err := s.state.DoString(code); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load script: %w", err)
	}
	return s.checked()
}

func newSource(logger *logrus.Logger) *Source {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Source{
		logger: logger.WithField("component", "script"),
		state:  lua.NewState(),
	}
	s.state.OpenLibs()
	s.registerPrint()
	return s
}

func (s *Source) checked() (*Source, error) {
	s.state.GetGlobal(FunctionName)
	ok := s.state.IsFunction(-1)
	s.state.Pop(1)
	if !ok {
		s.Close()
		return nil, fmt.Errorf("script does not define function %s(t)", FunctionName)
	}
	return s, nil
}

func (s *Source) registerPrint() {
	s.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			default:
				parts = append(parts, L.Typename(int(L.Type(i))))
			}
		}
		s.logger.Info(strings.Join(parts, "\t"))
		return 0
	})
	s.state.SetGlobal("print")
}

// Sample evaluates distance(t).
func (s *Source) Sample(t time.Duration) (distanceMeters, alpha float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return 0, 0, fmt.Errorf("script closed")
	}
	L := s.state
	defer L.SetTop(0)

	L.GetGlobal(FunctionName)
	L.PushNumber(t.Seconds())
	if err := L.Call(1, 2); err != nil {
		return 0, 0, fmt.Errorf("%s(%.3f) failed: %w", FunctionName, t.Seconds(), err)
	}

	if !L.IsNumber(-2) {
		return 0, 0, fmt.Errorf("%s(%.3f) returned %s, want a number", FunctionName, t.Seconds(), L.Typename(int(L.Type(-2))))
	}
	distanceMeters = L.ToNumber(-2)

	alpha = SmoothingDisabled
	if L.IsNumber(-1) {
		alpha = L.ToNumber(-1)
	}
	return distanceMeters, alpha, nil
}

// Run samples the script every interval and hands each sample to setter via
// post, which must schedule it on the setter's goroutine. Blocks until ctx is done.
func (s *Source) Run(ctx context.Context, interval time.Duration, post func(func()), setter DistanceSetter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			distance, alpha, err := s.Sample(now.Sub(start))
			if err != nil {
				s.logger.WithError(err).Warn("Script sample failed")
				continue
			}
			post(func() { setter.SetTargetDistance(distance, alpha) })
		}
	}
}

// Close releases the Lua state.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil {
		s.state.Close()
		s.state = nil
	}
}
