package calibration

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/observer"
)

// DefaultSessionDistances are the virtual distances visited by a session when none are configured.
var DefaultSessionDistances = []float64{1.5, 0.35, 0.25}

// DefaultSessionDelay is how long the session lets the display settle before calibrating.
const DefaultSessionDelay = 500 * time.Millisecond

// DistanceSetter is the accommodation surface a session drives.
type DistanceSetter interface {
	SetTargetDistance(distanceMeters, smoothingAlpha float64)
}

// Calibrator harvests one calibration profile at the current display distance.
// done must be delivered on the session's event loop.
type Calibrator interface {
	Calibrate(distanceMeters float64, name string, done func(error))
}

// Profile is a calibration captured at a given virtual distance.
type Profile struct {
	DistanceMeters float64
	Name           string
}

// Store holds harvested profiles keyed by name. Safe for concurrent use.
type Store struct {
	profiles *hashmap.Map[string, Profile]
}

// NewStore creates an empty profile store.
func NewStore() *Store {
	return &Store{profiles: hashmap.New[string, Profile]()}
}

// Add records p, replacing any profile with the same name.
func (s *Store) Add(p Profile) {
	s.profiles.Set(p.Name, p)
}

// Get returns the profile named name.
func (s *Store) Get(name string) (Profile, bool) {
	return s.profiles.Get(name)
}

// Len returns the number of stored profiles.
func (s *Store) Len() int {
	return s.profiles.Len()
}

// Profiles returns all profiles ordered by name.
func (s *Store) Profiles() []Profile {
	out := make([]Profile, 0, s.profiles.Len())
	s.profiles.Range(func(_ string, p Profile) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionSettling
	sessionCalibrating
	sessionDone
)

// Session visits a sequence of distances, calibrating once at each.
// All methods must be called from the owning event loop.
type Session struct {
	distances  []float64
	delay      time.Duration
	setter     DistanceSetter
	calibrator Calibrator
	store      *Store
	logger     *logrus.Entry

	state   sessionState
	idx     int
	timeout time.Duration

	onComplete *observer.List[func()]
}

// NewSession creates a session. Empty distances select DefaultSessionDistances.
func NewSession(distances []float64, delay time.Duration, setter DistanceSetter, calibrator Calibrator, store *Store, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if len(distances) == 0 {
		distances = DefaultSessionDistances
	}
	if store == nil {
		store = NewStore()
	}
	return &Session{
		distances:  append([]float64(nil), distances...),
		delay:      delay,
		setter:     setter,
		calibrator: calibrator,
		store:      store,
		logger:     logger.WithField("component", "calibration"),
		onComplete: observer.NewList[func()](),
	}
}

// OnComplete registers fn to run once every distance was calibrated.
func (s *Session) OnComplete(fn func()) observer.Subscription {
	return s.onComplete.Add(fn)
}

// Start begins (or restarts) the session from the first distance.
func (s *Session) Start() {
	s.idx = 0
	s.scheduleNext()
}

// Done reports whether every distance has been calibrated.
func (s *Session) Done() bool {
	return s.state == sessionDone
}

// Store returns the profile store the session fills.
func (s *Session) Store() *Store {
	return s.store
}

// Tick advances the settle countdown.
func (s *Session) Tick(elapsed time.Duration) {
	if s.state != sessionSettling {
		return
	}
	s.timeout -= elapsed
	if s.timeout > 0 {
		return
	}
	s.calibrateCurrent()
}

func (s *Session) scheduleNext() {
	distance := s.distances[s.idx]
	s.logger.WithField("distance_m", distance).Debug("Starting calibration for distance")
	s.setter.SetTargetDistance(distance, -1)
	s.state = sessionSettling
	s.timeout = s.delay
	if s.timeout <= 0 {
		s.calibrateCurrent()
	}
}

func (s *Session) calibrateCurrent() {
	s.state = sessionCalibrating
	idx := s.idx
	distance := s.distances[idx]
	name := ProfileName(idx)
	s.calibrator.Calibrate(distance, name, func(err error) {
		s.handleResult(idx, distance, name, err)
	})
}

func (s *Session) handleResult(idx int, distance float64, name string, err error) {
	if s.state != sessionCalibrating || idx != s.idx {
		return
	}

	entry := s.logger.WithFields(logrus.Fields{"distance_m": distance, "profile": name})
	if err != nil {
		// The eye tracker reports quality problems but the profile is still usable.
		entry.WithError(err).Warn("Calibration finished with error")
	} else {
		entry.Info("Calibration saved")
	}
	s.store.Add(Profile{DistanceMeters: distance, Name: name})

	s.idx++
	if s.idx < len(s.distances) {
		s.scheduleNext()
		return
	}

	s.state = sessionDone
	s.onComplete.Each(func(fn func()) { fn() })
}

// ProfileName names the profile captured at the idx-th session distance.
func ProfileName(idx int) string {
	return fmt.Sprintf("calibration_%d", idx)
}

// Selector keeps the active profile closest (in actuator steps) to the
// distance the display was last driven to.
type Selector struct {
	table    *Table
	store    *Store
	current  *Profile
	logger   *logrus.Entry
	onSelect *observer.List[func(Profile)]
}

// NewSelector creates a selector over store.
func NewSelector(table *Table, store *Store, logger *logrus.Logger) *Selector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Selector{
		table:    table,
		store:    store,
		logger:   logger.WithField("component", "calibration-selector"),
		onSelect: observer.NewList[func(Profile)](),
	}
}

// OnSelect registers fn to run whenever the active profile changes.
func (s *Selector) OnSelect(fn func(Profile)) observer.Subscription {
	return s.onSelect.Add(fn)
}

// Current returns the active profile, if any.
func (s *Selector) Current() (Profile, bool) {
	if s.current == nil {
		return Profile{}, false
	}
	return *s.current, true
}

// Update selects the profile closest to distanceMeters.
func (s *Selector) Update(distanceMeters float64) {
	best, ok := s.Closest(distanceMeters)
	if !ok {
		return
	}
	if s.current != nil && s.current.Name == best.Name {
		return
	}
	s.current = &best
	s.logger.WithFields(logrus.Fields{
		"distance_m":             distanceMeters,
		"calibration_distance_m": best.DistanceMeters,
		"profile":                best.Name,
	}).Debug("Loading eye calibration")
	s.onSelect.Each(func(fn func(Profile)) { fn(best) })
}

// Closest returns the stored profile with the smallest step distance to distanceMeters.
func (s *Selector) Closest(distanceMeters float64) (Profile, bool) {
	var best Profile
	found := false
	bestApart := math.Inf(1)
	target := s.table.Position(distanceMeters)
	for _, p := range s.store.Profiles() {
		apart := math.Abs(target - s.table.Position(p.DistanceMeters))
		if apart < bestApart {
			best, bestApart, found = p, apart, true
		}
	}
	return best, found
}
