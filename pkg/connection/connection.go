// Package connection discovers, connects to and recovers a single wireless
// peripheral identified by its advertised name and service/characteristic UUIDs.
//
// Manager is a timer-driven state machine. It never blocks: every radio
// operation completes through a callback, and pending transitions are
// countdowns advanced by Tick. All methods and all radio callbacks must run on
// the same goroutine (see internal/eventloop).
package connection

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/device"
	"github.com/srg/focusd/internal/observer"
)

// State is the connection state of the Manager.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Options configures Manager timing.
type Options struct {
	// RetryTimeout is how long a connect attempt may take before it is re-issued.
	RetryTimeout time.Duration
	// ScanDelay separates hardware initialization from the first scan.
	ScanDelay time.Duration
	// SettleDelay lets the link settle between a scan match and the connect request.
	SettleDelay time.Duration
}

// DefaultOptions returns the stock timings.
func DefaultOptions() *Options {
	return &Options{
		RetryTimeout: 10 * time.Second,
		ScanDelay:    100 * time.Millisecond,
		SettleDelay:  500 * time.Millisecond,
	}
}

// Manager owns the connection to one peripheral.
type Manager struct {
	radio  device.Radio
	opts   Options
	logger *logrus.Entry

	identity   *Identity
	state      State
	timeout    time.Duration
	address    string
	foundWrite bool
	foundRead  bool
	attempts   int

	// generation invalidates callbacks issued on behalf of a superseded identity.
	generation   uint64
	continuation func()

	onConnect        *observer.List[func()]
	beforeDisconnect *observer.List[func()]
	onStateChange    *observer.List[func(from, to State)]
	onInitError      *observer.List[func(error)]
}

// NewManager creates an idle Manager. Nil opts select DefaultOptions.
func NewManager(radio device.Radio, opts *Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	return &Manager{
		radio:            radio,
		opts:             *opts,
		logger:           logger.WithField("component", "connection"),
		onConnect:        observer.NewList[func()](),
		beforeDisconnect: observer.NewList[func()](),
		onStateChange:    observer.NewList[func(from, to State)](),
		onInitError:      observer.NewList[func(error)](),
	}
}

// OnConnect registers fn to run once the write and read characteristics were found.
func (m *Manager) OnConnect(fn func()) observer.Subscription {
	return m.onConnect.Add(fn)
}

// BeforeDisconnect registers fn to run while still connected, right before an
// explicit teardown. Subscribers may still Send.
func (m *Manager) BeforeDisconnect(fn func()) observer.Subscription {
	return m.beforeDisconnect.Add(fn)
}

// OnStateChange registers fn to run on every state transition.
func (m *Manager) OnStateChange(fn func(from, to State)) observer.Subscription {
	return m.onStateChange.Add(fn)
}

// OnInitError registers fn to receive *device.HardwareInitError failures.
func (m *Manager) OnInitError(fn func(error)) observer.Subscription {
	return m.onInitError.Add(fn)
}

// Connect starts connecting to identity. Connecting to the identity that is
// already active is a no-op; any other identity first tears the current
// connection down completely. An identity being torn down is not active, so
// connecting to it again reconnects once the teardown completes.
func (m *Manager) Connect(identity Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	if m.state != StateDisconnecting && m.identity != nil && m.identity.Equal(identity) {
		m.logger.WithField("peripheral", identity.String()).Warn("Already connected to this peripheral")
		return nil
	}

	m.reset(func() { m.start(identity) })
	return nil
}

// Disconnect tears down the current connection, if any.
func (m *Manager) Disconnect() {
	m.reset(nil)
}

// Close disconnects and drops every subscriber.
func (m *Manager) Close() {
	m.Disconnect()
	m.onConnect.Clear()
	m.beforeDisconnect.Clear()
	m.onStateChange.Clear()
	m.onInitError.Clear()
}

// IsConnected reports whether commands can be sent.
func (m *Manager) IsConnected() bool {
	return m.state == StateConnected
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Identity returns the active identity.
func (m *Manager) Identity() (Identity, bool) {
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// Address returns the address of the matched peripheral, empty before a scan match.
func (m *Manager) Address() string {
	return m.address
}

// Retries returns how many times the current connect attempt was re-issued after a timeout.
func (m *Manager) Retries() int {
	if m.attempts <= 1 {
		return 0
	}
	return m.attempts - 1
}

// Send writes data to the write characteristic. Delivery is best effort and
// reported through onDone (which may be nil). Data sent while not connected is
// dropped, not queued.
func (m *Manager) Send(data []byte, onDone func(error)) error {
	if !m.IsConnected() {
		m.logger.Warn("Not yet connected to peripheral. Dropping data.")
		return device.ErrNotConnected
	}

	m.logger.WithField("bytes", len(data)).Debug("Writing to peripheral")
	m.radio.WriteCharacteristic(m.address, m.identity.ServiceID, m.identity.WriteCharacteristicID, data, func(err error) {
		if err != nil {
			m.logger.WithError(err).Debug("Write to peripheral failed")
		}
		if onDone != nil {
			onDone(err)
		}
	})
	return nil
}

// Tick advances the pending transition countdown and runs the state's action
// when it expires.
func (m *Manager) Tick(elapsed time.Duration) {
	if m.timeout <= 0 {
		return
	}
	m.timeout -= elapsed
	if m.timeout > 0 {
		return
	}
	m.timeout = 0

	switch m.state {
	case StateScanning:
		m.scan()
	case StateConnecting:
		m.connectPeripheral()
	}
}

func (m *Manager) start(identity Identity) {
	m.identity = &identity
	gen := m.generation

	m.logger.WithField("peripheral", identity.String()).Info("Connecting to peripheral")
	m.radio.Init(func() {
		if gen != m.generation {
			return
		}
		m.logger.Debug("Initialized bluetooth hardware interface")
		m.schedule(StateScanning, m.opts.ScanDelay)
	}, func(err error) {
		if gen != m.generation {
			return
		}
		initErr := &device.HardwareInitError{Err: err}
		m.logger.WithError(err).Error("Error initializing bluetooth hardware interface")
		m.clearState()
		m.onInitError.Each(func(fn func(error)) { fn(initErr) })
	})
}

// scan looks for advertisements of the identity's service, stopping once the
// target peripheral is found.
func (m *Manager) scan() {
	gen := m.generation
	m.logger.Debug("Scanning for peripherals...")

	m.radio.Scan([]string{m.identity.ServiceID},
		func(address, name string) {
			m.handleAdvertisement(gen, address, name)
		},
		func(address, name string, rssi int, data []byte) {
			m.logger.WithFields(logrus.Fields{
				"address": address,
				"rssi":    rssi,
				"bytes":   len(data),
			}).Debug("Advertisement with manufacturer data")
			m.handleAdvertisement(gen, address, name)
		})
}

func (m *Manager) handleAdvertisement(gen uint64, address, name string) {
	if gen != m.generation || m.state != StateScanning {
		return
	}

	m.logger.WithFields(logrus.Fields{"address": address, "name": name}).Debug("Found peripheral")
	if !m.identity.MatchesName(name) {
		return
	}

	m.logger.WithField("address", address).Debug("Peripheral matches target device name")
	m.radio.StopScan()
	m.address = address
	m.schedule(StateConnecting, m.opts.SettleDelay)
}

func (m *Manager) connectPeripheral() {
	m.foundWrite = false
	m.foundRead = false
	m.attempts++

	entry := m.logger.WithField("address", m.address)
	if m.attempts > 1 {
		entry = entry.WithField("retry", m.attempts-1)
	}
	entry.Debug("Connecting to peripheral")

	// Try again later unless the enumeration completes first.
	m.schedule(StateConnecting, m.opts.RetryTimeout)

	gen, attempt := m.generation, m.attempts
	m.radio.ConnectAndEnumerate(m.address,
		func(address, serviceID, charID string) {
			m.handleCharacteristic(gen, attempt, address, serviceID, charID)
		},
		func(address string) {
			m.handleLinkLost(gen, address)
		})
}

func (m *Manager) handleCharacteristic(gen uint64, attempt int, address, serviceID, charID string) {
	if gen != m.generation || attempt != m.attempts {
		return
	}
	if m.state == StateConnected {
		m.logger.Warn("Already connected to peripheral!")
		return
	}
	if m.state != StateConnecting {
		return
	}

	entry := m.logger.WithFields(logrus.Fields{
		"address":        address,
		"service":        serviceID,
		"characteristic": charID,
	})
	entry.Debug("Found peripheral service and characteristic")

	if !device.EqualUUID(serviceID, m.identity.ServiceID) {
		return
	}

	// A single characteristic may satisfy both roles.
	matchesWrite := device.EqualUUID(charID, m.identity.WriteCharacteristicID)
	matchesRead := device.EqualUUID(charID, m.identity.ReadCharacteristicID)
	m.foundWrite = m.foundWrite || matchesWrite
	m.foundRead = m.foundRead || matchesRead

	if matchesWrite {
		entry.Debug("Characteristic matches write characteristic UUID")
	}
	if matchesRead {
		entry.Debug("Characteristic matches read characteristic UUID")
	}

	if m.foundWrite && m.foundRead {
		m.logger.WithField("address", m.address).Info("Found target read and write characteristics. Connection complete.")
		m.transition(StateConnected)
		m.onConnect.Each(func(fn func()) { fn() })
	}
}

func (m *Manager) handleLinkLost(gen uint64, address string) {
	if gen != m.generation || m.state != StateConnected {
		return
	}

	m.logger.WithField("address", address).Warn("Link to peripheral lost, reconnecting")
	m.attempts = 0
	m.schedule(StateConnecting, m.opts.SettleDelay)
}

// reset tears everything down and then runs after. A teardown already in
// flight adopts after as its continuation.
func (m *Manager) reset(after func()) {
	if m.state == StateDisconnecting {
		m.continuation = after
		return
	}

	if m.identity == nil {
		m.clearState()
		if after != nil {
			after()
		}
		return
	}

	m.continuation = after
	wasConnected := m.state == StateConnected
	wasScanning := m.state == StateScanning
	if wasConnected {
		m.beforeDisconnect.Each(func(fn func()) { fn() })
	}

	m.generation++
	address := m.address
	m.transition(StateDisconnecting)

	if wasScanning {
		m.radio.StopScan()
	}

	if wasConnected {
		m.logger.WithField("address", address).Debug("Disconnecting from peripheral")
		m.radio.Disconnect(address, func(string) { m.deinit() })
		return
	}
	m.deinit()
}

func (m *Manager) deinit() {
	m.logger.Debug("De-initializing bluetooth hardware interface")
	m.radio.Deinit(func() {
		m.clearState()
		next := m.continuation
		m.continuation = nil
		if next != nil {
			next()
		}
	})
}

func (m *Manager) clearState() {
	m.identity = nil
	m.address = ""
	m.timeout = 0
	m.foundWrite = false
	m.foundRead = false
	m.attempts = 0
	m.generation++
	m.transition(StateIdle)
}

// schedule enters state and arms the countdown after which its action runs.
func (m *Manager) schedule(state State, delay time.Duration) {
	if delay <= 0 {
		delay = time.Nanosecond
	}
	m.logger.WithFields(logrus.Fields{"state": state, "in": delay}).Debug("Setting state")
	m.setState(state)
	m.timeout = delay
}

// transition enters a state that has no timed action.
func (m *Manager) transition(state State) {
	m.setState(state)
	m.timeout = 0
}

func (m *Manager) setState(state State) {
	from := m.state
	m.state = state
	if from != state {
		m.onStateChange.Each(func(fn func(from, to State)) { fn(from, state) })
	}
}
