package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/focusd/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type connectCall struct {
	address string
	onFound device.CharacteristicHandler
	onLost  func(string)
}

type writeCall struct {
	address, serviceID, charID string
	data                       []byte
	onDone                     func(error)
}

// scriptedRadio records every request and lets the test fire callbacks by hand.
type scriptedRadio struct {
	log []string

	onReady func()
	onError func(error)

	deinitDone     func()
	disconnectDone func(string)

	scanServices     [][]string
	onName           device.NameHandler
	onManufacturer   device.ManufacturerHandler
	connects         []connectCall
	writes           []writeCall
	disconnectedAddr []string
}

func (r *scriptedRadio) Init(onReady func(), onError func(error)) {
	r.log = append(r.log, "init")
	r.onReady, r.onError = onReady, onError
}

func (r *scriptedRadio) Deinit(onDone func()) {
	r.log = append(r.log, "deinit")
	r.deinitDone = onDone
}

func (r *scriptedRadio) Scan(serviceIDs []string, onName device.NameHandler, onManufacturer device.ManufacturerHandler) {
	r.log = append(r.log, "scan")
	r.scanServices = append(r.scanServices, serviceIDs)
	r.onName, r.onManufacturer = onName, onManufacturer
}

func (r *scriptedRadio) StopScan() {
	r.log = append(r.log, "stop-scan")
}

func (r *scriptedRadio) ConnectAndEnumerate(address string, onFound device.CharacteristicHandler, onLost func(string)) {
	r.log = append(r.log, "connect")
	r.connects = append(r.connects, connectCall{address: address, onFound: onFound, onLost: onLost})
}

func (r *scriptedRadio) Disconnect(address string, onDone func(string)) {
	r.log = append(r.log, "disconnect")
	r.disconnectedAddr = append(r.disconnectedAddr, address)
	r.disconnectDone = onDone
}

func (r *scriptedRadio) WriteCharacteristic(address, serviceID, charID string, data []byte, onDone func(error)) {
	r.log = append(r.log, "write")
	r.writes = append(r.writes, writeCall{address: address, serviceID: serviceID, charID: charID, data: data, onDone: onDone})
}

func (r *scriptedRadio) lastConnect() connectCall {
	return r.connects[len(r.connects)-1]
}

func (r *scriptedRadio) completeDisconnect() {
	done := r.disconnectDone
	r.disconnectDone = nil
	done("")
}

func (r *scriptedRadio) completeDeinit() {
	done := r.deinitDone
	r.deinitDone = nil
	done()
}

const peripheralAddr = "B8:27:EB:00:00:01"

var raspberryPi = Identity{
	DeviceName:            "raspberrypi",
	ServiceID:             "ec00",
	WriteCharacteristicID: "ec0e",
	ReadCharacteristicID:  "ec0e",
}

type ManagerTestSuite struct {
	suite.Suite

	radio   *scriptedRadio
	manager *Manager

	connected   int
	transitions []State
}

func (s *ManagerTestSuite) SetupTest() {
	s.radio = &scriptedRadio{}
	s.manager = NewManager(s.radio, nil, nil)
	s.connected = 0
	s.transitions = nil

	s.manager.OnConnect(func() { s.connected++ })
	s.manager.OnStateChange(func(_, to State) { s.transitions = append(s.transitions, to) })
}

// scanToConnecting drives a fresh manager up to an issued connect request.
func (s *ManagerTestSuite) scanToConnecting(identity Identity) {
	s.Require().NoError(s.manager.Connect(identity))
	s.Require().NotNil(s.radio.onReady)
	s.radio.onReady()
	s.Require().Equal(StateScanning, s.manager.State())

	s.manager.Tick(100 * time.Millisecond)
	s.Require().Len(s.radio.scanServices, 1)

	s.radio.onName(peripheralAddr, "RaspberryPi-01")
	s.Require().Equal(StateConnecting, s.manager.State())

	s.manager.Tick(500 * time.Millisecond)
	s.Require().Len(s.radio.connects, 1)
}

func (s *ManagerTestSuite) TestEndToEnd_SingleCharacteristicSatisfiesBothRoles() {
	// GOAL: a peripheral advertising "raspberrypi-01" with one ec0e characteristic connects
	//
	// TEST SCENARIO: init -> scan filtered to ec00 -> name match -> settle -> connect -> single
	// enumeration callback with ec0e -> Connected

	s.Require().NoError(s.manager.Connect(raspberryPi))
	s.Equal([]string{"init"}, s.radio.log)
	s.Equal(StateIdle, s.manager.State(), "scanning MUST wait for hardware initialization")

	s.radio.onReady()
	s.Equal(StateScanning, s.manager.State())
	s.Empty(s.radio.scanServices, "scan MUST wait for the scan delay")

	s.manager.Tick(100 * time.Millisecond)
	s.Require().Len(s.radio.scanServices, 1)
	s.Equal([]string{"ec00"}, s.radio.scanServices[0])

	s.radio.onName("00:11:22:33:44:55", "kitchen-speaker")
	s.Equal(StateScanning, s.manager.State(), "non-matching names MUST be ignored")

	s.radio.onName(peripheralAddr, "RaspberryPi-01")
	s.Equal(StateConnecting, s.manager.State())
	s.Equal(peripheralAddr, s.manager.Address())
	s.Contains(s.radio.log, "stop-scan")

	s.manager.Tick(400 * time.Millisecond)
	s.Empty(s.radio.connects, "connect MUST wait for the settle delay")
	s.manager.Tick(100 * time.Millisecond)
	s.Require().Len(s.radio.connects, 1)
	s.Equal(peripheralAddr, s.radio.connects[0].address)

	s.radio.connects[0].onFound(peripheralAddr, "0000EC00-0000-1000-8000-00805F9B34FB", "0000ec0e-0000-1000-8000-00805f9b34fb")

	s.True(s.manager.IsConnected())
	s.Equal(1, s.connected)
	s.Equal([]State{StateScanning, StateConnecting, StateConnected}, s.transitions)

	s.manager.Tick(time.Minute)
	s.Len(s.radio.connects, 1, "a connected manager MUST NOT retry")
}

func (s *ManagerTestSuite) TestManufacturerAdvertisementsMatchLikeNames() {
	s.Require().NoError(s.manager.Connect(raspberryPi))
	s.radio.onReady()
	s.manager.Tick(100 * time.Millisecond)

	s.radio.onManufacturer(peripheralAddr, "raspberrypi", -60, []byte{0x4c, 0x00})

	s.Equal(StateConnecting, s.manager.State())
	s.Equal(peripheralAddr, s.manager.Address())
}

func (s *ManagerTestSuite) TestConnectIsIdempotentForEqualIdentity() {
	s.scanToConnecting(raspberryPi)
	logLen := len(s.radio.log)

	same := Identity{
		DeviceName:            "raspberrypi",
		ServiceID:             "0000EC00-0000-1000-8000-00805F9B34FB",
		WriteCharacteristicID: "EC0E",
		ReadCharacteristicID:  "0xec0e",
	}
	s.Require().NoError(s.manager.Connect(same))

	s.Equal(StateConnecting, s.manager.State())
	s.Len(s.radio.log, logLen, "equal identity MUST NOT issue any radio request")
	s.Len(s.radio.scanServices, 1)
}

func (s *ManagerTestSuite) TestConnectingRetriesIndefinitely() {
	// GOAL: a connect attempt that never finds both characteristics keeps retrying
	//
	// TEST SCENARIO: N timeout ticks -> still Connecting, Retries() == N, N+1 connect requests

	s.scanToConnecting(raspberryPi)

	const n = 7
	for i := 0; i < n; i++ {
		s.radio.lastConnect().onFound(peripheralAddr, "ec00", "ec0f")
		s.manager.Tick(10 * time.Second)
	}

	s.Equal(StateConnecting, s.manager.State())
	s.Equal(n, s.manager.Retries())
	s.Len(s.radio.connects, n+1)
	s.Equal(0, s.connected)
}

func (s *ManagerTestSuite) TestFlagsAreOrderIndependent() {
	identity := raspberryPi
	identity.WriteCharacteristicID = "ec0e"
	identity.ReadCharacteristicID = "ec0f"
	s.scanToConnecting(identity)

	onFound := s.radio.lastConnect().onFound
	onFound(peripheralAddr, "ec01", "ec0f")
	s.False(s.manager.IsConnected(), "characteristics of other services MUST be ignored")

	onFound(peripheralAddr, "ec00", "ec0f")
	onFound(peripheralAddr, "ec00", "ec0f")
	s.False(s.manager.IsConnected())

	onFound(peripheralAddr, "ec00", "ec0e")
	s.True(s.manager.IsConnected())

	onFound(peripheralAddr, "ec00", "ec0e")
	s.Equal(1, s.connected, "duplicate enumeration MUST NOT notify twice")
}

func (s *ManagerTestSuite) TestFlagsResetPerAttempt() {
	identity := raspberryPi
	identity.ReadCharacteristicID = "ec0f"
	s.scanToConnecting(identity)

	first := s.radio.lastConnect().onFound
	first(peripheralAddr, "ec00", "ec0e")
	s.manager.Tick(10 * time.Second)
	s.Require().Len(s.radio.connects, 2)

	first(peripheralAddr, "ec00", "ec0f")
	s.False(s.manager.IsConnected(), "callbacks of an earlier attempt MUST be dropped")

	second := s.radio.lastConnect().onFound
	second(peripheralAddr, "ec00", "ec0f")
	s.False(s.manager.IsConnected(), "write flag MUST NOT carry over between attempts")
	second(peripheralAddr, "ec00", "ec0e")
	s.True(s.manager.IsConnected())
}

func (s *ManagerTestSuite) TestSendRequiresConnection() {
	err := s.manager.Send([]byte{0xff, 0xff}, nil)
	s.ErrorIs(err, device.ErrNotConnected)

	s.scanToConnecting(raspberryPi)
	err = s.manager.Send([]byte{0xff, 0xff}, nil)
	s.ErrorIs(err, device.ErrNotConnected)
	s.Empty(s.radio.writes, "sends while disconnected MUST be dropped, not queued")

	s.radio.lastConnect().onFound(peripheralAddr, "ec00", "ec0e")
	s.Require().True(s.manager.IsConnected())

	var result error = errors.New("unset")
	s.Require().NoError(s.manager.Send([]byte{0xd2, 0x04}, func(err error) { result = err }))
	s.Require().Len(s.radio.writes, 1)

	w := s.radio.writes[0]
	s.Equal(peripheralAddr, w.address)
	s.Equal("ec00", w.serviceID)
	s.Equal("ec0e", w.charID)
	s.Equal([]byte{0xd2, 0x04}, w.data)

	w.onDone(nil)
	s.NoError(result)
}

func (s *ManagerTestSuite) TestDisconnectOrdering() {
	s.scanToConnecting(raspberryPi)
	s.radio.lastConnect().onFound(peripheralAddr, "ec00", "ec0e")
	s.Require().True(s.manager.IsConnected())

	var stateAtHook State
	s.manager.BeforeDisconnect(func() {
		stateAtHook = s.manager.State()
		s.NoError(s.manager.Send([]byte{0xfe, 0xff}, nil), "hook MUST be able to send")
	})

	s.radio.log = nil
	s.manager.Disconnect()

	s.Equal(StateConnected, stateAtHook)
	s.Equal(StateDisconnecting, s.manager.State())
	s.Equal([]string{"write", "disconnect"}, s.radio.log)
	s.Equal([]string{peripheralAddr}, s.radio.disconnectedAddr)

	s.radio.completeDisconnect()
	s.Equal([]string{"write", "disconnect", "deinit"}, s.radio.log)
	s.Equal(StateDisconnecting, s.manager.State())

	s.radio.completeDeinit()
	s.Equal(StateIdle, s.manager.State())
	_, ok := s.manager.Identity()
	s.False(ok)
	s.Empty(s.manager.Address())
}

func (s *ManagerTestSuite) TestConnectDuringTeardownReconnects() {
	s.scanToConnecting(raspberryPi)
	s.radio.lastConnect().onFound(peripheralAddr, "ec00", "ec0e")
	s.Require().True(s.manager.IsConnected())

	s.manager.Disconnect()
	s.Require().Equal(StateDisconnecting, s.manager.State())
	s.Require().NoError(s.manager.Connect(raspberryPi))

	s.radio.log = nil
	s.radio.completeDisconnect()
	s.radio.completeDeinit()

	s.Equal([]string{"deinit", "init"}, s.radio.log)
	identity, ok := s.manager.Identity()
	s.True(ok)
	s.True(identity.Equal(raspberryPi))

	s.radio.onReady()
	s.Equal(StateScanning, s.manager.State())
}

func (s *ManagerTestSuite) TestNewIdentityCancelsPendingAttempt() {
	// GOAL: a stale retry timer or enumeration callback never acts for a superseded identity
	//
	// TEST SCENARIO: mid-connect switch to another identity -> deinit -> init for new identity;
	// old callbacks and ticks are no-ops

	s.scanToConnecting(raspberryPi)
	stale := s.radio.lastConnect()

	other := Identity{DeviceName: "focus-stage", ServiceID: "fe00", WriteCharacteristicID: "fe01", ReadCharacteristicID: "fe02"}
	s.Require().NoError(s.manager.Connect(other))
	s.Equal(StateDisconnecting, s.manager.State())
	s.Equal("deinit", s.radio.log[len(s.radio.log)-1], "never-connected teardown MUST deinit directly")

	s.manager.Tick(time.Minute)
	stale.onFound(peripheralAddr, "ec00", "ec0e")
	s.Len(s.radio.connects, 1)
	s.False(s.manager.IsConnected())

	s.radio.completeDeinit()
	s.Equal("init", s.radio.log[len(s.radio.log)-1])
	id, ok := s.manager.Identity()
	s.Require().True(ok)
	s.Equal("focus-stage", id.DeviceName)

	stale.onFound(peripheralAddr, "ec00", "ec0e")
	s.False(s.manager.IsConnected())
}

func (s *ManagerTestSuite) TestInitErrorIsReportedWithoutRetry() {
	var reported error
	s.manager.OnInitError(func(err error) { reported = err })

	s.Require().NoError(s.manager.Connect(raspberryPi))
	s.radio.onError(errors.New("adapter powered off"))

	var initErr *device.HardwareInitError
	s.Require().ErrorAs(reported, &initErr)
	s.Equal(StateIdle, s.manager.State())

	s.manager.Tick(time.Minute)
	s.Empty(s.radio.scanServices)
	s.Equal([]string{"init"}, s.radio.log)

	s.Require().NoError(s.manager.Connect(raspberryPi))
	s.Equal([]string{"init", "init"}, s.radio.log, "caller MAY retry explicitly")
}

func (s *ManagerTestSuite) TestLinkLossReconnects() {
	s.scanToConnecting(raspberryPi)
	conn := s.radio.lastConnect()
	conn.onFound(peripheralAddr, "ec00", "ec0e")
	s.Require().True(s.manager.IsConnected())

	conn.onLost(peripheralAddr)
	s.Equal(StateConnecting, s.manager.State())

	s.manager.Tick(500 * time.Millisecond)
	s.Require().Len(s.radio.connects, 2)
	s.radio.lastConnect().onFound(peripheralAddr, "ec00", "ec0e")
	s.True(s.manager.IsConnected())
	s.Equal(2, s.connected)
}

func (s *ManagerTestSuite) TestInvalidIdentity() {
	err := s.manager.Connect(Identity{DeviceName: "", ServiceID: "ec00", WriteCharacteristicID: "ec0e", ReadCharacteristicID: "ec0e"})
	s.ErrorIs(err, ErrInvalidIdentity)

	err = s.manager.Connect(Identity{DeviceName: "pi", ServiceID: "zz", WriteCharacteristicID: "ec0e", ReadCharacteristicID: "ec0e"})
	s.ErrorIs(err, ErrInvalidIdentity)
	s.Empty(s.radio.log)
}

func (s *ManagerTestSuite) TestCloseClearsSubscribers() {
	s.scanToConnecting(raspberryPi)
	s.manager.Close()
	s.radio.completeDeinit()

	s.transitions = nil
	s.Require().NoError(s.manager.Connect(raspberryPi))
	s.radio.onReady()
	s.Empty(s.transitions, "closed manager MUST NOT call old subscribers")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func TestIdentity(t *testing.T) {
	assert.True(t, raspberryPi.MatchesName("RASPBERRYPI-01"))
	assert.False(t, raspberryPi.MatchesName("raspberry"))
	assert.True(t, raspberryPi.Equal(Identity{DeviceName: "raspberrypi", ServiceID: "EC00", WriteCharacteristicID: "ec0e", ReadCharacteristicID: "0000EC0E-0000-1000-8000-00805F9B34FB"}))
	assert.False(t, raspberryPi.Equal(Identity{DeviceName: "RaspberryPi", ServiceID: "ec00", WriteCharacteristicID: "ec0e", ReadCharacteristicID: "ec0e"}))
	require.NoError(t, raspberryPi.Validate())
	assert.Equal(t, "raspberrypi{service=ec00 write=ec0e read=ec0e}", raspberryPi.String())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
