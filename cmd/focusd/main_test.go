package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/focusd/internal/device"
	"github.com/srg/focusd/internal/eventloop"
	"github.com/srg/focusd/internal/testutils"
	"github.com/srg/focusd/pkg/calibration"
	"github.com/srg/focusd/pkg/connection"
	"github.com/srg/focusd/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{
			name:     "bluetooth off",
			err:      &device.HardwareInitError{Err: fmt.Errorf("%w: powered off", device.ErrBluetoothOff)},
			contains: "Bluetooth is turned off",
		},
		{
			name:     "adapter unavailable",
			err:      &device.HardwareInitError{Err: errors.New("can't init hci")},
			contains: "Bluetooth adapter unavailable: can't init hci",
		},
		{
			name:     "invalid identity",
			err:      fmt.Errorf("peripheral: %w", connection.ErrInvalidIdentity),
			contains: "invalid peripheral configuration",
		},
		{
			name:     "unknown sentinel",
			err:      fmt.Errorf("%w: -7", protocol.ErrUnknownSentinel),
			contains: "reset, disengage, engage, noise",
		},
		{
			name:     "passes other errors through",
			err:      errors.New("boom"),
			contains: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
}

func TestParseDistanceLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		distance float64
		alpha    float64
		ok       bool
		wantErr  bool
	}{
		{name: "distance only", line: "0.5", distance: 0.5, alpha: -1, ok: true},
		{name: "distance and alpha", line: " 1.25  0.3 ", distance: 1.25, alpha: 0.3, ok: true},
		{name: "blank", line: "   "},
		{name: "comment", line: "# warm-up"},
		{name: "trailing comment", line: "2 # far", distance: 2, alpha: -1, ok: true},
		{name: "not a number", line: "far", wantErr: true},
		{name: "zero distance", line: "0", wantErr: true},
		{name: "bad alpha", line: "1 fast", wantErr: true},
		{name: "too many fields", line: "1 0.5 9", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			distance, alpha, ok, err := parseDistanceLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.distance, distance)
				assert.Equal(t, tt.alpha, alpha)
			}
		})
	}
}

func TestReadLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	for line := range readLines(ctx, strings.NewReader("0.5\n1.5 0.2\n")) {
		got = append(got, line)
	}
	assert.Equal(t, []string{"0.5", "1.5 0.2"}, got)
}

func TestParsePauseLine(t *testing.T) {
	tests := []struct {
		line   string
		paused bool
		ok     bool
	}{
		{line: "pause", paused: true, ok: true},
		{line: "  Resume  # back to work", paused: false, ok: true},
		{line: "0.5", ok: false},
		{line: "pause now", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			paused, ok := parsePauseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.paused, paused)
		})
	}
}

func TestPauseSignal(t *testing.T) {
	paused, ok := pauseSignal(syscall.SIGUSR1)
	assert.True(t, ok)
	assert.True(t, paused)

	paused, ok = pauseSignal(syscall.SIGUSR2)
	assert.True(t, ok)
	assert.False(t, paused)

	_, ok = pauseSignal(syscall.SIGINT)
	assert.False(t, ok)
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) SetTargetDistance(distanceMeters, smoothingAlpha float64) {
	r.events = append(r.events, fmt.Sprintf("distance %.2f %.1f", distanceMeters, smoothingAlpha))
}

func (r *recordingSink) SetPaused(paused bool) {
	r.events = append(r.events, fmt.Sprintf("paused %v", paused))
}

func TestFollowLines(t *testing.T) {
	color.NoColor = true
	errOut = &bytes.Buffer{}
	defer func() { errOut = os.Stderr }()

	lines := make(chan string, 5)
	lines <- "0.5"
	lines <- "pause"
	lines <- "bogus"
	lines <- "resume"
	lines <- "1.5 0.2"
	close(lines)

	sink := &recordingSink{}
	followLines(context.Background(), func(fn func()) { fn() }, sink, lines)

	assert.Equal(t, []string{
		"distance 0.50 -1.0",
		"paused true",
		"paused false",
		"distance 1.50 0.2",
	}, sink.events)
}

// idleRadio never finishes Init and completes Deinit at once.
type idleRadio struct {
	mu  sync.Mutex
	log []string
}

func (r *idleRadio) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, op)
}

func (r *idleRadio) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *idleRadio) Init(func(), func(error)) { r.record("init") }
func (r *idleRadio) Deinit(onDone func())     { r.record("deinit"); onDone() }
func (r *idleRadio) Scan([]string, device.NameHandler, device.ManufacturerHandler) {
	r.record("scan")
}
func (r *idleRadio) StopScan() { r.record("stop-scan") }
func (r *idleRadio) ConnectAndEnumerate(string, device.CharacteristicHandler, func(string)) {
	r.record("connect")
}
func (r *idleRadio) Disconnect(address string, onDone func(string)) {
	r.record("disconnect")
	onDone(address)
}
func (r *idleRadio) WriteCharacteristic(_, _, _ string, _ []byte, onDone func(error)) {
	r.record("write")
	onDone(nil)
}

func TestHostDisconnect_DeinitsWhileInitPending(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	radio := &idleRadio{}
	h := &host{
		logger:  logger,
		loop:    eventloop.New(time.Millisecond, logger),
		manager: connection.NewManager(radio, nil, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- h.loop.Run(ctx) }()

	identity := connection.Identity{DeviceName: "raspberrypi", ServiceID: "ec00", WriteCharacteristicID: "ec0e", ReadCharacteristicID: "ec0e"}
	require.NoError(t, h.loop.Post(func() { assert.NoError(t, h.manager.Connect(identity)) }))
	require.Eventually(t, func() bool { return len(radio.ops()) == 1 }, time.Second, time.Millisecond)

	h.disconnect()
	assert.Equal(t, []string{"init", "deinit"}, radio.ops())

	state := make(chan connection.State, 1)
	require.NoError(t, h.loop.Post(func() {
		_, active := h.manager.Identity()
		assert.False(t, active)
		state <- h.manager.State()
	}))
	assert.Equal(t, connection.StateIdle, <-state)

	cancel()
	<-errCh
}

func TestLoadConfig(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().String("config", "", "")
		cmd.Flags().String("log-level", "", "")
		return cmd
	}

	path := filepath.Join(t.TempDir(), "focusd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\nperipheral: {device_name: stage}\n"), 0o600))

	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("config", path))
	cfg, logger, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "stage", cfg.Peripheral.DeviceName)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	_, logger, err = loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel(), "--log-level MUST override the config file")

	cmd = newCmd()
	require.NoError(t, cmd.Flags().Set("log-level", "chatty"))
	_, _, err = loadConfig(cmd)
	assert.Error(t, err)
}

func TestPromptCalibrator(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	lines := make(chan string, 1)
	aborted := make(chan struct{})
	c := &promptCalibrator{
		ctx:   context.Background(),
		lines: lines,
		post:  func(fn func()) { fn() },
		out:   &buf,
		abort: func() { close(aborted) },
	}

	done := make(chan error, 1)
	c.Calibrate(0.35, "calibration_1", func(err error) { done <- err })
	lines <- ""
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("calibration was not confirmed")
	}
	assert.Contains(t, buf.String(), "Focus at 0.35 m. Press Enter to record calibration_1")

	close(lines)
	c.Calibrate(0.25, "calibration_2", func(err error) { done <- err })
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("closed stdin MUST abort the session")
	}
}

func TestWriteProfiles(t *testing.T) {
	color.NoColor = true
	out = &bytes.Buffer{}
	defer func() { out = os.Stdout }()

	table := calibration.DefaultTable()
	profiles := []calibration.Profile{
		{Name: "calibration_0", DistanceMeters: 1.5},
		{Name: "calibration_1", DistanceMeters: 0.35},
	}

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, writeProfiles(path, table, profiles))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var f profileFile
	require.NoError(t, yaml.Unmarshal(data, &f))
	require.Len(t, f.Profiles, 2)
	assert.Equal(t, "calibration_1", f.Profiles[1].Name)
	assert.Equal(t, table.Steps(0.35), f.Profiles[1].Steps)

	var buf bytes.Buffer
	printProfiles(&buf, table, profiles)
	assert.Contains(t, buf.String(), "PROFILE")
	assert.Contains(t, buf.String(), "calibration_0")
}

func TestPrintScanTable(t *testing.T) {
	var buf bytes.Buffer
	printScanTable(&buf, nil)
	assert.Equal(t, "No devices found.\n", buf.String())

	buf.Reset()
	printScanTable(&buf, []*scanResult{
		{Address: "b8:27:eb:00:00:01", Name: "raspberrypi", Match: true},
		{Address: "aa:aa:aa:aa:aa:02", RSSI: -60, ManufacturerData: "4c00"},
	})
	testutils.NewTextAsserter(t).Assert(buf.String(), `
ADDRESS            NAME         RSSI  MANUFACTURER DATA  MATCH
b8:27:eb:00:00:01  raspberrypi  -     -                  *
aa:aa:aa:aa:aa:02  -            -60   4C00
`)
}

func TestWriteScanJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeScanJSON(&buf, []*scanResult{
		{Address: "b8:27:eb:00:00:01", Name: "raspberrypi", Match: true, LastSeen: time.Now()},
		{Address: "aa:aa:aa:aa:aa:02", RSSI: -60, ManufacturerData: "4c00", LastSeen: time.Now()},
	}))

	testutils.NewJSONAsserter(t, testutils.WithIgnoredFields("last_seen")).Assert(buf.String(), `[
  {"address": "b8:27:eb:00:00:01", "name": "raspberrypi", "match": true},
  {"address": "aa:aa:aa:aa:aa:02", "name": "", "rssi": -60, "manufacturer_data": "4c00", "match": false}
]`)
}
