package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/stepper"
	"github.com/srg/focusd/pkg/config"
	"github.com/srg/focusd/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	applied  []protocol.Command
	position int
	fail     bool
}

func (f *fakeDriver) Apply(cmd protocol.Command) error {
	if f.fail {
		return errors.New("pin write failed")
	}
	f.applied = append(f.applied, cmd)
	if cmd.IsPosition() {
		f.position = int(cmd)
	}
	return nil
}

func (f *fakeDriver) Position() int { return f.position }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestServe(t *testing.T) {
	driver := &fakeDriver{}
	var out bytes.Buffer

	err := serve(context.Background(), driver, strings.NewReader("-1\n\n3050\nnoise\n-9\nforward\n"), &out, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []protocol.Command{protocol.Reset, 3050, protocol.Noise}, driver.applied)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "ok reset 0", lines[0])
	assert.Equal(t, "ok position(3050) 3050", lines[1])
	assert.Equal(t, "ok noise 3050", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "error "), "unknown sentinels MUST be rejected")
	assert.True(t, strings.HasPrefix(lines[4], "error "))
}

func TestServe_ApplyFailure(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, serve(context.Background(), &fakeDriver{fail: true}, strings.NewReader("100\n"), &out, quietLogger()))
	assert.Equal(t, "error pin write failed\n", out.String())
}

func TestServe_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()
	err := serve(ctx, &fakeDriver{}, r, io.Discard, quietLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedPins_DriveStepper(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stepper.StepPeriod = 0

	driver, err := stepper.New(simulatedPins(cfg), cfg.StepperOptions(), quietLogger())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, serve(context.Background(), driver, strings.NewReader("-3\n120\n"), &out, quietLogger()))
	assert.Equal(t, "ok engage 0\nok position(120) 120\n", out.String())
	assert.True(t, driver.Engaged())
}
