package motor

import (
	"errors"
	"testing"

	"github.com/srg/focusd/internal/device"
	"github.com/srg/focusd/internal/observer"
	"github.com/srg/focusd/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	connected        bool
	sent             []protocol.Command
	sendErr          error
	onConnect        *observer.List[func()]
	beforeDisconnect *observer.List[func()]
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		onConnect:        observer.NewList[func()](),
		beforeDisconnect: observer.NewList[func()](),
	}
}

func (l *fakeLink) IsConnected() bool { return l.connected }

func (l *fakeLink) Send(data []byte, onDone func(error)) error {
	if !l.connected {
		return device.ErrNotConnected
	}
	cmd, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	l.sent = append(l.sent, cmd)
	onDone(l.sendErr)
	return nil
}

func (l *fakeLink) OnConnect(fn func()) observer.Subscription { return l.onConnect.Add(fn) }

func (l *fakeLink) BeforeDisconnect(fn func()) observer.Subscription {
	return l.beforeDisconnect.Add(fn)
}

func TestController_Commands(t *testing.T) {
	link := newFakeLink()
	link.connected = true
	c := NewController(link, nil)

	acked := false
	require.NoError(t, c.SetSteps(1234, func() { acked = true }))
	require.NoError(t, c.Reset())
	require.NoError(t, c.Engage())
	require.NoError(t, c.Disengage())
	require.NoError(t, c.Noise())

	assert.True(t, acked)
	assert.Equal(t, []protocol.Command{1234, protocol.Reset, protocol.Engage, protocol.Disengage, protocol.Noise}, link.sent)
}

func TestController_FailedWriteSkipsSuccessCallback(t *testing.T) {
	link := newFakeLink()
	link.connected = true
	link.sendErr = errors.New("att: write failed")
	c := NewController(link, nil)

	require.NoError(t, c.SetSteps(10, func() { t.Fatal("write failed, MUST NOT report success") }))
}

func TestController_NotConnected(t *testing.T) {
	c := NewController(newFakeLink(), nil)

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.SetSteps(1, nil), device.ErrNotConnected)
}

func TestController_SetPaused(t *testing.T) {
	link := newFakeLink()
	c := NewController(link, nil)

	c.SetPaused(true)
	assert.Empty(t, link.sent, "pause while disconnected MUST NOT send")

	link.connected = true
	c.SetPaused(true)
	assert.Equal(t, []protocol.Command{protocol.Disengage, protocol.Disengage}, link.sent)

	link.sent = nil
	c.SetPaused(false)
	assert.Equal(t, []protocol.Command{protocol.Engage}, link.sent)
}

func TestController_LinkHooks(t *testing.T) {
	link := newFakeLink()
	link.connected = true
	c := NewController(link, nil)

	connects := 0
	c.OnConnect(func() { connects++ })

	link.onConnect.Each(func(fn func()) { fn() })
	assert.Equal(t, 1, connects)

	link.beforeDisconnect.Each(func(fn func()) { fn() })
	assert.Equal(t, []protocol.Command{protocol.Disengage}, link.sent)

	c.Close()
	assert.Equal(t, 0, link.onConnect.Len())
	assert.Equal(t, 0, link.beforeDisconnect.Len())
}
