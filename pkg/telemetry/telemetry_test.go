package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/srg/focusd/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }

func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// brokerStub implements the parts of mqtt.Client the telemetry client uses.
type brokerStub struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	published    []published
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func (b *brokerStub) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *brokerStub) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &doneToken{}
}

func (b *brokerStub) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = map[string]mqtt.MessageHandler{}
	}
	b.handlers[topic] = cb
	return &doneToken{}
}

func (b *brokerStub) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
	b.connected = false
}

type stubMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *stubMessage) Topic() string   { return m.topic }
func (m *stubMessage) Payload() []byte { return m.payload }

func TestNewClient_DisabledWithoutBroker(t *testing.T) {
	_, err := NewClient(Options{}, nil)
	assert.ErrorIs(t, err, ErrDisabled)

	c, err := NewClient(Options{Broker: "tcp://127.0.0.1:1883", ClientID: "focusd-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "focusd/state", c.Topic("state"))
	assert.False(t, c.IsConnected())
}

func TestClient_Publish(t *testing.T) {
	broker := &brokerStub{connected: true}
	c := newClientWith(broker, Options{TopicPrefix: "lab/hmd1"}, nil)

	c.PublishState("connected", "raspberrypi")
	c.PublishAccommodation(0.5, 3050)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.published, 2)

	state := broker.published[0]
	assert.Equal(t, "lab/hmd1/state", state.topic)
	assert.True(t, state.retained, "state MUST be retained")
	ja := testutils.NewJSONAsserter(t)
	ja.Assert(string(state.payload), `{"state":"connected","device":"raspberrypi","timestamp":"<<PRESENCE>>"}`)

	acc := broker.published[1]
	assert.Equal(t, "lab/hmd1/accommodation", acc.topic)
	assert.False(t, acc.retained)
	ja.Assert(string(acc.payload), `{"distance_m":0.5,"steps":3050,"timestamp":"<<PRESENCE>>"}`)
}

func TestClient_PublishSkippedWhileDisconnected(t *testing.T) {
	broker := &brokerStub{}
	c := newClientWith(broker, Options{}, nil)

	c.PublishState("scanning", "")
	assert.Empty(t, broker.published)
}

func TestClient_SubscribeTargets(t *testing.T) {
	broker := &brokerStub{connected: true}
	c := newClientWith(broker, Options{}, nil)

	var targets []Target
	require.NoError(t, c.SubscribeTargets(func(tg Target) { targets = append(targets, tg) }))

	handler := broker.handlers["focusd/target"]
	require.NotNil(t, handler)

	handler(broker, &stubMessage{topic: "focusd/target", payload: []byte(`{"distance_m": 0.8}`)})
	handler(broker, &stubMessage{topic: "focusd/target", payload: []byte(`{"distance_m": 1.2, "alpha": 0.3}`)})
	handler(broker, &stubMessage{topic: "focusd/target", payload: []byte(`not json`)})

	assert.Equal(t, []Target{{DistanceMeters: 0.8, Alpha: -1}, {DistanceMeters: 1.2, Alpha: 0.3}}, targets)

	c.Disconnect()
	c.Disconnect()
	assert.True(t, broker.disconnected)
	assert.False(t, c.IsConnected())
}

func TestDecodeTarget(t *testing.T) {
	_, err := DecodeTarget([]byte(`{"alpha": 0.5}`))
	assert.Error(t, err)

	_, err = DecodeTarget([]byte(`[]`))
	assert.Error(t, err)

	tg, err := DecodeTarget([]byte(`{"distance_m": 2, "alpha": 0}`))
	require.NoError(t, err)
	assert.Equal(t, Target{DistanceMeters: 2, Alpha: 0}, tg)
}

func TestClient_SubscribeError(t *testing.T) {
	broker := &failingSubscribe{brokerStub: brokerStub{connected: true}}
	c := newClientWith(broker, Options{}, nil)
	assert.Error(t, c.SubscribeTargets(func(Target) {}))
}

type failingSubscribe struct {
	brokerStub
}

func (f *failingSubscribe) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &doneToken{err: errors.New("not authorized")}
}
