package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"sumo-gps-bridge/internal/location"
)

type fakeToken struct {
	err      error
	timedOut bool
	done     chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return !t.timedOut }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timedOut }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connects     int
	disconnected bool
	msgs         []published
	publishErr   error
	timeout      bool
	gate         chan struct{}
	sent         chan struct{}
}

func (f *fakeMQTT) Connect() mqtt.Token {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return newFakeToken(nil)
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	tok := newFakeToken(f.publishErr)
	tok.timedOut = f.timeout
	f.mu.Unlock()
	if f.sent != nil {
		f.sent <- struct{}{}
	}
	return tok
}

func (f *fakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func useFakeMQTT(t *testing.T, f *fakeMQTT) {
	t.Helper()
	orig := newMQTTClient
	t.Cleanup(func() { newMQTTClient = orig })
	newMQTTClient = func(o *mqtt.ClientOptions) mqttClient {
		f.opts = o
		return f
	}
}

func waitSent(t *testing.T, f *fakeMQTT) {
	t.Helper()
	select {
	case <-f.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for publish")
	}
}

func TestNewMQTTMirror_Validation(t *testing.T) {
	_, err := NewMQTTMirror(MQTTConfig{Topic: "a"}, nil)
	require.Error(t, err)
	_, err = NewMQTTMirror(MQTTConfig{Broker: "tcp://localhost:1883"}, nil)
	require.Error(t, err)
}

func TestMQTTMirror_PublishesRetainedJSON(t *testing.T) {
	f := &fakeMQTT{sent: make(chan struct{}, 4)}
	useFakeMQTT(t, f)

	m, err := NewMQTTMirror(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "sumo-bridge/location"}, nil)
	require.NoError(t, err)
	require.Equal(t, "sumo-bridge", f.opts.ClientID)
	require.Len(t, f.opts.Servers, 1)
	require.Equal(t, "localhost:1883", f.opts.Servers[0].Host)

	m.Start(context.Background())
	m.Publish(location.Sample{Latitude: -37.9, Longitude: 145.1, Accuracy: 20, Speed: 10, Heading: 90})
	waitSent(t, f)
	m.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, 1, f.connects)
	require.True(t, f.disconnected)
	require.Len(t, f.msgs, 1)
	msg := f.msgs[0]
	require.Equal(t, "sumo-bridge/location", msg.topic)
	require.Equal(t, byte(0), msg.qos)
	require.True(t, msg.retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	require.Equal(t, -37.9, got["latitude"])
	require.Equal(t, 90.0, got["heading"])
	require.NotEmpty(t, got["received_utc"])

	pub, failed, _ := m.Stats()
	require.Equal(t, uint64(1), pub)
	require.Zero(t, failed)
}

func TestMQTTMirror_PublishNeverBlocksAndKeepsNewest(t *testing.T) {
	f := &fakeMQTT{gate: make(chan struct{}), sent: make(chan struct{}, 8)}
	useFakeMQTT(t, f)

	m, err := NewMQTTMirror(MQTTConfig{Broker: "tcp://b:1883", Topic: "t"}, nil)
	require.NoError(t, err)
	m.Start(context.Background())
	defer m.Close()

	// The worker takes the first sample and blocks inside Publish.
	m.Publish(location.Sample{Latitude: 1})
	deadline := time.Now().Add(2 * time.Second)
	for len(m.pending) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never picked up the first sample")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		for i := 2; i <= 5; i++ {
			m.Publish(location.Sample{Latitude: float64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked behind a slow broker")
	}

	close(f.gate)
	waitSent(t, f)
	waitSent(t, f)

	f.mu.Lock()
	var lats []float64
	for _, msg := range f.msgs {
		var s SampleMessage
		require.NoError(t, json.Unmarshal(msg.payload, &s))
		lats = append(lats, s.Latitude)
	}
	f.mu.Unlock()
	require.Equal(t, []float64{1, 5}, lats)

	_, _, dropped := m.Stats()
	require.Equal(t, uint64(3), dropped)
}

func TestMQTTMirror_CountsFailures(t *testing.T) {
	f := &fakeMQTT{publishErr: errors.New("not connected"), sent: make(chan struct{}, 4)}
	useFakeMQTT(t, f)

	m, err := NewMQTTMirror(MQTTConfig{Broker: "tcp://b:1883", Topic: "t"}, nil)
	require.NoError(t, err)
	m.Start(context.Background())
	m.Publish(location.Sample{})
	waitSent(t, f)

	f.mu.Lock()
	f.publishErr = nil
	f.timeout = true
	f.mu.Unlock()
	m.Publish(location.Sample{})
	waitSent(t, f)
	m.Close()

	pub, failed, _ := m.Stats()
	require.Zero(t, pub)
	require.Equal(t, uint64(2), failed)
}

func TestMQTTMirror_CloseWithoutStart(t *testing.T) {
	f := &fakeMQTT{}
	useFakeMQTT(t, f)
	m, err := NewMQTTMirror(MQTTConfig{Broker: "tcp://b:1883", Topic: "t"}, nil)
	require.NoError(t, err)
	m.Close()
	m.Close()
	require.True(t, f.disconnected)
}
