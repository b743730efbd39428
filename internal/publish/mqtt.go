// Package publish mirrors bridge activity to optional outside consumers:
// accepted samples to an MQTT topic and drive ticks to a UDP destination.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"sumo-gps-bridge/internal/location"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	// PublishTimeout bounds how long one publish may wait for the broker.
	PublishTimeout time.Duration
}

// mqttClient is the part of mqtt.Client the mirror uses.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// swappable for tests
var newMQTTClient = func(o *mqtt.ClientOptions) mqttClient { return mqtt.NewClient(o) }

// SampleMessage is the JSON published for each accepted sample.
type SampleMessage struct {
	location.Sample
	ReceivedUTC string `json:"received_utc"`
}

// MQTTMirror publishes accepted samples without ever blocking the caller.
// Only the newest pending sample is kept; a slow broker sees fewer messages,
// never stale ones.
type MQTTMirror struct {
	cfg    MQTTConfig
	client mqttClient
	log    logrus.FieldLogger

	pending chan SampleMessage

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewMQTTMirror(cfg MQTTConfig, log logrus.FieldLogger) (*MQTTMirror, error) {
	cfg.Broker = strings.TrimSpace(cfg.Broker)
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sumo-bridge"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithFields(logrus.Fields{"broker": cfg.Broker, "topic": cfg.Topic})

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) { log.Info("mqtt connected") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("mqtt connection lost")
		})

	return &MQTTMirror{
		cfg:     cfg,
		client:  newMQTTClient(opts),
		log:     log,
		pending: make(chan SampleMessage, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start connects in the background and runs the publish worker until ctx is
// cancelled or Close is called.
func (m *MQTTMirror) Start(ctx context.Context) {
	// With connect retry on, this token only completes once connected, so it
	// is not waited on.
	m.client.Connect()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
}

// Publish queues s for the broker, replacing any sample not yet sent.
func (m *MQTTMirror) Publish(s location.Sample) {
	msg := SampleMessage{Sample: s, ReceivedUTC: time.Now().UTC().Format(time.RFC3339Nano)}
	for {
		select {
		case m.pending <- msg:
			return
		default:
		}
		select {
		case <-m.pending:
			m.dropped.Add(1)
		default:
		}
	}
}

func (m *MQTTMirror) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.pending:
			m.send(msg)
		}
	}
}

func (m *MQTTMirror) send(msg SampleMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.failed.Add(1)
		m.log.WithError(err).Warn("mqtt payload encode failed")
		return
	}
	tok := m.client.Publish(m.cfg.Topic, 0, true, payload)
	if !tok.WaitTimeout(m.cfg.PublishTimeout) {
		m.failed.Add(1)
		m.log.Warn("mqtt publish timed out")
		return
	}
	if err := tok.Error(); err != nil {
		m.failed.Add(1)
		m.log.WithError(err).Warn("mqtt publish failed")
		return
	}
	m.published.Add(1)
}

// Stats returns messages published, failed and replaced before sending.
func (m *MQTTMirror) Stats() (published, failed, dropped uint64) {
	return m.published.Load(), m.failed.Load(), m.dropped.Load()
}

func (m *MQTTMirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		m.client.Disconnect(250)
	})
}
