// Package notify forwards safety and validation events to the plant MQTT broker.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"ppekiosk/internal/config"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	queueSize      = 32
	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// message is the published body.
type message struct {
	Location string      `json:"location"`
	Type     string      `json:"type"`
	Time     time.Time   `json:"time"`
	Payload  interface{} `json:"payload,omitempty"`
}

// MQTTNotifier publishes events from a background loop so callers never wait on the broker.
type MQTTNotifier struct {
	client   mqtt.Client
	topic    string
	location string
	queue    chan dto.Event
	logger   *logger.Logger

	published atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
}

// NewMQTTNotifier builds a client for cfg.MQTTBroker; connecting is left to Connect.
func NewMQTTNotifier(cfg *config.Config, log *logger.Logger) *MQTTNotifier {
	broker := cfg.MQTTBroker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("MQTT connection established (%s)", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warning("MQTT connection lost, will auto-reconnect: %v", err)
	}

	return NewWithClient(mqtt.NewClient(opts), cfg.MQTTTopic, cfg.Location, log)
}

// NewWithClient wraps an existing client.
func NewWithClient(client mqtt.Client, topic, location string, log *logger.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		client:   client,
		topic:    strings.TrimSuffix(topic, "/"),
		location: location,
		queue:    make(chan dto.Event, queueSize),
		logger:   log,
	}
}

// Connect starts the connection; with connect-retry enabled the client keeps trying in the background.
func (n *MQTTNotifier) Connect() error {
	token := n.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Notify queues an event; it drops the event when the queue is full.
func (n *MQTTNotifier) Notify(ev dto.Event) {
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		n.logger.Warning("MQTT queue full, dropped %s event", ev.Type)
	}
}

// Run publishes queued events until ctx is cancelled, then disconnects.
func (n *MQTTNotifier) Run(ctx context.Context) {
	defer n.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			if err := n.publish(ev); err != nil {
				n.errors.Add(1)
				n.logger.Warning("MQTT publish of %s failed: %v", ev.Type, err)
			}
		}
	}
}

// Topic returns <topic>/<location>/<event type>.
func (n *MQTTNotifier) Topic(t dto.EventType) string {
	return fmt.Sprintf("%s/%s/%s", n.topic, n.location, t)
}

func (n *MQTTNotifier) publish(ev dto.Event) error {
	if !n.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	body, err := json.Marshal(message{Location: n.location, Type: string(ev.Type), Time: ev.Time, Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	token := n.client.Publish(n.Topic(ev.Type), 1, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	n.published.Add(1)
	n.logger.Debug("Published %s to %s", ev.Type, n.Topic(ev.Type))
	return nil
}

// Stats returns published, failed and dropped counts.
func (n *MQTTNotifier) Stats() (published, failed, dropped uint64) {
	return n.published.Load(), n.errors.Load(), n.dropped.Load()
}
