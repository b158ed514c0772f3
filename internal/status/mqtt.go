package status

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker   string // host:port or a full URL (tcp://, ssl://, ws://)
	ClientID string
	Topic    string // base topic; events go to <Topic>/<kind>
	QoS      byte
}

// MQTTPublisher publishes encoded events to a broker.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// PublisherStats is a snapshot of publisher counters.
type PublisherStats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// NewMQTTPublisher validates cfg. Call Connect before publishing.
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("status: mqtt broker is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("status: mqtt client id is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "ndi/receiver/" + cfg.ClientID
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("status: invalid qos %d", cfg.QoS)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}, nil
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	broker := p.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("status: mqtt connected",
			"broker", broker,
			"client_id", p.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("status: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("status: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("status: mqtt connection failed: %w", err)
	}

	p.setConnected(true)
	return nil
}

// Publish sends payload to <Topic>/<kind>.
func (p *MQTTPublisher) Publish(kind string, payload []byte) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("status: mqtt not connected")
	}

	topic := p.cfg.Topic + "/" + kind
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("status: publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("status: publish failed: %w", err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	p.logger.Debug("status: published", "topic", topic, "size", len(payload))
	return nil
}

// Subscribe delivers payloads published on <Topic>/<kind> to handler.
// Handlers run on the paho router goroutine and must not block.
func (p *MQTTPublisher) Subscribe(kind string, handler func(payload []byte)) error {
	if p.client == nil {
		return fmt.Errorf("status: mqtt not connected")
	}
	topic := p.cfg.Topic + "/" + kind
	token := p.client.Subscribe(topic, p.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("status: subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("status: subscribe %s: %w", topic, err)
	}
	p.logger.Info("status: subscribed", "topic", topic)
	return nil
}

// Unsubscribe stops deliveries for <Topic>/<kind>.
func (p *MQTTPublisher) Unsubscribe(kind string) error {
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}
	token := p.client.Unsubscribe(p.cfg.Topic + "/" + kind)
	token.WaitTimeout(2 * time.Second)
	return token.Error()
}

// Close disconnects with a short grace period.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("status: mqtt disconnected")
	}
	p.setConnected(false)
	return nil
}

// Stats returns publisher counters.
func (p *MQTTPublisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return PublisherStats{
		Connected: p.connected,
		Published: published,
		Errors:    p.errors,
	}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
