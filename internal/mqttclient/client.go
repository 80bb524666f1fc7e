// Package mqttclient wraps paho behind a small interface shared by the MQTT
// push provider and the instance relay.
package mqttclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// Client is the MQTT surface used by the service.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, h Handler) error
	Disconnect()
}

// ConnectOption configures the paho client options.
type ConnectOption func(opts *mqtt.ClientOptions)

// WithPasswordAuth adds username and password authentication.
func WithPasswordAuth(username, password string) ConnectOption {
	return func(opts *mqtt.ClientOptions) {
		if username == "" {
			return
		}
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
}

// WithTimeout bounds connect and publish waits.
func WithTimeout(d time.Duration) ConnectOption {
	return func(opts *mqtt.ClientOptions) {
		if d > 0 {
			opts.SetConnectTimeout(d)
			opts.SetWriteTimeout(d)
		}
	}
}

// WithOnConnect runs fn on every (re)connection, e.g. to restore subscriptions.
func WithOnConnect(fn func()) ConnectOption {
	return func(opts *mqtt.ClientOptions) {
		opts.SetOnConnectHandler(func(mqtt.Client) { fn() })
	}
}

// Paho implements Client using paho.mqtt.golang.
type Paho struct {
	client  mqtt.Client
	timeout time.Duration
}

// Connect dials brokerURL. Auto-reconnect is on.
func Connect(brokerURL, clientID string, timeout time.Duration, options ...ConnectOption) (*Paho, error) {
	if strings.TrimSpace(brokerURL) == "" {
		return nil, fmt.Errorf("mqtt broker url required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	for _, o := range append([]ConnectOption{WithTimeout(timeout)}, options...) {
		o(opts)
	}
	p := &Paho{client: mqtt.NewClient(opts), timeout: timeout}
	if err := p.wait(p.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return p, nil
}

func (p *Paho) wait(tok mqtt.Token) error {
	if p.timeout > 0 {
		if !tok.WaitTimeout(p.timeout) {
			return fmt.Errorf("mqtt operation timed out after %s", p.timeout)
		}
	} else {
		tok.Wait()
	}
	return tok.Error()
}

func (p *Paho) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := p.wait(p.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *Paho) Subscribe(topic string, qos byte, h Handler) error {
	cb := func(_ mqtt.Client, msg mqtt.Message) { h(msg.Topic(), msg.Payload()) }
	if err := p.wait(p.client.Subscribe(topic, qos, cb)); err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	return nil
}

// Disconnect gracefully disconnects from the broker.
func (p *Paho) Disconnect() {
	p.client.Disconnect(250)
}

// Memory is an in-process broker client. Clients created from the same
// MemoryBroker see each other's messages; exact topics and a trailing "#"
// wildcard are supported.
type Memory struct {
	broker *MemoryBroker
	closed bool
}

type MemoryBroker struct {
	mu   sync.Mutex
	subs []memorySub
	// Published records every message in order.
	Published []MemoryMessage
}

type MemoryMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type memorySub struct {
	owner  *Memory
	filter string
	h      Handler
}

func NewMemoryBroker() *MemoryBroker { return &MemoryBroker{} }

// Client returns a new client attached to the broker.
func (b *MemoryBroker) Client() *Memory { return &Memory{broker: b} }

// Messages returns a copy of the published log.
func (b *MemoryBroker) Messages() []MemoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MemoryMessage(nil), b.Published...)
}

func (m *Memory) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b := m.broker
	b.mu.Lock()
	if m.closed {
		b.mu.Unlock()
		return fmt.Errorf("client disconnected")
	}
	cp := append([]byte(nil), payload...)
	b.Published = append(b.Published, MemoryMessage{Topic: topic, Payload: cp, QoS: qos, Retained: retained})
	var targets []Handler
	for _, s := range b.subs {
		if !s.owner.closed && topicMatches(s.filter, topic) {
			targets = append(targets, s.h)
		}
	}
	b.mu.Unlock()
	for _, h := range targets {
		h(topic, cp)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, _ byte, h Handler) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	m.broker.subs = append(m.broker.subs, memorySub{owner: m, filter: topic, h: h})
	return nil
}

func (m *Memory) Disconnect() {
	m.broker.mu.Lock()
	m.closed = true
	m.broker.mu.Unlock()
}

func topicMatches(filter, topic string) bool {
	if strings.HasSuffix(filter, "/#") {
		return strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))
	}
	return filter == "#" || filter == topic
}
