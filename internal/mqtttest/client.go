// Package mqtttest provides an in-memory mqtt.Client for tests.
package mqtttest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one recorded publish
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client records publishes and lets tests inject messages into subscriptions
type Client struct {
	mu        sync.Mutex
	connected bool
	published []Published
	handlers  map[string]mqtt.MessageHandler
	onConnect mqtt.OnConnectHandler

	// PublishErr, when set, fails every publish
	PublishErr error
}

// NewClient returns a connected fake client
func NewClient() *Client {
	return &Client{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.Reconnect()
	return doneToken{}
}

func (c *Client) Disconnect(quiesce uint) {
	c.SetConnected(false)
}

// SetOnConnect installs the handler a real client would take from
// ClientOptions.OnConnect
func (c *Client) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = h
}

// Drop simulates a lost connection on a clean session: the broker forgets
// every subscription.
func (c *Client) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.handlers = make(map[string]mqtt.MessageHandler)
}

// Reconnect marks the client connected and runs the connect handler
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.connected = true
	h := c.onConnect
	c.mu.Unlock()

	if h != nil {
		h(c)
	}
}

// SetConnected simulates connection loss or recovery
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PublishErr != nil {
		return doneToken{err: c.PublishErr}
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	return doneToken{}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken{err: mqtt.ErrNotConnected}
	}
	c.handlers[topic] = callback
	return doneToken{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return doneToken{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken{err: mqtt.ErrNotConnected}
	}
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver invokes the handler subscribed to topic. It reports false when
// nothing is subscribed.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &message{topic: topic, payload: payload})
	return true
}

// Subscribed reports whether a handler is registered for topic
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Published returns every recorded publish, optionally filtered by topic
func (c *Client) Published(topic string) []Published {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Published
	for _, p := range c.published {
		if topic == "" || p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                 { return t.err }

func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 1 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
