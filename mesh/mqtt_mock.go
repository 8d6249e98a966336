package mesh

import (
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockMessage is a message seen by MockClient.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory broker behind the mqtt.Client interface. It
// routes published and injected messages to matching subscriptions, keeps
// the last retained message per topic and replays retained messages to new
// subscribers. Client methods the service never calls are left to the nil
// embedded interface and panic.
type MockClient struct {
	mqtt.Client

	// SubscribeErr and PublishErr, when set, fail the matching call.
	SubscribeErr error
	PublishErr   error

	mu        sync.RWMutex
	connected bool
	subs      map[string]mqtt.MessageHandler
	published []MockMessage
	retained  map[string]MockMessage
}

// NewMockClient returns a disconnected client with no subscriptions.
func NewMockClient() *MockClient {
	return &MockClient{
		subs:     make(map[string]mqtt.MessageHandler),
		retained: make(map[string]MockMessage),
	}
}

// SetConnected sets the connection state.
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// IsConnected implements mqtt.Client.
func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsConnectionOpen implements mqtt.Client.
func (c *MockClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

// Disconnect implements mqtt.Client.
func (c *MockClient) Disconnect(uint) {
	c.SetConnected(false)
}

// Subscribe registers callback for filter and replays matching retained
// messages to it.
func (c *MockClient) Subscribe(filter string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return doneToken{mqtt.ErrNotConnected}
	}
	if c.SubscribeErr != nil {
		c.mu.Unlock()
		return doneToken{c.SubscribeErr}
	}
	c.subs[filter] = callback
	var replay []MockMessage
	for topic, m := range c.retained {
		if topicMatches(filter, topic) {
			replay = append(replay, m)
		}
	}
	c.mu.Unlock()

	for _, m := range replay {
		callback(c, inboundMessage{m})
	}
	return doneToken{}
}

// Publish records the message, updates the retained store and delivers it
// to matching subscribers.
func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	m := MockMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return doneToken{mqtt.ErrNotConnected}
	}
	if c.PublishErr != nil {
		c.mu.Unlock()
		return doneToken{c.PublishErr}
	}
	c.published = append(c.published, m)
	if retained {
		c.retained[topic] = m
	}
	c.mu.Unlock()

	c.deliver(m)
	return doneToken{}
}

// Inject delivers a message from another broker client and returns the
// number of subscriptions it reached.
func (c *MockClient) Inject(topic string, payload []byte) int {
	return c.deliver(MockMessage{Topic: topic, Payload: payload})
}

func (c *MockClient) deliver(m MockMessage) int {
	c.mu.RLock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if h != nil && topicMatches(filter, m.Topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(c, inboundMessage{m})
	}
	return len(handlers)
}

// Subscriptions returns the subscribed filters in sorted order.
func (c *MockClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for filter := range c.subs {
		out = append(out, filter)
	}
	slices.Sort(out)
	return out
}

// Published returns every message published so far.
func (c *MockClient) Published() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.published)
}

// Retained returns the retained message for topic.
func (c *MockClient) Retained(topic string) (MockMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.retained[topic]
	return m, ok
}

// topicMatches reports whether topic matches the subscription filter,
// honouring the "+" and "#" wildcards.
func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) || (f != "+" && f != ts[i]) {
			return false
		}
	}
	return len(fs) == len(ts)
}

// doneToken is an already completed mqtt.Token.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// inboundMessage adapts MockMessage to mqtt.Message.
type inboundMessage struct {
	m MockMessage
}

func (m inboundMessage) Duplicate() bool   { return false }
func (m inboundMessage) Qos() byte         { return m.m.QoS }
func (m inboundMessage) Retained() bool    { return m.m.Retain }
func (m inboundMessage) Topic() string     { return m.m.Topic }
func (m inboundMessage) MessageID() uint16 { return 0 }
func (m inboundMessage) Payload() []byte   { return m.m.Payload }
func (m inboundMessage) Ack()              {}
