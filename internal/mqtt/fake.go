package mqtt

import (
	"strings"
	"sync"
)

// Message is one publish recorded by FakeClient.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// FakeClient records published messages and lets tests deliver messages
// to subscribers. It is safe for concurrent use.
type FakeClient struct {
	mu        sync.Mutex
	messages  []Message
	subs      map[string]MessageHandler
	publishFn func(Message)

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		subs:      make(map[string]MessageHandler),
		Connected: true,
	}
}

// OnPublish installs fn to be called after every successful publish,
// outside the lock. Tests use it to play the remote side of an RPC.
func (f *FakeClient) OnPublish(fn func(Message)) {
	f.mu.Lock()
	f.publishFn = fn
	f.mu.Unlock()
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	if f.PublishError != nil {
		err := f.PublishError
		f.mu.Unlock()
		return err
	}
	m := Message{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos, Retained: retained}
	f.messages = append(f.messages, m)
	fn := f.publishFn
	f.mu.Unlock()

	if fn != nil {
		fn(m)
	}
	return nil
}

// Subscribe registers h for topic, replacing any earlier handler.
func (f *FakeClient) Subscribe(topic string, _ byte, h MessageHandler) error {
	f.mu.Lock()
	f.subs[topic] = h
	f.mu.Unlock()
	return nil
}

// Deliver hands payload to every handler whose filter matches topic.
// It reports how many handlers received it.
func (f *FakeClient) Deliver(topic string, payload []byte) int {
	f.mu.Lock()
	var handlers []MessageHandler
	for filter, h := range f.subs {
		if MatchTopic(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// Messages returns everything published so far.
func (f *FakeClient) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

// MessagesOn returns the messages published on topic.
func (f *FakeClient) MessagesOn(topic string) []Message {
	var out []Message
	for _, m := range f.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscribed reports whether a handler is registered for filter.
func (f *FakeClient) Subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[filter]
	return ok
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	f.messages = nil
	f.PublishError = nil
	f.Closed = false
	f.mu.Unlock()
}

// MatchTopic reports whether topic matches the subscription filter,
// honouring the + and # wildcards.
func MatchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// Verify interface compliance
var _ Client = (*FakeClient)(nil)
