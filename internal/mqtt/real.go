package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/ring"
)

// DefaultBufferSize is how many messages are held while disconnected.
const DefaultBufferSize = 500

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	Logger     logr.Logger
}

// RealClient talks to an actual MQTT broker. Messages published while the
// connection is down are buffered and replayed, oldest first, on reconnect.
type RealClient struct {
	client paho.Client
	logger logr.Logger

	mu        sync.Mutex
	subs      map[string]subscription
	offline   *ring.Buffer[bufferedMsg]
	connected bool // set once the first connection succeeded
}

// NewRealClient connects to the broker. If the broker is not reachable
// within 10 seconds the client keeps retrying in the background and
// buffers outgoing messages meanwhile.
func NewRealClient(o Options) (*RealClient, error) {
	if o.ClientID == "" {
		o.ClientID = "aps-controller"
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	c := &RealClient{
		logger:  o.Logger.WithName("mqtt"),
		subs:    make(map[string]subscription),
		offline: ring.New[bufferedMsg](o.BufferSize),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Error(err, "Connection lost")
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		c.logger.Info("Broker not reachable yet, retrying in background", "broker", o.Broker)
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

// onConnect restores subscriptions and replays buffered messages.
func (c *RealClient) onConnect(client paho.Client) {
	c.mu.Lock()
	reconnect := c.connected
	c.connected = true
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	overflowed := c.offline.Overflowed()
	dropped := c.offline.Dropped()
	msgs := c.offline.DrainAll()
	c.mu.Unlock()

	c.logger.Info("Connected", "reconnect", reconnect, "buffered", len(msgs))
	for topic, s := range subs {
		if err := c.subscribe(topic, s); err != nil {
			c.logger.Error(err, "Failed to restore subscription", "topic", topic)
		}
	}
	if overflowed {
		c.logger.Info("Offline buffer overflowed, oldest messages lost", "dropped", dropped)
	}
	for _, m := range msgs {
		if err := c.send(m); err != nil {
			c.logger.Error(err, "Failed to replay buffered message", "topic", m.topic)
		}
	}
	if reconnect {
		if err := PublishSystem(c, SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"}); err != nil {
			c.logger.Error(err, "Failed to publish reconnect event")
		}
	}
}

// Publish sends payload, or buffers it while disconnected.
func (c *RealClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	m := bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}
	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		if c.offline.Push(m) && c.offline.Dropped() == 1 {
			c.logger.Info("Offline buffer full, dropping oldest")
		}
		c.mu.Unlock()
		c.logger.V(logging.DEBUG).Info("Buffered message while disconnected", "topic", topic)
		return nil
	}
	return c.send(m)
}

func (c *RealClient) send(m bufferedMsg) error {
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers h for topic. The subscription is restored on every
// reconnect.
func (c *RealClient) Subscribe(topic string, qos byte, h MessageHandler) error {
	s := subscription{qos: qos, handler: h}
	c.mu.Lock()
	c.subs[topic] = s
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, s)
}

func (c *RealClient) subscribe(topic string, s subscription) error {
	token := c.client.Subscribe(topic, s.qos, func(_ paho.Client, m paho.Message) {
		s.handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}

// Verify interface compliance
var _ Client = (*RealClient)(nil)
