// Package bus owns the MQTT connection shared by the components of one process.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotConnected   = errors.New("mqtt not connected")
	ErrPublishTimeout = errors.New("publish timeout")
	ErrConnectTimeout = errors.New("mqtt connection timeout")
)

// Publisher is what components need to emit messages; *Conn implements it.
type Publisher interface {
	Publish(topic string, v interface{}) error
	PublishRetained(topic string, v interface{}) error
}

// Handler processes one delivered message. It runs on its own goroutine.
type Handler func(ctx context.Context, topic string, payload []byte)

// Will is the message the broker publishes for us on an unclean disconnect.
type Will struct {
	Topic    string
	Payload  interface{}
	Retained bool
}

type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	MaxInFlight    int
	Will           *Will
	// OnConnect runs after every successful (re)connect, once subscriptions
	// have been restored.
	OnConnect func(p Publisher)
}

type subscription struct {
	topic   string
	handler Handler
}

type Conn struct {
	opts   Options
	client mqtt.Client
	logger log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	slots  *dispatcher

	mu            sync.RWMutex
	subscriptions []subscription
	connected     bool
}

func New(opts Options, logger log.FieldLogger) *Conn {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:   opts,
		logger: logger.WithField("component", "bus"),
		ctx:    ctx,
		cancel: cancel,
		slots:  newDispatcher(opts.MaxInFlight),
	}
}

// Subscribe registers a handler. Subscriptions made before Connect are
// applied on connect, and all of them are re-applied after a reconnect.
func (c *Conn) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscription{topic: topic, handler: h})
	connected := c.connected
	c.mu.Unlock()

	if !connected || c.client == nil {
		return nil
	}
	return c.subscribe(subscription{topic: topic, handler: h})
}

func (c *Conn) subscribe(s subscription) error {
	token := c.client.Subscribe(s.topic, c.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		c.slots.run(func() {
			s.handler(c.ctx, msg.Topic(), payload)
		})
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: %w", s.topic, ErrConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	c.logger.WithField("topic", s.topic).Info("subscribed")
	return nil
}

// Connect dials the broker, registering the last will first.
func (c *Conn) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.opts.Broker)
	opts.SetClientID(c.opts.ClientID)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	if w := c.opts.Will; w != nil {
		payload, err := encode(w.Payload)
		if err != nil {
			return fmt.Errorf("encode last will: %w", err)
		}
		opts.SetBinaryWill(w.Topic, payload, c.opts.QoS, w.Retained)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.mu.Lock()
		c.connected = true
		subs := append([]subscription(nil), c.subscriptions...)
		c.mu.Unlock()

		c.logger.WithFields(log.Fields{
			"broker":    c.opts.Broker,
			"client_id": c.opts.ClientID,
		}).Info("mqtt connection established")

		for _, s := range subs {
			if err := c.subscribe(s); err != nil {
				c.logger.WithError(err).Error("failed to restore subscription")
			}
		}
		if c.opts.OnConnect != nil {
			c.opts.OnConnect(c)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	})

	c.client = mqtt.NewClient(opts)

	c.logger.WithField("broker", c.opts.Broker).Info("connecting to mqtt broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(c.opts.ConnectTimeout):
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Start is Connect for processes that must outlive a broker outage. When the
// first attempt times out paho keeps retrying in the background, and
// subscriptions and OnConnect run once it gets through.
func (c *Conn) Start(ctx context.Context) error {
	err := c.Connect(ctx)
	if errors.Is(err, ErrConnectTimeout) {
		c.logger.WithField("broker", c.opts.Broker).Warn("mqtt broker unreachable, retrying in background")
		return nil
	}
	return err
}

func (c *Conn) Publish(topic string, v interface{}) error {
	return c.publish(topic, v, false)
}

func (c *Conn) PublishRetained(topic string, v interface{}) error {
	return c.publish(topic, v, true)
}

func (c *Conn) publish(topic string, v interface{}, retained bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	payload, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := c.client.Publish(topic, c.opts.QoS, retained, payload)
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	c.logger.WithFields(log.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("message published")
	return nil
}

// Close publishes the farewell message if one is given, disconnects, and
// waits for in-flight handlers to return.
func (c *Conn) Close(farewellTopic string, farewell interface{}) {
	if c.client != nil {
		if farewellTopic != "" && c.client.IsConnected() {
			if err := c.PublishRetained(farewellTopic, farewell); err != nil {
				c.logger.WithError(err).Warn("failed to publish farewell")
			}
		}
		// Also stops a connect retry loop that never got through.
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.cancel()
	c.slots.wait()
}

func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// encode passes raw strings and bytes through and marshals everything else.
func encode(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(v)
	}
}
