package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrStopped is returned by Connect after Disconnect.
var ErrStopped = errors.New("subscriber stopped")

// Handler receives the subscriber's connection events and messages.
// Calls are made one at a time from paho's router goroutine.
type Handler interface {
	OnConnected()
	OnDisconnected(err error)
	OnMessage(topic string, payload []byte)
}

type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	handler   Handler
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(cfg config.Config, handler Handler, logger *slog.Logger) (*Subscriber, error) {
	if handler == nil {
		return nil, errors.New("mqtt: nil handler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	s.client = mqtt.NewClient(s.clientOptions())
	return s, nil
}

func (s *Subscriber) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.MQTTBroker, s.cfg.MQTTPort))
	opts.SetClientID(s.cfg.MQTTClientID)
	if s.cfg.MQTTUser != "" && s.cfg.MQTTPassword != "" {
		opts.SetUsername(s.cfg.MQTTUser)
		opts.SetPassword(s.cfg.MQTTPassword)
	}

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// A clean session forgets subscriptions, so subscribe on every connect.
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Info("mqtt reconnecting", "broker", s.cfg.MQTTBroker, "port", s.cfg.MQTTPort)
	})
	return opts
}

// Connect starts the connection and waits for the first successful connect.
// It respects ctx and Disconnect().
func (s *Subscriber) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}

	if s.IsConnected() {
		return nil
	}

	// With ConnectRetry(true) the token completes only once connected.
	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	s.setConnected(true)
	s.logger.Info("mqtt connected", "broker", s.cfg.MQTTBroker, "port", s.cfg.MQTTPort)
	s.handler.OnConnected()

	if err := s.subscribe(c); err != nil {
		s.logger.Error("mqtt subscribe failed", "topic", s.cfg.MQTTTopic, "error", err)
	}
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	topic := s.cfg.MQTTTopic
	qos := byte(1) // At least once delivery

	token := c.Subscribe(topic, qos, s.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.setConnected(false)
	s.logger.Warn("mqtt connection lost", "error", err)
	s.handler.OnDisconnected(err)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.logger.Debug("received mqtt message", "topic", msg.Topic(), "size", len(msg.Payload()))
	s.handler.OnMessage(msg.Topic(), msg.Payload())
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	first := false
	s.stopOnce.Do(func() {
		close(s.stopCh)
		first = true
	})
	if !first {
		return
	}

	if s.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.MQTTTopic)
		token.WaitTimeout(2 * time.Second)
	}

	// Paho Disconnect quiesces in-flight work for the given ms.
	s.client.Disconnect(250)

	s.setConnected(false)
	s.handler.OnDisconnected(nil)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
