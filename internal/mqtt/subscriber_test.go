package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/config"
)

type recordingHandler struct {
	mu          sync.Mutex
	connected   int
	disconnects []error
	topics      []string
	payloads    [][]byte
}

func (h *recordingHandler) OnConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHandler) OnDisconnected(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, err)
}

func (h *recordingHandler) OnMessage(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	h.payloads = append(h.payloads, payload)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testConfig() config.Config {
	return config.Config{
		MQTTBroker:   "broker.local",
		MQTTPort:     1884,
		MQTTClientID: "zigbee_temp_monitor",
		MQTTTopic:    "zigbee2mqtt/#",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientOptions(t *testing.T) {
	s, err := NewSubscriber(testConfig(), &recordingHandler{}, discardLogger())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	opts := s.clientOptions()

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://broker.local:1884" {
		t.Fatalf("servers = %v", opts.Servers)
	}
	if opts.ClientID != "zigbee_temp_monitor" {
		t.Errorf("client id = %q", opts.ClientID)
	}
	if opts.Username != "" || opts.Password != "" {
		t.Errorf("credentials set without config: %q/%q", opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect || !opts.ConnectRetry {
		t.Errorf("clean=%v autoReconnect=%v connectRetry=%v", opts.CleanSession, opts.AutoReconnect, opts.ConnectRetry)
	}
	if opts.KeepAlive != 30 {
		t.Errorf("keepalive = %d, want 30", opts.KeepAlive)
	}
	if opts.MaxReconnectInterval != 60*time.Second {
		t.Errorf("max reconnect = %v", opts.MaxReconnectInterval)
	}
}

func TestClientOptions_Credentials(t *testing.T) {
	cfg := testConfig()
	cfg.MQTTUser = "bridge"
	cfg.MQTTPassword = "secret"
	s, err := NewSubscriber(cfg, &recordingHandler{}, discardLogger())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	opts := s.clientOptions()
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}

	// A user without a password is ignored.
	cfg.MQTTPassword = ""
	s, _ = NewSubscriber(cfg, &recordingHandler{}, discardLogger())
	if opts := s.clientOptions(); opts.Username != "" {
		t.Errorf("username = %q, want empty", opts.Username)
	}
}

func TestNewSubscriber_NilHandler(t *testing.T) {
	if _, err := NewSubscriber(testConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestCallbacksReachHandler(t *testing.T) {
	h := &recordingHandler{}
	s, err := NewSubscriber(testConfig(), h, discardLogger())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}

	s.onMessage(nil, fakeMessage{topic: "zigbee2mqtt/temperature_sensor", payload: []byte(`{"temperature":21.5}`)})
	lost := errors.New("EOF")
	s.onConnectionLost(nil, lost)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.topics) != 1 || h.topics[0] != "zigbee2mqtt/temperature_sensor" {
		t.Fatalf("topics = %v", h.topics)
	}
	if string(h.payloads[0]) != `{"temperature":21.5}` {
		t.Errorf("payload = %s", h.payloads[0])
	}
	if len(h.disconnects) != 1 || !errors.Is(h.disconnects[0], lost) {
		t.Errorf("disconnects = %v", h.disconnects)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := &recordingHandler{}
	s, err := NewSubscriber(testConfig(), h, discardLogger())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}

	s.Disconnect()
	s.Disconnect()

	h.mu.Lock()
	n := len(h.disconnects)
	h.mu.Unlock()
	if n != 1 {
		t.Fatalf("OnDisconnected calls = %d, want 1", n)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Connect after Disconnect = %v, want ErrStopped", err)
	}
}
