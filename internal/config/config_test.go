package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

var allKeys = []string{
	"APP_ENV", "LOG_LEVEL", "LOG_FILE", "MODE", "API_URL", "LOCATION", "API_TIMEOUT",
	"POLL_INTERVAL", "BACKOFF_AFTER", "BACKOFF_PAUSE", "GATE_ENABLED", "BACKOFF_ENABLED",
	"MIN_SEND_INTERVAL", "MIN_CHANGE", "SENSOR_TYPE", "BME280_ADDRESS", "W1_DEVICES_DIR",
	"MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID", "MQTT_USER", "MQTT_PASSWORD", "MQTT_TOPIC",
	"SENSOR_DEVICE_NAME", "HTTP_ADDR", "JOURNAL_PATH",
}

// clearEnv unsets every variable LoadFromEnv reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
		if err := os.Unsetenv(k); err != nil {
			t.Fatalf("unsetenv %s: %v", k, err)
		}
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want dev", got.AppEnv)
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.Mode != ModePush {
		t.Errorf("Mode = %q, want push", got.Mode)
	}
	if got.APIURL != "https://temperature-api.dyntech.workers.dev/api/temperature" {
		t.Errorf("APIURL = %q", got.APIURL)
	}
	if got.Location != "strehlgasse" {
		t.Errorf("Location = %q", got.Location)
	}
	if got.APITimeout != 10*time.Second {
		t.Errorf("APITimeout = %v, want 10s", got.APITimeout)
	}
	if got.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", got.PollInterval)
	}
	if got.BackoffAfter != 5 || got.BackoffPause != 300*time.Second {
		t.Errorf("backoff = %d/%v, want 5/300s", got.BackoffAfter, got.BackoffPause)
	}
	if !got.GateEnabled || got.BackoffEnabled {
		t.Errorf("push defaults: gate=%v backoff=%v, want true/false", got.GateEnabled, got.BackoffEnabled)
	}
	if got.MinSendInterval != 30*time.Second || got.MinChange != 0.1 {
		t.Errorf("gate = %v/%v, want 30s/0.1", got.MinSendInterval, got.MinChange)
	}
	if got.MQTTBroker != "localhost" || got.MQTTPort != 1883 || got.MQTTClientID != "zigbee_temp_monitor" {
		t.Errorf("mqtt = %s:%d %s", got.MQTTBroker, got.MQTTPort, got.MQTTClientID)
	}
	if got.MQTTTopic != "zigbee2mqtt/#" || got.SensorDeviceName != "temperature_sensor" {
		t.Errorf("topic/device = %q/%q", got.MQTTTopic, got.SensorDeviceName)
	}
	if got.SensorType != SensorDS18B20 || got.BME280Address != 0x76 {
		t.Errorf("sensor = %q 0x%x", got.SensorType, got.BME280Address)
	}
	if got.HTTPAddr != ":8081" {
		t.Errorf("HTTPAddr = %q, want :8081", got.HTTPAddr)
	}
	if got.JournalPath != "" {
		t.Errorf("JournalPath = %q, want empty", got.JournalPath)
	}
}

func TestLoadFromEnv_PollModeDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODE", "Poll")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got.Mode != ModePoll {
		t.Fatalf("Mode = %q, want poll", got.Mode)
	}
	if got.GateEnabled || !got.BackoffEnabled {
		t.Errorf("poll defaults: gate=%v backoff=%v, want false/true", got.GateEnabled, got.BackoffEnabled)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODE", "poll")
	t.Setenv("GATE_ENABLED", "true")
	t.Setenv("BACKOFF_ENABLED", "0")
	t.Setenv("MIN_SEND_INTERVAL", "45")
	t.Setenv("MIN_CHANGE", "0.25")
	t.Setenv("POLL_INTERVAL", "2m")
	t.Setenv("SENSOR_TYPE", "BME280")
	t.Setenv("BME280_ADDRESS", "0x77")
	t.Setenv("MQTT_USER", "bridge")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("JOURNAL_PATH", "/var/lib/bridge/journal.db")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if !got.GateEnabled || got.BackoffEnabled {
		t.Errorf("gate=%v backoff=%v, want true/false", got.GateEnabled, got.BackoffEnabled)
	}
	if got.MinSendInterval != 45*time.Second {
		t.Errorf("MinSendInterval = %v, want 45s", got.MinSendInterval)
	}
	if got.MinChange != 0.25 {
		t.Errorf("MinChange = %v", got.MinChange)
	}
	if got.PollInterval != 2*time.Minute {
		t.Errorf("PollInterval = %v", got.PollInterval)
	}
	if got.SensorType != SensorBME280 || got.BME280Address != 0x77 {
		t.Errorf("sensor = %q 0x%x", got.SensorType, got.BME280Address)
	}
	if got.MQTTUser != "bridge" || got.MQTTPassword != "secret" {
		t.Errorf("credentials = %q/%q", got.MQTTUser, got.MQTTPassword)
	}
	if got.HTTPAddr != "" {
		t.Errorf("HTTPAddr = %q, want empty (disabled)", got.HTTPAddr)
	}
	if got.JournalPath != "/var/lib/bridge/journal.db" {
		t.Errorf("JournalPath = %q", got.JournalPath)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "app env", key: "APP_ENV", value: "staging"},
		{name: "uppercase app env", key: "APP_ENV", value: "DEV"},
		{name: "log level", key: "LOG_LEVEL", value: "verbose"},
		{name: "mode", key: "MODE", value: "stream"},
		{name: "relative api url", key: "API_URL", value: "/api/temperature"},
		{name: "api url scheme", key: "API_URL", value: "ftp://host/api"},
		{name: "api timeout zero", key: "API_TIMEOUT", value: "0s"},
		{name: "poll interval garbage", key: "POLL_INTERVAL", value: "soon"},
		{name: "backoff after zero", key: "BACKOFF_AFTER", value: "0"},
		{name: "backoff after text", key: "BACKOFF_AFTER", value: "five"},
		{name: "gate flag", key: "GATE_ENABLED", value: "maybe"},
		{name: "negative interval", key: "MIN_SEND_INTERVAL", value: "-5"},
		{name: "negative change", key: "MIN_CHANGE", value: "-0.1"},
		{name: "sensor type", key: "SENSOR_TYPE", value: "dht22"},
		{name: "bme address", key: "BME280_ADDRESS", value: "0x1FFFF"},
		{name: "mqtt port text", key: "MQTT_PORT", value: "mqtt"},
		{name: "mqtt port range", key: "MQTT_PORT", value: "70000"},
		{name: "device with slash", key: "SENSOR_DEVICE_NAME", value: "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"Error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
