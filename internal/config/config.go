package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModePoll = "poll"
	ModePush = "push"

	SensorBME280  = "bme280"
	SensorDS18B20 = "ds18b20"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	LogFile  string
	Mode     string

	APIURL     string
	Location   string
	APITimeout time.Duration

	PollInterval    time.Duration
	BackoffAfter    int
	BackoffPause    time.Duration
	GateEnabled     bool
	BackoffEnabled  bool
	MinSendInterval time.Duration
	MinChange       float64

	SensorType    string
	BME280Address uint16
	W1DevicesDir  string

	MQTTBroker       string
	MQTTPort         int
	MQTTClientID     string
	MQTTUser         string
	MQTTPassword     string
	MQTTTopic        string
	SensorDeviceName string

	// HTTPAddr is the status server address; empty disables it.
	HTTPAddr string
	// JournalPath is the sqlite delivery journal; empty disables it.
	JournalPath string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	mode := strings.ToLower(envOr("MODE", ModePush))
	switch mode {
	case ModePoll, ModePush:
	default:
		return Config{}, fmt.Errorf("invalid MODE %q (allowed: poll, push)", mode)
	}

	apiURL := envOr("API_URL", "https://temperature-api.dyntech.workers.dev/api/temperature")
	u, err := url.Parse(apiURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid API_URL %q: %w", apiURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid API_URL %q: want an absolute http(s) URL", apiURL)
	}

	apiTimeout, err := positiveDuration("API_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := positiveDuration("POLL_INTERVAL", "60s")
	if err != nil {
		return Config{}, err
	}
	backoffPause, err := positiveDuration("BACKOFF_PAUSE", "300s")
	if err != nil {
		return Config{}, err
	}

	backoffAfterStr := envOr("BACKOFF_AFTER", "5")
	backoffAfter, err := strconv.Atoi(backoffAfterStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BACKOFF_AFTER %q: %w", backoffAfterStr, err)
	}
	if backoffAfter < 1 {
		return Config{}, fmt.Errorf("BACKOFF_AFTER must be >= 1, got %d", backoffAfter)
	}

	// Poll cadence already rate-limits, so the gate defaults off there and
	// the error backoff defaults off for push.
	gateEnabled, err := parseBool("GATE_ENABLED", mode == ModePush)
	if err != nil {
		return Config{}, err
	}
	backoffEnabled, err := parseBool("BACKOFF_ENABLED", mode == ModePoll)
	if err != nil {
		return Config{}, err
	}

	minSendIntervalStr := envOr("MIN_SEND_INTERVAL", "30s")
	minSendInterval, err := parseSecondsOrDuration(minSendIntervalStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MIN_SEND_INTERVAL %q: %w", minSendIntervalStr, err)
	}
	if minSendInterval < 0 {
		return Config{}, fmt.Errorf("MIN_SEND_INTERVAL must not be negative, got %v", minSendInterval)
	}

	minChangeStr := envOr("MIN_CHANGE", "0.1")
	minChange, err := strconv.ParseFloat(minChangeStr, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MIN_CHANGE %q: %w", minChangeStr, err)
	}
	if minChange < 0 {
		return Config{}, fmt.Errorf("MIN_CHANGE must not be negative, got %v", minChange)
	}

	sensorType := strings.ToLower(envOr("SENSOR_TYPE", SensorDS18B20))
	switch sensorType {
	case SensorBME280, SensorDS18B20:
	default:
		return Config{}, fmt.Errorf("invalid SENSOR_TYPE %q (allowed: bme280, ds18b20)", sensorType)
	}

	bme280AddressStr := envOr("BME280_ADDRESS", "0x76")
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}

	mqttPortStr := envOr("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}
	if mqttPort < 1 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT out of range: %d", mqttPort)
	}

	httpAddr := ":8081"
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		httpAddr = strings.TrimSpace(v)
	}

	deviceName := envOr("SENSOR_DEVICE_NAME", "temperature_sensor")
	if strings.Contains(deviceName, "/") {
		return Config{}, fmt.Errorf("invalid SENSOR_DEVICE_NAME %q: must be a single topic segment", deviceName)
	}

	return Config{
		AppEnv:   appEnv,
		LogLevel: level,
		LogFile:  strings.TrimSpace(os.Getenv("LOG_FILE")),
		Mode:     mode,

		APIURL:     apiURL,
		Location:   envOr("LOCATION", "strehlgasse"),
		APITimeout: apiTimeout,

		PollInterval:    pollInterval,
		BackoffAfter:    backoffAfter,
		BackoffPause:    backoffPause,
		GateEnabled:     gateEnabled,
		BackoffEnabled:  backoffEnabled,
		MinSendInterval: minSendInterval,
		MinChange:       minChange,

		SensorType:    sensorType,
		BME280Address: uint16(bme280Address),
		W1DevicesDir:  envOr("W1_DEVICES_DIR", "/sys/bus/w1/devices"),

		MQTTBroker:       envOr("MQTT_BROKER", "localhost"),
		MQTTPort:         mqttPort,
		MQTTClientID:     envOr("MQTT_CLIENT_ID", "zigbee_temp_monitor"),
		MQTTUser:         strings.TrimSpace(os.Getenv("MQTT_USER")),
		MQTTPassword:     os.Getenv("MQTT_PASSWORD"),
		MQTTTopic:        envOr("MQTT_TOPIC", "zigbee2mqtt/#"),
		SensorDeviceName: deviceName,

		HTTPAddr:    httpAddr,
		JournalPath: strings.TrimSpace(os.Getenv("JOURNAL_PATH")),
	}, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func positiveDuration(key, def string) (time.Duration, error) {
	s := envOr(key, def)
	d, err := parseSecondsOrDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

// parseSecondsOrDuration accepts Go durations ("90s", "5m") and bare seconds ("30").
func parseSecondsOrDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func parseBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
