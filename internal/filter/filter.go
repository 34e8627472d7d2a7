// Package filter turns raw bus messages into readings for the configured device.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

var (
	// ErrNotAddressed is returned for messages published by other devices.
	ErrNotAddressed = errors.New("message not addressed to device")
	// ErrNoTemperature is returned for device messages without a temperature value.
	ErrNoTemperature = errors.New("message has no temperature")
)

// ParseError reports a message body that could not be understood.
type ParseError struct {
	Topic string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %q: %v", e.Topic, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type Filter struct {
	DeviceName string
}

func New(deviceName string) *Filter {
	return &Filter{DeviceName: deviceName}
}

// Addressed reports whether the last topic segment names the device.
func (f *Filter) Addressed(topic string) bool {
	topic = strings.TrimSuffix(topic, "/")
	last := topic
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		last = topic[i+1:]
	}
	return last != "" && last == f.DeviceName
}

// Parse validates one message and returns the reading it carries.
// The reading is stamped with now, the time the message was received.
func (f *Filter) Parse(topic string, payload []byte, now time.Time) (types.Reading, error) {
	if !f.Addressed(topic) {
		return types.Reading{}, ErrNotAddressed
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return types.Reading{}, &ParseError{Topic: topic, Err: err}
	}
	if body == nil {
		return types.Reading{}, &ParseError{Topic: topic, Err: errors.New("body is null")}
	}

	temp, ok, err := number(body, "temperature")
	if err != nil {
		return types.Reading{}, &ParseError{Topic: topic, Field: "temperature", Err: err}
	}
	if !ok {
		return types.Reading{}, ErrNoTemperature
	}

	r := types.Reading{Temperature: temp, ObservedAt: now}

	hum, ok, err := number(body, "humidity")
	if err != nil {
		return types.Reading{}, &ParseError{Topic: topic, Field: "humidity", Err: err}
	}
	if ok {
		r.Humidity = &hum
	}
	return r, nil
}

// number extracts a numeric field. Numeric strings are accepted because some
// zigbee2mqtt converters publish them.
func number(body map[string]any, key string) (float64, bool, error) {
	raw, present := body[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false, fmt.Errorf("not a number: %q", v)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected type %T", raw)
	}
}
