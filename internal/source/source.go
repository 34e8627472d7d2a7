// Package source reads temperature (and humidity where available) from
// sensors attached to the host.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/gurkepunktli/strehlgasse-temp/internal/config"
	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

// ErrReadFailed wraps every hardware read failure.
var ErrReadFailed = errors.New("sensor read failed")

// Source produces one reading per call.
type Source interface {
	Read(ctx context.Context) (types.Reading, error)
	Close() error
}

// Open returns the source selected by cfg.SensorType.
func Open(cfg config.Config) (Source, error) {
	switch cfg.SensorType {
	case config.SensorBME280:
		return OpenBME280(cfg.BME280Address)
	case config.SensorDS18B20:
		return NewDS18B20(cfg.W1DevicesDir), nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
}

// Name returns a short label for logs.
func Name(s Source) string {
	switch s.(type) {
	case *BME280:
		return config.SensorBME280
	case *DS18B20:
		return config.SensorDS18B20
	default:
		return fmt.Sprintf("%T", s)
	}
}
