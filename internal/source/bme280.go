package source

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

// envSensor is the part of *bmxx80.Dev the source needs.
type envSensor interface {
	Sense(env *physic.Env) error
	Halt() error
}

// BME280 reads temperature and humidity from a Bosch BME280 on the default
// I2C bus.
type BME280 struct {
	mu  sync.Mutex
	dev envSensor
	bus io.Closer
	now func() time.Time
}

// OpenBME280 initialises the host drivers and opens the sensor at addr
// (usually 0x76 or 0x77).
func OpenBME280(addr uint16) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	bus, err := i2creg.Open("") // default bus, usually /dev/i2c-1
	if err != nil {
		return nil, fmt.Errorf("i2c open: %w", err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("bme280 at 0x%02x: %w", addr, err)
	}
	return newBME280(dev, bus), nil
}

func newBME280(dev envSensor, bus io.Closer) *BME280 {
	return &BME280{dev: dev, bus: bus, now: time.Now}
}

func (b *BME280) Read(ctx context.Context) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return types.Reading{}, fmt.Errorf("%w: bme280: %v", ErrReadFailed, err)
	}

	r := types.Reading{
		Temperature: env.Temperature.Celsius(),
		ObservedAt:  b.now(),
	}
	// BMP280 parts share the driver and report zero humidity.
	if env.Humidity > 0 {
		h := float64(env.Humidity) / float64(physic.PercentRH)
		r.Humidity = &h
	}
	return r, nil
}

func (b *BME280) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.dev != nil {
		firstErr = b.dev.Halt()
	}
	if b.bus != nil {
		if err := b.bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
