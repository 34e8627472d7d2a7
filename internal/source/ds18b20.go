package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

// DS18B20 reads a one-wire thermometer through the kernel w1_therm driver.
// The w1_slave file holds two lines:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
type DS18B20 struct {
	devicesDir string
	now        func() time.Time
}

func NewDS18B20(devicesDir string) *DS18B20 {
	return &DS18B20{devicesDir: devicesDir, now: time.Now}
}

func (d *DS18B20) Read(ctx context.Context) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, err
	}

	path, err := d.slaveFile()
	if err != nil {
		return types.Reading{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return types.Reading{}, fmt.Errorf("%w: ds18b20: %v", ErrReadFailed, err)
	}
	defer func() { _ = f.Close() }()

	temp, err := parseW1Slave(f)
	if err != nil {
		return types.Reading{}, fmt.Errorf("%w: ds18b20 %s: %v", ErrReadFailed, path, err)
	}
	return types.Reading{Temperature: temp, ObservedAt: d.now()}, nil
}

func (d *DS18B20) Close() error { return nil }

// slaveFile picks the first family-28 device, the DS18B20 family code.
func (d *DS18B20) slaveFile() (string, error) {
	matches, err := filepath.Glob(filepath.Join(d.devicesDir, "28*"))
	if err != nil {
		return "", fmt.Errorf("%w: ds18b20 glob: %v", ErrReadFailed, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no ds18b20 under %s (is the w1-gpio overlay enabled?)", ErrReadFailed, d.devicesDir)
	}
	sort.Strings(matches)
	return filepath.Join(matches[0], "w1_slave"), nil
}

func parseW1Slave(r io.Reader) (float64, error) {
	sc := bufio.NewScanner(r)
	var lines []string
	for sc.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if len(lines) < 2 {
		return 0, fmt.Errorf("short w1_slave content (%d lines)", len(lines))
	}
	if !strings.HasSuffix(lines[0], "YES") {
		return 0, fmt.Errorf("crc check failed: %q", lines[0])
	}
	i := strings.Index(lines[1], "t=")
	if i < 0 {
		return 0, fmt.Errorf("no temperature field: %q", lines[1])
	}
	milli, err := strconv.ParseFloat(lines[1][i+2:], 64)
	if err != nil {
		return 0, fmt.Errorf("bad temperature %q: %v", lines[1][i+2:], err)
	}
	return milli / 1000.0, nil
}
