// Package gate decides which readings are worth delivering.
//
// A reading passes when enough time has elapsed since the last acknowledged
// delivery and the temperature moved by at least the configured deadband.
// The remembered DeliveryRecord only advances after the deliver function
// reports success, so a failed delivery is retried against the old baseline.
package gate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

const (
	DefaultMinInterval = 30 * time.Second
	DefaultMinChange   = 0.1

	// Absorbs float noise so 20.0 -> 20.1 counts as a change of 0.1.
	epsilon = 1e-9
)

type Decision int

const (
	Admit Decision = iota
	RejectInterval
	RejectChange
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case RejectInterval:
		return "reject_interval"
	case RejectChange:
		return "reject_change"
	default:
		return "unknown"
	}
}

type Config struct {
	// Enabled false makes every reading pass; the record is still kept.
	Enabled     bool
	MinInterval time.Duration
	MinChange   float64
}

// DeliverFunc performs the outbound call. A nil error means acknowledged.
type DeliverFunc func(ctx context.Context, r types.Reading) error

type Gate struct {
	cfg Config

	mu     sync.Mutex
	record types.DeliveryRecord
}

func New(cfg Config) *Gate {
	if cfg.MinChange < 0 {
		cfg.MinChange = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &Gate{cfg: cfg}
}

func (g *Gate) Enabled() bool { return g.cfg.Enabled }

// Check evaluates r against the current record without changing it.
func (g *Gate) Check(r types.Reading) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(r)
}

func (g *Gate) check(r types.Reading) Decision {
	if !g.cfg.Enabled {
		return Admit
	}
	if g.record.SentAt != nil && r.ObservedAt.Sub(*g.record.SentAt) < g.cfg.MinInterval {
		return RejectInterval
	}
	if g.record.Temperature != nil {
		diff := math.Abs(r.Temperature - *g.record.Temperature)
		if diff+epsilon < g.cfg.MinChange {
			return RejectChange
		}
	}
	return Admit
}

// Offer checks r and, when admitted, calls deliver while holding the gate.
// The record is replaced only if deliver returns nil. The error returned is
// deliver's error; a rejected reading returns a nil error.
func (g *Gate) Offer(ctx context.Context, r types.Reading, deliver DeliverFunc) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.check(r)
	if d != Admit {
		return d, nil
	}
	if err := deliver(ctx, r); err != nil {
		return d, err
	}
	g.commit(r)
	return d, nil
}

func (g *Gate) commit(r types.Reading) {
	temp := r.Temperature
	sentAt := r.ObservedAt
	rec := types.DeliveryRecord{Temperature: &temp, SentAt: &sentAt}
	if r.Humidity != nil {
		h := *r.Humidity
		rec.Humidity = &h
	}
	g.record = rec
}

// Record returns a copy of the last acknowledged delivery.
func (g *Gate) Record() types.DeliveryRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out types.DeliveryRecord
	if g.record.Temperature != nil {
		v := *g.record.Temperature
		out.Temperature = &v
	}
	if g.record.Humidity != nil {
		v := *g.record.Humidity
		out.Humidity = &v
	}
	if g.record.SentAt != nil {
		v := *g.record.SentAt
		out.SentAt = &v
	}
	return out
}
