// Package supervisor drives readings through filter, gate and delivery.
//
// In poll mode RunPoll owns the cadence and the error backoff. In push mode
// the Supervisor is the MQTT handler and runs one pass per message.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/delivery"
	"github.com/gurkepunktli/strehlgasse-temp/internal/filter"
	"github.com/gurkepunktli/strehlgasse-temp/internal/gate"
	"github.com/gurkepunktli/strehlgasse-temp/internal/journal"
	"github.com/gurkepunktli/strehlgasse-temp/internal/metrics"
	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultBackoffAfter = 5
	DefaultBackoffPause = 300 * time.Second

	outcomeDelivered = "delivered"
)

// Source is polled once per cycle.
type Source interface {
	Read(ctx context.Context) (types.Reading, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, r types.Reading) error
}

// Recorder persists delivery attempts. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, a journal.Attempt) error
}

type Options struct {
	Mode     string
	Location string
	Gate     gate.Config

	BackoffEnabled bool
	Interval       time.Duration
	BackoffAfter   int
	BackoffPause   time.Duration
}

// Deps are the optional collaborators. Zero values are replaced with
// working defaults, except Journal and Metrics which stay off.
type Deps struct {
	Filter  *filter.Filter
	Journal Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

type Supervisor struct {
	opts      Options
	gate      *gate.Gate
	deliverer Deliverer
	filter    *filter.Filter
	journal   Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	inflight sync.WaitGroup

	mu                sync.Mutex
	draining          bool
	consecutiveErrors int
	pausedUntil       time.Time
	lastOutcome       string
	lastAttemptAt     time.Time
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Mode              string               `json:"mode"`
	GateEnabled       bool                 `json:"gate_enabled"`
	BackoffEnabled    bool                 `json:"backoff_enabled"`
	ConsecutiveErrors int                  `json:"consecutive_errors"`
	LastOutcome       string               `json:"last_outcome,omitempty"`
	LastAttemptAt     *time.Time           `json:"last_attempt_at,omitempty"`
	PausedUntil       *time.Time           `json:"paused_until,omitempty"`
	LastDelivery      types.DeliveryRecord `json:"last_delivery"`
}

func New(opts Options, d Deliverer, deps Deps) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BackoffAfter <= 0 {
		opts.BackoffAfter = DefaultBackoffAfter
	}
	if opts.BackoffPause <= 0 {
		opts.BackoffPause = DefaultBackoffPause
	}

	s := &Supervisor{
		opts:      opts,
		gate:      gate.New(opts.Gate),
		deliverer: d,
		filter:    deps.Filter,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		sleep:     deps.Sleep,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	return s
}

// RunPoll reads src every Interval until ctx is done. Read and delivery
// failures are counted; BackoffAfter of them in a row pause the loop for
// BackoffPause when backoff is enabled.
func (s *Supervisor) RunPoll(ctx context.Context, src Source) error {
	s.logger.Info("poll loop started",
		"interval", s.opts.Interval,
		"gate_enabled", s.gate.Enabled(),
		"backoff_enabled", s.opts.BackoffEnabled,
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.pollOnce(ctx, src)
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := s.opts.Interval
		errs := s.errorCount()
		backoff := s.opts.BackoffEnabled && errs >= s.opts.BackoffAfter
		if backoff {
			wait = s.opts.BackoffPause
			s.metrics.Backoff()
			s.logger.Warn("too many consecutive errors, pausing",
				"consecutive_errors", errs,
				"pause", wait,
			)
		}

		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
		if backoff {
			s.resetErrors()
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context, src Source) {
	defer s.recoverCycle("poll")

	r, err := src.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.Reading("read_error")
		n := s.failure("read_error")
		s.logger.Error("sensor read failed", "error", err, "consecutive_errors", n)
		return
	}
	s.metrics.Reading("ok")
	s.offer(ctx, r)
}

// OnConnected implements mqtt.Handler.
func (s *Supervisor) OnConnected() {
	s.metrics.MQTTConnected(true)
}

// OnDisconnected implements mqtt.Handler. A nil err is a clean shutdown.
func (s *Supervisor) OnDisconnected(err error) {
	s.metrics.MQTTConnected(false)
	if err != nil {
		s.logger.Warn("unexpected mqtt disconnect", "error", err)
		return
	}
	s.logger.Info("mqtt disconnected")
}

// OnMessage implements mqtt.Handler. Delivery is bounded by the client
// timeout, not by a caller context.
func (s *Supervisor) OnMessage(topic string, payload []byte) {
	s.HandleMessage(context.Background(), topic, payload)
}

// HandleMessage runs one push-mode pass for a bus message.
func (s *Supervisor) HandleMessage(ctx context.Context, topic string, payload []byte) {
	if !s.enter() {
		s.logger.Debug("message dropped during shutdown", "topic", topic)
		return
	}
	defer s.inflight.Done()
	defer s.recoverCycle("message")

	if s.filter == nil {
		s.logger.Error("message received without a device filter", "topic", topic)
		return
	}
	if !s.filter.Addressed(topic) {
		s.metrics.Reading("not_addressed")
		return
	}

	r, err := s.filter.Parse(topic, payload, s.now())
	switch {
	case err == nil:
	case errors.Is(err, filter.ErrNoTemperature):
		s.metrics.Reading("no_temperature")
		s.logger.Debug("message without temperature ignored", "topic", topic)
		return
	default:
		s.metrics.Reading("parse_error")
		s.logger.Warn("invalid message", "topic", topic, "error", err)
		return
	}

	if s.paused(r.ObservedAt) {
		s.metrics.Reading("paused")
		s.logger.Debug("delivery paused after repeated errors", "topic", topic, "temperature", r.Temperature)
		return
	}
	s.metrics.Reading("ok")
	s.offer(ctx, r)

	if s.opts.BackoffEnabled {
		if n := s.errorCount(); n >= s.opts.BackoffAfter {
			until := s.startPause(r.ObservedAt)
			s.metrics.Backoff()
			s.logger.Warn("too many consecutive errors, pausing",
				"consecutive_errors", n,
				"until", until,
			)
		}
	}
}

// Drain stops accepting bus messages and waits for the ones in flight.
// Call it after the subscriber is disconnected and before the journal closes.
func (s *Supervisor) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Supervisor) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

// offer passes r through the gate and records the outcome.
func (s *Supervisor) offer(ctx context.Context, r types.Reading) {
	d, err := s.gate.Offer(ctx, r, s.deliver)
	s.metrics.GateDecision(d.String())

	switch {
	case d != gate.Admit:
		s.logger.Debug("reading held back",
			"decision", d.String(),
			"temperature", r.Temperature,
		)
	case interrupted(ctx, err):
		s.logger.Info("delivery interrupted by shutdown", "temperature", r.Temperature)
	case err != nil:
		n := s.failure(string(delivery.Classify(err)))
		s.logger.Error("delivery failed", "error", err, "consecutive_errors", n)
	default:
		s.success()
		s.metrics.Delivered(r.ObservedAt)
		attrs := []any{"temperature", r.Temperature, "location", s.opts.Location}
		if r.Humidity != nil {
			attrs = append(attrs, "humidity", *r.Humidity)
		}
		s.logger.Info("reading delivered", attrs...)
	}
}

// deliver is the gate's DeliverFunc; it runs with the gate held.
func (s *Supervisor) deliver(ctx context.Context, r types.Reading) error {
	start := s.now()
	err := s.deliverer.Deliver(ctx, r)
	took := s.now().Sub(start)
	if interrupted(ctx, err) {
		return err
	}

	outcome := outcomeDelivered
	if err != nil {
		outcome = string(delivery.Classify(err))
	}
	s.metrics.Delivery(outcome, took)
	s.record(ctx, start, r, outcome, err)
	return err
}

func (s *Supervisor) record(ctx context.Context, at time.Time, r types.Reading, outcome string, err error) {
	if s.journal == nil {
		return
	}
	a := journal.Attempt{
		AttemptedAt: at,
		ObservedAt:  r.ObservedAt,
		Location:    s.opts.Location,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Outcome:     outcome,
	}
	var f *delivery.Failure
	switch {
	case errors.As(err, &f):
		a.Status = f.Status
		a.Detail = f.Body
		if a.Detail == "" && f.Err != nil {
			a.Detail = f.Err.Error()
		}
	case err != nil:
		a.Detail = err.Error()
	}
	if jerr := s.journal.Record(context.WithoutCancel(ctx), a); jerr != nil {
		s.logger.Warn("journal write failed", "error", jerr)
	}
}

// interrupted reports whether err is the caller canceling ctx rather than
// the endpoint failing.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled)
}

func (s *Supervisor) recoverCycle(kind string) {
	if v := recover(); v != nil {
		s.metrics.Reading("panic")
		s.logger.Error("cycle panicked",
			"cycle", kind,
			"panic", fmt.Sprint(v),
			"stack", string(debug.Stack()),
		)
	}
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	rec := s.gate.Record()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Mode:              s.opts.Mode,
		GateEnabled:       s.gate.Enabled(),
		BackoffEnabled:    s.opts.BackoffEnabled,
		ConsecutiveErrors: s.consecutiveErrors,
		LastOutcome:       s.lastOutcome,
		LastDelivery:      rec,
	}
	if !s.lastAttemptAt.IsZero() {
		t := s.lastAttemptAt
		st.LastAttemptAt = &t
	}
	if !s.pausedUntil.IsZero() {
		t := s.pausedUntil
		st.PausedUntil = &t
	}
	return st
}

func (s *Supervisor) failure(outcome string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	s.lastOutcome = outcome
	s.lastAttemptAt = s.now()
	s.metrics.ConsecutiveErrors(s.consecutiveErrors)
	return s.consecutiveErrors
}

func (s *Supervisor) success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
	s.lastOutcome = outcomeDelivered
	s.lastAttemptAt = s.now()
	s.metrics.ConsecutiveErrors(0)
}

func (s *Supervisor) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

func (s *Supervisor) resetErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
	s.metrics.ConsecutiveErrors(0)
}

func (s *Supervisor) startPause(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedUntil = now.Add(s.opts.BackoffPause)
	return s.pausedUntil
}

// paused reports whether push delivery is cooling down. The first message
// after the pause ends clears it and the error count.
func (s *Supervisor) paused(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pausedUntil.IsZero() {
		return false
	}
	if now.Before(s.pausedUntil) {
		return true
	}
	s.pausedUntil = time.Time{}
	s.consecutiveErrors = 0
	s.metrics.ConsecutiveErrors(0)
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
