package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gurkepunktli/strehlgasse-temp/internal/config"
	"github.com/gurkepunktli/strehlgasse-temp/internal/delivery"
	"github.com/gurkepunktli/strehlgasse-temp/internal/filter"
	"github.com/gurkepunktli/strehlgasse-temp/internal/gate"
	"github.com/gurkepunktli/strehlgasse-temp/internal/httpapi"
	"github.com/gurkepunktli/strehlgasse-temp/internal/journal"
	"github.com/gurkepunktli/strehlgasse-temp/internal/metrics"
	"github.com/gurkepunktli/strehlgasse-temp/internal/mqtt"
	"github.com/gurkepunktli/strehlgasse-temp/internal/source"
	"github.com/gurkepunktli/strehlgasse-temp/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// Run starts the bridge in cfg.Mode and blocks until ctx is done or a
// component fails.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logBanner(logger, cfg)

	m := metrics.New()

	var jr *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		jr, err = journal.Open(ctx, cfg.JournalPath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := jr.Close(); err != nil {
				logger.Warn("journal close failed", "error", err)
			}
		}()
		logger.Info("delivery journal enabled", "path", cfg.JournalPath)
	}

	client := delivery.NewClient(delivery.Config{
		URL:      cfg.APIURL,
		Location: cfg.Location,
		Timeout:  cfg.APITimeout,
	}, nil)

	deps := supervisor.Deps{
		Filter:  filter.New(cfg.SensorDeviceName),
		Metrics: m,
		Logger:  logger,
	}
	if jr != nil {
		deps.Journal = jr
	}
	sup := supervisor.New(supervisor.Options{
		Mode:     cfg.Mode,
		Location: cfg.Location,
		Gate: gate.Config{
			Enabled:     cfg.GateEnabled,
			MinInterval: cfg.MinSendInterval,
			MinChange:   cfg.MinChange,
		},
		BackoffEnabled: cfg.BackoffEnabled,
		Interval:       cfg.PollInterval,
		BackoffAfter:   cfg.BackoffAfter,
		BackoffPause:   cfg.BackoffPause,
	}, client, deps)

	g, gctx := errgroup.WithContext(ctx)

	var health func() error
	switch cfg.Mode {
	case config.ModePoll:
		src, err := source.Open(cfg)
		if err != nil {
			return fmt.Errorf("open %s sensor: %w", cfg.SensorType, err)
		}
		defer func() { _ = src.Close() }()
		logger.Info("sensor ready", "sensor", source.Name(src))

		g.Go(func() error { return sup.RunPoll(gctx, src) })

	case config.ModePush:
		sub, err := mqtt.NewSubscriber(cfg, sup, logger)
		if err != nil {
			return err
		}
		health = func() error {
			if !sub.IsConnected() {
				return errors.New("mqtt not connected")
			}
			return nil
		}

		g.Go(func() error {
			defer sup.Drain()
			defer sub.Disconnect()
			if err := sub.Connect(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return gctx.Err()
		})

	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	if cfg.HTTPAddr != "" {
		apiDeps := httpapi.Deps{
			Status:  sup,
			Health:  health,
			Metrics: m.Handler(),
			Logger:  logger,
		}
		if jr != nil {
			apiDeps.Journal = jr
		}
		srv := httpapi.NewServer(cfg.HTTPAddr, apiDeps)

		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			logger.Info("http shutting down")
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func logBanner(logger *slog.Logger, cfg config.Config) {
	attrs := []any{
		"mode", cfg.Mode,
		"location", cfg.Location,
		"api_url", cfg.APIURL,
		"gate_enabled", cfg.GateEnabled,
		"backoff_enabled", cfg.BackoffEnabled,
	}
	if cfg.GateEnabled {
		attrs = append(attrs, "min_send_interval", cfg.MinSendInterval, "min_change", cfg.MinChange)
	}
	switch cfg.Mode {
	case config.ModePoll:
		attrs = append(attrs, "sensor", cfg.SensorType, "interval", cfg.PollInterval)
	case config.ModePush:
		attrs = append(attrs,
			"mqtt_broker", cfg.MQTTBroker,
			"mqtt_port", cfg.MQTTPort,
			"mqtt_client_id", cfg.MQTTClientID,
			"mqtt_topic", cfg.MQTTTopic,
			"device", cfg.SensorDeviceName,
		)
	}
	logger.Info("temperature bridge starting", attrs...)
}
