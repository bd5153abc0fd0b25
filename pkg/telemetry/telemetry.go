package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of
// one process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	logCloser io.Closer
	redis     *redis.Client
}

// New builds every component from cfg and wires the subscribers: the log
// subscriber, the metrics recorder and, when an address is configured,
// the Redis stream sink.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logCloser, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	t := &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   NewMetrics(cfg.Metrics),
		Events:    NewEventPublisher(cfg.Events.BufferSize),
		Config:    cfg,
		logCloser: logCloser,
	}

	t.Events.Subscribe(LogSubscriber(logger), nil)
	t.Events.Subscribe(t.Metrics.Record, nil)

	if cfg.Events.RedisAddr != "" {
		client, err := DialRedis(ctx, cfg.Events.RedisAddr)
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Events.RedisAddr).Msg("Redis event stream unavailable")
		} else {
			t.redis = client
			t.Events.Subscribe(NewRedisSink(client, cfg.Events.Stream, cfg.Events.MaxLen, logger).Handle, nil)
		}
	}

	return t, nil
}

// Shutdown drains the event publisher, flushes spans and closes the
// remaining resources.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.redis != nil {
		if err := t.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
