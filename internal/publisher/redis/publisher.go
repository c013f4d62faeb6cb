// internal/publisher/redis/publisher.go
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lrm-service/internal/config"
	"lrm-service/internal/event"
)

const opTimeout = 2 * time.Second

// Publisher streams bus events to Redis. Measurements are published on the
// configured channel and kept in a capped per-device list; other events go
// to <channel>:events.
type Publisher struct {
	client      *redis.Client
	channel     string
	historySize int64
	logger      *zap.Logger
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	logger = logger.With(zap.String("component", "redis-publisher"), zap.String("addr", cfg.Addr))
	logger.Info("Redis connected")

	return &Publisher{
		client:      client,
		channel:     cfg.Channel,
		historySize: cfg.HistorySize,
		logger:      logger,
	}, nil
}

// Run publishes events until ctx is done or the channel is closed.
func (p *Publisher) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			err := p.Publish(opCtx, e)
			cancel()
			if err != nil {
				p.logger.Warn("Failed to publish event",
					zap.String("event_type", e.Type),
					zap.String("source", e.Source),
					zap.Error(err),
				)
			}
		}
	}
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	if e.Type != event.TypeMeasurement || e.Measurement == nil {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", e.Type, err)
		}
		return p.client.Publish(ctx, EventsChannel(p.channel), payload).Err()
	}

	payload, err := json.Marshal(e.Measurement)
	if err != nil {
		return fmt.Errorf("marshal measurement: %w", err)
	}
	key := HistoryKey(e.Measurement.SessionID)

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, payload)
		if p.historySize > 0 {
			pipe.LPush(ctx, key, payload)
			pipe.LTrim(ctx, key, 0, p.historySize-1)
		}
		return nil
	})
	return err
}

// Recent returns up to n of the newest measurements of a session, newest
// first.
func (p *Publisher) Recent(ctx context.Context, sessionID string, n int64) ([]event.Measurement, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := p.client.LRange(ctx, HistoryKey(sessionID), 0, n-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]event.Measurement, 0, len(raw))
	for _, r := range raw {
		var m event.Measurement
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			p.logger.Warn("Skipping malformed history entry", zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// HistoryKey is the list holding the recent measurements of a session.
func HistoryKey(sessionID string) string {
	return "lrm:" + sessionID + ":history"
}

// EventsChannel is the channel for non-measurement events.
func EventsChannel(channel string) string {
	return channel + ":events"
}
