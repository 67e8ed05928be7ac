// Package lastgood keeps the last quotes each position was successfully
// valued with in Redis, so stale fallback works across restarts.
package lastgood

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const (
	keyPrefix  = "lastgood:"
	DefaultTTL = 7 * 24 * time.Hour
)

// Store is a Redis-backed pricing last-known-good store. Each quote is a hash
// with price, source and ts (unix milliseconds) fields.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis. Entries expire after ttl without a refresh.
func New(redisURL, password string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

// Close shuts down the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func priceKey(positionName, symbol string) string {
	return keyPrefix + "price:" + positionName + ":" + symbol
}

func aprKey(positionName, poolKey string) string {
	return keyPrefix + "apr:" + positionName + ":" + poolKey
}

func (s *Store) save(ctx context.Context, key string, value float64, source string, at time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"value", strconv.FormatFloat(value, 'g', -1, 64),
		"source", source,
		"ts", at.UnixMilli(),
	)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string) (value float64, source string, at time.Time, ok bool, err error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, "", time.Time{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	if len(fields) == 0 {
		return 0, "", time.Time{}, false, nil
	}
	value, err = strconv.ParseFloat(fields["value"], 64)
	if err != nil {
		return 0, "", time.Time{}, false, fmt.Errorf("load %s: bad value %q: %w", key, fields["value"], err)
	}
	ms, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return 0, "", time.Time{}, false, fmt.Errorf("load %s: bad ts %q: %w", key, fields["ts"], err)
	}
	return value, fields["source"], time.UnixMilli(ms).UTC(), true, nil
}

// SaveQuote records q as the last price positionName was valued with.
func (s *Store) SaveQuote(ctx context.Context, positionName string, q pricing.Quote) error {
	return s.save(ctx, priceKey(positionName, q.Symbol), q.Price, q.Source, q.FetchedAt)
}

// LoadQuote returns the last recorded price, ok is false when none exists.
func (s *Store) LoadQuote(ctx context.Context, positionName, symbol string) (pricing.Quote, bool, error) {
	v, src, at, ok, err := s.load(ctx, priceKey(positionName, symbol))
	if err != nil || !ok {
		return pricing.Quote{}, false, err
	}
	return pricing.Quote{Symbol: symbol, Price: v, Source: src, FetchedAt: at}, true, nil
}

// SaveYield records y as the last APR positionName was valued with.
func (s *Store) SaveYield(ctx context.Context, positionName string, y pricing.YieldQuote) error {
	return s.save(ctx, aprKey(positionName, y.PoolKey), y.APR, y.Source, y.FetchedAt)
}

// LoadYield returns the last recorded APR, ok is false when none exists.
func (s *Store) LoadYield(ctx context.Context, positionName, poolKey string) (pricing.YieldQuote, bool, error) {
	v, src, at, ok, err := s.load(ctx, aprKey(positionName, poolKey))
	if err != nil || !ok {
		return pricing.YieldQuote{}, false, err
	}
	return pricing.YieldQuote{PoolKey: poolKey, APR: v, Source: src, FetchedAt: at}, true, nil
}
