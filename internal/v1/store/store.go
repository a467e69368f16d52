// Package store is the facade over the Redis-compatible coordination store.
// Every distributed primitive in the control plane (locks, name reservations,
// scheduler leases, the event bus) goes through this one client so that
// circuit breaking, metrics, and error mapping live in a single place.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/metrics"
)

// ZMember is one sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client. The rate limiter store and
// tests reach through this; everything else uses the facade methods.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Options configure the connection beyond the address.
type Options struct {
	Password string
	DB       int
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(addr string, opts Options) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.RedisBreakerState.Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr, "db", opts.DB)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// do runs one store call through the circuit breaker, recording metrics and
// mapping failures onto the dependency-unavailable error kind. Callers of
// the lock service rely on errors being visible here: a dropped write could
// otherwise look like a held lock.
func (s *Service) do(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Unavailable(err, "redis circuit breaker open")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Cancelled(err)
		}
		return nil, apperr.Unavailable(err, fmt.Sprintf("redis %s failed", op))
	}

	metrics.RedisOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// --- Strings ---

// Get reads a string key. The second return reports whether the key exists.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.do("get", func() (any, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Set writes a string key with an optional TTL (0 = no expiry).
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do("set", func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetNX writes the key only when absent. Returns whether the write happened.
func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.do("setnx", func() (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Del removes the given keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.do("del", func() (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// Exists reports whether the key is present.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.do("exists", func() (any, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

// Expire sets a TTL on an existing key.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.do("expire", func() (any, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// Incr increments a counter key and returns the new value.
func (s *Service) Incr(ctx context.Context, key string) (int64, error) {
	res, err := s.do("incr", func() (any, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Decr decrements a counter key and returns the new value.
func (s *Service) Decr(ctx context.Context, key string) (int64, error) {
	res, err := s.do("decr", func() (any, error) {
		return s.client.Decr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Sorted sets ---

// ZAdd inserts or updates one member with its score.
func (s *Service) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.do("zadd", func() (any, error) {
		return nil, s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZScore reads one member's score. The bool reports membership.
func (s *Service) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	res, err := s.do("zscore", func() (any, error) {
		score, err := s.client.ZScore(ctx, key, member).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return score, nil
	})
	if err != nil {
		return 0, false, err
	}
	if res == nil {
		return 0, false, nil
	}
	return res.(float64), true, nil
}

// ZRem removes members from a sorted set.
func (s *Service) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.do("zrem", func() (any, error) {
		return nil, s.client.ZRem(ctx, key, args...).Err()
	})
	return err
}

// ZCard returns the member count of a sorted set.
func (s *Service) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := s.do("zcard", func() (any, error) {
		return s.client.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// ZPopMin pops the lowest-scored member. The bool reports whether the set
// had any member to pop.
func (s *Service) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	res, err := s.do("zpopmin", func() (any, error) {
		zs, err := s.client.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			return nil, err
		}
		if len(zs) == 0 {
			return nil, nil
		}
		return ZMember{Member: zs[0].Member.(string), Score: zs[0].Score}, nil
	})
	if err != nil {
		return ZMember{}, false, err
	}
	if res == nil {
		return ZMember{}, false, nil
	}
	return res.(ZMember), true, nil
}

// ZRangeWithScores returns every member of the set ordered by score.
func (s *Service) ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error) {
	res, err := s.do("zrange", func() (any, error) {
		zs, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		members := make([]ZMember, 0, len(zs))
		for _, z := range zs {
			members = append(members, ZMember{Member: z.Member.(string), Score: z.Score})
		}
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]ZMember), nil
}

// ZRemRangeByScore removes members with scores inside [min, max] and
// returns how many were removed. Bounds use Redis syntax ("-inf", "(5", "10").
func (s *Service) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	res, err := s.do("zremrangebyscore", func() (any, error) {
		return s.client.ZRemRangeByScore(ctx, key, min, max).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Sets ---

// SAdd adds a member to a set.
func (s *Service) SAdd(ctx context.Context, key, member string) error {
	_, err := s.do("sadd", func() (any, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	return err
}

// SRem removes a member from a set.
func (s *Service) SRem(ctx context.Context, key, member string) error {
	_, err := s.do("srem", func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	return err
}

// SMembers returns all members of a set.
func (s *Service) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.do("smembers", func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Hashes ---

// HSet writes one hash field.
func (s *Service) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.do("hset", func() (any, error) {
		return nil, s.client.HSet(ctx, key, field, value).Err()
	})
	return err
}

// HGet reads one hash field. The bool reports whether the field exists.
func (s *Service) HGet(ctx context.Context, key, field string) (string, bool, error) {
	res, err := s.do("hget", func() (any, error) {
		val, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// HDel removes hash fields.
func (s *Service) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.do("hdel", func() (any, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// --- Scanning ---

// ScanKeys walks the keyspace with SCAN and returns every key matching the
// pattern. Used by GC paths only; never on a request path.
func (s *Service) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.do("scan", func() (any, error) {
		var keys []string
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return keys, nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Scripting ---

// Eval runs a server-side script. redis.Script caches by SHA so repeat
// executions use EVALSHA with an EVAL fallback.
func (s *Service) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return s.do("eval", func() (any, error) {
		return script.Run(ctx, s.client, keys, args...).Result()
	})
}

// --- Pub/Sub ---

// Publish broadcasts raw bytes on a channel.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.do("publish", func() (any, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Subscribe starts a background goroutine that delivers every message on the
// channel to the handler until the context is cancelled.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte)) {
	if s == nil || s.client == nil {
		return
	}

	// Long-lived subscriptions don't fit a request/response circuit breaker;
	// the go-redis pubsub reconnects internally.
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// --- Lifecycle ---

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return apperr.Unavailable(nil, "redis not configured")
	}
	_, err := s.do("ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
