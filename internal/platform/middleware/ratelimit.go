package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// Redis shares counters across replicas when set.
	Redis  *redis.Client
	Logger zerolog.Logger
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 50, BurstSize: 100, Logger: zerolog.Nop()}
}

// RateLimit limits each caller. Authenticated callers get their own budget;
// anonymous ones share one per client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	memory := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: 3 * time.Minute,
	})
	var store echomw.RateLimiterStore = memory
	if cfg.Redis != nil {
		store = NewRedisRateLimitStore(cfg.Redis, windowLimit(cfg), memory, cfg.Logger)
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if uid, ok := c.Get("user_id").(string); ok && uid != "" {
				return "user:" + uid, nil
			}
			return "ip:" + c.RealIP(), nil
		},
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			h := c.Response().Header()
			h.Set("Retry-After", strconv.Itoa(retryAfter(cfg.RequestsPerSecond)))
			h.Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

func retryAfter(rps float64) int {
	if rps <= 0 {
		return 1
	}
	return int(math.Ceil(1 / rps))
}

// windowLimit is the number of requests a caller may make in one
// one-second window: the sustained rate plus the burst allowance.
func windowLimit(cfg RateLimitConfig) int64 {
	n := int64(math.Ceil(cfg.RequestsPerSecond))
	if int64(cfg.BurstSize) > n {
		n = int64(cfg.BurstSize)
	}
	if n < 1 {
		n = 1
	}
	return n
}

const rateLimitKeyPrefix = "mindcare:ratelimit:"

// RedisRateLimitStore counts requests per caller in fixed one-second windows.
// When Redis is unreachable it defers to the fallback store.
type RedisRateLimitStore struct {
	client   *redis.Client
	limit    int64
	fallback echomw.RateLimiterStore
	logger   zerolog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewRedisRateLimitStore(client *redis.Client, limit int64, fallback echomw.RateLimiterStore, logger zerolog.Logger) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client:   client,
		limit:    limit,
		fallback: fallback,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		timeout:  100 * time.Millisecond,
		now:      time.Now,
	}
}

func (s *RedisRateLimitStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := fmt.Sprintf("%s%s:%d", rateLimitKeyPrefix, identifier, s.now().Unix())
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("redis rate limit unavailable, using local limiter")
		if s.fallback == nil {
			return true, nil
		}
		return s.fallback.Allow(identifier)
	}
	return incr.Val() <= s.limit, nil
}
