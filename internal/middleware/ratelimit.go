package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window: at most RequestsPerWindow requests per
// key every WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate rejects non-positive limits.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultPOSLimit is 60 checks per scanner per minute.
func DefaultPOSLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 60, WindowDuration: time.Minute}
}

// DefaultVerificationLimit is 30 verification submissions per principal per minute.
func DefaultVerificationLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 30, WindowDuration: time.Minute}
}

// RateLimitStore holds window counters. Allow reports whether the request is
// admitted, how many remain in the window, and when blocked the whole
// seconds until the window resets.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore keeps counters for a single API instance. Call
// Cleanup periodically to drop expired windows.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore returns an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, config.RequestsPerWindow - 1, 0
	}
	if b.count < config.RequestsPerWindow {
		b.count++
		return true, config.RequestsPerWindow - b.count, 0
	}
	return false, 0, secondsUntil(b.windowEnd.Sub(now))
}

// Cleanup removes expired windows.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if !now.Before(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// Len returns the number of live windows.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// redisKeyPrefix namespaces rate limit counters in Redis.
const redisKeyPrefix = "ratelimit:"

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// shared across API instances. Redis errors fail open.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
	logger  *slog.Logger
}

// RedisRateLimitOption configures a RedisRateLimitStore.
type RedisRateLimitOption func(*RedisRateLimitStore)

// WithRedisMetrics counts fail-open events on m.
func WithRedisMetrics(m *Metrics) RedisRateLimitOption {
	return func(s *RedisRateLimitStore) {
		s.metrics = m
	}
}

// WithRedisLogger sets the logger used for Redis errors.
func WithRedisLogger(l *slog.Logger) RedisRateLimitOption {
	return func(s *RedisRateLimitStore) {
		s.logger = l
	}
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client, opts ...RedisRateLimitOption) *RedisRateLimitStore {
	s := &RedisRateLimitStore{client: client, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Allow increments the window counter for key. The expiry is set only when
// the counter has none so the window is fixed from the first request.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	k := redisKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.failOpen(ctx, config, err)
	}

	if incr.Val() == 1 || ttl.Val() < 0 {
		if err := s.client.PExpire(ctx, k, config.WindowDuration).Err(); err != nil {
			return s.failOpen(ctx, config, err)
		}
		ttl.SetVal(config.WindowDuration)
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}

	wait := ttl.Val()
	if wait <= 0 {
		wait = config.WindowDuration
	}
	return false, 0, secondsUntil(wait)
}

func (s *RedisRateLimitStore) failOpen(ctx context.Context, config RateLimitConfig, err error) (bool, int, int) {
	s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
	return true, config.RequestsPerWindow, 0
}

func secondsUntil(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s <= 0 {
		s = 1
	}
	return s
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys on the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// PrincipalKeyFunc keys on the authenticated principal, falling back to the
// client IP for anonymous requests.
func PrincipalKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if p, ok := GetPrincipal(r.Context()); ok && p.ID != "" {
			return "principal:" + p.ID
		}
		return "ip:" + ipFunc(r)
	}
}

// ScannerIDHeader identifies the point-of-sale scanner making a request.
const ScannerIDHeader = "X-Scanner-ID"

// ScannerKeyFunc returns a KeyFunc that limits each point-of-sale scanner
// independently, falling back to the principal key.
func ScannerKeyFunc() KeyFunc {
	principalFunc := PrincipalKeyFunc()
	return func(r *http.Request) string {
		if id := strings.TrimSpace(r.Header.Get(ScannerIDHeader)); id != "" {
			return "scanner:" + id
		}
		return principalFunc(r)
	}
}

func keyType(key string) string {
	if t, _, ok := strings.Cut(key, ":"); ok {
		return t
	}
	return "ip"
}

// RateLimiter answers 429 rate_limited with Retry-After once a key exhausts
// its window. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			endpoint := normalizePath(r.URL.Path)
			if metrics != nil {
				metrics.IncRateLimitRequests(endpoint, keyType(key))
			}

			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(endpoint, keyType(key))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				writeError(w, r.Context(), http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
